// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"github.com/spf13/cobra"
)

// Version is stamped at build time with -ldflags "-X firestige.xyz/tap/cmd.Version=...".
var Version = "dev"

var (
	// Global flags
	configFile string
	pidFile    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tap",
	Short: "tap - passive network sensor",
	Long: `tap passively observes wired and 802.11 traffic, keeps per-session tables
(TCP, UDP, DNS, ARP, DHCP, SSH, SOCKS, 802.11) and periodically reports them
to a leader.

Frames come from an external capture component or from a replayed pcap file.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults are used when empty)")
	rootCmd.PersistentFlags().StringVarP(&pidFile, "pid-file", "p", "/var/run/tap.pid",
		"PID file path")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
