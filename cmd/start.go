package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/tap/internal/config"
	"firestige.xyz/tap/internal/daemon"
)

// Runner is the part of the daemon the start command drives.
type Runner interface {
	Start() error
	Run() error
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the tap in the foreground",
	Long: `Start the tap in the foreground. It runs until SIGINT or SIGTERM, or
until a non-looping pcap replay has been consumed.

Examples:
  tap start                                 # Start with the built-in defaults
  tap start -c /etc/tap/config.yml          # Start with a configuration file
  TAP_SOURCE_PCAP_FILE=dump.pcap tap start  # Replay a capture file`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		d, err := daemon.New(cfg, pidFile)
		if err != nil {
			return err
		}
		return runStart(d, cmd.OutOrStdout())
	},
}

func runStart(r Runner, out io.Writer) error {
	if err := r.Start(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Fprintln(out, "✓ tap started")
	if err := r.Run(); err != nil {
		return fmt.Errorf("tap stopped with error: %w", err)
	}
	fmt.Fprintln(out, "✓ tap stopped")
	return nil
}
