package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tap/internal/daemon"
)

var stopTimeout time.Duration

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running tap",
	Long: `Stop a running tap gracefully.

The process named in the PID file receives SIGTERM, drains its channels,
sends a final report and exits.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(pidFile, stopTimeout, cmd.OutOrStdout())
	},
}

func init() {
	stopCmd.Flags().DurationVarP(&stopTimeout, "timeout", "t", 30*time.Second,
		"how long to wait for the process to exit")
}

func runStop(path string, timeout time.Duration, out io.Writer) error {
	if err := daemon.StopProcess(path, timeout); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ tap stopped")
	return nil
}
