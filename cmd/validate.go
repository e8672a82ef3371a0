package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/tap/internal/broker"
	"firestige.xyz/tap/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration file, apply defaults and environment overrides,
and check it without starting anything.

Examples:
  tap validate -c /etc/tap/config.yml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(configFile, cmd.OutOrStdout())
	},
}

func runValidate(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("INVALID: %w", err)
	}
	if _, err := broker.ParseFilter(cfg.Broker.Ethernet.Filter); err != nil {
		return fmt.Errorf("INVALID: broker.ethernet.filter: %w", err)
	}

	source := "external"
	if cfg.Source.PcapFile != "" {
		source = cfg.Source.PcapFile
	}
	fmt.Fprintf(out, "VALID: node %q, link %s, report every %s, source %s\n",
		cfg.Node.Name, cfg.Link.Type, cfg.Tables.ReportInterval, source)
	return nil
}
