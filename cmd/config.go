package cmd

import (
	"io"

	"github.com/spf13/cobra"

	"firestige.xyz/tap/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the configuration",
}

var configPrintCmd = &cobra.Command{
	Use:   "print",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runConfigPrint(configFile, cmd.OutOrStdout())
	},
}

func init() {
	configCmd.AddCommand(configPrintCmd)
}

func runConfigPrint(path string, out io.Writer) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	data, err := cfg.YAML()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
