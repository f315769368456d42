package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and print the effective settings",
	Long: `Load the configuration file given with --config, apply defaults and
ZEPHYR_* environment overrides, validate it and print the result as YAML.
Secrets are masked.

Examples:
  zephyr validate -c /etc/zephyr/zephyr.yml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.Dump()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "# VALID\n%s", out)
		return nil
	},
}
