package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	Long:  `Print the configuration after merging defaults, the config file, .env files, the environment and flags. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		out, err := cfg.YAML()
		if err != nil {
			return err
		}
		_, err = fmt.Fprint(cmd.OutOrStdout(), string(out))
		return err
	},
}
