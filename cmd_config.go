package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	var asYAML bool
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if asYAML {
				data, err := yaml.Marshal(root.cfg)
				if err != nil {
					return fmt.Errorf("encode config: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			if root.jsonOutput() {
				return writeJSON(cmd.OutOrStdout(), root.cfg)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Loaded from %s\n", root.source)
			root.cfg.Print()
			return nil
		},
	}
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print the merged settings as YAML")
	return cmd
}
