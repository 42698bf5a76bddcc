package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// NewCmdConfig creates the config command.
func NewCmdConfig(g *GlobalFlags) *cobra.Command {
	var write string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration, or write it to a file.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.Load()
			if err != nil {
				return err
			}

			if write != "" {
				if err := cfg.SaveConfig(write); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", write)
				return nil
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			if err := encoder.Encode(cfg); err != nil {
				return err
			}

			return validate(cfg)
		},
	}

	cmd.Flags().StringVarP(&write, "write", "w", write,
		"Write the configuration to this file instead of printing it.")

	return cmd
}
