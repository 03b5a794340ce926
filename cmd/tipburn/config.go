package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	var asJSON bool
	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long: `Prints the configuration after defaults, the config file, TIPBURN_*
environment variables and flags have been applied.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				data []byte
				err  error
			)
			if asJSON {
				data, err = a.cfg.JSON()
				data = append(data, '\n')
			} else {
				data, err = a.cfg.YAML()
			}
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			if a.cfg.File != "" {
				a.logger.Debug("showing config", "file", a.cfg.File)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
	show.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	cmd.AddCommand(show)
	return cmd
}
