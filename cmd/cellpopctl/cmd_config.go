package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"cellpop/internal/config"
	"cellpop/internal/platform"
)

func newConfigCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or check the effective configuration",
		Long: `Print the configuration after merging defaults, the config file,
CELLPOP_* environment variables and flags.

Examples:
  cellpopctl config show
  CELLPOP_POPULATION=50 cellpopctl config show --json
  cellpopctl config validate --config experiment.yaml`,
	}
	cmd.AddCommand(newConfigShowCmd(app), newConfigValidateCmd(app))
	return cmd
}

func newConfigShowCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.load()
			if err != nil {
				return err
			}
			if app.jsonOut {
				return writeJSON(cmd.OutOrStdout(), cfg)
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newConfigValidateCmd(app *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.load()
			if err != nil {
				return err
			}
			if _, err := platform.Resolve(cfg); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "configuration ok")
			return nil
		},
	}
}
