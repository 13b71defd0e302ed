package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cellpop/internal/config"
	"cellpop/pkg/cellpop"
)

func newRunCmd(app *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one population experiment",
		Long: `Seed the founder population, simulate generations until every cell has
died or finished the experiment, and checkpoint each generation.

Examples:
  cellpopctl run --population 50 --hours 96
  cellpopctl run --store sqlite --db-path cellpop.db --deterministic --seed 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.load()
			if err != nil {
				return err
			}
			client, err := app.client(cmd, cfg, true)
			if err != nil {
				return err
			}
			defer func() {
				_ = client.Close()
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			summary, err := client.Run(ctx, cfg)
			if err != nil {
				return err
			}
			if app.jsonOut {
				return writeJSON(cmd.OutOrStdout(), summary)
			}
			printRunSummary(cmd, summary)
			return nil
		},
	}

	d := config.Default()
	fs := cmd.Flags()
	fs.Int("population", d.Population, "number of founder cells")
	fs.Float64("hours", d.ExperimentHours, "experiment duration in hours")
	fs.Int("workers", d.Workers, "parallel cell simulations")
	fs.Int64("seed", d.Seed, "random seed")
	fs.Int("max-generations", d.MaxGenerations, "stop after this many generations (0 is unbounded)")
	fs.Bool("deterministic", d.Deterministic, "run the solver without stochastic noise")
	fs.String("solver", d.Solver, "solver model name")
	fs.String("metrics-addr", d.MetricsAddr, "serve prometheus metrics on this address during the run")
	app.bind(fs, map[string]string{
		"population":      "population",
		"hours":           "experiment_hours",
		"workers":         "workers",
		"seed":            "seed",
		"max-generations": "max_generations",
		"deterministic":   "deterministic",
		"solver":          "solver",
		"metrics-addr":    "metrics_addr",
	})
	return cmd
}

func printRunSummary(cmd *cobra.Command, summary cellpop.RunSummary) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run_id=%s generations=%d cells=%s final_alive=%s stop=%s\n",
		summary.RunID,
		len(summary.Generations),
		humanize.Comma(int64(summary.Cells)),
		strconv.FormatFloat(summary.FinalAlive, 'f', -1, 64),
		summary.StopReason,
	)
	if summary.ArtifactsDir != "" {
		fmt.Fprintf(out, "artifacts=%s\n", summary.ArtifactsDir)
	}
	renderGenerations(out, summary.Generations)
}
