package main

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"cellpop/internal/census"
	"cellpop/internal/stats"
	"cellpop/pkg/cellpop"
)

func newRunsCmd(app *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List stored runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if limit <= 0 {
				return errors.New("limit must be > 0")
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				runs, err := client.Runs(cmd.Context(), cellpop.RunsRequest{Limit: limit})
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), runs)
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no runs found")
					return nil
				}
				rows := make([][]string, 0, len(runs))
				for _, r := range runs {
					stop := r.StopReason
					if !r.Completed && stop == "" {
						stop = "running"
					}
					rows = append(rows, []string{
						r.RunID,
						formatCreated(r.CreatedAtUTC),
						humanize.Comma(int64(r.Founders)),
						strconv.Itoa(r.Generations),
						humanize.Comma(int64(r.Cells)),
						stop,
					})
				}
				renderTable(cmd.OutOrStdout(), []string{"RUN ID", "CREATED", "FOUNDERS", "GENERATIONS", "CELLS", "STOP"}, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")
	return cmd
}

func newGenerationsCmd(app *cli) *cobra.Command {
	var refFlags runRefFlags
	cmd := &cobra.Command{
		Use:   "generations",
		Short: "Show per-generation outcome counts for a run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("generations")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				gens, err := client.Generations(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), gens)
				}
				renderGenerations(cmd.OutOrStdout(), gens)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	return cmd
}

func newDescendantsCmd(app *cli) *cobra.Command {
	var refFlags runRefFlags
	cmd := &cobra.Command{
		Use:   "descendants <generation> <index>",
		Short: "List every descendant of one cell, grouped by generation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			generation, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid generation %q: %w", args[0], err)
			}
			index, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid index %q: %w", args[1], err)
			}
			ref, err := refFlags.ref("descendants")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				desc, err := client.Descendants(cmd.Context(), cellpop.DescendantsRequest{
					RunRef:     ref,
					Generation: generation,
					Index:      index,
				})
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), desc)
				}
				if len(desc) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "cell g%dc%d has no descendants\n", generation, index)
					return nil
				}
				gens := make([]int, 0, len(desc))
				for g := range desc {
					gens = append(gens, g)
				}
				sort.Ints(gens)
				for _, g := range gens {
					idx := make([]string, len(desc[g]))
					for i, v := range desc[g] {
						idx[i] = strconv.Itoa(v)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "gen=%d cells=%s\n", g, strings.Join(idx, ","))
				}
				return nil
			})
		},
	}
	refFlags.register(cmd)
	return cmd
}

func newLineagesCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		founders []int
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "lineages",
		Short: "List terminal lineages, concatenated from founder to leaf",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("lineages")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				items, err := client.Lineages(cmd.Context(), cellpop.LineagesRequest{RunRef: ref, Founders: founders})
				if err != nil {
					return err
				}
				if limit > 0 && len(items) > limit {
					items = items[:limit]
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no lineages")
					return nil
				}
				rows := make([][]string, 0, len(items))
				for _, it := range items {
					rows = append(rows, []string{
						it.Lineage,
						strconv.Itoa(it.Generation),
						strconv.Itoa(it.Index),
						formatHours(it.StartHours),
						formatHours(it.EndHours),
						string(it.Outcome),
					})
				}
				renderTable(cmd.OutOrStdout(), []string{"LINEAGE", "GEN", "INDEX", "START H", "END H", "OUTCOME"}, rows)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().IntSliceVar(&founders, "founder", nil, "founder indices to walk (default all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max lineage rows to print (<=0 for all)")
	return cmd
}

func newTreeCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		founder  int
		between  []string
	)
	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Print the lineage tree of one founder, or the whole forest, as Newick",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("tree")
			if err != nil {
				return err
			}
			if len(between) > 0 && (len(between) != 2 || founder == 0) {
				return errors.New("--distance takes two node names and requires --founder")
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				if len(between) == 2 {
					d, err := client.Distance(cmd.Context(), cellpop.DistanceRequest{
						RunRef:  ref,
						Founder: founder,
						From:    between[0],
						To:      between[1],
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", between[0], between[1], strconv.FormatFloat(d, 'f', -1, 64))
					return nil
				}
				tree, err := client.Tree(cmd.Context(), cellpop.TreeRequest{RunRef: ref, Founder: founder})
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), tree)
				}
				fmt.Fprintln(cmd.OutOrStdout(), tree.Newick)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().IntVar(&founder, "founder", 0, "founder index (0 renders every founder)")
	cmd.Flags().StringSliceVar(&between, "distance", nil, "print the distance in hours between two nodes, e.g. g2c1,g3c2")
	return cmd
}

func newCensusCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		csvOut   bool
		medianOf []string
	)
	cmd := &cobra.Command{
		Use:   "census",
		Short: "Show the number of living cells over time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var ref cellpop.RunRef
			if len(medianOf) == 0 {
				var err error
				if ref, err = refFlags.ref("census"); err != nil {
					return err
				}
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				var (
					curve census.Curve
					err   error
				)
				if len(medianOf) > 0 {
					curve, err = client.CensusMedian(cmd.Context(), medianOf)
				} else {
					curve, err = client.Census(cmd.Context(), ref)
				}
				if err != nil {
					return err
				}
				switch {
				case app.jsonOut:
					return writeJSON(cmd.OutOrStdout(), curve)
				case csvOut:
					return stats.EncodeCensusCSV(cmd.OutOrStdout(), curve)
				}
				rows := make([][]string, 0, curve.Len())
				for i := range curve.Times {
					rows = append(rows, []string{
						formatHours(curve.Times[i]),
						strconv.FormatFloat(curve.Counts[i], 'f', -1, 64),
					})
				}
				renderTable(cmd.OutOrStdout(), []string{"TIME H", "ALIVE"}, rows)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().BoolVar(&csvOut, "csv", false, "emit the census as CSV")
	cmd.Flags().StringSliceVar(&medianOf, "median-of", nil, "median census across these run ids")
	return cmd
}

func newObserveCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		species  string
	)
	cmd := &cobra.Command{
		Use:   "observe",
		Short: "Write one species for every cell on the census grid as CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if species == "" {
				return errors.New("observe requires --species")
			}
			ref, err := refFlags.ref("observe")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				obs, err := client.Observe(cmd.Context(), cellpop.ObserveRequest{RunRef: ref, Species: species})
				if err != nil {
					return err
				}
				return stats.EncodeObservationCSV(cmd.OutOrStdout(), obs.Times, obs.Cells, obs.Values)
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().StringVar(&species, "species", "", "species name, e.g. PARP")
	return cmd
}

func newGroupsCmd(app *cli) *cobra.Command {
	var refFlags runRefFlags
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "Split founders by how many descendants they produced",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("groups")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				groups, err := client.Groups(cmd.Context(), ref)
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), groups)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "none=%s\n", joinInts(groups.None))
				fmt.Fprintf(out, "few=%s\n", joinInts(groups.Few))
				fmt.Fprintf(out, "many=%s\n", joinInts(groups.Many))
				return nil
			})
		},
	}
	refFlags.register(cmd)
	return cmd
}

func newRankCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		group    string
	)
	cmd := &cobra.Command{
		Use:   "rank",
		Short: "Rank species by how a founder group's lineages diverge from non-dividing founders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("rank")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				ranking, err := client.Rank(cmd.Context(), cellpop.RankRequest{RunRef: ref, Group: group})
				if err != nil {
					return err
				}
				sorted := ranking.Sorted()
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), sorted)
				}
				rows := make([][]string, 0, len(sorted))
				for _, s := range sorted {
					rows = append(rows, []string{
						s.Name,
						strconv.FormatFloat(s.Score, 'f', 2, 64),
						strconv.FormatFloat(s.AUC, 'g', 4, 64),
					})
				}
				fmt.Fprintf(cmd.OutOrStdout(), "comparisons=%d\n", ranking.Comparisons)
				renderTable(cmd.OutOrStdout(), []string{"SPECIES", "SCORE", "AUC"}, rows)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().StringVar(&group, "group", "few", "founder group to compare: few|many")
	return cmd
}

func newExportCmd(app *cli) *cobra.Command {
	var (
		refFlags runRefFlags
		outDir   string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Copy a run's artifacts to an export directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := refFlags.ref("export")
			if err != nil {
				return err
			}
			return app.withClient(cmd, func(client *cellpop.Client) error {
				exported, err := client.Export(cmd.Context(), cellpop.ExportRequest{RunRef: ref, OutDir: outDir})
				if err != nil {
					return err
				}
				if app.jsonOut {
					return writeJSON(cmd.OutOrStdout(), exported)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "exported run_id=%s to=%s\n", exported.RunID, exported.Directory)
				return nil
			})
		},
	}
	refFlags.register(cmd)
	cmd.Flags().StringVar(&outDir, "out", exportsDir, "export output directory")
	return cmd
}

func joinInts(values []int) string {
	if len(values) == 0 {
		return "-"
	}
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}
