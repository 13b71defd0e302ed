package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"cellpop/internal/config"
	"cellpop/internal/logging"
	"cellpop/pkg/cellpop"
)

const (
	defaultArtifactsDir = "runs"
	exportsDir          = "exports"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand of one invocation.
type cli struct {
	v          *viper.Viper
	configPath string
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	app := &cli{v: config.NewViper()}
	defaults := config.Default()

	rootCmd := &cobra.Command{
		Use:   "cellpopctl",
		Short: "Simulate dividing cell populations and reconstruct their lineages",
		Long: `cellpopctl runs generation-by-generation simulations of a founder cell
population, checkpoints every generation to a result store and answers
lineage, tree and census queries against stored runs.

Settings come from defaults, then ./cellpop.yaml (or --config), then
CELLPOP_* environment variables, then flags.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return config.ReadFile(app.v, app.configPath)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&app.configPath, "config", "c", "", "config file (default is ./cellpop.yaml)")
	pf.BoolVar(&app.jsonOut, "json", false, "emit JSON")
	pf.String("store", defaults.Store.Kind, "store backend: memory|sqlite")
	pf.String("db-path", defaults.Store.Path, "sqlite database path")
	pf.String("artifacts-dir", defaults.ArtifactsDir, "run artifacts directory (default \"runs\")")
	pf.String("log-level", defaults.Logging.Level, "log level: debug|info|warn|error")
	app.bind(pf, map[string]string{
		"store":         "store.kind",
		"db-path":       "store.path",
		"artifacts-dir": "artifacts_dir",
		"log-level":     "logging.level",
	})

	rootCmd.AddCommand(
		newRunCmd(app),
		newRunsCmd(app),
		newGenerationsCmd(app),
		newDescendantsCmd(app),
		newLineagesCmd(app),
		newTreeCmd(app),
		newCensusCmd(app),
		newObserveCmd(app),
		newGroupsCmd(app),
		newRankCmd(app),
		newExportCmd(app),
		newConfigCmd(app),
	)
	return rootCmd
}

// bind maps flag names onto viper keys.
func (a *cli) bind(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		_ = a.v.BindPFlag(key, fs.Lookup(name))
	}
}

func (a *cli) load() (config.Config, error) {
	return config.Load(a.v)
}

func (a *cli) logger(cmd *cobra.Command, cfg config.Config) *slog.Logger {
	return logging.NewLogger(cfg.Logging.Level, cmd.ErrOrStderr())
}

// client opens the configured store. The metrics endpoint is only served
// when withMetrics is set, which only the run command does.
func (a *cli) client(cmd *cobra.Command, cfg config.Config, withMetrics bool) (*cellpop.Client, error) {
	artifactsDir := cfg.ArtifactsDir
	if artifactsDir == "" {
		artifactsDir = defaultArtifactsDir
	}
	opts := cellpop.Options{
		StoreKind:    cfg.Store.Kind,
		DBPath:       cfg.Store.Path,
		ArtifactsDir: artifactsDir,
		ExportsDir:   exportsDir,
		Logger:       a.logger(cmd, cfg),
	}
	if withMetrics {
		opts.MetricsAddr = cfg.MetricsAddr
	}
	return cellpop.New(opts)
}

// runRefFlags selects a stored run by --run-id or --latest.
type runRefFlags struct {
	runID  string
	latest bool
}

func (f *runRefFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.runID, "run-id", "", "run id")
	cmd.Flags().BoolVar(&f.latest, "latest", false, "use the most recent run")
}

func (f *runRefFlags) ref(command string) (cellpop.RunRef, error) {
	if f.runID != "" && f.latest {
		return cellpop.RunRef{}, errors.New("use either --run-id or --latest, not both")
	}
	if f.runID == "" && !f.latest {
		return cellpop.RunRef{}, fmt.Errorf("%s requires --run-id or --latest", command)
	}
	return cellpop.RunRef{RunID: f.runID, Latest: f.latest}, nil
}

// withClient loads config, opens a client and closes it after fn.
func (a *cli) withClient(cmd *cobra.Command, fn func(*cellpop.Client) error) error {
	cfg, err := a.load()
	if err != nil {
		return err
	}
	client, err := a.client(cmd, cfg, false)
	if err != nil {
		return err
	}
	defer func() {
		_ = client.Close()
	}()
	return fn(client)
}
