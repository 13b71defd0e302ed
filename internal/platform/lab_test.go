package platform

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"cellpop/internal/census"
	"cellpop/internal/config"
	"cellpop/internal/metrics"
	"cellpop/internal/stats"
	"cellpop/internal/storage"
)

func smallConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Population = 3
	cfg.Workers = 2
	cfg.Deterministic = true
	cfg.Seed = 5
	cfg.ExperimentHours = 30
	cfg.PreincubationHours = 2
	cfg.Gen0Hours = 22
	cfg.HistoryWindowHours = 2
	cfg.SolverStepHours = 0.5
	cfg.DownsampleStride = 2
	cfg.MaxGenerations = 3
	cfg.ArtifactsDir = filepath.Join(t.TempDir(), "runs")
	return cfg
}

func startedLab(t *testing.T, store storage.Store, recorder *metrics.Recorder) *Lab {
	t.Helper()
	lab := NewLab(Config{Store: store, Recorder: recorder})
	if err := lab.Init(context.Background()); err != nil {
		t.Fatalf("init lab: %v", err)
	}
	t.Cleanup(func() { _ = lab.Stop(context.Background()) })
	return lab
}

func TestInitRequiresStore(t *testing.T) {
	if err := NewLab(Config{}).Init(context.Background()); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestRunExperimentPersistsEveryGeneration(t *testing.T) {
	ctx := context.Background()
	recorder := metrics.NewRecorder()
	lab := startedLab(t, storage.NewMemoryStore(), recorder)
	cfg := smallConfig(t)

	res, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("run experiment: %v", err)
	}
	if res.RunID == "" || !res.Record.Completed || res.StopReason == "" {
		t.Fatalf("unexpected result: %+v", res.Record)
	}
	if len(res.Record.Generations) == 0 || len(res.Record.Generations) > cfg.MaxGenerations {
		t.Fatalf("unexpected generation count: %d", len(res.Record.Generations))
	}
	if res.Record.Generations[0].Cells != cfg.Population {
		t.Fatalf("expected %d founders, got %d", cfg.Population, res.Record.Generations[0].Cells)
	}

	gens, err := lab.Store().ListGenerations(ctx, res.RunID)
	if err != nil {
		t.Fatalf("list generations: %v", err)
	}
	if len(gens) != len(res.Record.Generations) {
		t.Fatalf("expected %d checkpoints, got %v", len(res.Record.Generations), gens)
	}

	record, loaded, err := lab.LoadResults(ctx, res.RunID)
	if err != nil {
		t.Fatalf("load results: %v", err)
	}
	if loaded.Len() != res.Results.Len() || record.StopReason != res.StopReason {
		t.Fatalf("loaded run differs: cells=%d/%d stop=%s/%s", loaded.Len(), res.Results.Len(), record.StopReason, res.StopReason)
	}
	if !reflect.DeepEqual(loaded.Generations(), res.Results.Generations()) {
		t.Fatalf("loaded generations differ: %v vs %v", loaded.Generations(), res.Results.Generations())
	}

	manifest, ok, err := stats.ReadManifest(cfg.ArtifactsDir, res.RunID)
	if err != nil || !ok {
		t.Fatalf("read manifest: ok=%v err=%v", ok, err)
	}
	if manifest.Generations != len(res.Record.Generations) || manifest.Cells != res.Results.Len() {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}
	index, err := stats.ListRunIndex(cfg.ArtifactsDir)
	if err != nil || len(index) != 1 || index[0].RunID != res.RunID {
		t.Fatalf("unexpected run index: %v err=%v", index, err)
	}
}

func TestRunExperimentIsReproducible(t *testing.T) {
	ctx := context.Background()
	lab := startedLab(t, storage.NewMemoryStore(), nil)
	cfg := smallConfig(t)
	cfg.ArtifactsDir = ""

	a, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	cfg.Workers = 3
	b, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if a.RunID == b.RunID {
		t.Fatal("expected distinct run ids")
	}
	for i := range a.Record.Generations {
		ga, gb := a.Record.Generations[i], b.Record.Generations[i]
		ga.DurationSecs, gb.DurationSecs = 0, 0
		if ga != gb {
			t.Fatalf("generation %d differs across worker counts: %+v vs %+v", i+1, ga, gb)
		}
	}
}

func TestRunExperimentConfigErrors(t *testing.T) {
	ctx := context.Background()
	lab := startedLab(t, storage.NewMemoryStore(), nil)

	cases := map[string]func(*config.Config){
		"unknown marker":   func(c *config.Config) { c.Detection.CycleMarker = "nope" },
		"unknown solver":   func(c *config.Config) { c.Solver = "nope" },
		"unknown stimulus": func(c *config.Config) { c.Stimuli = []config.Stimulus{{Species: "nope", Value: 1}} },
		"zero population":  func(c *config.Config) { c.Population = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := smallConfig(t)
			mutate(&cfg)
			if _, err := lab.RunExperiment(ctx, cfg); !errors.Is(err, config.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}

	runs, err := lab.Store().ListRuns(ctx)
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("config errors must not create runs, got %d", len(runs))
	}
}

func TestRunExperimentRequiresStartedLab(t *testing.T) {
	lab := NewLab(Config{Store: storage.NewMemoryStore()})
	if _, err := lab.RunExperiment(context.Background(), smallConfig(t)); err == nil {
		t.Fatal("expected error before Init")
	}
}

func TestLoadResultsUnknownRun(t *testing.T) {
	lab := startedLab(t, storage.NewMemoryStore(), nil)
	if _, _, err := lab.LoadResults(context.Background(), "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestSQLiteRunSurvivesReset(t *testing.T) {
	ctx := context.Background()
	lab := startedLab(t, storage.NewSQLiteStore(filepath.Join(t.TempDir(), "cellpop.db")), nil)
	cfg := smallConfig(t)
	cfg.ArtifactsDir = ""

	res, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if err := lab.Reset(ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	_, loaded, err := lab.LoadResults(ctx, res.RunID)
	if err != nil {
		t.Fatalf("load after reset: %v", err)
	}
	if loaded.Len() != res.Results.Len() {
		t.Fatalf("expected %d cells after reset, got %d", res.Results.Len(), loaded.Len())
	}
}

type fakeModule struct {
	name     string
	log      *[]string
	startErr error
}

func (m *fakeModule) Name() string { return m.name }

func (m *fakeModule) Start(context.Context) error {
	*m.log = append(*m.log, "start:"+m.name)
	return m.startErr
}

func (m *fakeModule) Stop(context.Context) error {
	*m.log = append(*m.log, "stop:"+m.name)
	return nil
}

func TestSupportModuleLifecycle(t *testing.T) {
	ctx := context.Background()
	var log []string
	lab := NewLab(Config{
		Store: storage.NewMemoryStore(),
		SupportModules: []SupportModule{
			&fakeModule{name: "a", log: &log},
			&fakeModule{name: "b", log: &log},
		},
	})
	if err := lab.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	if got := lab.ActiveSupportModules(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("unexpected active modules: %v", got)
	}
	if err := lab.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start:a", "start:b", "stop:b", "stop:a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("unexpected lifecycle: got=%v want=%v", log, want)
	}
	if lab.Started() {
		t.Fatal("lab should be stopped")
	}
}

func TestSupportModuleFailureRollsBack(t *testing.T) {
	var log []string
	lab := NewLab(Config{
		Store: storage.NewMemoryStore(),
		SupportModules: []SupportModule{
			&fakeModule{name: "a", log: &log},
			&fakeModule{name: "b", log: &log, startErr: errors.New("boom")},
		},
	})
	if err := lab.Init(context.Background()); err == nil {
		t.Fatal("expected start failure")
	}
	want := []string{"start:a", "start:b", "stop:a"}
	if !reflect.DeepEqual(log, want) {
		t.Fatalf("unexpected rollback: got=%v want=%v", log, want)
	}

	dup := NewLab(Config{
		Store:          storage.NewMemoryStore(),
		SupportModules: []SupportModule{&fakeModule{name: "x", log: &log}, &fakeModule{name: "x", log: &log}},
	})
	if err := dup.Init(context.Background()); err == nil {
		t.Fatal("expected duplicate module error")
	}
}

func TestMetricsModuleRequiresAddress(t *testing.T) {
	m := &MetricsModule{Recorder: metrics.NewRecorder()}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected address error")
	}
	m.Addr = "127.0.0.1:0"
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestCensusFinalCountsCellsAliveAtHorizon(t *testing.T) {
	ctx := context.Background()
	lab := startedLab(t, storage.NewMemoryStore(), nil)
	cfg := config.Default()
	cfg.Population = 6
	cfg.DownsampleStride = 1
	cfg.ArtifactsDir = filepath.Join(t.TempDir(), "runs")

	res, err := lab.RunExperiment(ctx, cfg)
	if err != nil {
		t.Fatalf("run experiment: %v", err)
	}
	if len(res.Record.Generations) < 2 {
		t.Fatalf("expected divisions past the founders, got %d generations", len(res.Record.Generations))
	}
	record, results, err := lab.LoadResults(ctx, res.RunID)
	if err != nil {
		t.Fatalf("load results: %v", err)
	}

	cells := census.FromResults(results, record.Markers)
	living := 0
	for _, c := range cells {
		iv := c.Interval
		if iv.Divided {
			continue
		}
		if iv.Death == nil && iv.End != cfg.ExperimentHours {
			t.Fatalf("cell %s ends at %v, not on the horizon %v", c.Lineage, iv.End, cfg.ExperimentHours)
		}
		if iv.End == cfg.ExperimentHours && (iv.Death == nil || *iv.Death > cfg.ExperimentHours) {
			living++
		}
	}

	curve := census.Build(census.Intervals(cells))
	if last := curve.Times[curve.Len()-1]; last != cfg.ExperimentHours {
		t.Fatalf("census ends at %v, want %v", last, cfg.ExperimentHours)
	}
	if curve.Final() != float64(living) {
		t.Fatalf("final census %v, want %d living cells", curve.Final(), living)
	}
}
