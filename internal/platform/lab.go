package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"cellpop/internal/census"
	"cellpop/internal/config"
	"cellpop/internal/detect"
	"cellpop/internal/logging"
	"cellpop/internal/metrics"
	"cellpop/internal/model"
	"cellpop/internal/population"
	"cellpop/internal/reconstruct"
	"cellpop/internal/solver"
	"cellpop/internal/stats"
	"cellpop/internal/storage"
)

var ErrRunNotFound = errors.New("run not found")

// createdAtLayout is RFC3339 with fixed-width nanoseconds so that run
// timestamps sort lexically.
const createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Config struct {
	Store          storage.Store
	Recorder       *metrics.Recorder
	Logger         *slog.Logger
	SupportModules []SupportModule
}

// SupportModule is a long-lived service started with the lab and stopped
// with it, such as the metrics endpoint.
type SupportModule interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Lab owns the result store and runs experiments against it.
type Lab struct {
	store    storage.Store
	recorder *metrics.Recorder
	logger   *slog.Logger

	mu      sync.RWMutex
	started bool
	modules []SupportModule

	config Config
}

func NewLab(cfg Config) *Lab {
	return &Lab{
		store:    cfg.Store,
		recorder: cfg.Recorder,
		logger:   logging.OrDiscard(cfg.Logger),
		config:   cfg,
	}
}

func (l *Lab) Init(ctx context.Context) error {
	if l.store == nil {
		return fmt.Errorf("store is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return nil
	}
	if err := l.store.Init(ctx); err != nil {
		return err
	}

	started := make([]SupportModule, 0, len(l.config.SupportModules))
	seen := make(map[string]bool, len(l.config.SupportModules))
	for i, module := range l.config.SupportModules {
		if module == nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module is nil at index %d", i)
		}
		name := module.Name()
		if name == "" {
			stopSupportModules(ctx, started)
			return fmt.Errorf("support module name is required at index %d", i)
		}
		if seen[name] {
			stopSupportModules(ctx, started)
			return fmt.Errorf("duplicate support module: %s", name)
		}
		seen[name] = true
		if err := module.Start(ctx); err != nil {
			stopSupportModules(ctx, started)
			return fmt.Errorf("start support module %s: %w", name, err)
		}
		started = append(started, module)
	}
	l.modules = started
	l.started = true
	return nil
}

// Reset stops the lab and starts it again.
func (l *Lab) Reset(ctx context.Context) error {
	if err := l.Stop(ctx); err != nil {
		return err
	}
	return l.Init(ctx)
}

// Stop stops support modules in reverse start order and closes the store.
func (l *Lab) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.started {
		return nil
	}
	stopSupportModules(ctx, l.modules)
	l.modules = nil
	l.started = false
	return storage.CloseIfSupported(l.store)
}

func (l *Lab) Started() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.started
}

func (l *Lab) ActiveSupportModules() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.modules))
	for _, m := range l.modules {
		names = append(names, m.Name())
	}
	sort.Strings(names)
	return names
}

func (l *Lab) Store() storage.Store {
	return l.store
}

type ExperimentResult struct {
	RunID      string
	Record     model.RunRecord
	Results    *model.ResultStore
	Markers    model.Markers
	Species    []string
	StopReason string
	RunDir     string
}

// Setup is an experiment's resolved collaborators.
type Setup struct {
	Solver   solver.Solver
	Markers  model.Markers
	Detector *detect.Detector
}

// Resolve builds the solver and detector a config names. Unknown solvers and
// species are configuration errors.
func Resolve(cfg config.Config) (Setup, error) {
	s, err := solver.Resolve(cfg.Solver, solver.Options{StepHours: cfg.SolverStepHours})
	if err != nil {
		return Setup{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	markers, err := ResolveMarkers(s, cfg.Detection)
	if err != nil {
		return Setup{}, err
	}
	d, err := detect.New(detect.Thresholds{
		PeakHeight:      cfg.Detection.PeakHeight,
		TroughThreshold: cfg.Detection.TroughThreshold,
	}, markers)
	if err != nil {
		return Setup{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}
	return Setup{Solver: s, Markers: markers, Detector: d}, nil
}

func ResolveMarkers(s solver.Solver, cfg config.DetectionConfig) (model.Markers, error) {
	var markers model.Markers
	for _, m := range []struct {
		field string
		name  string
		dst   *int
	}{
		{"detection.cycle_marker", cfg.CycleMarker, &markers.Cycle},
		{"detection.intact_marker", cfg.IntactMarker, &markers.Intact},
		{"detection.cleaved_marker", cfg.CleavedMarker, &markers.Cleaved},
	} {
		idx, err := solver.SpeciesIndex(s, m.name)
		if err != nil {
			return model.Markers{}, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfig, m.field, err)
		}
		*m.dst = idx
	}
	return markers, nil
}

// RunExperiment seeds founders, runs generations until extinction or the
// generation cap, checkpoints every generation to the store and, when
// ArtifactsDir is set, writes the run's artifacts.
func (l *Lab) RunExperiment(ctx context.Context, cfg config.Config) (ExperimentResult, error) {
	if !l.Started() {
		return ExperimentResult{}, fmt.Errorf("lab is not started")
	}
	if err := cfg.Validate(); err != nil {
		return ExperimentResult{}, err
	}
	setup, err := Resolve(cfg)
	if err != nil {
		return ExperimentResult{}, err
	}

	seeder, err := population.NewSeeder(population.SeederConfig{
		Solver:             setup.Solver,
		Founders:           cfg.Population,
		Workers:            cfg.Workers,
		Deterministic:      cfg.Deterministic,
		Seed:               cfg.Seed,
		PreincubationHours: cfg.PreincubationHours,
		Gen0Hours:          cfg.Gen0Hours,
		HistoryWindowHours: cfg.HistoryWindowHours,
		ExperimentHours:    cfg.ExperimentHours,
		CycleMarker:        setup.Markers.Cycle,
		Stimuli:            cfg.StimuliMap(),
		DrugSpecies:        cfg.Drug.Species,
		DrugDose:           cfg.Drug.Dose,
		Logger:             l.logger,
	})
	if err != nil {
		return ExperimentResult{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	runID := uuid.NewString()
	settings, err := cfg.Map()
	if err != nil {
		return ExperimentResult{}, err
	}
	record := model.RunRecord{
		VersionedRecord: storage.CurrentVersion(),
		ID:              runID,
		CreatedAtUTC:    time.Now().UTC().Format(createdAtLayout),
		Founders:        cfg.Population,
		Species:         setup.Solver.Species(),
		Genes:           setup.Solver.Genes(),
		Markers:         setup.Markers,
		Config:          settings,
	}
	if err := l.store.SaveRun(ctx, record); err != nil {
		return ExperimentResult{}, fmt.Errorf("save run %s: %w", runID, err)
	}

	monitorCfg := population.MonitorConfig{
		Solver:          setup.Solver,
		Detector:        setup.Detector,
		Workers:         cfg.Workers,
		Deterministic:   cfg.Deterministic,
		Seed:            cfg.Seed,
		ExperimentHours: cfg.ExperimentHours,
		Stride:          cfg.DownsampleStride,
		MaxGenerations:  cfg.MaxGenerations,
		Aux:             cfg.StimuliMap(),
		Checkpointer:    &storeCheckpointer{store: l.store, runID: runID, stride: cfg.DownsampleStride},
		Logger:          l.logger.With("run_id", runID),
	}
	if l.recorder != nil {
		monitorCfg.Observer = l.recorder
	}
	monitor, err := population.NewMonitor(monitorCfg)
	if err != nil {
		return ExperimentResult{}, fmt.Errorf("%w: %v", config.ErrInvalidConfig, err)
	}

	l.logger.Info("run started", "run_id", runID, "founders", cfg.Population, "workers", cfg.Workers, "solver", cfg.Solver)
	founders, err := seeder.Seed(ctx)
	if err != nil {
		return ExperimentResult{}, l.failRun(ctx, record, fmt.Errorf("seed founders: %w", err))
	}
	run, err := monitor.Run(ctx, founders)
	if err != nil {
		return ExperimentResult{}, l.failRun(ctx, record, err)
	}

	record.Generations = run.Summaries
	record.StopReason = run.StopReason
	record.Completed = true
	if err := l.store.SaveRun(ctx, record); err != nil {
		return ExperimentResult{}, fmt.Errorf("save run %s: %w", runID, err)
	}

	out := ExperimentResult{
		RunID:      runID,
		Record:     record,
		Results:    run.Results,
		Markers:    setup.Markers,
		Species:    record.Species,
		StopReason: run.StopReason,
	}
	if cfg.ArtifactsDir != "" {
		dir, err := WriteArtifacts(cfg.ArtifactsDir, record, run.Results)
		if err != nil {
			return out, fmt.Errorf("write artifacts: %w", err)
		}
		out.RunDir = dir
	}
	l.logger.Info("run finished",
		"run_id", runID,
		"generations", len(run.Summaries),
		"cells", run.Results.Len(),
		"stop_reason", run.StopReason,
	)
	return out, nil
}

func (l *Lab) failRun(ctx context.Context, record model.RunRecord, cause error) error {
	record.StopReason = "failed: " + cause.Error()
	if err := l.store.SaveRun(ctx, record); err != nil {
		l.logger.Error("save failed run", "run_id", record.ID, "error", err)
	}
	return cause
}

// LoadResults rebuilds a run's ResultStore from its checkpoints.
func (l *Lab) LoadResults(ctx context.Context, runID string) (model.RunRecord, *model.ResultStore, error) {
	record, ok, err := l.store.GetRun(ctx, runID)
	if err != nil {
		return model.RunRecord{}, nil, err
	}
	if !ok {
		return model.RunRecord{}, nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	generations, err := l.store.ListGenerations(ctx, runID)
	if err != nil {
		return model.RunRecord{}, nil, err
	}
	results := model.NewResultStore()
	for _, g := range generations {
		checkpoint, ok, err := l.store.GetGeneration(ctx, runID, g)
		if err != nil {
			return model.RunRecord{}, nil, err
		}
		if !ok {
			return model.RunRecord{}, nil, fmt.Errorf("generation %d of run %s disappeared", g, runID)
		}
		if err := results.Append(g, checkpoint.Cells); err != nil {
			return model.RunRecord{}, nil, fmt.Errorf("load run %s: %w", runID, err)
		}
	}
	return record, results, nil
}

// WriteArtifacts reconstructs the census, forest and founder groups of a run
// and writes them with the run's bookkeeping under baseDir.
func WriteArtifacts(baseDir string, record model.RunRecord, results *model.ResultStore) (string, error) {
	r, err := reconstruct.New(results, record.Markers)
	if err != nil {
		return "", err
	}
	forest, err := r.BuildForest()
	if err != nil {
		return "", err
	}
	groups, err := r.GroupFounders(reconstruct.DefaultGroupThresholds())
	if err != nil {
		return "", err
	}
	curve := census.Build(census.Intervals(census.FromResults(results, record.Markers)))

	dir, err := stats.WriteRunArtifacts(baseDir, stats.RunArtifacts{
		RunID:        record.ID,
		CreatedAtUTC: record.CreatedAtUTC,
		Config:       record.Config,
		Generations:  record.Generations,
		StopReason:   record.StopReason,
		Census:       curve,
		Forest:       forest.Newick(),
		Groups:       &groups,
	})
	if err != nil {
		return "", err
	}
	err = stats.AppendRunIndex(baseDir, stats.RunIndexEntry{
		RunID:        record.ID,
		CreatedAtUTC: record.CreatedAtUTC,
		Founders:     record.Founders,
		Generations:  len(record.Generations),
		Cells:        results.Len(),
		FinalAlive:   curve.Final(),
		StopReason:   record.StopReason,
	})
	if err != nil {
		return "", err
	}
	return dir, nil
}

type storeCheckpointer struct {
	store  storage.Store
	runID  string
	stride int
}

func (c *storeCheckpointer) Checkpoint(ctx context.Context, snapshot population.Snapshot) error {
	return c.store.SaveGeneration(ctx, model.GenerationCheckpoint{
		VersionedRecord: storage.CurrentVersion(),
		RunID:           c.runID,
		Generation:      snapshot.Generation,
		Stride:          c.stride,
		Cells:           snapshot.Cells,
	})
}

func stopSupportModules(ctx context.Context, modules []SupportModule) {
	for i := len(modules) - 1; i >= 0; i-- {
		_ = modules[i].Stop(ctx)
	}
}
