// Package population runs a cell population forward generation by
// generation. A fixed pool of workers exchanges immutable snapshots with a
// coordinator; nobody starts generation g+1 before everyone holds the full
// merged result of generation g.
package population

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cellpop/internal/detect"
	"cellpop/internal/lineage"
	"cellpop/internal/logging"
	"cellpop/internal/model"
	"cellpop/internal/solver"
)

var ErrDesync = errors.New("generation barrier desynchronized")

const (
	StopExtinct        = "extinct"
	StopMaxGenerations = "max_generations"
)

// clampFloor zeroes carried-over concentrations at or below it.
const clampFloor = 1e-6

// Observer receives progress notifications from the coordinator and workers.
type Observer interface {
	CellFinished(outcome model.Outcome, elapsed time.Duration)
	GenerationFinished(summary model.GenerationSummary)
}

// Checkpointer persists a finished generation. It is called by the
// coordinator only, after the barrier.
type Checkpointer interface {
	Checkpoint(ctx context.Context, snapshot Snapshot) error
}

type MonitorConfig struct {
	Solver          solver.Solver
	Detector        *detect.Detector
	Workers         int
	Deterministic   bool
	Seed            int64
	ExperimentHours float64
	Stride          int
	MaxGenerations  int
	Aux             map[string]float64
	Checkpointer    Checkpointer
	Observer        Observer
	Logger          *slog.Logger
}

type RunResult struct {
	Results         *model.ResultStore
	Summaries       []model.GenerationSummary
	StopReason      string
	FinalGeneration int
}

type Monitor struct {
	cfg    MonitorConfig
	tracer trace.Tracer
	logger *slog.Logger

	derive func(worker int, s Snapshot) []model.CellTask
}

func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if err := solver.Validate(cfg.Solver); err != nil {
		return nil, err
	}
	if cfg.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ExperimentHours <= 0 {
		return nil, fmt.Errorf("experiment hours must be > 0")
	}
	if cfg.Stride <= 0 {
		cfg.Stride = 1
	}
	if cfg.MaxGenerations < 0 {
		return nil, fmt.Errorf("max generations must be >= 0")
	}
	return &Monitor{
		cfg:    cfg,
		tracer: otel.Tracer("cellpop/population"),
		logger: logging.OrDiscard(cfg.Logger),
		derive: func(_ int, s Snapshot) []model.CellTask { return DeriveNextGeneration(s) },
	}, nil
}

// broadcast is what the coordinator sends every worker at the start of a
// generation: the seeded founders, or the previous generation's snapshot.
type broadcast struct {
	generation int
	seed       []model.CellTask
	previous   *Snapshot
}

// partial is one worker's share of a generation.
type partial struct {
	worker     int
	generation int
	total      int
	results    map[int]model.CellResult
}

// Run drives generations from the seeded founders until a generation has no
// divisions or MaxGenerations generations have run. The calling goroutine is
// the coordinator and also works its own partition.
func (m *Monitor) Run(ctx context.Context, founders []model.CellTask) (RunResult, error) {
	if len(founders) == 0 {
		return RunResult{}, fmt.Errorf("founder population is empty")
	}
	for i, task := range founders {
		if task.LocalIndex != i+1 || task.Generation != founders[0].Generation {
			return RunResult{}, fmt.Errorf("founder %d has generation=%d index=%d", i, task.Generation, task.LocalIndex)
		}
	}

	workers := m.cfg.Workers
	inboxes := make([]chan broadcast, workers)
	outbox := make(chan partial, workers)
	var wg conc.WaitGroup
	for w := 1; w < workers; w++ {
		inbox := make(chan broadcast, 1)
		inboxes[w] = inbox
		id := w
		wg.Go(func() {
			for msg := range inbox {
				outbox <- m.execute(ctx, id, msg)
			}
		})
	}
	defer func() {
		for w := 1; w < workers; w++ {
			close(inboxes[w])
		}
		wg.Wait()
	}()

	result := RunResult{Results: model.NewResultStore()}
	msg := broadcast{generation: founders[0].Generation, seed: founders}
	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		snapshot, summary, err := m.runGeneration(ctx, inboxes, outbox, msg)
		if err != nil {
			return result, err
		}
		if err := result.Results.Append(snapshot.Generation, snapshot.Cells); err != nil {
			return result, err
		}
		result.Summaries = append(result.Summaries, summary)
		result.FinalGeneration = snapshot.Generation
		if m.cfg.Checkpointer != nil {
			if err := m.cfg.Checkpointer.Checkpoint(ctx, snapshot); err != nil {
				return result, fmt.Errorf("checkpoint generation %d: %w", snapshot.Generation, err)
			}
		}
		if m.cfg.Observer != nil {
			m.cfg.Observer.GenerationFinished(summary)
		}

		attrs := []any{
			"generation", summary.Generation,
			"cells", summary.Cells,
			"divisions", summary.Divisions,
			"deaths", summary.Deaths,
			"errors", summary.Errors,
			"duration_secs", summary.DurationSecs,
		}
		if summary.Divisions == 0 {
			m.logger.Info("no division event detected", attrs...)
			result.StopReason = StopExtinct
			return result, nil
		}
		m.logger.Info("division event detected", attrs...)
		if m.cfg.MaxGenerations > 0 && len(result.Summaries) >= m.cfg.MaxGenerations {
			result.StopReason = StopMaxGenerations
			return result, nil
		}

		next := snapshot
		msg = broadcast{generation: snapshot.Generation + 1, previous: &next}
	}
}

func (m *Monitor) runGeneration(ctx context.Context, inboxes []chan broadcast, outbox <-chan partial, msg broadcast) (Snapshot, model.GenerationSummary, error) {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "population.Monitor.runGeneration",
		trace.WithAttributes(attribute.Int("generation", msg.generation)))
	defer span.End()

	for w := 1; w < len(inboxes); w++ {
		inboxes[w] <- msg
	}
	own := m.execute(ctx, 0, msg)

	parts := make([]partial, 0, len(inboxes))
	parts = append(parts, own)
	for w := 1; w < len(inboxes); w++ {
		parts = append(parts, <-outbox)
	}

	merged, err := merge(parts, msg.generation, own.total, len(inboxes))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "desync")
		return Snapshot{}, model.GenerationSummary{}, err
	}

	summary := model.Summarize(msg.generation, merged)
	summary.DurationSecs = time.Since(started).Seconds()
	span.SetAttributes(
		attribute.Int("cells", summary.Cells),
		attribute.Int("divisions", summary.Divisions),
		attribute.Int("deaths", summary.Deaths),
	)
	return Snapshot{Generation: msg.generation, Cells: merged}, summary, nil
}

// merge combines every worker's partial into one map and checks that all
// workers agreed on the task count and that indices 1..total appear once.
func merge(parts []partial, generation, total, workers int) (map[int]model.CellResult, error) {
	merged := make(map[int]model.CellResult, total)
	for _, p := range parts {
		if p.generation != generation {
			return nil, fmt.Errorf("%w: worker %d reported generation %d, want %d", ErrDesync, p.worker, p.generation, generation)
		}
		if p.total != total {
			return nil, fmt.Errorf("%w: worker %d derived %d tasks, coordinator derived %d", ErrDesync, p.worker, p.total, total)
		}
		start, end := Partition(total, p.worker, workers)
		if len(p.results) != end-start {
			return nil, fmt.Errorf("%w: worker %d returned %d results for %d tasks", ErrDesync, p.worker, len(p.results), end-start)
		}
		for idx, cell := range p.results {
			if _, dup := merged[idx]; dup {
				return nil, fmt.Errorf("%w: cell %d reported twice", ErrDesync, idx)
			}
			merged[idx] = cell
		}
	}
	for idx := 1; idx <= total; idx++ {
		if _, ok := merged[idx]; !ok {
			return nil, fmt.Errorf("%w: cell %d missing from generation %d", ErrDesync, idx, generation)
		}
	}
	return merged, nil
}

func (m *Monitor) execute(ctx context.Context, worker int, msg broadcast) partial {
	tasks := msg.seed
	if msg.previous != nil {
		tasks = m.derive(worker, *msg.previous)
	}
	start, end := Partition(len(tasks), worker, m.cfg.Workers)
	out := partial{
		worker:     worker,
		generation: msg.generation,
		total:      len(tasks),
		results:    make(map[int]model.CellResult, end-start),
	}
	for _, task := range tasks[start:end] {
		out.results[task.LocalIndex] = m.runCell(ctx, worker, task)
	}
	return out
}

func (m *Monitor) runCell(ctx context.Context, worker int, task model.CellTask) model.CellResult {
	started := time.Now()
	ctx, span := m.tracer.Start(ctx, "population.Monitor.runCell",
		trace.WithAttributes(
			attribute.Int("worker", worker),
			attribute.Int("generation", task.Generation),
			attribute.Int("cell", task.LocalIndex),
			attribute.String("lineage", task.Lineage.String()),
		))
	defer span.End()

	m.logger.Debug("running cell",
		"worker", worker,
		"generation", task.Generation,
		"cell", task.LocalIndex,
		"lineage", task.Lineage.String(),
		"hours", task.DurationHours,
	)

	result, err := m.simulate(ctx, task)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "cell failed")
		m.logger.Warn("cell simulation failed",
			"generation", task.Generation,
			"cell", task.LocalIndex,
			"lineage", task.Lineage.String(),
			"error", err,
		)
		result = model.CellResult{
			Generation: task.Generation,
			LocalIndex: task.LocalIndex,
			Lineage:    task.Lineage,
			Outcome:    model.OutcomeError,
			Error:      err.Error(),
		}
	}
	span.SetAttributes(attribute.String("outcome", string(result.Outcome)))
	if m.cfg.Observer != nil {
		m.cfg.Observer.CellFinished(result.Outcome, time.Since(started))
	}
	return result
}

// simulate runs the solver and detector for one task. Solver panics are
// turned into errors so one bad cell cannot take the generation down.
func (m *Monitor) simulate(ctx context.Context, task model.CellTask) (model.CellResult, error) {
	var (
		traj   solver.Trajectory
		simErr error
	)
	var catcher panics.Catcher
	catcher.Try(func() {
		traj, simErr = m.cfg.Solver.Simulate(ctx, solver.Request{
			Deterministic: m.cfg.Deterministic,
			DurationHours: task.DurationHours,
			InitialState:  task.InitialState,
			Aux:           m.cfg.Aux,
			Seed:          cellSeed(m.cfg.Seed, task),
		})
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return model.CellResult{}, fmt.Errorf("solver panic: %v", recovered.Value)
	}
	if simErr != nil {
		return model.CellResult{}, fmt.Errorf("solver: %w", simErr)
	}
	if traj.Len() == 0 || len(traj.States) != traj.Len() {
		return model.CellResult{}, fmt.Errorf("solver returned %d states for %d time points", len(traj.States), traj.Len())
	}

	var history []float64
	if task.History != nil {
		history = task.History.Values
	}
	event, err := m.cfg.Detector.ClassifyWithHistory(history, traj.States)
	if err != nil {
		return model.CellResult{}, fmt.Errorf("detect: %w", err)
	}

	times := make([]float64, traj.Len())
	for i, t := range traj.Times {
		times[i] = AbsoluteHours(task.StartHours, t, m.cfg.ExperimentHours)
	}
	last := traj.Len() - 1
	if event.Index >= 0 {
		last = event.Index
	}
	keep := DownsampleIndices(last, m.cfg.Stride)

	result := model.CellResult{
		Generation: task.Generation,
		LocalIndex: task.LocalIndex,
		Lineage:    task.Lineage,
		States:     pickRows(traj.States, keep),
		Genes:      pickRows(traj.Genes, keep),
		Times:      pickValues(times, keep),
		Outcome:    event.Outcome,
	}
	if event.Index >= 0 {
		at := times[event.Index]
		result.EventHours = &at
	}
	if event.Outcome == model.OutcomeDivision {
		result.Division = &model.DivisionInfo{
			TimeIndex:         len(keep) - 1,
			TimeHours:         times[event.Index],
			SurvivorState:     ClampState(traj.States[event.Index]),
			RemainingDuration: m.cfg.ExperimentHours - times[event.Index],
			ChildLineages:     [2]lineage.Lineage{task.Lineage.Child(1), task.Lineage.Child(2)},
		}
	}
	return result, nil
}

// ticksPerHour is the resolution of the experiment clock.
const ticksPerHour = 1e9

// AbsoluteHours places a solver time on the experiment clock. The sum is
// rounded to the clock resolution so cells reaching the same instant through
// different ancestries carry identical times, and anything within one tick of
// the horizon is the horizon.
func AbsoluteHours(start, t, horizon float64) float64 {
	at := math.Round((start+t)*ticksPerHour) / ticksPerHour
	if math.Abs(at-horizon) <= 1/ticksPerHour {
		return horizon
	}
	return at
}

// DownsampleIndices keeps 0, k, 2k, ... up to last and always includes last.
func DownsampleIndices(last, stride int) []int {
	if last < 0 {
		return nil
	}
	if stride <= 0 {
		stride = 1
	}
	out := make([]int, 0, last/stride+2)
	for i := 0; i <= last; i += stride {
		out = append(out, i)
	}
	if out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

// ClampState copies state with values at or below 1e-6 set to zero.
func ClampState(state []float64) []float64 {
	out := make([]float64, len(state))
	for i, v := range state {
		if v > clampFloor {
			out[i] = v
		}
	}
	return out
}

func pickRows(rows [][]float64, keep []int) [][]float64 {
	if len(rows) == 0 {
		return nil
	}
	out := make([][]float64, 0, len(keep))
	for _, i := range keep {
		if i >= len(rows) {
			break
		}
		out = append(out, append([]float64(nil), rows[i]...))
	}
	return out
}

func pickValues(values []float64, keep []int) []float64 {
	out := make([]float64, 0, len(keep))
	for _, i := range keep {
		out = append(out, values[i])
	}
	return out
}

// cellSeed derives a per-cell seed from the run seed and the cell's lineage,
// so stochastic results do not depend on how cells are spread over workers.
func cellSeed(seed int64, task model.CellTask) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(task.Lineage.String()))
	return seed ^ int64(h.Sum64()&math.MaxInt64)
}
