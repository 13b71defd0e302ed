package population

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"cellpop/internal/lineage"
	"cellpop/internal/logging"
	"cellpop/internal/model"
	"cellpop/internal/solver"
)

type SeederConfig struct {
	Solver             solver.Solver
	Founders           int
	Workers            int
	Deterministic      bool
	Seed               int64
	PreincubationHours float64
	Gen0Hours          float64
	HistoryWindowHours float64
	ExperimentHours    float64
	CycleMarker        int
	Stimuli            map[string]float64
	DrugSpecies        string
	DrugDose           float64
	Logger             *slog.Logger
}

// Seeder runs the heterogenization stage that produces generation-1 founders:
// a preincubation without stimuli, a generation-0 run with stimuli, and a
// random sample of that run as each founder's starting state.
type Seeder struct {
	cfg      SeederConfig
	stimuli  map[int]float64
	drug     int
	logger   *slog.Logger
	template []float64
}

func NewSeeder(cfg SeederConfig) (*Seeder, error) {
	if err := solver.Validate(cfg.Solver); err != nil {
		return nil, err
	}
	if cfg.Founders <= 0 {
		return nil, fmt.Errorf("founder count must be > 0")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PreincubationHours < 0 || cfg.Gen0Hours <= 0 || cfg.HistoryWindowHours < 0 {
		return nil, fmt.Errorf("seeding durations invalid: preincubation=%v gen0=%v history=%v",
			cfg.PreincubationHours, cfg.Gen0Hours, cfg.HistoryWindowHours)
	}
	if cfg.ExperimentHours <= 0 {
		return nil, fmt.Errorf("experiment hours must be > 0")
	}
	species := cfg.Solver.Species()
	if cfg.CycleMarker < 0 || cfg.CycleMarker >= len(species) {
		return nil, fmt.Errorf("cycle marker index %d out of range", cfg.CycleMarker)
	}

	stimuli := make(map[int]float64, len(cfg.Stimuli))
	for name, value := range cfg.Stimuli {
		idx, err := solver.SpeciesIndex(cfg.Solver, name)
		if err != nil {
			return nil, fmt.Errorf("stimulus: %w", err)
		}
		stimuli[idx] = value
	}
	drug := -1
	if cfg.DrugSpecies != "" {
		idx, err := solver.SpeciesIndex(cfg.Solver, cfg.DrugSpecies)
		if err != nil {
			return nil, fmt.Errorf("drug: %w", err)
		}
		drug = idx
	}

	template := ClampState(cfg.Solver.BaseState())
	for idx := range stimuli {
		template[idx] = 0
	}
	return &Seeder{
		cfg:      cfg,
		stimuli:  stimuli,
		drug:     drug,
		logger:   logging.OrDiscard(cfg.Logger),
		template: template,
	}, nil
}

type seedResult struct {
	index int
	task  model.CellTask
	err   error
}

// Seed returns the founder tasks numbered 1..Founders. Founders are split
// across workers with Partition and gathered before returning.
func (s *Seeder) Seed(ctx context.Context) ([]model.CellTask, error) {
	started := time.Now()
	results := make(chan seedResult, s.cfg.Founders)

	var wg conc.WaitGroup
	for w := 0; w < s.cfg.Workers; w++ {
		start, end := Partition(s.cfg.Founders, w, s.cfg.Workers)
		wg.Go(func() {
			for i := start; i < end; i++ {
				task, err := s.seedFounderSafe(ctx, i+1)
				results <- seedResult{index: i, task: task, err: err}
			}
		})
	}
	wg.Wait()
	close(results)

	founders := make([]model.CellTask, s.cfg.Founders)
	for res := range results {
		if res.err != nil {
			return nil, fmt.Errorf("seed founder %d: %w", res.index+1, res.err)
		}
		founders[res.index] = res.task
	}
	s.logger.Info("founders seeded",
		"founders", len(founders),
		"workers", s.cfg.Workers,
		"duration_secs", time.Since(started).Seconds(),
	)
	return founders, nil
}

// seedFounderSafe turns a solver panic into an error for that founder.
func (s *Seeder) seedFounderSafe(ctx context.Context, founder int) (task model.CellTask, err error) {
	var catcher panics.Catcher
	catcher.Try(func() {
		task, err = s.seedFounder(ctx, founder)
	})
	if recovered := catcher.Recovered(); recovered != nil {
		return model.CellTask{}, fmt.Errorf("solver panic: %v", recovered.Value)
	}
	return task, err
}

func (s *Seeder) seedFounder(ctx context.Context, founder int) (model.CellTask, error) {
	if err := ctx.Err(); err != nil {
		return model.CellTask{}, err
	}
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(founder)))

	state := append([]float64(nil), s.template...)
	if s.cfg.PreincubationHours > 0 {
		pre, err := s.cfg.Solver.Simulate(ctx, solver.Request{
			Deterministic: s.cfg.Deterministic,
			DurationHours: s.cfg.PreincubationHours,
			InitialState:  state,
			Seed:          rng.Int63(),
		})
		if err != nil {
			return model.CellTask{}, fmt.Errorf("preincubation: %w", err)
		}
		if pre.Len() == 0 {
			return model.CellTask{}, fmt.Errorf("preincubation returned no samples")
		}
		state = ClampState(pre.States[pre.Len()-1])
	}
	for idx, value := range s.stimuli {
		state[idx] = value
	}

	gen0, err := s.cfg.Solver.Simulate(ctx, solver.Request{
		Deterministic: s.cfg.Deterministic,
		DurationHours: s.cfg.Gen0Hours,
		InitialState:  state,
		Seed:          rng.Int63(),
	})
	if err != nil {
		return model.CellTask{}, fmt.Errorf("generation 0: %w", err)
	}
	if gen0.Len() == 0 {
		return model.CellTask{}, fmt.Errorf("generation 0 returned no samples")
	}

	pick := rng.Intn(gen0.Len())
	initial := ClampState(gen0.States[pick])
	if s.drug >= 0 {
		initial[s.drug] = s.cfg.DrugDose
	}

	return model.CellTask{
		Generation:    1,
		LocalIndex:    founder,
		Lineage:       lineage.Lineage{Founder: founder, Path: lineage.Root()},
		InitialState:  initial,
		DurationHours: s.cfg.ExperimentHours,
		StartHours:    0,
		History:       s.history(gen0, pick),
	}, nil
}

// history returns the cycle-marker samples strictly before pick and within
// the window, with times relative to pick.
func (s *Seeder) history(gen0 solver.Trajectory, pick int) *model.MarkerHistory {
	if s.cfg.HistoryWindowHours <= 0 || pick == 0 {
		return nil
	}
	at := gen0.Times[pick]
	first := pick
	for first > 0 && at-gen0.Times[first-1] <= s.cfg.HistoryWindowHours {
		first--
	}
	if first == pick {
		return nil
	}
	h := &model.MarkerHistory{
		Times:  make([]float64, 0, pick-first),
		Values: make([]float64, 0, pick-first),
	}
	for i := first; i < pick; i++ {
		h.Times = append(h.Times, gen0.Times[i]-at)
		h.Values = append(h.Values, gen0.States[i][s.cfg.CycleMarker])
	}
	return h
}
