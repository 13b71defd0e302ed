package solver

import (
	"context"
	"errors"
	"testing"

	"cellpop/internal/detect"
	"cellpop/internal/model"
)

func cycleMarkers(t *testing.T, s Solver) model.Markers {
	t.Helper()
	var markers model.Markers
	var err error
	if markers.Cycle, err = SpeciesIndex(s, SpeciesMb); err != nil {
		t.Fatalf("cycle marker: %v", err)
	}
	if markers.Intact, err = SpeciesIndex(s, SpeciesPARP); err != nil {
		t.Fatalf("intact marker: %v", err)
	}
	if markers.Cleaved, err = SpeciesIndex(s, SpeciesCPARP); err != nil {
		t.Fatalf("cleaved marker: %v", err)
	}
	return markers
}

func TestRegistryResolvesCycleModel(t *testing.T) {
	s, err := Resolve(CycleModelName, Options{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := Validate(s); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if _, err := Resolve("missing", Options{}); !errors.Is(err, ErrSolverNotFound) {
		t.Fatalf("expected ErrSolverNotFound, got %v", err)
	}
	if err := Register(CycleModelName, func(Options) (Solver, error) { return s, nil }); !errors.Is(err, ErrSolverExists) {
		t.Fatalf("expected ErrSolverExists, got %v", err)
	}
	found := false
	for _, name := range List() {
		if name == CycleModelName {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %s in %v", CycleModelName, List())
	}
}

func TestCycleModelDeterministicRunDivides(t *testing.T) {
	s, err := NewCycleModel(Options{StepHours: 0.1})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	req := Request{
		Deterministic: true,
		DurationHours: 60,
		InitialState:  s.BaseState(),
		Aux:           map[string]float64{SpeciesEGF: 1},
	}
	traj, err := s.Simulate(context.Background(), req)
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if traj.Len() != 601 || len(traj.States) != 601 || len(traj.Genes) != 601 {
		t.Fatalf("unexpected trajectory length: %d", traj.Len())
	}
	if traj.Times[0] != 0 || traj.Times[600] < 59.99 {
		t.Fatalf("unexpected time span: %v..%v", traj.Times[0], traj.Times[600])
	}

	again, err := s.Simulate(context.Background(), req)
	if err != nil {
		t.Fatalf("simulate again: %v", err)
	}
	for i := range traj.States {
		for j := range traj.States[i] {
			if traj.States[i][j] != again.States[i][j] {
				t.Fatalf("deterministic run diverged at [%d][%d]", i, j)
			}
		}
	}

	d, err := detect.New(detect.Thresholds{PeakHeight: 30, TroughThreshold: 2}, cycleMarkers(t, s))
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	event, err := d.Classify(traj.States)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDivision {
		t.Fatalf("expected division, got %+v", event)
	}
}

func TestCycleModelDrugDrivesDeath(t *testing.T) {
	s, err := NewCycleModel(Options{})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	state := s.BaseState()
	state[indexOf(cycleSpecies, SpeciesDrug)] = 100
	traj, err := s.Simulate(context.Background(), Request{
		Deterministic: true,
		DurationHours: 60,
		InitialState:  state,
		Aux:           map[string]float64{SpeciesEGF: 1},
	})
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	d, err := detect.New(detect.Thresholds{PeakHeight: 30, TroughThreshold: 2}, cycleMarkers(t, s))
	if err != nil {
		t.Fatalf("detector: %v", err)
	}
	event, err := d.Classify(traj.States)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDeath {
		t.Fatalf("expected death, got %+v", event)
	}
}

func TestCycleModelStochasticRunsAreSeeded(t *testing.T) {
	s, err := NewCycleModel(Options{})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	run := func(seed int64) Trajectory {
		traj, err := s.Simulate(context.Background(), Request{DurationHours: 5, InitialState: s.BaseState(), Seed: seed})
		if err != nil {
			t.Fatalf("simulate: %v", err)
		}
		return traj
	}
	a, b := run(7), run(7)
	last := len(a.States) - 1
	if a.States[last][0] != b.States[last][0] || a.Genes[last][0] != b.Genes[last][0] {
		t.Fatal("same seed must reproduce the run")
	}
}

func TestCycleModelRejectsBadRequests(t *testing.T) {
	s, err := NewCycleModel(Options{})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	ctx := context.Background()
	if _, err := s.Simulate(ctx, Request{DurationHours: 0, InitialState: s.BaseState()}); err == nil {
		t.Fatal("expected duration error")
	}
	if _, err := s.Simulate(ctx, Request{DurationHours: 1, InitialState: []float64{1}}); err == nil {
		t.Fatal("expected state width error")
	}
	if _, err := s.Simulate(ctx, Request{DurationHours: 1, InitialState: s.BaseState(), Aux: map[string]float64{"nope": 1}}); !errors.Is(err, ErrUnknownSpecies) {
		t.Fatalf("expected ErrUnknownSpecies, got %v", err)
	}
	if _, err := NewCycleModel(Options{StepHours: -1}); err == nil {
		t.Fatal("expected step error")
	}
}
