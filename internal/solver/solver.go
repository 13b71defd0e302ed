// Package solver defines the single-cell simulator boundary. The orchestration
// code treats a Solver as a pure function of its Request.
package solver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrSolverExists   = errors.New("solver already registered")
	ErrSolverNotFound = errors.New("solver not found")
	ErrUnknownSpecies = errors.New("unknown species")

	errNilSolver = errors.New("solver is required")
)

type Request struct {
	Deterministic bool
	DurationHours float64
	InitialState  []float64

	// Aux holds species clamped to a fixed value for the whole run.
	Aux  map[string]float64
	Seed int64
}

// Trajectory times start at 0 and are relative to the run.
type Trajectory struct {
	States [][]float64
	Genes  [][]float64
	Times  []float64
}

func (t Trajectory) Len() int {
	return len(t.Times)
}

type Solver interface {
	Name() string
	Species() []string
	Genes() []string
	BaseState() []float64
	Simulate(ctx context.Context, req Request) (Trajectory, error)
}

type Options struct {
	StepHours float64
}

type Factory func(opts Options) (Solver, error)

var registry = struct {
	mu sync.RWMutex
	m  map[string]Factory
}{
	m: make(map[string]Factory),
}

func Register(name string, factory Factory) error {
	if name == "" {
		return errors.New("solver name is required")
	}
	if factory == nil {
		return errors.New("solver factory is required")
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, exists := registry.m[name]; exists {
		return fmt.Errorf("%w: %s", ErrSolverExists, name)
	}
	registry.m[name] = factory
	return nil
}

func Resolve(name string, opts Options) (Solver, error) {
	registry.mu.RLock()
	factory, ok := registry.m[name]
	registry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSolverNotFound, name)
	}
	return factory(opts)
}

func List() []string {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpeciesIndex resolves a species name against s.
func SpeciesIndex(s Solver, name string) (int, error) {
	for i, species := range s.Species() {
		if species == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q in solver %s", ErrUnknownSpecies, name, s.Name())
}

// Validate reports whether s can run at all.
func Validate(s Solver) error {
	if s == nil {
		return errNilSolver
	}
	if len(s.Species()) == 0 {
		return fmt.Errorf("solver %s exposes no species", s.Name())
	}
	if len(s.BaseState()) != len(s.Species()) {
		return fmt.Errorf("solver %s base state does not match its species", s.Name())
	}
	return nil
}

func init() {
	if err := Register(CycleModelName, func(opts Options) (Solver, error) {
		return NewCycleModel(opts)
	}); err != nil {
		panic(err)
	}
}
