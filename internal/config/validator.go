package config

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"cellpop/internal/logging"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError is one invalid field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors collects every invalid field. It matches ErrInvalidConfig
// under errors.Is.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

var validStoreKinds = []string{"memory", "sqlite"}

// Validate checks every field that can be judged without a solver. Species
// names are resolved later against the selected solver.
func (c Config) Validate() error {
	var errs ValidationErrors
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}
	positive := func(field string, value float64) {
		if !(value > 0) || math.IsInf(value, 0) {
			add(field, value, "must be a positive number")
		}
	}
	nonNegative := func(field string, value float64) {
		if !(value >= 0) || math.IsInf(value, 0) {
			add(field, value, "must be a non-negative number")
		}
	}

	if c.Population <= 0 {
		add("population", c.Population, "must be > 0")
	}
	positive("experiment_hours", c.ExperimentHours)
	nonNegative("preincubation_hours", c.PreincubationHours)
	positive("gen0_hours", c.Gen0Hours)
	nonNegative("history_window_hours", c.HistoryWindowHours)
	if c.Workers <= 0 {
		add("workers", c.Workers, "must be > 0")
	}
	if c.MaxGenerations < 0 {
		add("max_generations", c.MaxGenerations, "must be >= 0 (0 is unbounded)")
	}
	if strings.TrimSpace(c.Solver) == "" {
		add("solver", c.Solver, "is required")
	}
	nonNegative("solver_step_hours", c.SolverStepHours)
	if c.DownsampleStride <= 0 {
		add("downsample_stride", c.DownsampleStride, "must be > 0")
	}

	if math.IsNaN(c.Detection.PeakHeight) || math.IsInf(c.Detection.PeakHeight, 0) {
		add("detection.peak_height", c.Detection.PeakHeight, "must be finite")
	}
	if math.IsNaN(c.Detection.TroughThreshold) || math.IsInf(c.Detection.TroughThreshold, 0) {
		add("detection.trough_threshold", c.Detection.TroughThreshold, "must be finite")
	}
	markers := map[string]string{
		"detection.cycle_marker":   c.Detection.CycleMarker,
		"detection.intact_marker":  c.Detection.IntactMarker,
		"detection.cleaved_marker": c.Detection.CleavedMarker,
	}
	for _, field := range []string{"detection.cycle_marker", "detection.intact_marker", "detection.cleaved_marker"} {
		if strings.TrimSpace(markers[field]) == "" {
			add(field, markers[field], "species is required")
		}
	}
	if c.Detection.IntactMarker != "" && c.Detection.IntactMarker == c.Detection.CleavedMarker {
		add("detection.cleaved_marker", c.Detection.CleavedMarker, "must differ from intact_marker")
	}

	seen := make(map[string]bool, len(c.Stimuli))
	for i, s := range c.Stimuli {
		field := fmt.Sprintf("stimuli[%d]", i)
		if strings.TrimSpace(s.Species) == "" {
			add(field+".species", s.Species, "species is required")
		}
		if seen[s.Species] {
			add(field+".species", s.Species, "duplicate stimulus")
		}
		seen[s.Species] = true
		nonNegative(field+".value", s.Value)
	}
	nonNegative("drug.dose", c.Drug.Dose)
	if c.Drug.Dose > 0 && strings.TrimSpace(c.Drug.Species) == "" {
		add("drug.species", c.Drug.Species, "is required when dose > 0")
	}

	kind := strings.ToLower(strings.TrimSpace(c.Store.Kind))
	switch kind {
	case "", "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			add("store.path", c.Store.Path, "is required for sqlite")
		}
	default:
		add("store.kind", c.Store.Kind, "must be one of "+strings.Join(validStoreKinds, ", "))
	}
	if !logging.ValidLevel(c.Logging.Level) {
		add("logging.level", c.Logging.Level, "must be one of debug, info, warn, error")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
