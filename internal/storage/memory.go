package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"cellpop/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	generations map[string]map[int]model.GenerationCheckpoint
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.generations = make(map[string]map[int]model.GenerationCheckpoint)
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	run.Species = append([]string(nil), run.Species...)
	run.Genes = append([]string(nil), run.Genes...)
	run.Generations = append([]model.GenerationSummary(nil), run.Generations...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return model.RunRecord{}, false, nil
	}
	run.Generations = append([]model.GenerationSummary(nil), run.Generations...)
	return run, true, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, run)
	}
	sortRuns(out)
	return out, nil
}

func (s *MemoryStore) SaveGeneration(_ context.Context, checkpoint model.GenerationCheckpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return errors.New("store is not initialized")
	}
	byGeneration, ok := s.generations[checkpoint.RunID]
	if !ok {
		byGeneration = make(map[int]model.GenerationCheckpoint)
		s.generations[checkpoint.RunID] = byGeneration
	}
	if _, exists := byGeneration[checkpoint.Generation]; exists {
		return fmt.Errorf("%w: run=%s generation=%d", ErrGenerationFinalized, checkpoint.RunID, checkpoint.Generation)
	}
	byGeneration[checkpoint.Generation] = copyCheckpoint(checkpoint)
	return nil
}

func (s *MemoryStore) GetGeneration(_ context.Context, runID string, generation int) (model.GenerationCheckpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	checkpoint, ok := s.generations[runID][generation]
	if !ok {
		return model.GenerationCheckpoint{}, false, nil
	}
	return copyCheckpoint(checkpoint), true, nil
}

func (s *MemoryStore) ListGenerations(_ context.Context, runID string) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.generations[runID]))
	for generation := range s.generations[runID] {
		out = append(out, generation)
	}
	sort.Ints(out)
	return out, nil
}

func copyCheckpoint(checkpoint model.GenerationCheckpoint) model.GenerationCheckpoint {
	cells := make(map[int]model.CellResult, len(checkpoint.Cells))
	for idx, cell := range checkpoint.Cells {
		cells[idx] = cell
	}
	checkpoint.Cells = cells
	return checkpoint
}

func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC < runs[j].CreatedAtUTC
		}
		return runs[i].ID < runs[j].ID
	})
}
