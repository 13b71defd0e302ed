package model

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrGenerationExists     = errors.New("generation already recorded")
	ErrGenerationOutOfOrder = errors.New("generation recorded out of order")
)

// ResultStore maps generation -> local index -> CellResult. Generations are
// appended in order and never mutated once the next one is added, so readers
// may hold the returned maps without copying.
type ResultStore struct {
	mu          sync.RWMutex
	generations map[int]map[int]CellResult
	first       int
	last        int
}

func NewResultStore() *ResultStore {
	return &ResultStore{generations: make(map[int]map[int]CellResult)}
}

// Append records a complete generation. The first generation fixes the
// starting number; later ones must follow consecutively.
func (s *ResultStore) Append(generation int, cells map[int]CellResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.generations[generation]; ok {
		return fmt.Errorf("%w: %d", ErrGenerationExists, generation)
	}
	if len(s.generations) == 0 {
		s.first = generation
	} else if generation != s.last+1 {
		return fmt.Errorf("%w: got %d after %d", ErrGenerationOutOfOrder, generation, s.last)
	}
	copied := make(map[int]CellResult, len(cells))
	for idx, cell := range cells {
		copied[idx] = cell
	}
	s.generations[generation] = copied
	s.last = generation
	return nil
}

func (s *ResultStore) Generation(generation int) (map[int]CellResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cells, ok := s.generations[generation]
	return cells, ok
}

func (s *ResultStore) Cell(generation, index int) (CellResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cell, ok := s.generations[generation][index]
	return cell, ok
}

// Generations returns the recorded generation numbers in ascending order.
func (s *ResultStore) Generations() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]int, 0, len(s.generations))
	for g := range s.generations {
		out = append(out, g)
	}
	sort.Ints(out)
	return out
}

// Bounds returns the first and last recorded generation.
func (s *ResultStore) Bounds() (first, last int, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.generations) == 0 {
		return 0, 0, false
	}
	return s.first, s.last, true
}

// Indices returns the local indices of a generation in ascending order.
func (s *ResultStore) Indices(generation int) []int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cells := s.generations[generation]
	out := make([]int, 0, len(cells))
	for idx := range cells {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}

// Len is the total number of cells across all generations.
func (s *ResultStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, cells := range s.generations {
		n += len(cells)
	}
	return n
}
