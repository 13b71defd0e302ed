package reconstruct

import (
	"errors"
	"fmt"
	"sort"

	"cellpop/internal/lineage"
	"cellpop/internal/model"
)

var (
	ErrCellNotFound      = errors.New("cell not found")
	ErrDuplicateLineage  = errors.New("duplicate lineage")
	ErrLineageGeneration = errors.New("lineage depth does not match generation")
)

type cellRef struct {
	generation int
	index      int
}

// Reconstructor answers ancestry queries over a completed ResultStore. It
// indexes every cell by lineage once; the store must not grow afterwards.
type Reconstructor struct {
	store     *model.ResultStore
	markers   model.Markers
	byLineage map[lineage.Lineage]cellRef
}

func New(store *model.ResultStore, markers model.Markers) (*Reconstructor, error) {
	if store == nil {
		return nil, errors.New("result store is required")
	}
	r := &Reconstructor{
		store:     store,
		markers:   markers,
		byLineage: make(map[lineage.Lineage]cellRef, store.Len()),
	}
	for _, g := range store.Generations() {
		cells, _ := store.Generation(g)
		for idx, cell := range cells {
			if cell.Lineage.Generation() != g {
				return nil, fmt.Errorf("%w: %s recorded at generation %d", ErrLineageGeneration, cell.Lineage, g)
			}
			if prev, ok := r.byLineage[cell.Lineage]; ok {
				return nil, fmt.Errorf("%w: %s at g%dc%d and g%dc%d", ErrDuplicateLineage, cell.Lineage, prev.generation, prev.index, g, idx)
			}
			r.byLineage[cell.Lineage] = cellRef{generation: g, index: idx}
		}
	}
	return r, nil
}

func (r *Reconstructor) Store() *model.ResultStore {
	return r.store
}

func (r *Reconstructor) cell(generation, index int) (model.CellResult, error) {
	cell, ok := r.store.Cell(generation, index)
	if !ok {
		return model.CellResult{}, fmt.Errorf("%w: g%dc%d", ErrCellNotFound, generation, index)
	}
	return cell, nil
}

func (r *Reconstructor) lookup(l lineage.Lineage) (model.CellResult, cellRef, bool) {
	ref, ok := r.byLineage[l]
	if !ok {
		return model.CellResult{}, cellRef{}, false
	}
	cell, _ := r.store.Cell(ref.generation, ref.index)
	return cell, ref, true
}

// Founders returns the local indices of the first recorded generation.
func (r *Reconstructor) Founders() []int {
	first, _, ok := r.store.Bounds()
	if !ok {
		return nil
	}
	return r.store.Indices(first)
}

func (r *Reconstructor) founder(index int) (model.CellResult, error) {
	first, _, ok := r.store.Bounds()
	if !ok {
		return model.CellResult{}, fmt.Errorf("%w: founder %d in empty store", ErrCellNotFound, index)
	}
	return r.cell(first, index)
}

// Children returns the local indices of the cell's two daughters in the next
// generation, ordered by child selector. A cell that did not divide, or whose
// daughters were not recorded, has none.
func (r *Reconstructor) Children(generation, index int) ([]int, error) {
	cell, err := r.cell(generation, index)
	if err != nil {
		return nil, err
	}
	var out []int
	for _, selector := range []int{1, 2} {
		if _, ref, ok := r.lookup(cell.Lineage.Child(selector)); ok {
			out = append(out, ref.index)
		}
	}
	return out, nil
}

// DescendantsOf walks forward one generation at a time from the given cell
// and returns, per later generation, the sorted local indices of every cell
// whose parent was kept at the previous step. Each later generation is
// scanned at most once; the walk stops at the first generation with no
// descendants.
func (r *Reconstructor) DescendantsOf(generation, index int) (map[int][]int, error) {
	cell, err := r.cell(generation, index)
	if err != nil {
		return nil, err
	}
	_, last, _ := r.store.Bounds()

	out := make(map[int][]int)
	frontier := map[lineage.Path]struct{}{cell.Lineage.Path: {}}
	for g := generation + 1; g <= last && len(frontier) > 0; g++ {
		cells, _ := r.store.Generation(g)
		next := make(map[lineage.Path]struct{})
		var kept []int
		for idx, c := range cells {
			if c.Lineage.Founder != cell.Lineage.Founder {
				continue
			}
			parent, ok := c.Lineage.Path.Parent()
			if !ok {
				continue
			}
			if _, hit := frontier[parent]; hit {
				kept = append(kept, idx)
				next[c.Lineage.Path] = struct{}{}
			}
		}
		if len(kept) > 0 {
			sort.Ints(kept)
			out[g] = kept
		}
		frontier = next
	}
	return out, nil
}

// DescendantCount is the number of cells below a founder across all later
// generations.
func (r *Reconstructor) DescendantCount(founder int) (int, error) {
	first, _, ok := r.store.Bounds()
	if !ok {
		return 0, fmt.Errorf("%w: founder %d in empty store", ErrCellNotFound, founder)
	}
	desc, err := r.DescendantsOf(first, founder)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, cells := range desc {
		n += len(cells)
	}
	return n, nil
}

// Lifespan is the time a cell spent alive: from its first sample to its last,
// or to the first sample where the cleaved marker reaches the intact one.
func Lifespan(cell model.CellResult, markers model.Markers) float64 {
	if len(cell.Times) == 0 {
		return 0
	}
	end := cell.EndHours()
	if cut := deathCut(cell.States, markers); cut >= 0 {
		end = cell.Times[cut]
	}
	return end - cell.StartHours()
}
