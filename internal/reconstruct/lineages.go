package reconstruct

import (
	"fmt"

	"cellpop/internal/lineage"
	"cellpop/internal/model"
)

// TerminalLineages returns one entry per leaf below the given founders. Each
// entry concatenates the trajectories of every cell from the founder down to
// the leaf and is cut before the first sample whose cleaved/intact ratio
// reaches 1. A founder that never divided is its own leaf.
func (r *Reconstructor) TerminalLineages(founders []int) (map[lineage.Lineage]model.CellResult, error) {
	out := make(map[lineage.Lineage]model.CellResult)
	for _, f := range founders {
		root, err := r.founder(f)
		if err != nil {
			return nil, err
		}
		for _, leaf := range r.leaves(root) {
			out[leaf.Lineage] = r.concatenate(leaf)
		}
	}
	return out, nil
}

func (r *Reconstructor) leaves(root model.CellResult) []model.CellResult {
	var out []model.CellResult
	stack := []model.CellResult{root}
	for len(stack) > 0 {
		cell := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		var kids []model.CellResult
		for _, selector := range []int{1, 2} {
			if child, _, ok := r.lookup(cell.Lineage.Child(selector)); ok {
				kids = append(kids, child)
			}
		}
		if len(kids) == 0 {
			out = append(out, cell)
			continue
		}
		for i := len(kids) - 1; i >= 0; i-- {
			stack = append(stack, kids[i])
		}
	}
	return out
}

func (r *Reconstructor) concatenate(leaf model.CellResult) model.CellResult {
	depth := leaf.Lineage.Path.Depth()
	chain := make([]model.CellResult, 0, depth+1)
	for d := 0; d <= depth; d++ {
		cell, _, ok := r.lookup(lineage.Lineage{Founder: leaf.Lineage.Founder, Path: leaf.Lineage.Path.Prefix(d)})
		if ok {
			chain = append(chain, cell)
		}
	}

	out := model.CellResult{
		Generation: leaf.Generation,
		LocalIndex: leaf.LocalIndex,
		Lineage:    leaf.Lineage,
		Outcome:    leaf.Outcome,
		EventHours: leaf.EventHours,
		Error:      leaf.Error,
	}
	withGenes := true
	for _, cell := range chain {
		// a child's first sample repeats its parent's division instant
		skip := 0
		if n := len(out.Times); n > 0 && len(cell.Times) > 0 && cell.Times[0] == out.Times[n-1] {
			skip = 1
		}
		if len(cell.Times) < skip || len(cell.States) < skip {
			continue
		}
		out.States = append(out.States, cell.States[skip:]...)
		out.Times = append(out.Times, cell.Times[skip:]...)
		if len(cell.Genes) != len(cell.Times) {
			withGenes = false
			continue
		}
		out.Genes = append(out.Genes, cell.Genes[skip:]...)
	}
	if !withGenes {
		out.Genes = nil
	}

	if cut := deathCut(out.States, r.markers); cut >= 0 {
		at := out.Times[cut]
		out.States = out.States[:cut]
		out.Times = out.Times[:cut]
		if out.Genes != nil {
			out.Genes = out.Genes[:cut]
		}
		out.Outcome = model.OutcomeDeath
		out.EventHours = &at
	}
	return out
}

// deathCut returns the first row whose cleaved/intact ratio reaches 1, or -1.
func deathCut(states [][]float64, markers model.Markers) int {
	for i, row := range states {
		if markers.Dead(row) {
			return i
		}
	}
	return -1
}

// GroupThresholds buckets founders by descendant count: none has 0, few has
// 1..Many-1, many has at least Many.
type GroupThresholds struct {
	Many int
}

func DefaultGroupThresholds() GroupThresholds {
	return GroupThresholds{Many: 25}
}

type Groups struct {
	None   []int       `json:"none"`
	Few    []int       `json:"few"`
	Many   []int       `json:"many"`
	Counts map[int]int `json:"counts"`
}

func (r *Reconstructor) GroupFounders(th GroupThresholds) (Groups, error) {
	if th.Many < 2 {
		return Groups{}, fmt.Errorf("many threshold must be >= 2, got %d", th.Many)
	}
	groups := Groups{Counts: make(map[int]int)}
	for _, f := range r.Founders() {
		n, err := r.DescendantCount(f)
		if err != nil {
			return Groups{}, err
		}
		groups.Counts[f] = n
		switch {
		case n == 0:
			groups.None = append(groups.None, f)
		case n < th.Many:
			groups.Few = append(groups.Few, f)
		default:
			groups.Many = append(groups.Many, f)
		}
	}
	return groups, nil
}
