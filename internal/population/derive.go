package population

import (
	"sort"

	"cellpop/internal/model"
)

// Snapshot is the merged, immutable result map of one generation. It is
// broadcast to every worker once the generation barrier clears; nobody
// writes to Cells after that.
type Snapshot struct {
	Generation int
	Cells      map[int]model.CellResult
}

func (s Snapshot) Divisions() int {
	n := 0
	for _, cell := range s.Cells {
		if cell.Divided() {
			n++
		}
	}
	return n
}

// DeriveNextGeneration emits two tasks per divided cell, in parent index
// order, numbered 1..n. Both children start at the division instant from the
// survivor state with the remaining duration.
func DeriveNextGeneration(s Snapshot) []model.CellTask {
	parents := make([]int, 0, len(s.Cells))
	for idx, cell := range s.Cells {
		if cell.Divided() {
			parents = append(parents, idx)
		}
	}
	sort.Ints(parents)

	tasks := make([]model.CellTask, 0, 2*len(parents))
	for _, idx := range parents {
		division := s.Cells[idx].Division
		for _, child := range division.ChildLineages {
			tasks = append(tasks, model.CellTask{
				Generation:    s.Generation + 1,
				LocalIndex:    len(tasks) + 1,
				Lineage:       child,
				InitialState:  append([]float64(nil), division.SurvivorState...),
				DurationHours: division.RemainingDuration,
				StartHours:    division.TimeHours,
			})
		}
	}
	return tasks
}
