package census

import (
	"math"
	"sort"

	"cellpop/internal/lineage"
	"cellpop/internal/model"
)

// Interval is one cell's life on the experiment clock. A cell that divided is
// alive on [Start, End); any other cell on [Start, End]. A death zeroes the
// cell from Death onward.
type Interval struct {
	Start   float64
	End     float64
	Death   *float64
	Divided bool
}

// covers treats instants within timeTolerance as equal.
func (iv Interval) covers(t float64) bool {
	if t < iv.Start-timeTolerance {
		return false
	}
	if iv.Divided {
		return t < iv.End-timeTolerance
	}
	return t <= iv.End+timeTolerance
}

// Table is the alive matrix behind a census: Alive[cell][column] over the
// shared grid Times.
type Table struct {
	Times []float64
	Alive [][]bool
}

// BuildTable lays the intervals on the sorted union of their start and end
// instants, then inserts each death instant as an exact grid column.
func BuildTable(intervals []Interval) Table {
	grid := unionGrid(intervals)
	alive := make([][]bool, len(intervals))
	for c, iv := range intervals {
		row := make([]bool, len(grid))
		for j, t := range grid {
			row[j] = iv.covers(t)
		}
		alive[c] = row
	}

	type death struct {
		cell int
		at   float64
	}
	deaths := make([]death, 0)
	for c, iv := range intervals {
		if iv.Death != nil {
			deaths = append(deaths, death{cell: c, at: *iv.Death})
		}
	}
	sort.SliceStable(deaths, func(i, j int) bool { return deaths[i].at < deaths[j].at })

	for _, d := range deaths {
		j, found := locate(grid, d.at)
		if !found {
			grid = insertFloat(grid, j, d.at)
			for c := range alive {
				prev := false
				if j > 0 {
					prev = alive[c][j-1]
				}
				alive[c] = insertBool(alive[c], j, prev)
			}
		}
		for k := j; k < len(grid); k++ {
			alive[d.cell][k] = false
		}
	}
	return Table{Times: grid, Alive: alive}
}

// Curve returns the column sums of the table.
func (t Table) Curve() Curve {
	counts := make([]float64, len(t.Times))
	for _, row := range t.Alive {
		for j, alive := range row {
			if alive {
				counts[j]++
			}
		}
	}
	return Curve{Times: append([]float64(nil), t.Times...), Counts: counts}
}

// Build returns the alive-cell count over the interval grid.
func Build(intervals []Interval) Curve {
	return BuildTable(intervals).Curve()
}

// Cell pairs an interval with the result it was read from.
type Cell struct {
	Generation int
	Index      int
	Lineage    lineage.Lineage
	Interval   Interval
}

// FromResults reads one interval per simulated cell, in generation then
// index order. Cells that failed carry no trajectory and are skipped. A
// non-dividing cell dies at its recorded death or at the first sample where
// the cleaved marker reaches the intact one, whichever comes first.
func FromResults(store *model.ResultStore, markers model.Markers) []Cell {
	var out []Cell
	for _, g := range store.Generations() {
		cells, _ := store.Generation(g)
		for _, idx := range store.Indices(g) {
			res := cells[idx]
			if res.Outcome == model.OutcomeError || len(res.Times) == 0 {
				continue
			}
			iv := Interval{
				Start:   res.StartHours(),
				End:     res.EndHours(),
				Divided: res.Divided(),
			}
			if !iv.Divided {
				iv.Death = deathHours(res, markers)
			}
			out = append(out, Cell{Generation: g, Index: idx, Lineage: res.Lineage, Interval: iv})
		}
	}
	return out
}

// Intervals strips the cell identities.
func Intervals(cells []Cell) []Interval {
	out := make([]Interval, len(cells))
	for i, c := range cells {
		out[i] = c.Interval
	}
	return out
}

func deathHours(res model.CellResult, markers model.Markers) *float64 {
	var death *float64
	if res.Outcome == model.OutcomeDeath && res.EventHours != nil {
		at := *res.EventHours
		death = &at
	}
	for i, row := range res.States {
		if markers.Dead(row) {
			if death == nil || res.Times[i] < *death {
				at := res.Times[i]
				death = &at
			}
			break
		}
	}
	return death
}

// Series is one cell's observable sampled at its native time points.
type Series struct {
	Times  []float64
	Values []float64
}

// Observe projects per-cell observables onto the table grid. Inside a cell's
// alive span values are linearly interpolated between native samples; outside
// it, and for cells without a series, the entry is NaN.
func Observe(table Table, series []Series) [][]float64 {
	out := make([][]float64, len(table.Alive))
	for c, row := range table.Alive {
		values := make([]float64, len(table.Times))
		for j := range values {
			values[j] = math.NaN()
		}
		if c < len(series) {
			s := series[c]
			for j, t := range table.Times {
				if row[j] && len(s.Times) > 0 {
					t = math.Min(math.Max(t, s.Times[0]), s.Times[len(s.Times)-1])
					values[j] = interpolate(s.Times, s.Values, t)
				}
			}
		}
		out[c] = values
	}
	return out
}
