package reconstruct

import (
	"errors"
	"math"
	"sort"

	"cellpop/internal/lineage"
	"cellpop/internal/model"
)

const relativeErrorEpsilon = 1e-10

type SpeciesScore struct {
	Index int     `json:"index"`
	Name  string  `json:"name,omitempty"`
	Score float64 `json:"score"`
	AUC   float64 `json:"auc"`
}

// Ranking sums per-species percentile ranks and error areas over every
// (terminal lineage, reference founder) comparison.
type Ranking struct {
	Species     []SpeciesScore `json:"species"`
	Comparisons int            `json:"comparisons"`
}

// Sorted returns the species by descending score, then by index.
func (r Ranking) Sorted() []SpeciesScore {
	out := append([]SpeciesScore(nil), r.Species...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Index < out[j].Index
	})
	return out
}

// RankSpecies compares every terminal lineage below group against every
// reference founder's own trajectory. Each comparison interpolates both onto
// their shared time grid up to the earlier end, integrates the squared
// relative error per species with the trapezoid rule, and converts the
// per-species areas into percentile ranks. names may be nil.
func (r *Reconstructor) RankSpecies(group, reference []int, names []string) (Ranking, error) {
	if len(group) == 0 || len(reference) == 0 {
		return Ranking{}, errors.New("group and reference founders are required")
	}
	lineages, err := r.TerminalLineages(group)
	if err != nil {
		return Ranking{}, err
	}

	type series struct {
		times  []float64
		states [][]float64
	}
	refs := make([]series, 0, len(reference))
	for _, f := range reference {
		cell, err := r.founder(f)
		if err != nil {
			return Ranking{}, err
		}
		times, states := cell.Times, cell.States
		if cut := deathCut(states, r.markers); cut >= 0 {
			times, states = times[:cut], states[:cut]
		}
		if len(times) > 1 {
			refs = append(refs, series{times: times, states: states})
		}
	}

	var ranking Ranking
	keys := sortedLineages(lineages)
	for _, key := range keys {
		lin := lineages[key]
		if len(lin.Times) < 2 {
			continue
		}
		for _, ref := range refs {
			auc := errorArea(lin.Times, lin.States, ref.times, ref.states)
			if auc == nil {
				continue
			}
			if ranking.Species == nil {
				ranking.Species = make([]SpeciesScore, len(auc))
				for i := range ranking.Species {
					ranking.Species[i].Index = i
					if i < len(names) {
						ranking.Species[i].Name = names[i]
					}
				}
			}
			for i, rank := range percentileRanks(auc) {
				if i >= len(ranking.Species) {
					break
				}
				ranking.Species[i].Score += rank
				ranking.Species[i].AUC += auc[i]
			}
			ranking.Comparisons++
		}
	}
	return ranking, nil
}

func sortedLineages(m map[lineage.Lineage]model.CellResult) []lineage.Lineage {
	keys := make([]lineage.Lineage, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Founder != keys[j].Founder {
			return keys[i].Founder < keys[j].Founder
		}
		return keys[i].Path < keys[j].Path
	})
	return keys
}

// errorArea returns, per species, the trapezoid integral of
// ((a-b)/(a+eps))^2 over the union of both grids below the earlier end.
func errorArea(ta []float64, xa [][]float64, tb []float64, xb [][]float64) []float64 {
	width := len(xa[0])
	if len(xb[0]) < width {
		width = len(xb[0])
	}
	start := math.Max(ta[0], tb[0])
	end := math.Min(ta[len(ta)-1], tb[len(tb)-1])

	seen := make(map[float64]struct{}, len(ta)+len(tb))
	var grid []float64
	for _, ts := range [][]float64{ta, tb} {
		for _, t := range ts {
			if t < start || t >= end {
				continue
			}
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				grid = append(grid, t)
			}
		}
	}
	if len(grid) == 0 {
		return nil
	}
	sort.Float64s(grid)

	auc := make([]float64, width)
	colA := make([]float64, len(ta))
	colB := make([]float64, len(tb))
	errs := make([]float64, len(grid))
	for s := 0; s < width; s++ {
		for i, row := range xa {
			colA[i] = row[s]
		}
		for i, row := range xb {
			colB[i] = row[s]
		}
		for i, t := range grid {
			a := interpolate(ta, colA, t)
			b := interpolate(tb, colB, t)
			e := (a - b) / (a + relativeErrorEpsilon)
			errs[i] = e * e
		}
		auc[s] = trapezoid(grid, errs)
	}
	return auc
}

func trapezoid(x, y []float64) float64 {
	total := 0.0
	for i := 1; i < len(x); i++ {
		total += (x[i] - x[i-1]) * (y[i] + y[i-1]) / 2
	}
	return total
}

// percentileRanks gives each value its percentile within values, averaging
// over ties.
func percentileRanks(values []float64) []float64 {
	n := float64(len(values))
	out := make([]float64, len(values))
	for i, v := range values {
		below, atOrBelow := 0, 0
		for _, w := range values {
			if w < v {
				below++
			}
			if w <= v {
				atOrBelow++
			}
		}
		bump := 0
		if atOrBelow > below {
			bump = 1
		}
		out[i] = float64(below+atOrBelow+bump) * 50 / n
	}
	return out
}

// interpolate evaluates the piecewise-linear function through (xs, ys) at x,
// holding the end values outside the sampled range. Repeated xs take the
// later value.
func interpolate(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if x < xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	i := sort.Search(n, func(i int) bool { return xs[i] > x })
	lo := i - 1
	if xs[lo] == x {
		return ys[lo]
	}
	frac := (x - xs[lo]) / (xs[i] - xs[lo])
	return ys[lo] + frac*(ys[i]-ys[lo])
}
