package census

import (
	"math"
	"sort"
)

// Curve is a census: Counts[i] cells alive at Times[i].
type Curve struct {
	Times  []float64 `json:"times"`
	Counts []float64 `json:"counts"`
}

func (c Curve) Len() int {
	return len(c.Times)
}

// At reads the curve as a step function: the count at the last grid time not
// after t, and 0 before the first.
func (c Curve) At(t float64) float64 {
	i := sort.Search(len(c.Times), func(i int) bool { return c.Times[i] > t })
	if i == 0 {
		return 0
	}
	return c.Counts[i-1]
}

// Sample interpolates linearly between grid points. Outside the grid it
// returns NaN.
func (c Curve) Sample(t float64) float64 {
	return interpolate(c.Times, c.Counts, t)
}

// Final is the last count, or 0 for an empty curve.
func (c Curve) Final() float64 {
	if len(c.Counts) == 0 {
		return 0
	}
	return c.Counts[len(c.Counts)-1]
}

// Peak is the largest count.
func (c Curve) Peak() float64 {
	peak := 0.0
	for _, v := range c.Counts {
		if v > peak {
			peak = v
		}
	}
	return peak
}

// Median combines replicate curves on the union of their grids, truncated at
// the earliest final time, sampling each curve linearly.
func Median(curves []Curve) Curve {
	var nonEmpty []Curve
	for _, c := range curves {
		if c.Len() > 0 {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return Curve{}
	}

	horizon := math.Inf(1)
	start := math.Inf(-1)
	var grid []float64
	for _, c := range nonEmpty {
		horizon = math.Min(horizon, c.Times[len(c.Times)-1])
		start = math.Max(start, c.Times[0])
		grid = append(grid, c.Times...)
	}
	grid = mergeClose(grid)

	out := Curve{}
	samples := make([]float64, len(nonEmpty))
	for _, t := range grid {
		if t < start-timeTolerance || t > horizon+timeTolerance {
			continue
		}
		for i, c := range nonEmpty {
			samples[i] = c.Sample(t)
		}
		out.Times = append(out.Times, t)
		out.Counts = append(out.Counts, median(samples))
	}
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// interpolate evaluates the piecewise-linear function through (xs, ys) at x.
// xs must be ascending. Repeated xs take the later value.
func interpolate(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 0 || len(ys) < n || x < xs[0] || x > xs[n-1] {
		return math.NaN()
	}
	i := sort.Search(n, func(i int) bool { return xs[i] > x })
	if i == n {
		return ys[n-1]
	}
	lo := i - 1
	if xs[lo] == x {
		return ys[lo]
	}
	span := xs[i] - xs[lo]
	if span == 0 {
		return ys[i]
	}
	frac := (x - xs[lo]) / span
	return ys[lo] + frac*(ys[i]-ys[lo])
}

func unionGrid(intervals []Interval) []float64 {
	grid := make([]float64, 0, 2*len(intervals))
	for _, iv := range intervals {
		grid = append(grid, iv.Start, iv.End)
	}
	return mergeClose(grid)
}

// timeTolerance is the distance below which two instants are one grid point.
const timeTolerance = 1e-9

// mergeClose sorts xs and collapses runs of instants closer than
// timeTolerance into their first member.
func mergeClose(xs []float64) []float64 {
	sort.Float64s(xs)
	out := xs[:0]
	for _, x := range xs {
		if n := len(out); n > 0 && x-out[n-1] <= timeTolerance {
			continue
		}
		out = append(out, x)
	}
	return out
}

// locate returns the index of the grid point within timeTolerance of t, or
// the insertion index for t and false.
func locate(grid []float64, t float64) (int, bool) {
	j := sort.SearchFloat64s(grid, t-timeTolerance)
	if j < len(grid) && math.Abs(grid[j]-t) <= timeTolerance {
		return j, true
	}
	return sort.SearchFloat64s(grid, t), false
}

func insertFloat(xs []float64, at int, v float64) []float64 {
	xs = append(xs, 0)
	copy(xs[at+1:], xs[at:])
	xs[at] = v
	return xs
}

func insertBool(xs []bool, at int, v bool) []bool {
	xs = append(xs, false)
	copy(xs[at+1:], xs[at:])
	xs[at] = v
	return xs
}
