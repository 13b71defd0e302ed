// Package detect classifies a single cell trajectory into no-event, division
// or death by scanning a periodic cycle-marker signal for a peak followed by
// a baseline trough, then comparing two death markers at that trough.
package detect

import (
	"errors"
	"fmt"
	"math"

	"cellpop/internal/model"
)

var ErrMarkerOutOfRange = errors.New("marker index out of range")

// Thresholds are the peak-height floor H and the trough ceiling T.
type Thresholds struct {
	PeakHeight      float64 `json:"peak_height"`
	TroughThreshold float64 `json:"trough_threshold"`
}

func (t Thresholds) Validate() error {
	if math.IsNaN(t.PeakHeight) || math.IsInf(t.PeakHeight, 0) {
		return fmt.Errorf("peak height must be finite")
	}
	if math.IsNaN(t.TroughThreshold) || math.IsInf(t.TroughThreshold, 0) {
		return fmt.Errorf("trough threshold must be finite")
	}
	return nil
}

// Candidate is a qualifying peak and the first below-threshold trough after it.
type Candidate struct {
	Peak   int
	Trough int
}

type Event struct {
	Outcome model.Outcome
	// Index is the event sample in the classified trajectory, -1 for no-event.
	Index int
	Peak  int
}

func NoEvent() Event {
	return Event{Outcome: model.OutcomeNoEvent, Index: -1, Peak: -1}
}

type Detector struct {
	thresholds Thresholds
	markers    model.Markers
}

func New(thresholds Thresholds, markers model.Markers) (*Detector, error) {
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if markers.Cycle < 0 || markers.Intact < 0 || markers.Cleaved < 0 {
		return nil, fmt.Errorf("marker indices must be >= 0: %+v", markers)
	}
	if markers.Intact == markers.Cleaved {
		return nil, fmt.Errorf("intact and cleaved markers must differ")
	}
	return &Detector{thresholds: thresholds, markers: markers}, nil
}

func (d *Detector) Thresholds() Thresholds {
	return d.thresholds
}

func (d *Detector) Markers() model.Markers {
	return d.markers
}

// Classify scans states[time][species]. See ClassifyWithHistory.
func (d *Detector) Classify(states [][]float64) (Event, error) {
	return d.ClassifyWithHistory(nil, states)
}

// ClassifyWithHistory prepends history (earlier cycle-marker samples) to the
// cycle-marker series before peak/trough search, so a trajectory that starts
// after its peak can still divide at its next trough. Only candidates that
// fall strictly after the first sample of states are accepted; the returned
// index is relative to states.
func (d *Detector) ClassifyWithHistory(history []float64, states [][]float64) (Event, error) {
	if len(states) == 0 {
		return NoEvent(), nil
	}
	width := len(states[0])
	for _, idx := range []int{d.markers.Cycle, d.markers.Intact, d.markers.Cleaved} {
		if idx >= width {
			return Event{}, fmt.Errorf("%w: %d >= %d species", ErrMarkerOutOfRange, idx, width)
		}
	}

	offset := len(history)
	series := make([]float64, 0, offset+len(states))
	series = append(series, history...)
	for t, row := range states {
		if len(row) != width {
			return Event{}, fmt.Errorf("ragged trajectory at sample %d: got %d species want %d", t, len(row), width)
		}
		series = append(series, row[d.markers.Cycle])
	}

	for _, c := range Candidates(series, d.thresholds) {
		idx := c.Trough - offset
		if idx < 1 {
			continue
		}
		row := states[idx]
		peak := c.Peak - offset
		if d.markers.Dead(row) {
			return Event{Outcome: model.OutcomeDeath, Index: idx, Peak: peak}, nil
		}
		return Event{Outcome: model.OutcomeDivision, Index: idx, Peak: peak}, nil
	}
	return NoEvent(), nil
}

// Candidates pairs every peak of height >= PeakHeight with the first trough
// after it whose value is < TroughThreshold. Peaks sharing the same trough
// yield one candidate.
func Candidates(series []float64, thresholds Thresholds) []Candidate {
	peaks := FindPeaks(series, thresholds.PeakHeight)
	if len(peaks) == 0 {
		return nil
	}
	troughs := FindTroughs(series, thresholds.TroughThreshold)
	out := make([]Candidate, 0, len(peaks))
	j := 0
	lastTrough := -1
	for _, p := range peaks {
		for j < len(troughs) && troughs[j] <= p {
			j++
		}
		if j == len(troughs) {
			break
		}
		if troughs[j] == lastTrough {
			continue
		}
		out = append(out, Candidate{Peak: p, Trough: troughs[j]})
		lastTrough = troughs[j]
	}
	return out
}

// FindPeaks returns local maxima with value >= height. A flat top counts
// once, at its earliest index. Endpoints are never peaks.
func FindPeaks(x []float64, height float64) []int {
	return extrema(x, func(a, b float64) bool { return a > b }, func(v float64) bool { return v >= height })
}

// FindTroughs returns local minima with value < below, flat bottoms at their
// earliest index.
func FindTroughs(x []float64, below float64) []int {
	return extrema(x, func(a, b float64) bool { return a < b }, func(v float64) bool { return v < below })
}

// extrema finds i such that x[i] beats x[i-1] and the first differing sample
// after the plateau starting at i is beaten by x[i] as well.
func extrema(x []float64, beats func(a, b float64) bool, keep func(float64) bool) []int {
	var out []int
	n := len(x)
	i := 1
	for i < n-1 {
		if !beats(x[i], x[i-1]) {
			i++
			continue
		}
		j := i + 1
		for j < n && x[j] == x[i] {
			j++
		}
		if j < n && beats(x[i], x[j]) && keep(x[i]) {
			out = append(out, i)
		}
		i = j
	}
	return out
}
