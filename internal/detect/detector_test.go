package detect

import (
	"errors"
	"testing"

	"cellpop/internal/model"
)

var testMarkers = model.Markers{Cycle: 0, Intact: 1, Cleaved: 2}

func trajectory(cycle []float64, intact, cleaved float64) [][]float64 {
	states := make([][]float64, len(cycle))
	for i, v := range cycle {
		states[i] = []float64{v, intact, cleaved}
	}
	return states
}

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(Thresholds{PeakHeight: 30, TroughThreshold: 2}, testMarkers)
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	return d
}

func TestFindPeaksAndTroughs(t *testing.T) {
	series := []float64{0, 10, 40, 20, 1, 5, 45, 45, 0.5, 3}
	peaks := FindPeaks(series, 30)
	if len(peaks) != 2 || peaks[0] != 2 || peaks[1] != 6 {
		t.Fatalf("unexpected peaks: %v", peaks)
	}
	troughs := FindTroughs(series, 2)
	if len(troughs) != 2 || troughs[0] != 4 || troughs[1] != 8 {
		t.Fatalf("unexpected troughs: %v", troughs)
	}
	candidates := Candidates(series, Thresholds{PeakHeight: 30, TroughThreshold: 2})
	if len(candidates) != 2 || candidates[0] != (Candidate{Peak: 2, Trough: 4}) || candidates[1] != (Candidate{Peak: 6, Trough: 8}) {
		t.Fatalf("unexpected candidates: %+v", candidates)
	}
}

func TestPeakHeightAndEndpointsAreRespected(t *testing.T) {
	if got := FindPeaks([]float64{50, 10, 20, 10, 60}, 30); len(got) != 0 {
		t.Fatalf("expected no peaks, got %v", got)
	}
	// The trough at index 2 sits above the threshold and is skipped.
	got := Candidates([]float64{0, 40, 5, 35, 1, 4}, Thresholds{PeakHeight: 30, TroughThreshold: 2})
	if len(got) != 1 || got[0].Trough != 4 || got[0].Peak != 1 {
		t.Fatalf("unexpected candidates: %+v", got)
	}
}

func TestClassifyDivision(t *testing.T) {
	d := newTestDetector(t)
	event, err := d.Classify(trajectory([]float64{0, 10, 40, 20, 1, 5, 8}, 10, 1))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDivision || event.Index != 4 || event.Peak != 2 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClassifyDeathWhenCleavedExceedsIntact(t *testing.T) {
	d := newTestDetector(t)
	event, err := d.Classify(trajectory([]float64{0, 10, 40, 20, 1, 5, 8}, 1, 10))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDeath || event.Index != 4 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClassifyTieIsDeath(t *testing.T) {
	d := newTestDetector(t)
	event, err := d.Classify(trajectory([]float64{0, 10, 40, 20, 1, 5, 8}, 3, 3))
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDeath {
		t.Fatalf("expected death on tie, got %+v", event)
	}
}

func TestClassifyNoEvent(t *testing.T) {
	d := newTestDetector(t)
	cases := map[string][]float64{
		"no peak":         {0, 5, 10, 5, 1, 2},
		"peak no trough":  {0, 10, 40, 20, 10, 5},
		"trough too high": {0, 10, 40, 20, 3, 5},
		"empty":           {},
	}
	for name, cycle := range cases {
		t.Run(name, func(t *testing.T) {
			event, err := d.Classify(trajectory(cycle, 10, 1))
			if err != nil {
				t.Fatalf("classify: %v", err)
			}
			if event.Outcome != model.OutcomeNoEvent || event.Index != -1 {
				t.Fatalf("unexpected event: %+v", event)
			}
		})
	}
}

func TestClassifyWithHistoryFindsTroughAfterEarlierPeak(t *testing.T) {
	d := newTestDetector(t)
	states := trajectory([]float64{5, 1, 3, 4}, 10, 1)
	event, err := d.Classify(states)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeNoEvent {
		t.Fatalf("expected no event without history, got %+v", event)
	}

	event, err = d.ClassifyWithHistory([]float64{10, 40, 20}, states)
	if err != nil {
		t.Fatalf("classify with history: %v", err)
	}
	if event.Outcome != model.OutcomeDivision || event.Index != 1 || event.Peak != -2 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClassifyWithHistoryIgnoresCandidatesBeforeStart(t *testing.T) {
	d := newTestDetector(t)
	// The history already contains a full peak/trough pair; only the later one counts.
	history := []float64{10, 40, 1, 6}
	states := trajectory([]float64{8, 35, 10, 0.5, 4}, 10, 1)
	event, err := d.ClassifyWithHistory(history, states)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if event.Outcome != model.OutcomeDivision || event.Index != 3 {
		t.Fatalf("unexpected event: %+v", event)
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	d := newTestDetector(t)
	states := trajectory([]float64{0, 31, 31, 12, 0, 0, 7, 50, 1, 2}, 4, 2)
	first, err := d.Classify(states)
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := d.Classify(states)
		if err != nil {
			t.Fatalf("classify: %v", err)
		}
		if again != first {
			t.Fatalf("non-deterministic classification: %+v vs %+v", again, first)
		}
	}
	if first.Index != 4 || first.Peak != 1 {
		t.Fatalf("expected earliest plateau indices, got %+v", first)
	}
}

func TestClassifyRejectsMalformedTrajectories(t *testing.T) {
	d, err := New(Thresholds{PeakHeight: 30, TroughThreshold: 2}, model.Markers{Cycle: 0, Intact: 1, Cleaved: 5})
	if err != nil {
		t.Fatalf("new detector: %v", err)
	}
	if _, err := d.Classify(trajectory([]float64{1, 2}, 1, 1)); !errors.Is(err, ErrMarkerOutOfRange) {
		t.Fatalf("expected ErrMarkerOutOfRange, got %v", err)
	}
	if _, err := New(Thresholds{}, model.Markers{Cycle: 0, Intact: 1, Cleaved: 1}); err == nil {
		t.Fatal("expected identical death markers to be rejected")
	}
}
