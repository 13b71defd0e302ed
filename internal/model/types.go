package model

import (
	"cellpop/internal/lineage"
)

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

type Outcome string

const (
	OutcomeNoEvent  Outcome = "no_event"
	OutcomeDivision Outcome = "division"
	OutcomeDeath    Outcome = "death"
	OutcomeError    Outcome = "error"
)

// MarkerHistory is a window of a founder's generation-0 cycle-marker series.
// Times are relative to the founder's start and therefore negative.
type MarkerHistory struct {
	Times  []float64 `json:"times"`
	Values []float64 `json:"values"`
}

// CellTask is one simulation unit. It is immutable once dispatched.
type CellTask struct {
	Generation    int             `json:"generation"`
	LocalIndex    int             `json:"local_index"`
	Lineage       lineage.Lineage `json:"lineage"`
	InitialState  []float64       `json:"initial_state"`
	DurationHours float64         `json:"duration_hours"`
	StartHours    float64         `json:"start_hours"`
	History       *MarkerHistory  `json:"history,omitempty"`
}

type DivisionInfo struct {
	TimeIndex         int                `json:"time_index"`
	TimeHours         float64            `json:"time_hours"`
	SurvivorState     []float64          `json:"survivor_state"`
	RemainingDuration float64            `json:"remaining_duration"`
	ChildLineages     [2]lineage.Lineage `json:"child_lineages"`
}

// CellResult is the output of one CellTask. States and Genes are indexed
// [time][species] and [time][gene]; Times are absolute experiment hours.
type CellResult struct {
	Generation int             `json:"generation"`
	LocalIndex int             `json:"local_index"`
	Lineage    lineage.Lineage `json:"lineage"`
	States     [][]float64     `json:"states"`
	Genes      [][]float64     `json:"genes,omitempty"`
	Times      []float64       `json:"times"`
	Outcome    Outcome         `json:"outcome"`
	EventHours *float64        `json:"event_hours,omitempty"`
	Division   *DivisionInfo   `json:"division,omitempty"`
	Error      string          `json:"error,omitempty"`
}

func (r CellResult) Divided() bool {
	return r.Division != nil
}

func (r CellResult) StartHours() float64 {
	if len(r.Times) == 0 {
		return 0
	}
	return r.Times[0]
}

func (r CellResult) EndHours() float64 {
	if len(r.Times) == 0 {
		return 0
	}
	return r.Times[len(r.Times)-1]
}

// GenerationCheckpoint is the durable artifact written by the coordinator
// once per generation, after the generation barrier.
type GenerationCheckpoint struct {
	VersionedRecord
	RunID      string             `json:"run_id"`
	Generation int                `json:"generation"`
	Stride     int                `json:"stride"`
	Cells      map[int]CellResult `json:"cells"`
}

type GenerationSummary struct {
	Generation   int     `json:"generation"`
	Cells        int     `json:"cells"`
	Divisions    int     `json:"divisions"`
	Deaths       int     `json:"deaths"`
	NoEvents     int     `json:"no_events"`
	Errors       int     `json:"errors"`
	DurationSecs float64 `json:"duration_secs"`
}

// RunRecord is the bookkeeping entry for one experiment run.
type RunRecord struct {
	VersionedRecord
	ID           string              `json:"id"`
	CreatedAtUTC string              `json:"created_at_utc"`
	Founders     int                 `json:"founders"`
	Species      []string            `json:"species"`
	Genes        []string            `json:"genes,omitempty"`
	Markers      Markers             `json:"markers"`
	Config       map[string]any      `json:"config,omitempty"`
	Generations  []GenerationSummary `json:"generations"`
	StopReason   string              `json:"stop_reason"`
	Completed    bool                `json:"completed"`
}

// Markers holds resolved species indices for detection and reconstruction.
type Markers struct {
	Cycle   int `json:"cycle"`
	Intact  int `json:"intact"`
	Cleaved int `json:"cleaved"`
}

// Dead reports whether a state row marks apoptosis: the intact marker no
// longer exceeds the cleaved one. Equal markers count as death. Rows too
// short to hold both markers are never dead.
func (m Markers) Dead(row []float64) bool {
	if m.Intact < 0 || m.Cleaved < 0 || m.Intact >= len(row) || m.Cleaved >= len(row) {
		return false
	}
	return !(row[m.Intact] > row[m.Cleaved])
}

func Summarize(generation int, cells map[int]CellResult) GenerationSummary {
	summary := GenerationSummary{Generation: generation, Cells: len(cells)}
	for _, cell := range cells {
		switch cell.Outcome {
		case OutcomeDivision:
			summary.Divisions++
		case OutcomeDeath:
			summary.Deaths++
		case OutcomeError:
			summary.Errors++
		default:
			summary.NoEvents++
		}
	}
	return summary
}
