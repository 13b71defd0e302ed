package solver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
)

const CycleModelName = "cycle"

const (
	SpeciesClock   = "clock"
	SpeciesMb      = "Mb"
	SpeciesPARP    = "PARP"
	SpeciesCPARP   = "cPARP"
	SpeciesEGF     = "E"
	SpeciesInsulin = "INS"
	SpeciesDrug    = "trame_EC"
)

const (
	defaultStepHours = 0.1

	cyclePeriodHours = 22.0
	basalCycleRate   = 0.15
	mbAmplitude      = 40.0
	mbBaseline       = 0.5
	drugIC50         = 500.0
	deathRateMax     = 0.25
	deathEC50        = 100.0
	cleavedDecay     = 0.05
	parpTotal        = 100.0
	heterogeneity    = 0.3
)

var cycleSpecies = []string{SpeciesClock, SpeciesMb, SpeciesPARP, SpeciesCPARP, SpeciesEGF, SpeciesInsulin, SpeciesDrug}

var cycleGenes = []string{"CCNB1", "CASP3"}

const (
	idxClock = iota
	idxMb
	idxPARP
	idxCPARP
	idxEGF
	idxInsulin
	idxDrug
)

// CycleModel is a compact phenomenological cell: a growth-factor driven
// cycle clock whose Mb readout peaks mid-cycle and returns to baseline at
// division, and a drug-driven PARP cleavage that marks apoptosis.
type CycleModel struct {
	step float64
}

func NewCycleModel(opts Options) (*CycleModel, error) {
	step := opts.StepHours
	if step == 0 {
		step = defaultStepHours
	}
	if step < 0 || math.IsNaN(step) {
		return nil, fmt.Errorf("solver step must be > 0, got %v", opts.StepHours)
	}
	return &CycleModel{step: step}, nil
}

func (m *CycleModel) Name() string {
	return CycleModelName
}

func (m *CycleModel) Species() []string {
	return append([]string(nil), cycleSpecies...)
}

func (m *CycleModel) Genes() []string {
	return append([]string(nil), cycleGenes...)
}

func (m *CycleModel) StepHours() float64 {
	return m.step
}

func (m *CycleModel) BaseState() []float64 {
	state := make([]float64, len(cycleSpecies))
	state[idxClock] = 0.1
	state[idxMb] = mbLevel(state[idxClock])
	state[idxPARP] = parpTotal
	return state
}

func (m *CycleModel) Simulate(ctx context.Context, req Request) (Trajectory, error) {
	if req.DurationHours <= 0 || math.IsNaN(req.DurationHours) {
		return Trajectory{}, fmt.Errorf("duration must be > 0, got %v", req.DurationHours)
	}
	if len(req.InitialState) != len(cycleSpecies) {
		return Trajectory{}, fmt.Errorf("initial state has %d species, want %d", len(req.InitialState), len(cycleSpecies))
	}

	state := append([]float64(nil), req.InitialState...)
	clamped := make(map[int]float64, len(req.Aux))
	for name, value := range req.Aux {
		idx := indexOf(cycleSpecies, name)
		if idx < 0 {
			return Trajectory{}, fmt.Errorf("%w: %q", ErrUnknownSpecies, name)
		}
		clamped[idx] = value
		state[idx] = value
	}
	for i, v := range state {
		if v < 0 || math.IsNaN(v) {
			return Trajectory{}, fmt.Errorf("initial %s must be >= 0, got %v", cycleSpecies[i], v)
		}
	}
	state[idxClock] = math.Mod(state[idxClock], 1)
	state[idxMb] = mbLevel(state[idxClock])

	var rng *rand.Rand
	rateScale, deathScale := 1.0, 1.0
	if !req.Deterministic {
		rng = rand.New(rand.NewSource(req.Seed))
		rateScale = math.Exp(heterogeneity * rng.NormFloat64())
		deathScale = math.Exp(heterogeneity * rng.NormFloat64())
	}

	steps := int(math.Floor(req.DurationHours/m.step + 1e-9))
	out := Trajectory{
		States: make([][]float64, 0, steps+1),
		Genes:  make([][]float64, 0, steps+1),
		Times:  make([]float64, 0, steps+1),
	}
	record := func(i int) {
		out.States = append(out.States, append([]float64(nil), state...))
		out.Genes = append(out.Genes, m.genes(state, deathScale, rng))
		out.Times = append(out.Times, float64(i)*m.step)
	}

	record(0)
	for i := 1; i <= steps; i++ {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return Trajectory{}, err
			}
		}
		m.advance(state, rateScale, deathScale)
		for idx, value := range clamped {
			state[idx] = value
		}
		record(i)
	}
	return out, nil
}

func (m *CycleModel) advance(state []float64, rateScale, deathScale float64) {
	dt := m.step
	growth := hill(state[idxEGF], 1, 1) + 0.5*hill(state[idxInsulin], 1, 1)
	rate := (basalCycleRate + (1-basalCycleRate)*math.Min(growth, 1)) / cyclePeriodHours
	rate *= rateScale / (1 + state[idxDrug]/drugIC50)
	state[idxClock] = math.Mod(state[idxClock]+rate*dt, 1)
	state[idxMb] = mbLevel(state[idxClock])

	k := deathRateMax * deathScale * hill(state[idxDrug], deathEC50, 2)
	intact := state[idxPARP] * math.Exp(-k*dt)
	state[idxCPARP] = (state[idxCPARP] + state[idxPARP] - intact) * math.Exp(-cleavedDecay*dt)
	state[idxPARP] = intact
}

func (m *CycleModel) genes(state []float64, deathScale float64, rng *rand.Rand) []float64 {
	expected := []float64{
		10 * state[idxMb] / (mbAmplitude + mbBaseline),
		2 + 8*deathScale*hill(state[idxDrug], deathEC50, 2),
	}
	if rng == nil {
		return expected
	}
	for i, v := range expected {
		expected[i] = math.Max(0, math.Round(v+math.Sqrt(v)*rng.NormFloat64()))
	}
	return expected
}

func mbLevel(clock float64) float64 {
	s := math.Sin(math.Pi * clock)
	return mbBaseline + mbAmplitude*s*s*s*s
}

func hill(x, k, n float64) float64 {
	if x <= 0 {
		return 0
	}
	xn := math.Pow(x, n)
	return xn / (xn + math.Pow(k, n))
}

func indexOf(values []string, name string) int {
	for i, v := range values {
		if v == name {
			return i
		}
	}
	return -1
}

var _ Solver = (*CycleModel)(nil)
