package reconstruct

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"cellpop/internal/lineage"
	"cellpop/internal/model"
)

var testMarkers = model.Markers{Intact: 0, Cleaved: 1, Cycle: 2}

func healthyRows(n int) [][]float64 {
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = []float64{10, 1, float64(i)}
	}
	return rows
}

func result(gen, idx int, l lineage.Lineage, times []float64, states [][]float64, outcome model.Outcome) model.CellResult {
	cell := model.CellResult{
		Generation: gen,
		LocalIndex: idx,
		Lineage:    l,
		States:     states,
		Times:      times,
		Outcome:    outcome,
	}
	if outcome == model.OutcomeDivision {
		end := times[len(times)-1]
		cell.EventHours = &end
		cell.Division = &model.DivisionInfo{
			TimeIndex:     len(times) - 1,
			TimeHours:     end,
			ChildLineages: [2]lineage.Lineage{l.Child(1), l.Child(2)},
		}
	}
	return cell
}

// fixtureStore: founder 1 divides at 4, its first daughter divides again at
// 8 and one granddaughter crosses the death marker at 9. Founder 2 never
// divides; founder 3 dies at 3.
func fixtureStore(t *testing.T) *model.ResultStore {
	t.Helper()
	f1 := lineage.Lineage{Founder: 1, Path: lineage.Root()}
	f2 := lineage.Lineage{Founder: 2, Path: lineage.Root()}
	f3 := lineage.Lineage{Founder: 3, Path: lineage.Root()}

	dying := healthyRows(3)
	dying[1] = []float64{1, 10, 1}
	dying[2] = []float64{1, 10, 2}

	store := model.NewResultStore()
	gens := []map[int]model.CellResult{
		{
			1: result(1, 1, f1, []float64{0, 2, 4}, healthyRows(3), model.OutcomeDivision),
			2: result(1, 2, f2, []float64{0, 5, 10}, healthyRows(3), model.OutcomeNoEvent),
			3: result(1, 3, f3, []float64{0, 3}, [][]float64{{10, 1, 0}, {1, 10, 0}}, model.OutcomeDeath),
		},
		{
			1: result(2, 1, f1.Child(1), []float64{4, 6, 8}, healthyRows(3), model.OutcomeDivision),
			2: result(2, 2, f1.Child(2), []float64{4, 7, 10}, healthyRows(3), model.OutcomeNoEvent),
		},
		{
			1: result(3, 1, f1.Child(1).Child(1), []float64{8, 9, 10}, healthyRows(3), model.OutcomeNoEvent),
			2: result(3, 2, f1.Child(1).Child(2), []float64{8, 9, 10}, dying, model.OutcomeNoEvent),
		},
	}
	for i, cells := range gens {
		if err := store.Append(i+1, cells); err != nil {
			t.Fatalf("append generation %d: %v", i+1, err)
		}
	}
	return store
}

func newFixture(t *testing.T) *Reconstructor {
	t.Helper()
	r, err := New(fixtureStore(t), testMarkers)
	if err != nil {
		t.Fatalf("new reconstructor: %v", err)
	}
	return r
}

func TestDescendantsOf(t *testing.T) {
	r := newFixture(t)

	got, err := r.DescendantsOf(1, 1)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	want := map[int][]int{2: {1, 2}, 3: {1, 2}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected descendants: got=%v want=%v", got, want)
	}

	got, err = r.DescendantsOf(2, 2)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no descendants for g2c2, got %v", got)
	}

	got, err = r.DescendantsOf(1, 2)
	if err != nil {
		t.Fatalf("descendants: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no descendants for founder 2, got %v", got)
	}

	if _, err := r.DescendantsOf(4, 1); !errors.Is(err, ErrCellNotFound) {
		t.Fatalf("expected ErrCellNotFound, got %v", err)
	}
}

func TestChildren(t *testing.T) {
	r := newFixture(t)
	kids, err := r.Children(1, 1)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if !reflect.DeepEqual(kids, []int{1, 2}) {
		t.Fatalf("unexpected children: %v", kids)
	}
	kids, err = r.Children(2, 2)
	if err != nil {
		t.Fatalf("children: %v", err)
	}
	if len(kids) != 0 {
		t.Fatalf("expected leaf, got children %v", kids)
	}
}

func TestTerminalLineages(t *testing.T) {
	r := newFixture(t)
	got, err := r.TerminalLineages([]int{1, 2})
	if err != nil {
		t.Fatalf("terminal lineages: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 terminal lineages, got %d", len(got))
	}

	f1 := lineage.Lineage{Founder: 1, Path: lineage.Root()}
	full := got[f1.Child(1).Child(1)]
	if want := []float64{0, 2, 4, 6, 8, 9, 10}; !reflect.DeepEqual(full.Times, want) {
		t.Fatalf("unexpected concatenated times: got=%v want=%v", full.Times, want)
	}
	if len(full.States) != len(full.Times) || full.Outcome != model.OutcomeNoEvent {
		t.Fatalf("unexpected concatenated lineage: %+v", full)
	}

	cut := got[f1.Child(1).Child(2)]
	if want := []float64{0, 2, 4, 6, 8}; !reflect.DeepEqual(cut.Times, want) {
		t.Fatalf("unexpected truncated times: got=%v want=%v", cut.Times, want)
	}
	if cut.Outcome != model.OutcomeDeath || cut.EventHours == nil || *cut.EventHours != 9 {
		t.Fatalf("expected truncated lineage to end in death at 9: %+v", cut)
	}

	solo, ok := got[lineage.Lineage{Founder: 2, Path: lineage.Root()}]
	if !ok || len(solo.Times) != 3 {
		t.Fatalf("expected founder 2 as its own lineage, got %+v", solo)
	}
}

func TestTerminalLineagesCutAtEqualMarkers(t *testing.T) {
	f := lineage.Lineage{Founder: 1, Path: lineage.Root()}
	rows := healthyRows(3)
	rows[1] = []float64{5, 5, 1}
	store := model.NewResultStore()
	if err := store.Append(1, map[int]model.CellResult{
		1: result(1, 1, f, []float64{0, 5, 10}, rows, model.OutcomeNoEvent),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r, err := New(store, testMarkers)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := r.TerminalLineages([]int{1})
	if err != nil {
		t.Fatalf("terminal lineages: %v", err)
	}
	cell := got[f]
	if !reflect.DeepEqual(cell.Times, []float64{0}) || cell.Outcome != model.OutcomeDeath || *cell.EventHours != 5 {
		t.Fatalf("expected cut at the tie instant 5, got %+v", cell)
	}
	founder, _ := store.Cell(1, 1)
	if span := Lifespan(founder, testMarkers); span != 5 {
		t.Fatalf("expected lifespan 5, got %v", span)
	}
}

func TestTerminalLineagesSingleDivision(t *testing.T) {
	f := lineage.Lineage{Founder: 1, Path: lineage.Root()}
	store := model.NewResultStore()
	if err := store.Append(1, map[int]model.CellResult{
		1: result(1, 1, f, []float64{0, 5}, healthyRows(2), model.OutcomeDivision),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.Append(2, map[int]model.CellResult{
		1: result(2, 1, f.Child(1), []float64{5, 10}, healthyRows(2), model.OutcomeNoEvent),
		2: result(2, 2, f.Child(2), []float64{5, 10}, healthyRows(2), model.OutcomeNoEvent),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r, err := New(store, testMarkers)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := r.TerminalLineages([]int{1})
	if err != nil {
		t.Fatalf("terminal lineages: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 terminal lineages, got %d", len(got))
	}
	for _, sel := range []int{1, 2} {
		if _, ok := got[f.Child(sel)]; !ok {
			t.Fatalf("missing lineage %s", f.Child(sel))
		}
	}
}

func TestBuildTree(t *testing.T) {
	r := newFixture(t)
	tree, err := r.BuildTree(1)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if want := "((g3c1:2,g3c2:1)g2c1:4,g2c2:6)g1c1:4;"; tree.Newick() != want {
		t.Fatalf("unexpected newick: got=%s want=%s", tree.Newick(), want)
	}
	if tree.LeafCount() != 3 || tree.Depth() != 2 {
		t.Fatalf("unexpected tree stats: leaves=%d depth=%d", tree.LeafCount(), tree.Depth())
	}
	dist, err := tree.Distance("g3c1", "g2c2")
	if err != nil {
		t.Fatalf("distance: %v", err)
	}
	if dist != 12 {
		t.Fatalf("expected distance 12, got %v", dist)
	}
	if dist, _ := tree.Distance("g3c1", "g3c2"); dist != 3 {
		t.Fatalf("expected sibling distance 3, got %v", dist)
	}
	if _, err := tree.Distance("g3c1", "g9c9"); !errors.Is(err, ErrCellNotFound) {
		t.Fatalf("expected ErrCellNotFound, got %v", err)
	}

	single, err := r.BuildTree(3)
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	if single.Newick() != "g1c3:3;" || single.LeafCount() != 1 || single.Depth() != 0 {
		t.Fatalf("unexpected single-leaf tree: %s", single.Newick())
	}
}

func TestBuildForest(t *testing.T) {
	r := newFixture(t)
	forest, err := r.BuildForest()
	if err != nil {
		t.Fatalf("build forest: %v", err)
	}
	want := "(((g3c1:2,g3c2:1)g2c1:4,g2c2:6)g1c1:4,g1c2:10,g1c3:3);"
	if forest.Newick() != want {
		t.Fatalf("unexpected forest: got=%s want=%s", forest.Newick(), want)
	}
	if forest.LeafCount() != 5 {
		t.Fatalf("expected 5 leaves, got %d", forest.LeafCount())
	}
}

func TestGroupFounders(t *testing.T) {
	r := newFixture(t)
	groups, err := r.GroupFounders(GroupThresholds{Many: 3})
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if !reflect.DeepEqual(groups.None, []int{2, 3}) || groups.Few != nil || !reflect.DeepEqual(groups.Many, []int{1}) {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if groups.Counts[1] != 4 {
		t.Fatalf("expected 4 descendants of founder 1, got %d", groups.Counts[1])
	}

	groups, err = r.GroupFounders(DefaultGroupThresholds())
	if err != nil {
		t.Fatalf("group: %v", err)
	}
	if !reflect.DeepEqual(groups.Few, []int{1}) || groups.Many != nil {
		t.Fatalf("unexpected default groups: %+v", groups)
	}
	if _, err := r.GroupFounders(GroupThresholds{Many: 1}); err == nil {
		t.Fatal("expected threshold error")
	}
}

func TestNewRejectsInconsistentStore(t *testing.T) {
	f := lineage.Lineage{Founder: 1, Path: lineage.Root()}
	store := model.NewResultStore()
	if err := store.Append(1, map[int]model.CellResult{
		1: result(1, 1, f, []float64{0, 1}, healthyRows(2), model.OutcomeNoEvent),
		2: result(1, 2, f, []float64{0, 1}, healthyRows(2), model.OutcomeNoEvent),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := New(store, testMarkers); !errors.Is(err, ErrDuplicateLineage) {
		t.Fatalf("expected ErrDuplicateLineage, got %v", err)
	}

	store = model.NewResultStore()
	if err := store.Append(1, map[int]model.CellResult{
		1: result(1, 1, f.Child(1), []float64{0, 1}, healthyRows(2), model.OutcomeNoEvent),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := New(store, testMarkers); !errors.Is(err, ErrLineageGeneration) {
		t.Fatalf("expected ErrLineageGeneration, got %v", err)
	}
}

func TestRankSpecies(t *testing.T) {
	r := newFixture(t)
	ranking, err := r.RankSpecies([]int{1}, []int{2}, []string{"PARP", "cPARP", "clock"})
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if ranking.Comparisons != 3 {
		t.Fatalf("expected 3 comparisons, got %d", ranking.Comparisons)
	}
	if len(ranking.Species) != 3 || ranking.Species[2].Name != "clock" {
		t.Fatalf("unexpected species: %+v", ranking.Species)
	}
	sorted := ranking.Sorted()
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Score > sorted[i-1].Score {
			t.Fatalf("ranking not sorted: %+v", sorted)
		}
	}
	if _, err := r.RankSpecies(nil, []int{2}, nil); err == nil {
		t.Fatal("expected error for empty group")
	}
}

func TestPercentileRanks(t *testing.T) {
	got := percentileRanks([]float64{3, 1, 2})
	want := []float64{100, 100.0 / 3, 200.0 / 3}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Fatalf("rank %d: got=%v want=%v", i, got[i], want[i])
		}
	}
	if ties := percentileRanks([]float64{1, 1}); ties[0] != 75 || ties[1] != 75 {
		t.Fatalf("unexpected tie ranks: %v", ties)
	}
}

func TestErrorArea(t *testing.T) {
	if got := trapezoid([]float64{0, 1, 2}, []float64{0, 1, 0}); got != 1 {
		t.Fatalf("trapezoid: got %v", got)
	}
	auc := errorArea(
		[]float64{0, 1, 2}, [][]float64{{1}, {1}, {1}},
		[]float64{0, 2, 4}, [][]float64{{0}, {2}, {4}},
	)
	if len(auc) != 1 || math.Abs(auc[0]-0.5) > 1e-6 {
		t.Fatalf("unexpected area: %v", auc)
	}
	same := errorArea(
		[]float64{0, 1, 2}, [][]float64{{1, 2}, {3, 4}, {5, 6}},
		[]float64{0, 1, 2}, [][]float64{{1, 2}, {3, 4}, {5, 6}},
	)
	if same[0] != 0 || same[1] != 0 {
		t.Fatalf("identical trajectories should have zero area: %v", same)
	}
}
