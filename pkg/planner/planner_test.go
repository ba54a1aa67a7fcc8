package planner

import (
	"testing"

	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/requestlayout"
	"github.com/labplan/isoplanner/pkg/tubepicker"
)

// stubPicker answers every query with one abundantly-sized tube per
// requested pool, so these scenario tests exercise the planner's DAG and
// layout logic (spec section 8 scenarios S1-S6) without needing to model
// tube-inventory exhaustion.
type stubPicker struct{}

func (stubPicker) Pick(q tubepicker.Query) (tubepicker.Result, error) {
	res := tubepicker.Result{SortedCandidates: map[string][]tubepicker.Candidate{}}
	for _, pool := range q.Pools {
		c := tubepicker.Candidate{TubeBarcode: pool + "-tube1", RackBarcode: pool + "-rack1", AvailableVolUL: 100000, Pool: pool}
		res.SortedCandidates[pool] = append(res.SortedCandidates[pool], c)
		res.UnsortedCandidates = append(res.UnsortedCandidates, c)
	}
	return res, nil
}

func totalDilutions(r *Result) int {
	n := 0
	for _, v := range r.Builder.Dilutions() {
		n += len(v)
	}
	return n
}

// S1: 96-well layout, single fixed pool @ 50nM/10uL, stock 50000nM.
func TestScenarioS1SingleFixedPoolDirectFromStock(t *testing.T) {
	req := Request{
		Ticket: "T1",
		Reader: requestlayout.SliceReader{
			ShapeValue: model.Shape96,
			Items: []requestlayout.Position{{
				Location: model.Well(0, 0), Type: requestlayout.PositionFixed, PoolID: "P1",
				TargetVolumeUL: 10, TargetConcentrationNM: 50, StockConcentrationNM: 50000,
			}},
		},
		NumberISOsRequested: 1,
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(res.ISOs) != 1 {
		t.Fatalf("expected 1 ISO, got %d", len(res.ISOs))
	}
	iso := res.ISOs[0]
	if len(iso.FinalLayout) != 1 {
		t.Fatalf("expected 1 final position, got %d", len(iso.FinalLayout))
	}
	if len(iso.PrepPlates) != 0 {
		t.Fatalf("expected no preparation plate, got %d", len(iso.PrepPlates))
	}
	if got := iso.FinalLayout[0].Volume.Microliters(); got <= 10.0 {
		t.Fatalf("final volume = %v, want > 10 (widened so the stock transfer clears the regime minimum)", got)
	}
	if iso.StockRackCount != 1 {
		t.Fatalf("stock rack count = %d, want 1", iso.StockRackCount)
	}
	if n := totalDilutions(res); n != 1 {
		t.Fatalf("expected 1 dilution, got %d", n)
	}
}

// S2: 96-well layout, two fixed pools, both @ 500nM/40uL, stock 50000nM.
func TestScenarioS2TwoFixedPoolsNoWidening(t *testing.T) {
	req := Request{
		Ticket: "T2",
		Reader: requestlayout.SliceReader{
			ShapeValue: model.Shape96,
			Items: []requestlayout.Position{
				{Location: model.Well(0, 0), Type: requestlayout.PositionFixed, PoolID: "P1", TargetVolumeUL: 40, TargetConcentrationNM: 500, StockConcentrationNM: 50000},
				{Location: model.Well(0, 1), Type: requestlayout.PositionFixed, PoolID: "P2", TargetVolumeUL: 40, TargetConcentrationNM: 500, StockConcentrationNM: 50000},
			},
		},
		NumberISOsRequested: 1,
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	iso := res.ISOs[0]
	if len(iso.FinalLayout) != 2 {
		t.Fatalf("expected 2 final positions, got %d", len(iso.FinalLayout))
	}
	if len(iso.PrepPlates) != 0 {
		t.Fatalf("expected no preparation plate, got %d", len(iso.PrepPlates))
	}
	for _, p := range iso.FinalLayout {
		if got := p.Volume.Microliters(); got < 39.9 || got > 40.1 {
			t.Errorf("final volume = %v, want ~40 (no widening needed, transfer already clears the minimum)", got)
		}
	}
	if iso.StockRackCount != 1 {
		t.Fatalf("stock rack count = %d, want 1 (both pools share one 96-well stock rack)", iso.StockRackCount)
	}
	if n := totalDilutions(res); n != 2 {
		t.Fatalf("expected 2 dilutions, got %d", n)
	}
}

// S5: 96-well layout, 5 fixed pools with ISO concentration == stock
// concentration: each needs a passthrough preparation (direct transfer has
// dilution factor 1 but leaves no buffer).
func TestScenarioS5PassthroughWhenTargetEqualsStock(t *testing.T) {
	items := make([]requestlayout.Position, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, requestlayout.Position{
			Location: model.Well(0, i), Type: requestlayout.PositionFixed, PoolID: string(rune('A' + i)),
			TargetVolumeUL: 10, TargetConcentrationNM: 50000, StockConcentrationNM: 50000,
		})
	}
	req := Request{
		Ticket:              "T5",
		Reader:              requestlayout.SliceReader{ShapeValue: model.Shape96, Items: items},
		NumberISOsRequested: 1,
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	iso := res.ISOs[0]
	if len(iso.FinalLayout) != 5 {
		t.Fatalf("expected 5 final positions, got %d", len(iso.FinalLayout))
	}
	if len(iso.PrepPlates) != 1 {
		t.Fatalf("expected 1 preparation plate, got %d", len(iso.PrepPlates))
	}
	if got := len(iso.PrepPlates[0].Layout); got != 5 {
		t.Fatalf("expected 5 passthrough preparation positions, got %d", got)
	}
	for _, p := range iso.FinalLayout {
		if got := p.Volume.Microliters(); got < 9.9 || got > 10.1 {
			t.Errorf("final volume = %v, want ~10 (passthrough does not widen the final container)", got)
		}
	}
}

// S6: 96-well layout with one mock well at 25uL.
func TestScenarioS6MockPosition(t *testing.T) {
	req := Request{
		Ticket: "T6",
		Reader: requestlayout.SliceReader{
			ShapeValue: model.Shape96,
			Items: []requestlayout.Position{{
				Location: model.Well(0, 0), Type: requestlayout.PositionMock, TargetVolumeUL: 25,
			}},
		},
		NumberISOsRequested: 1,
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	iso := res.ISOs[0]
	if len(iso.FinalLayout) != 1 {
		t.Fatalf("expected 1 final position, got %d", len(iso.FinalLayout))
	}
	pos := iso.FinalLayout[0]
	if !model.IsMock(pos.Pool) {
		t.Fatalf("expected a mock position, got %T", pos.Pool)
	}
	if got := pos.Volume.Microliters(); got < 24.99 || got > 25.01 {
		t.Fatalf("mock volume = %v, want 25", got)
	}
	if iso.StockRackCount != 0 {
		t.Fatalf("stock rack count = %d, want 0 (mock wells draw no stock)", iso.StockRackCount)
	}
	if n := totalDilutions(res); n != 1 {
		t.Fatalf("expected 1 dilution, got %d", n)
	}
}

// No-floatings request with an empty molecule design pool set must not be
// rejected: phase 3 (spec section 4.5, section 9 open question 1) only
// errors when floating positions are actually present.
func TestNoFloatingsSkipsPoolSetValidation(t *testing.T) {
	req := Request{
		Ticket: "T7",
		Reader: requestlayout.SliceReader{
			ShapeValue: model.Shape96,
			Items: []requestlayout.Position{{
				Location: model.Well(0, 0), Type: requestlayout.PositionFixed, PoolID: "P1",
				TargetVolumeUL: 10, TargetConcentrationNM: 50, StockConcentrationNM: 50000,
			}},
		},
		NumberISOsRequested: 1,
	}
	if _, err := New(stubPicker{}).Plan(req); err != nil {
		t.Fatalf("Plan: %v", err)
	}
}

// Multiple requested ISOs must each get their own plate markers (spec
// section 6 grammar: TICKET_ISO-N_ROLE[-K]) and their own copy of the
// preparation layout, never a marker or backing array shared across ISOs.
func TestMultipleISOsGetDistinctMarkersAndIndependentLayouts(t *testing.T) {
	items := make([]requestlayout.Position, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, requestlayout.Position{
			Location: model.Well(0, i), Type: requestlayout.PositionFixed, PoolID: string(rune('A' + i)),
			TargetVolumeUL: 10, TargetConcentrationNM: 50000, StockConcentrationNM: 50000,
		})
	}
	req := Request{
		Ticket:              "T9",
		Reader:              requestlayout.SliceReader{ShapeValue: model.Shape96, Items: items},
		NumberISOsRequested: 2,
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(res.ISOs) != 2 {
		t.Fatalf("expected 2 ISOs, got %d", len(res.ISOs))
	}
	iso1, iso2 := res.ISOs[0], res.ISOs[1]
	if len(iso1.PrepPlates) != 1 || len(iso2.PrepPlates) != 1 {
		t.Fatalf("expected 1 preparation plate per ISO, got %d and %d", len(iso1.PrepPlates), len(iso2.PrepPlates))
	}
	m1, m2 := iso1.PrepPlates[0].Marker, iso2.PrepPlates[0].Marker
	if m1 == m2 {
		t.Fatalf("expected distinct plate markers across ISOs, both were %q", m1)
	}
	if want := "T9_ISO-1_p"; m1 != want {
		t.Errorf("iso 1 marker = %q, want %q", m1, want)
	}
	if want := "T9_ISO-2_p"; m2 != want {
		t.Errorf("iso 2 marker = %q, want %q", m2, want)
	}

	// The two ISOs' preparation layouts must not alias the same backing
	// array: mutating one must never affect the other.
	iso1.PrepPlates[0].Layout[0].Volume = iso1.PrepPlates[0].Layout[0].Volume.Add(iso1.PrepPlates[0].Layout[0].Volume)
	if iso1.PrepPlates[0].Layout[0].Volume.Cmp(iso2.PrepPlates[0].Layout[0].Volume) == 0 {
		t.Fatalf("mutating iso 1's preparation layout affected iso 2's layout: layouts are aliased")
	}
}

// When floating and fixed positions coexist, phase 8 job planning's
// preparation output must be reachable through Result.JobPlates rather than
// silently computed and discarded (spec section 4.5 phase 8, section 4.6
// "materialize_job_plates").
func TestJobPlatesSurfacedWhenFloatingAndFixedCoexist(t *testing.T) {
	req := Request{
		Ticket: "T10",
		Reader: requestlayout.SliceReader{
			ShapeValue: model.Shape96,
			Items: []requestlayout.Position{
				{Location: model.Well(0, 0), Type: requestlayout.PositionFixed, PoolID: "CTRL",
					TargetVolumeUL: 10, TargetConcentrationNM: 50000, StockConcentrationNM: 50000},
				{Location: model.Well(0, 1), Type: requestlayout.PositionFloating, PoolID: "slot1",
					TargetVolumeUL: 40, TargetConcentrationNM: 500, StockConcentrationNM: 50000},
			},
		},
		NumberISOsRequested:   1,
		MoleculeDesignPoolSet: []string{"POOL1"},
	}

	tp := New(stubPicker{})
	res, err := tp.Plan(req)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(res.JobPlates) == 0 {
		t.Fatalf("expected at least 1 job preparation plate, got 0")
	}
	for _, jp := range res.JobPlates {
		if len(jp.Layout) == 0 {
			t.Errorf("job plate %q has an empty layout", jp.Marker)
		}
	}
}

// Determinism (spec section 8, invariant 9): identical inputs across two
// runs must emit the same final layout.
func TestDeterminismAcrossRuns(t *testing.T) {
	mk := func() Request {
		return Request{
			Ticket: "T8",
			Reader: requestlayout.SliceReader{
				ShapeValue: model.Shape96,
				Items: []requestlayout.Position{
					{Location: model.Well(0, 0), Type: requestlayout.PositionFixed, PoolID: "P1", TargetVolumeUL: 40, TargetConcentrationNM: 500, StockConcentrationNM: 50000},
					{Location: model.Well(0, 1), Type: requestlayout.PositionFixed, PoolID: "P2", TargetVolumeUL: 40, TargetConcentrationNM: 500, StockConcentrationNM: 50000},
				},
			},
			NumberISOsRequested: 1,
		}
	}

	r1, err := New(stubPicker{}).Plan(mk())
	if err != nil {
		t.Fatalf("Plan (run 1): %v", err)
	}
	r2, err := New(stubPicker{}).Plan(mk())
	if err != nil {
		t.Fatalf("Plan (run 2): %v", err)
	}
	if len(r1.ISOs[0].FinalLayout) != len(r2.ISOs[0].FinalLayout) {
		t.Fatalf("final layout length differs across runs: %d vs %d", len(r1.ISOs[0].FinalLayout), len(r2.ISOs[0].FinalLayout))
	}
	for i := range r1.ISOs[0].FinalLayout {
		a, b := r1.ISOs[0].FinalLayout[i], r2.ISOs[0].FinalLayout[i]
		if a.Pool.ID() != b.Pool.ID() || a.Volume.Cmp(b.Volume) != 0 || !a.Location.Equal(b.Location) {
			t.Fatalf("final position %d differs across runs: %+v vs %+v", i, a, b)
		}
	}
}
