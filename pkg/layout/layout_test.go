package layout

import (
	"testing"

	"github.com/labplan/isoplanner/pkg/model"
)

func TestPlanSingleFixedPoolDirectFromStock(t *testing.T) {
	// S1: 96-well layout, single fixed pool @ 50nM/10uL, stock 50000nM.
	p := &Planner{}
	g := Group{
		Identifier:     "s1",
		Role:           model.RoleFinal,
		FinalDeadVolUL: 5,
		MarkerPrefix:   "T1_ISO-1",
		CoupledSets: []CoupledSet{{
			Members: []Member{{
				Location:                   model.Well(0, 0),
				Pool:                       model.FixedPool{PoolID: "P1"},
				TargetVolumeUL:             10,
				TargetConcentrationNM:      50,
				ParentStockConcentrationNM: 50000,
			}},
		}},
	}

	b, err := p.Plan(g)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(b.FinalLayout) != 1 {
		t.Fatalf("expected 1 final position, got %d", len(b.FinalLayout))
	}
	if got := b.FinalLayout[0].Volume.Microliters(); got < 9.99 {
		t.Fatalf("final volume = %v, want >= ~10 (possibly widened)", got)
	}
}

func TestPlanPassthroughWhenTargetEqualsStock(t *testing.T) {
	// S5: target conc == stock conc forces a passthrough preparation step.
	p := &Planner{}
	g := Group{
		Identifier:     "s5",
		Role:           model.RoleFinal,
		FinalDeadVolUL: 5,
		MarkerPrefix:   "T1_ISO-1",
		CoupledSets: []CoupledSet{{
			Members: []Member{{
				Location:                   model.Well(0, 0),
				Pool:                       model.FixedPool{PoolID: "P1"},
				TargetVolumeUL:             10,
				TargetConcentrationNM:      50000,
				ParentStockConcentrationNM: 50000,
			}},
		}},
	}

	b, err := p.Plan(g)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(b.FinalLayout) != 1 {
		t.Fatalf("expected 1 final position, got %d", len(b.FinalLayout))
	}
}
