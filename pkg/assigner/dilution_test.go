package assigner

import "testing"

func TestPlanDilutionStepDirectStockTransferWidened(t *testing.T) {
	// S1: 10uL @ 50nM from 50000nM stock. Raw transfer would be 0.01uL,
	// below the 1uL regime minimum, so volume must be scaled up.
	step := PlanDilutionStep(10, 50, 50000, 1, 100, true)
	if step.TransferVolUL < 0.99 {
		t.Fatalf("transfer = %v, want >= ~1 (regime minimum)", step.TransferVolUL)
	}
	if step.ChildVolUL <= 10 {
		t.Fatalf("expected child volume to be scaled up from 10, got %v", step.ChildVolUL)
	}
}

func TestPlanDilutionStepNoScalingNeeded(t *testing.T) {
	// S2: 40uL @ 500nM from 50000nM stock -> transfer 0.4uL, which clears
	// the 0.1uL minimum of the PER_POSITION_STOCK regime, so no widening.
	step := PlanDilutionStep(40, 500, 50000, 0.1, 100, true)
	if step.ChildVolUL != 40 {
		t.Fatalf("expected no volume scaling, got %v", step.ChildVolUL)
	}
	want := 0.4
	if diff := step.TransferVolUL - want; diff > 0.01 || diff < -0.01 {
		t.Fatalf("transfer = %v, want ~%v", step.TransferVolUL, want)
	}
}

func TestPlanDilutionStepPassthroughWhenDilutionFactorOne(t *testing.T) {
	// S5: target conc == stock conc, so df=1 and the direct transfer would
	// equal the full volume, leaving no buffer; the non-modifiable branch
	// should fall back to a passthrough (P == T).
	step := PlanDilutionStep(10, 50000, 50000, 1, 50, false)
	if !step.Passthrough && step.ParentConcNM != 50000 {
		t.Fatalf("expected passthrough or P==T, got P=%v passthrough=%v", step.ParentConcNM, step.Passthrough)
	}
}

func TestRoundUpToGranularity(t *testing.T) {
	if got := roundUpToGranularity(10.02); got < 10.09 || got > 10.11 {
		t.Fatalf("roundUpToGranularity(10.02) = %v, want ~10.1", got)
	}
	if got := roundUpToGranularity(10.0); got != 10.0 {
		t.Fatalf("roundUpToGranularity(10.0) = %v, want 10.0 (already aligned)", got)
	}
}
