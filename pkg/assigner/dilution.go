// Package assigner implements LocationAssigner (spec section 4.3): for one
// pipetting regime and one candidate reservoir spec, builds the DAG of
// preparation containers backing a batch of requested containers, then
// distributes everything to plate canvases.
package assigner

import (
	"math"

	"github.com/labplan/isoplanner/pkg/quantity"
)

// DilutionStep is the numeric outcome of planning one preparation step
// (spec section 4.3.3, "create_prep(target_c) — numeric feasibility"),
// expressed as a free function over plain floats (microliters, nanomolar)
// so it can be unit tested independently of the container arena, per
// SPEC_FULL.md's implementation note for this component.
type DilutionStep struct {
	// ParentConcNM is the (possibly revised) concentration the new
	// preparation container must be made at.
	ParentConcNM float64
	// ChildVolUL is the (possibly scaled-up) child full volume used to
	// derive the transfer.
	ChildVolUL float64
	// TransferVolUL is the volume moved from the new prep into the child.
	TransferVolUL float64
	// Passthrough is true when P was forced down to T (no net dilution at
	// this step; spec section 4.3.3 step 4, "choose P := T").
	Passthrough bool
}

// PlanDilutionStep computes the revised parent concentration and transfer
// volume for inserting one preparation container between a child that
// wants childVolUL at childConcNM and a source available at
// availableParentConcNM, under the regime's minTransferUL/maxDilFactor.
// allowsModification controls whether the child's own volume may be scaled
// up (spec: "If c.allows_modification: scale c's volume upward ... Else:
// lower df ... accepts a larger P later").
func PlanDilutionStep(childVolUL, childConcNM, availableParentConcNM, minTransferUL, maxDilFactor float64, allowsModification bool) DilutionStep {
	v := childVolUL
	t := childConcNM

	df := availableParentConcNM / t
	if df > maxDilFactor {
		df = maxDilFactor
	}
	p := df * t
	transfer := v / df

	if transfer < minTransferUL {
		if allowsModification {
			scale := minTransferUL / transfer
			v = roundUpToGranularity(v * scale)
			transfer = v / df
		} else {
			df = v / minTransferUL
			p = df * t
			transfer = v / df
		}
	}

	buffer := v - transfer
	passthrough := false
	if buffer < minTransferUL {
		switch {
		case allowsModification:
			scale := minTransferUL / math.Max(buffer, 1e-9)
			v = roundUpToGranularity(v * scale)
			transfer = v / df
			buffer = v - transfer
		case buffer <= 1e-9:
			// Raising P by min_transfer_volume/buffer is a division by
			// zero here: the implied new dilution factor is infinite,
			// which always exceeds max_dil_factor, so the step collapses
			// straight to the passthrough branch spec section 4.3.3 step
			// 4 describes ("choose P := T") rather than an intermediate
			// finite P (spec section 8 scenario S5: ISO conc == stock
			// conc, direct transfer would need to move the full volume
			// with zero buffer).
			p = t
			df = 1
			passthrough = true
			transfer = v
		default:
			// Raise P so that buffer := min_transfer_volume exactly:
			// transfer = v - minTransferUL, df = v/transfer, p = df*t.
			target := v - minTransferUL
			df = v / target
			if df > maxDilFactor {
				p = t
				df = 1
				passthrough = true
			} else {
				p = df * t
			}
			transfer = v / df
		}
	}

	return DilutionStep{ParentConcNM: p, ChildVolUL: v, TransferVolUL: transfer, Passthrough: passthrough}
}

// roundUpToGranularity rounds v up to the nearest quantity.RoundingGranularity
// (spec section 4.3.3 step 3: "rounded up to 0.1 uL granularity").
func roundUpToGranularity(v float64) float64 {
	return quantity.Microliters(v).RoundUpToGranularity().Microliters()
}
