// Package layout implements LayoutPlanner (spec section 4.4): for one
// group (sector batch, per-well batch, or job batch), searches candidate
// reservoir specs, picks the best assigner, and emits layouts/dilutions/
// transfers to a Builder.
package layout

import (
	"fmt"

	"github.com/golang/glog"

	"github.com/labplan/isoplanner/pkg/assigner"
	"github.com/labplan/isoplanner/pkg/builder"
	"github.com/labplan/isoplanner/pkg/canvas"
	"github.com/labplan/isoplanner/pkg/container"
	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/planererrors"
	"github.com/labplan/isoplanner/pkg/quantity"
)

// Member is one requested position going into a coupled set.
type Member struct {
	Location                   model.LocationKind
	Pool                       model.Pool
	TargetVolumeUL             float64
	TargetConcentrationNM      float64
	ParentStockConcentrationNM float64
}

// CoupledSet is a set of positions that may share preparation chains (spec
// section 4.4 step 2: "floating pools within the same sector association;
// or all positions sharing the same pool in per-well mode").
type CoupledSet struct {
	Members []Member
}

// Group is one planning group handed to a single LayoutPlanner (spec
// section 4.4: "one planner per group (sector group, per-well group, or
// job group)").
type Group struct {
	Identifier      string
	Role            model.Role
	SectorMode      bool
	CoupledSets     []CoupledSet
	CopyCount       int
	FinalDeadVolUL  float64
	// MarkerPrefix names the preparation plates this group's assigner
	// distributes to: emit keys each plate as MarkerPrefix + "-N" (N the
	// canvas plate number, always present) and final-plate entries as
	// MarkerPrefix + "-final". These are internal keys; the public labels
	// (pkg/labels grammar) are built later by Builder.MaterializeISOs.
	MarkerPrefix string
}

// DynamicDeadVolumeFunc computes a prep container's dead volume from the
// number of target children it serves, for reservoir specs that report
// HasDynamicDeadVolume (spec section 4.3.5 step 2).
type DynamicDeadVolumeFunc func(numTargetChildren int, spec model.ReservoirSpec) quantity.Volume

// Planner runs the candidate-spec search for one Group.
type Planner struct {
	DynamicDeadVolume DynamicDeadVolumeFunc
	// CandidateSpecs overrides the default desirability-ordered spec list;
	// nil uses model.DefaultCandidateSpecs().
	CandidateSpecs []model.ReservoirSpec
}

type trial struct {
	spec     model.ReservoirSpec
	asg      *assigner.Assigner
	arena    *container.Arena
	result   assigner.FinalizeResult
	handleOf map[container.Handle]model.Pool
}

// Plan implements spec section 4.4 steps 1-6.
func (p *Planner) Plan(g Group) (*builder.Builder, error) {
	specs := p.CandidateSpecs
	if specs == nil {
		specs = model.DefaultCandidateSpecs()
	}

	trials := make([]trial, 0, len(specs))
	for _, spec := range specs {
		arena := container.NewArena()
		asg := assigner.New(arena, spec, quantity.Microliters(g.FinalDeadVolUL), g.Role)
		if g.SectorMode {
			asg.UseSectorRegime()
		}
		directRegime := model.RegimePerPositionStock
		if g.SectorMode {
			directRegime = model.RegimeSector
		}

		handleOf := map[container.Handle]model.Pool{}

		for setIdx, cs := range g.CoupledSets {
			handles := make([]container.Handle, 0, len(cs.Members))
			for _, m := range cs.Members {
				vol := widenForDirectStock(m.TargetVolumeUL, m.TargetConcentrationNM, m.ParentStockConcentrationNM, directRegime.MinTransferVolumeUL)
				h := arena.NewFinal(m.Location, quantity.Microliters(vol), quantity.Nanomolar(m.TargetConcentrationNM), quantity.Nanomolar(m.ParentStockConcentrationNM))
				handleOf[h] = m.Pool
				asg.SetPool(h, m.Pool.ID())
				handles = append(handles, h)
			}
			if err := asg.AddBatch(handles, fmt.Sprintf("%s-set%d", g.Identifier, setIdx), g.CopyCount); err != nil {
				return nil, fmt.Errorf("layout: group %q spec %s: %w", g.Identifier, spec.Name, err)
			}
		}

		result := asg.Finalize(func(n int, s model.ReservoirSpec) quantity.Volume {
			if p.DynamicDeadVolume != nil {
				return p.DynamicDeadVolume(n, s)
			}
			return quantity.Microliters(s.MinDeadVolumeUL)
		})

		trials = append(trials, trial{spec: spec, asg: asg, arena: arena, result: result, handleOf: handleOf})

		if len(trials) == 1 && len(asg.PreparationContainers()) == 0 {
			// Spec section 4.4 step 4: "If the first spec tried has no
			// preparation containers at all ... short-circuit and use it."
			break
		}
	}

	best := -1
	for i, t := range trials {
		if t.result.MaxPrepVolume.Microliters() > t.spec.MaxVolumeUL {
			continue
		}
		if best < 0 || t.result.PlateCountLowerBound < trials[best].result.PlateCountLowerBound {
			best = i
		}
	}
	if best < 0 {
		tried := make([]string, len(trials))
		for i, t := range trials {
			tried[i] = t.spec.Name
		}
		maxReq := quantity.ZeroVolume()
		for _, t := range trials {
			maxReq = maxReq.Max(t.result.MaxPrepVolume)
		}
		return nil, planererrors.New(planererrors.KindPrepVolumeExceedsAllSpecs, "group %q: no candidate reservoir spec fits", g.Identifier).
			WithDetails(planererrors.PrepVolumeExceededDetail{SpecsTried: tried, MaxRequired: maxReq.Microliters()})
	}

	chosen := trials[best]
	glog.V(2).Infof("layout: group %q chose spec %s (%d prep containers, %d plates)", g.Identifier, chosen.spec.Name, len(chosen.asg.PreparationContainers()), chosen.result.PlateCountLowerBound)

	canvases := chosen.asg.Distribute(chosen.result.PlateCountLowerBound, 1)

	b := builder.New()
	return b, p.emit(b, g, chosen, canvases)
}

func (p *Planner) emit(b *builder.Builder, g Group, t trial, canvases []canvas.Canvas) error {
	arena := t.arena

	finalHandles := make([]container.Handle, 0, len(t.handleOf))
	for h := range t.handleOf {
		finalHandles = append(finalHandles, h)
	}
	arena.OrderByParentConcThenLocation(finalHandles)

	for _, h := range finalHandles {
		rec := builder.PositionRecord{
			Location:   mustLocation(arena, h),
			Pool:       t.handleOf[h],
			TargetConc: arena.TargetConc(h),
			Volume:     arena.MinFullVolume(h),
		}
		for _, tr := range arena.PlannedTransfersOut(h) {
			rec.TransferTargets = append(rec.TransferTargets, builder.TransferTarget{
				PlateMarker: tr.ChildPlateMarker,
				Location:    mustLocation(arena, tr.ChildHandle),
			})
		}
		b.AddFinalPosition(rec)

		if buf := arena.BufferVolume(h); buf.IsPositive() {
			b.AddDilution(finalPlateMarker(g), builder.DilutionRecord{Location: rec.Location, Volume: buf})
		}
	}

	preps := t.asg.PreparationContainers()

	// Count stock-rooted starting-well containers for capacity-packed
	// stock-rack assignment (spec section 4.5 phase 11). Sector groups are
	// excluded: their starting wells are already covered by one rack per
	// sector, and job groups are excluded since they are not part of the
	// per-ISO stock-rack count.
	if !g.SectorMode && g.Role != model.RoleJobPrep {
		wells := 0
		for _, h := range finalHandles {
			if arena.Parent(h) == container.NoHandle {
				wells++
			}
		}
		for _, h := range preps {
			if arena.Parent(h) == container.NoHandle {
				wells++
			}
		}
		b.AddStockStartingWells(wells)
	}

	markerFor := make(map[container.Handle]string, len(preps))
	for _, c := range canvases {
		marker := fmt.Sprintf("%s-%d", g.MarkerPrefix, c.PlateNumber())
		b.SetPlateSpec(marker, t.spec)
		for _, a := range c.Contents() {
			markerFor[a.Handle] = marker
		}
	}

	for _, h := range preps {
		marker, ok := markerFor[h]
		if !ok {
			continue
		}
		loc := mustLocation(arena, h)
		rec := builder.PositionRecord{Location: loc, TargetConc: arena.TargetConc(h), Volume: arena.FullVolume(h)}
		for _, tr := range arena.PlannedTransfersOut(h) {
			targetMarker := markerFor[tr.ChildHandle]
			if targetMarker == "" {
				targetMarker = finalPlateMarker(g)
			}
			rec.TransferTargets = append(rec.TransferTargets, builder.TransferTarget{
				PlateMarker: targetMarker,
				Location:    mustLocation(arena, tr.ChildHandle),
			})
		}
		if g.Role == model.RoleJobPrep {
			b.AddJobPosition(marker, rec)
		} else {
			b.AddPrepPosition(marker, rec)
		}

		if buf := arena.BufferVolume(h); buf.IsPositive() {
			b.AddDilution(marker, builder.DilutionRecord{Location: loc, Volume: buf})
		}

		for _, tr := range arena.PlannedTransfersOut(h) {
			childMarker := markerFor[tr.ChildHandle]
			if childMarker == "" {
				childMarker = finalPlateMarker(g)
			}
			depth := arena.IntraplateAncestorDepth(tr.ChildHandle)
			b.AddTransfer(marker, childMarker, builder.TransferRecord{
				SourceLocation: loc,
				TargetLocation: mustLocation(arena, tr.ChildHandle),
				TargetPlate:    childMarker,
				Volume:         tr.Volume,
				Depth:          depth,
			})
		}
	}

	return nil
}

// widenForDirectStock pre-computes a RequestedContainer's target volume so
// that, if its chain ends up stock-rooted, the direct stock->final transfer
// already clears the regime's minimum (spec section 8 scenario S1: "one
// stock->final transfer ~0.01uL forcibly widened to min_transfer_volume,
// final volume increased accordingly"). RequestedContainer volume is fixed
// once at construction and never revised afterward (spec section 3:
// "immutable volume/concentration after creation"; section 4.1: new_final
// "constructs a frozen final container"), so this widening must happen
// before the container exists rather than inside resolve_source/create_prep,
// which only ever mutate preparation containers.
func widenForDirectStock(volUL, targetConcNM, stockConcNM, minTransferUL float64) float64 {
	if stockConcNM <= 0 || targetConcNM <= 0 {
		return volUL
	}
	transfer := volUL * targetConcNM / stockConcNM
	if transfer >= minTransferUL {
		return volUL
	}
	scale := minTransferUL / transfer
	return quantity.Microliters(volUL * scale).RoundUpToGranularity().Microliters()
}

func finalPlateMarker(g Group) string { return g.MarkerPrefix + "-final" }

func mustLocation(arena *container.Arena, h container.Handle) model.LocationKind {
	loc, _ := arena.Location(h)
	return loc
}
