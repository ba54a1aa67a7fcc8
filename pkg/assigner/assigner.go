package assigner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/labplan/isoplanner/pkg/canvas"
	"github.com/labplan/isoplanner/pkg/container"
	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/quantity"
)

// ErrAllocationBlocked replaces the source's exceptions-as-control-flow
// signal for "allocation blocked" (spec section 9, "Exceptions-as-control-flow
// in the assigner"): callers branch on this explicit error value rather than
// catching an AttributeError.
var ErrAllocationBlocked = errors.New("assigner: allocation blocked")

// Assigner is one LocationAssigner instance, created per candidate
// reservoir spec per planning group (spec section 4.3). Its container graph
// is owned exclusively by this assigner (spec section 5): callers must
// clone requested containers before handing them to more than one Assigner.
type Assigner struct {
	Arena *container.Arena

	regimeStandard model.PipettingRegime
	regimeStock    model.PipettingRegime
	prepSpec       model.ReservoirSpec
	finalDeadVol   quantity.Volume
	role           model.Role

	requested []container.Handle
	// prepOrder preserves creation order for deterministic iteration; prep
	// is the deduplicating set.
	prepOrder []container.Handle
	prep      map[container.Handle]bool

	preferredLocation map[container.Handle]model.LocationKind
	// poolOf records the domain pool identity backing a handle, so
	// Distribute can let PositionCanvas reuse rows across containers
	// of the same pool (spec section 4.2). Handles with no recorded pool
	// fall back to a per-handle key that disables row reuse.
	poolOf map[container.Handle]string
}

// New constructs an Assigner against an existing arena (the caller's
// cloned container graph for this candidate spec), grounded on
// lib/gidallocator.Allocator's per-storage-class instance-owned table
// (SPEC_FULL.md section 4): one LocationAssigner per candidate spec per
// group, each with its own arena.
func New(arena *container.Arena, prepSpec model.ReservoirSpec, finalDeadVol quantity.Volume, role model.Role) *Assigner {
	return &Assigner{
		Arena:             arena,
		regimeStandard:    model.RegimePerPosition,
		regimeStock:       model.RegimePerPositionStock,
		prepSpec:          prepSpec,
		finalDeadVol:      finalDeadVol,
		role:              role,
		prep:              map[container.Handle]bool{},
		preferredLocation: map[container.Handle]model.LocationKind{},
		poolOf:            map[container.Handle]string{},
	}
}

// SetPool records the domain pool identity backing handle h (spec section
// 4.2): the caller (pkg/layout) tags every requested final container as it
// creates it, so Distribute can reuse rows within a pool instead of
// treating every container as independent.
func (a *Assigner) SetPool(h container.Handle, pool string) {
	a.poolOf[h] = pool
}

// UseSectorRegime switches the assigner to rack-at-once pipetting for both
// the standard and a stock-drawing edge (spec section 3: two regimes exist,
// SECTOR and PER_POSITION). Sector mode has no separate "stock" variant in
// spec section 3's regime table, so both edges share RegimeSector.
func (a *Assigner) UseSectorRegime() {
	a.regimeStandard = model.RegimeSector
	a.regimeStock = model.RegimeSector
}

// AddBatch implements spec section 4.3.1: partitions requested into
// non-stock (already has a parent attached, e.g. by a coupled-set sector
// translation) and stock-rooted, resolving each in the documented order.
// identifier is carried only for logging; copies > 1 clones stock-rooted
// containers (and their descendants) before resolution.
func (a *Assigner) AddBatch(requested []container.Handle, identifier string, copies int) error {
	if copies > 1 {
		expanded := make([]container.Handle, 0, len(requested)*copies)
		for _, h := range requested {
			if a.Arena.Parent(h) != container.NoHandle {
				expanded = append(expanded, h)
				continue
			}
			clones, err := a.Arena.GetClones(h, copies)
			if err != nil {
				return err
			}
			if pool, ok := a.poolOf[h]; ok {
				for _, cl := range clones {
					a.poolOf[cl] = pool
				}
			}
			expanded = append(expanded, clones...)
		}
		requested = expanded
	}

	var nonStock, stockRooted []container.Handle
	for _, h := range requested {
		if a.Arena.Parent(h) != container.NoHandle {
			nonStock = append(nonStock, h)
		} else {
			stockRooted = append(stockRooted, h)
		}
	}

	sort.SliceStable(nonStock, func(i, j int) bool {
		return a.Arena.TargetConc(nonStock[i]).Cmp(a.Arena.TargetConc(nonStock[j])) < 0
	})
	sort.SliceStable(stockRooted, func(i, j int) bool {
		return a.Arena.TargetConc(stockRooted[i]).Cmp(a.Arena.TargetConc(stockRooted[j])) > 0
	})

	a.requested = append(a.requested, requested...)

	for _, h := range nonStock {
		if err := a.resolveSource(h, a.requested); err != nil {
			return err
		}
	}
	for _, h := range stockRooted {
		if err := a.resolveSource(h, a.prepHandlesSnapshot()); err != nil {
			return err
		}
	}
	glog.V(2).Infof("assigner: batch %q resolved, %d requested, %d preparation containers so far", identifier, len(requested), len(a.prepOrder))
	return nil
}

func (a *Assigner) prepHandlesSnapshot() []container.Handle {
	out := make([]container.Handle, len(a.prepOrder))
	copy(out, a.prepOrder)
	return out
}

func (a *Assigner) addPrep(h container.Handle) {
	if a.prep[h] {
		return
	}
	a.prep[h] = true
	a.prepOrder = append(a.prepOrder, h)
}

// resolveSource implements spec section 4.3.2: walk up the concentration
// ladder, reusing a candidate from within if one can supply c directly,
// otherwise leaving c stock-rooted or inserting a new preparation
// container and recursing.
func (a *Assigner) resolveSource(c container.Handle, within []container.Handle) error {
	childConc := a.Arena.TargetConc(c)
	regime := a.regimeFor(c)

	var best container.Handle = container.NoHandle
	for _, cand := range within {
		if cand == c {
			continue
		}
		// Only a container of the same pool may supply c.
		if a.poolOf[cand] != a.poolOf[c] {
			continue
		}
		if a.Arena.TargetConc(cand).Cmp(childConc) < 0 {
			continue
		}
		if a.requiresIntermediate(c, cand) {
			continue
		}
		best = cand
		break
	}

	if best != container.NoHandle {
		if err := a.Arena.AttachParent(c, best, regime); err != nil {
			return err
		}
		transfer := a.Arena.TransferVolume(best, c)
		minT := quantity.Microliters(regime.MinTransferVolumeUL)
		if transfer.Cmp(minT) < 0 {
			needed := a.Arena.MinFullVolume(best).Scale(minT.Microliters() / maxf(transfer.Microliters(), 1e-9))
			if needed.Cmp(a.Arena.MinFullVolume(best)) > 0 {
				if err := a.Arena.IncreaseMinFullVolume(best, needed); err != nil && err != container.ErrNotIncreasing {
					return err
				}
			}
		}
		return nil
	}

	if !a.requiresIntermediate(c, container.NoHandle) {
		stockConc, _ := a.Arena.ParentConc(c)
		a.Arena.SetStockParentConc(c, stockConc)
		a.Arena.SetStockRegime(c, a.regimeStock)
		return nil
	}

	prep, err := a.createPrep(c)
	if err != nil {
		return err
	}
	a.addPrep(prep)
	if err := a.Arena.AttachParent(c, prep, regime); err != nil {
		return err
	}
	return a.resolveSource(prep, a.prepHandlesSnapshot())
}

func (a *Assigner) regimeFor(c container.Handle) model.PipettingRegime {
	if a.Arena.Parent(c) == container.NoHandle {
		return a.regimeStock
	}
	return a.regimeStandard
}

// createPrep implements spec section 4.3.3 by deferring the numeric
// feasibility computation to PlanDilutionStep, then materializing a new
// preparation container at the resulting concentration with the prep
// spec's initial dead volume. allows_modification is taken to be true
// exactly for non-final (preparation) children, mirroring the source's
// distinction between frozen final containers (which may never have their
// volume revised) and preparation containers (which may).
func (a *Assigner) createPrep(c container.Handle) (container.Handle, error) {
	full := a.Arena.FullVolume(c)
	parentConc, hasParent := a.Arena.ParentConc(c)
	if !hasParent {
		return container.NoHandle, ErrAllocationBlocked
	}
	targetConc := a.Arena.TargetConc(c)
	regime := a.regimeFor(c)
	allowsModification := !a.Arena.IsFinal(c)

	step := PlanDilutionStep(full.Microliters(), targetConc.Nanomolar(), parentConc.Nanomolar(), regime.MinTransferVolumeUL, regime.MaxDilutionFactor, allowsModification)

	if step.ChildVolUL != full.Microliters() {
		if err := a.Arena.IncreaseMinFullVolume(c, quantity.Microliters(step.ChildVolUL)); err != nil && err != container.ErrNotIncreasing {
			return container.NoHandle, err
		}
	}

	deadVol := quantity.Microliters(a.prepSpec.MinDeadVolumeUL)
	prep := a.Arena.NewPrep(quantity.Nanomolar(step.ParentConcNM), deadVol)
	if pool, ok := a.poolOf[c]; ok {
		a.poolOf[prep] = pool
	}
	// The new prep draws from the same upstream stock c did; seed its own
	// parent concentration so the caller's recursive resolve_source on prep
	// can decide whether prep itself can draw directly from that stock or
	// needs a further intermediate, instead of finding prep sourceless.
	if err := a.Arena.SetStockParentConc(prep, parentConc); err != nil {
		return container.NoHandle, err
	}
	return prep, nil
}

// requiresIntermediate implements spec section 4.3.4. source ==
// container.NoHandle means "is direct-from-stock feasible", the
// zero-argument form of the predicate.
func (a *Assigner) requiresIntermediate(child, source container.Handle) bool {
	parentConc, hasParent := a.Arena.ParentConc(child)
	targetConc := a.Arena.TargetConc(child)
	if !hasParent || parentConc.Cmp(targetConc) < 0 {
		return true
	}
	regime := a.regimeFor(child)
	dilFactor := parentConc.DilutionFactor(targetConc)
	if dilFactor > regime.MaxDilutionFactor {
		return true
	}
	if !a.Arena.IsFrozen(child) {
		return false
	}
	if source != container.NoHandle {
		if a.Arena.IsFrozen(source) {
			srcFull := a.Arena.FullVolume(source)
			if srcFull.Cmp(a.finalDeadVol) < 0 {
				return true
			}
		}
	}
	transfer := quantity.Microliters(0)
	if source != container.NoHandle {
		transfer = a.simulateTransfer(child, source, regime)
	} else {
		transfer = a.Arena.FullVolume(child).Scale(targetConc.Nanomolar() / parentConc.Nanomolar())
	}
	minT := quantity.Microliters(regime.MinTransferVolumeUL)
	if transfer.Cmp(minT) < 0 {
		return true
	}
	buffer := a.Arena.FullVolume(child).Sub(transfer)
	if buffer.Cmp(minT) < 0 {
		// A zero buffer is tolerated for a prep->child edge (the prep
		// already holds the right concentration; nothing more to dilute),
		// but never for a direct-from-stock draw (source == NoHandle):
		// every stock draw must be followed by a real buffer addition, so
		// a would-be df==1 direct transfer instead forces a passthrough
		// preparation container (spec section 8 scenario S5).
		if source != container.NoHandle && buffer.IsZero() {
			return false
		}
		return true
	}
	return false
}

func (a *Assigner) simulateTransfer(child, source container.Handle, regime model.PipettingRegime) quantity.Volume {
	sourceConc := a.Arena.TargetConc(source)
	full := a.Arena.FullVolume(child)
	targetConc := a.Arena.TargetConc(child)
	if sourceConc.Nanomolar() == 0 {
		return full
	}
	t := full.Scale(targetConc.Nanomolar() / sourceConc.Nanomolar())
	minT := quantity.Microliters(regime.MinTransferVolumeUL)
	return t.Max(minT)
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// Finalize implements spec section 4.3.5.
type FinalizeResult struct {
	MaxPrepVolume      quantity.Volume
	PlateCountLowerBound int
}

func (a *Assigner) Finalize(dynamicDeadVolumeFn func(numTargetChildren int, spec model.ReservoirSpec) quantity.Volume) FinalizeResult {
	ordered := a.generationSorted()

	if dynamicDeadVolumeFn != nil && a.prepSpec.HasDynamicDeadVolume {
		for _, h := range ordered {
			n := len(a.Arena.Children(h))
			newDead := dynamicDeadVolumeFn(n, a.prepSpec)
			if newDead.Cmp(a.Arena.DeadVolume(h)) > 0 {
				delta := newDead.Sub(a.Arena.DeadVolume(h))
				if err := a.Arena.IncreaseDeadVolume(h, delta); err != nil && err != container.ErrNotIncreasing {
					glog.Warningf("assigner: increase_dead_volume failed for container: %v", err)
				}
			}
		}
	}

	maxVol := quantity.ZeroVolume()
	for _, h := range a.prepOrder {
		maxVol = maxVol.Max(a.Arena.FullVolume(h))
	}

	locsPerPlate := a.prepSpec.LocationsPerPlate(a.regimeStandard.Name == model.RegimeSector.Name)
	lowerBound := 0
	if locsPerPlate > 0 {
		lowerBound = (len(a.prepOrder) + locsPerPlate - 1) / locsPerPlate
	}

	return FinalizeResult{MaxPrepVolume: maxVol, PlateCountLowerBound: lowerBound}
}

// generationSorted implements spec section 4.3.5 step 1: generation(c) =
// min over requested descendants r of depth(c->r); ascending sort so
// children are processed (and their dead-volume contribution known) before
// parents.
func (a *Assigner) generationSorted() []container.Handle {
	gen := make(map[container.Handle]int, len(a.prepOrder))
	var depthToRequested func(h container.Handle) int
	memo := map[container.Handle]int{}
	depthToRequested = func(h container.Handle) int {
		if d, ok := memo[h]; ok {
			return d
		}
		best := -1
		for _, c := range a.Arena.Children(h) {
			var d int
			if a.prep[c] {
				d = depthToRequested(c) + 1
			} else {
				d = 1 // c is a requested container: depth 1 to reach it
			}
			if best < 0 || d < best {
				best = d
			}
		}
		if best < 0 {
			best = 0
		}
		memo[h] = best
		return best
	}
	for _, h := range a.prepOrder {
		gen[h] = depthToRequested(h)
	}
	out := a.prepHandlesSnapshot()
	sort.SliceStable(out, func(i, j int) bool { return gen[out[i]] < gen[out[j]] })
	return out
}

// Distribute implements spec section 4.3.6: instantiates the plate-count
// lower bound's worth of canvases and allocates every prep container to
// one, preferring a free preferred location.
func (a *Assigner) Distribute(plateCount int, plateNumberBase int) []canvas.Canvas {
	canvases := make([]canvas.Canvas, 0, plateCount)
	for i := 0; i < plateCount; i++ {
		canvases = append(canvases, canvas.NewPositionCanvas(a.role, plateNumberBase+i, a.prepSpec.RackShape))
	}
	if a.regimeStandard.Name == model.RegimeSector.Name {
		canvases = canvases[:0]
		for i := 0; i < plateCount; i++ {
			canvases = append(canvases, canvas.NewSectorCanvas(a.role, plateNumberBase+i, a.prepSpec.RackShape))
		}
	}

	type scored struct {
		h     container.Handle
		score int
	}
	scoredPreps := make([]scored, 0, len(a.prepOrder))
	for _, h := range a.prepOrder {
		s := 0
		if a.Arena.Parent(h) == container.NoHandle {
			s += 2
		}
		if _, ok := a.preferredLocation[h]; ok {
			s++
		}
		scoredPreps = append(scoredPreps, scored{h: h, score: s})
	}
	sort.SliceStable(scoredPreps, func(i, j int) bool { return scoredPreps[i].score > scoredPreps[j].score })

	queue := canvases
	for _, sp := range scoredPreps {
		if len(queue) == 0 {
			break
		}
		plate := queue[0]
		queue = queue[1:]

		pool := a.poolOf[sp.h]
		if pool == "" {
			// No recorded pool (or a genuinely anonymous container): fall
			// back to a per-handle key so it never falsely shares a row
			// with an unrelated container.
			pool = fmt.Sprintf("__anon_%d", sp.h)
		}

		var loc model.LocationKind
		var err error
		if pref, ok := a.preferredLocation[sp.h]; ok {
			if e := plate.AllocateAt(sp.h, pref); e == nil {
				loc = pref
				err = nil
			} else {
				loc, err = plate.AllocateForPool(sp.h, pool)
			}
		} else {
			loc, err = plate.AllocateForPool(sp.h, pool)
		}
		if err != nil {
			glog.Warningf("assigner: failed to allocate prep container to plate: %v", err)
			continue
		}
		a.Arena.SetLocation(sp.h, "", loc)

		if plate.HasEmptyLocations() {
			queue = append(queue, plate)
		}
	}
	return canvases
}

// Requested returns every requested container handle added so far, in
// addition order.
func (a *Assigner) Requested() []container.Handle { return a.prepHandlesSnapshotOf(a.requested) }

// PreparationContainers returns every preparation container created so
// far, in creation order.
func (a *Assigner) PreparationContainers() []container.Handle { return a.prepHandlesSnapshot() }

func (a *Assigner) prepHandlesSnapshotOf(src []container.Handle) []container.Handle {
	out := make([]container.Handle, len(src))
	copy(out, src)
	return out
}
