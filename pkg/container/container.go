// Package container implements the preparation/final sample graph (spec
// section 4.1, "Container"). Containers live in an Arena and are addressed
// by Handle, an opaque index — never a pointer — so that the parent/child
// cycle the source modeled with direct object references cannot leak
// outside a single planning run (spec section 9, "Cyclic references
// container<->parent<->children": "model as an arena of containers indexed
// by handle; parent and targets hold handles, not owning pointers.
// Frozen-state is a bit on the node.").
package container

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/golang/glog"

	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/quantity"
)

// Handle addresses one container within an Arena.
type Handle int

// NoHandle is the sentinel (-1) meaning "no such container" — used for a
// stock-rooted container's parent, and for any not-yet-assigned reference.
const NoHandle Handle = -1

var (
	// ErrFrozen is returned by any mutation attempted on a frozen container.
	ErrFrozen = errors.New("container: cannot mutate a frozen container")
	// ErrNotIncreasing is returned when increase_min_full_volume or
	// increase_dead_volume is called with a value that would not actually
	// raise the current one.
	ErrNotIncreasing = errors.New("container: new value does not exceed current value")
	// ErrInvalidCloneCount is returned by GetClones when n <= 1.
	ErrInvalidCloneCount = errors.New("container: clone count must be > 1")
	// ErrParentTooWeak is returned by AttachParent when the proposed
	// parent's concentration is lower than the child's target concentration.
	ErrParentTooWeak = errors.New("container: parent concentration is lower than child target concentration")
	// ErrLocationAlreadySet is returned when a location is assigned twice.
	ErrLocationAlreadySet = errors.New("container: location already assigned")
)

type node struct {
	id            int
	parent        Handle
	children      []Handle
	transfersOut  map[Handle]quantity.Volume
	regime        model.PipettingRegime
	hasRegime     bool
	parentConc    quantity.Conc
	hasParentConc bool
	targetConc    quantity.Conc
	targetVolume  quantity.Volume
	minFullVolume quantity.Volume
	deadVolume    quantity.Volume
	location      model.LocationKind
	hasLocation   bool
	plateMarker   string
	isFinal       bool
	frozen        bool
}

// Arena owns every container created during a single planning run. The
// mutex mirrors the teacher's per-resource locking shape
// (lib/gidallocator.Allocator.gidTableLock) even though a planning run is
// single-threaded (spec section 5) and never contends it; kept for
// defensive symmetry with the idiom rather than silently dropped (see
// DESIGN.md).
type Arena struct {
	mu    sync.Mutex
	nodes []*node
	next  int
}

// NewArena creates an empty, per-run container arena. Spec section 9:
// "Global counter _CONTAINER_IDS: replace with a per-run counter held by
// the top planner and threaded into arena allocation. No process-wide
// mutable state." The identity counter lives on the Arena, not a package
// variable.
func NewArena() *Arena {
	return &Arena{}
}

func (a *Arena) nextIdentity() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.next
	a.next++
	return id
}

func (a *Arena) get(h Handle) *node {
	if h < 0 || int(h) >= len(a.nodes) {
		panic(fmt.Sprintf("container: invalid handle %d", h))
	}
	return a.nodes[h]
}

func (a *Arena) put(n *node) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes = append(a.nodes, n)
	return Handle(len(a.nodes) - 1)
}

// NewFinal constructs a frozen final container at a known location (spec:
// "new_final(location, volume, target_conc, parent_conc)").
func (a *Arena) NewFinal(location model.LocationKind, volume quantity.Volume, targetConc, parentConc quantity.Conc) Handle {
	n := &node{
		id:            a.nextIdentity(),
		parent:        NoHandle,
		transfersOut:  map[Handle]quantity.Volume{},
		targetConc:    targetConc,
		parentConc:    parentConc,
		hasParentConc: true,
		targetVolume:  volume,
		minFullVolume: volume,
		location:      location,
		hasLocation:   true,
		isFinal:       true,
		frozen:        true,
	}
	return a.put(n)
}

// NewPrep constructs a mutable preparation container; its volume starts at
// zero and grows as children are attached (spec: "new_prep(target_conc,
// dead_volume)").
func (a *Arena) NewPrep(targetConc quantity.Conc, deadVolume quantity.Volume) Handle {
	n := &node{
		id:           a.nextIdentity(),
		parent:       NoHandle,
		transfersOut: map[Handle]quantity.Volume{},
		targetConc:   targetConc,
		deadVolume:   deadVolume,
	}
	return a.put(n)
}

// SetLocation assigns a container's physical location once; a second call
// fails (spec: "Location assigned once; then frozen").
func (a *Arena) SetLocation(h Handle, plateMarker string, loc model.LocationKind) error {
	n := a.get(h)
	if n.hasLocation {
		return ErrLocationAlreadySet
	}
	n.location = loc
	n.hasLocation = true
	n.plateMarker = plateMarker
	return nil
}

func (a *Arena) Location(h Handle) (model.LocationKind, bool) {
	n := a.get(h)
	return n.location, n.hasLocation
}

func (a *Arena) PlateMarker(h Handle) string {
	return a.get(h).plateMarker
}

func (a *Arena) IsFinal(h Handle) bool  { return a.get(h).isFinal }
func (a *Arena) IsFrozen(h Handle) bool { return a.get(h).frozen }
func (a *Arena) Parent(h Handle) Handle { return a.get(h).parent }
func (a *Arena) Children(h Handle) []Handle {
	src := a.get(h).children
	out := make([]Handle, len(src))
	copy(out, src)
	return out
}
func (a *Arena) TargetConc(h Handle) quantity.Conc { return a.get(h).targetConc }

func (a *Arena) ParentConc(h Handle) (quantity.Conc, bool) {
	n := a.get(h)
	return n.parentConc, n.hasParentConc
}

// SetStockParentConc records the stock concentration a still-unattached
// (stock-rooted) container will draw from. Used by the assigner when a
// container's dilution chain bottoms out at the stock rather than at
// another preparation container.
func (a *Arena) SetStockParentConc(h Handle, conc quantity.Conc) error {
	n := a.get(h)
	if n.parent != NoHandle {
		return fmt.Errorf("container: cannot set stock parent conc, %d already has an attached parent", h)
	}
	n.parentConc = conc
	n.hasParentConc = true
	return nil
}

// SetStockRegime records the pipetting regime governing a stock-rooted
// container's (not-yet-existent) edge to stock, so computeTransferVolume
// can clamp against the right minimum.
func (a *Arena) SetStockRegime(h Handle, regime model.PipettingRegime) {
	n := a.get(h)
	n.regime = regime
	n.hasRegime = true
}

func (a *Arena) MinFullVolume(h Handle) quantity.Volume { return a.get(h).minFullVolume }
func (a *Arena) DeadVolume(h Handle) quantity.Volume    { return a.get(h).deadVolume }

// FullVolume returns max(min_full_volume, target_volume + dead_volume +
// sum(transfers_out)) (spec section 3, Container DAG invariants).
func (a *Arena) FullVolume(h Handle) quantity.Volume {
	n := a.get(h)
	sum := n.targetVolume.Add(n.deadVolume)
	for _, t := range n.transfersOut {
		sum = sum.Add(t)
	}
	return n.minFullVolume.Max(sum)
}

// AttachParent sets parent as h's source, clears h's recorded parent
// concentration to parent's target concentration, and re-propagates
// transfer volumes upward through the chain (spec: "attach_parent(parent)
// ... calls recompute_transfer_volume upward through the chain (required
// because adding a child may raise the parent's full_volume, which may in
// turn force its own parent's transfer volume up)").
func (a *Arena) AttachParent(child, parent Handle, regime model.PipettingRegime) error {
	cn := a.get(child)
	pn := a.get(parent)
	if pn.targetConc.Cmp(cn.targetConc) < 0 {
		return ErrParentTooWeak
	}
	cn.parent = parent
	cn.parentConc = pn.targetConc
	cn.hasParentConc = true
	cn.regime = regime
	cn.hasRegime = true
	pn.children = append(pn.children, child)
	glog.V(3).Infof("container: attached child=%d to parent=%d (regime=%s)", cn.id, pn.id, regime.Name)
	return a.recomputeUpward(child)
}

// recomputeUpward recomputes the transfer volume for cur's incoming edge
// and stores it on cur's parent, then ascends: the parent's own full
// volume may have just changed, which may push its own incoming transfer
// volume up in turn. Iterative, not recursive, stopping at the first
// stock-rooted ancestor — grounded on the teacher's iterative rebuild-then-narrow loop in
// lib/gidallocator.Allocator.getGidTable rather than recursive retry.
func (a *Arena) recomputeUpward(start Handle) error {
	cur := start
	for {
		n := a.get(cur)
		if n.parent == NoHandle {
			return nil
		}
		parent := a.get(n.parent)
		if parent.frozen {
			return ErrFrozen
		}
		transfer := a.computeTransferVolume(cur)
		parent.transfersOut[cur] = transfer
		cur = n.parent
	}
}

// computeTransferVolume computes the transfer volume for the edge into h
// from its parent (or, for a stock-rooted container, the derived transfer
// volume from stock), per spec section 3: "transfer_volume =
// child.full_volume × child.target_concentration / parent.target_concentration,
// clamped below by the regime's min_transfer_volume."
func (a *Arena) computeTransferVolume(h Handle) quantity.Volume {
	n := a.get(h)
	full := a.FullVolume(h)
	if !n.hasParentConc || n.parentConc.Nanomolar() == 0 {
		return full
	}
	ratio := n.targetConc.Nanomolar() / n.parentConc.Nanomolar()
	transfer := full.Scale(ratio)
	minT := quantity.Microliters(a.regimeMinTransfer(h))
	return transfer.Max(minT)
}

func (a *Arena) regimeMinTransfer(h Handle) float64 {
	n := a.get(h)
	if n.hasRegime {
		return n.regime.MinTransferVolumeUL
	}
	return 0
}

// TransferVolume returns the transfer volume for the parent->child edge
// identified by child's handle, as recorded on the parent.
func (a *Arena) TransferVolume(parent, child Handle) quantity.Volume {
	pn := a.get(parent)
	if v, ok := pn.transfersOut[child]; ok {
		return v
	}
	return quantity.ZeroVolume()
}

// BufferVolume is full_volume - transfer_in (spec: "buffer_volume() —
// full_volume − transfer_in_from_parent (or, if from stock, full_volume −
// derived_transfer_volume)").
func (a *Arena) BufferVolume(h Handle) quantity.Volume {
	n := a.get(h)
	full := a.FullVolume(h)
	var transferIn quantity.Volume
	if n.parent != NoHandle {
		transferIn = a.TransferVolume(n.parent, h)
	} else {
		transferIn = a.computeTransferVolume(h)
	}
	return full.Sub(transferIn)
}

// IncreaseMinFullVolume raises the container's minimum full volume; fails
// if the container is frozen or the new value does not exceed the current
// one, then re-propagates upward.
func (a *Arena) IncreaseMinFullVolume(h Handle, v quantity.Volume) error {
	n := a.get(h)
	if n.frozen {
		return ErrFrozen
	}
	if v.Cmp(n.minFullVolume) <= 0 {
		return ErrNotIncreasing
	}
	n.minFullVolume = v
	return a.recomputeUpward(h)
}

// IncreaseDeadVolume raises the container's dead volume by delta; fails if
// frozen or delta does not yield a larger value, then re-propagates upward.
func (a *Arena) IncreaseDeadVolume(h Handle, delta quantity.Volume) error {
	n := a.get(h)
	if n.frozen {
		return ErrFrozen
	}
	newVal := n.deadVolume.Add(delta)
	if newVal.Cmp(n.deadVolume) <= 0 {
		return ErrNotIncreasing
	}
	n.deadVolume = newVal
	return a.recomputeUpward(h)
}

// Freeze marks a container (and, via clone/get_clones, its copies) as no
// longer mutable.
func (a *Arena) Freeze(h Handle) {
	a.get(h).frozen = true
}

// Clone deep-copies h and its descendant subtree, then marks both the
// original and the new subtree frozen, since the two now share intended
// semantics and further independent mutation would desync them (spec:
// "clone() — deep-copies the container and its descendants; marks
// original and clone frozen").
func (a *Arena) Clone(h Handle) Handle {
	clone := a.cloneSubtree(h)
	a.freezeSubtree(h)
	return clone
}

func (a *Arena) cloneSubtree(h Handle) Handle {
	n := a.get(h)
	clone := &node{
		id:            a.nextIdentity(),
		parent:        n.parent,
		transfersOut:  map[Handle]quantity.Volume{},
		regime:        n.regime,
		hasRegime:     n.hasRegime,
		parentConc:    n.parentConc,
		hasParentConc: n.hasParentConc,
		targetConc:    n.targetConc,
		targetVolume:  n.targetVolume,
		minFullVolume: n.minFullVolume,
		deadVolume:    n.deadVolume,
		isFinal:       n.isFinal,
		frozen:        true,
	}
	newHandle := a.put(clone)
	for _, child := range n.children {
		newChild := a.cloneSubtree(child)
		a.get(newHandle).children = append(a.get(newHandle).children, newChild)
		a.get(newChild).parent = newHandle
		if t, ok := n.transfersOut[child]; ok {
			a.get(newHandle).transfersOut[newChild] = t
		}
	}
	return newHandle
}

func (a *Arena) freezeSubtree(h Handle) {
	n := a.get(h)
	n.frozen = true
	for _, c := range n.children {
		a.freezeSubtree(c)
	}
}

// GetClones returns n frozen clones of h, including h itself, sharing the
// same descendant structure (spec: "get_clones(n)").
func (a *Arena) GetClones(h Handle, n int) ([]Handle, error) {
	if n <= 1 {
		return nil, ErrInvalidCloneCount
	}
	a.freezeSubtree(h)
	out := make([]Handle, 0, n)
	out = append(out, h)
	for i := 1; i < n; i++ {
		out = append(out, a.Clone(h))
	}
	return out, nil
}

// TransferRecord is one entry in PlannedTransfersOut.
type TransferRecord struct {
	ChildHandle      Handle
	ChildPlateMarker string
	Volume           quantity.Volume
}

// PlannedTransfersOut returns, for each child, a transfer record keyed by
// the child's plate marker (spec: "planned_transfers_out()").
func (a *Arena) PlannedTransfersOut(h Handle) []TransferRecord {
	n := a.get(h)
	out := make([]TransferRecord, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, TransferRecord{
			ChildHandle:      c,
			ChildPlateMarker: a.get(c).plateMarker,
			Volume:           n.transfersOut[c],
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ChildPlateMarker < out[j].ChildPlateMarker
	})
	return out
}

// IntraplateAncestorDepth walks up while parent.plate_marker ==
// self.plate_marker, returning the depth reached; used to order
// intra-plate serial dilutions (spec: "intraplate_ancestor_depth()").
func (a *Arena) IntraplateAncestorDepth(h Handle) int {
	n := a.get(h)
	depth := 0
	cur := h
	for {
		curNode := a.get(cur)
		if curNode.parent == NoHandle {
			return depth
		}
		parent := a.get(curNode.parent)
		if parent.plateMarker != n.plateMarker {
			return depth
		}
		depth++
		cur = curNode.parent
	}
}

// OrderByParentConcThenLocation sorts handles by ascending parent
// concentration, tie-broken by location (spec: "Ordering: by
// parent_concentration ascending, tie-broken by location").
func (a *Arena) OrderByParentConcThenLocation(handles []Handle) {
	sort.SliceStable(handles, func(i, j int) bool {
		ni, nj := a.get(handles[i]), a.get(handles[j])
		if ni.hasParentConc && nj.hasParentConc {
			if c := ni.parentConc.Cmp(nj.parentConc); c != 0 {
				return c < 0
			}
		}
		return ni.location.String() < nj.location.String()
	})
}
