// Package builder implements Builder (spec section 4.6): accumulates the
// layouts, dilutions, and transfers a planning run produces, and
// materializes concrete ISO/job-plate records on demand.
package builder

import (
	"errors"
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/labplan/isoplanner/pkg/labels"
	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/quantity"
	"github.com/labplan/isoplanner/pkg/tubepicker"
)

// PositionRecord is one emitted final/preparation ISO position (spec
// section 4.4 step 6: "construct a final/preparation ISO position
// record").
type PositionRecord struct {
	Location   model.LocationKind
	Pool       model.Pool
	TargetConc quantity.Conc
	Volume     quantity.Volume
	// TransferTargets lists this position's children, by plate
	// marker/location (spec section 4.4 step 6).
	TransferTargets []TransferTarget
}

// TransferTarget names one child of a PositionRecord.
type TransferTarget struct {
	PlateMarker string
	Location    model.LocationKind
}

// DilutionRecord is one buffer-dilution instruction (spec section 4.4 step
// 6: "for every container with buffer_volume > 0, emit a dilution record").
type DilutionRecord struct {
	Location model.LocationKind
	Volume   quantity.Volume
}

// TransferRecord is one planned liquid transfer (spec section 4.4 step 6).
type TransferRecord struct {
	SourceLocation model.LocationKind
	TargetLocation model.LocationKind
	TargetPlate    string
	Volume         quantity.Volume
	Depth          int
}

// interKey identifies one (source plate, target plate) transfer bucket.
type interKey struct {
	Source, Target string
}

// intraKey identifies one (plate, depth) transfer bucket (spec section 5:
// "Ordering guarantees ... intra-plate transfers per (plate_marker,
// depth)").
type intraKey struct {
	Plate string
	Depth int
}

// ErrAlreadySet is returned by SetStockCandidates/SetNumISOs on a second
// call (spec section 4.6: "Immutability: the candidate and iso-count
// setters reject re-setting").
var ErrAlreadySet = errors.New("builder: value already set")

// Builder accumulates a planning run's output (spec section 4.6).
type Builder struct {
	FinalLayout []PositionRecord
	PrepLayouts map[string][]PositionRecord
	JobLayouts  map[string][]PositionRecord
	PlateSpecs  map[string]model.ReservoirSpec

	// StockStartingWells accumulates the number of stock-rooted starting-well
	// containers (direct-from-stock finals plus stock-rooted preparation
	// containers) resolved by non-sector, non-job groups, used for
	// capacity-packed stock-rack assignment (spec section 4.5 phase 11).
	StockStartingWells int

	dilutions      map[string][]DilutionRecord
	intraTransfers map[intraKey][]TransferRecord
	interTransfers map[interKey][]TransferRecord

	stockCandidates    []tubepicker.Candidate
	stockCandidatesSet bool
	numISOs            int
	numISOsSet         bool
}

// New constructs an empty Builder.
func New() *Builder {
	return &Builder{
		PrepLayouts:    map[string][]PositionRecord{},
		JobLayouts:     map[string][]PositionRecord{},
		PlateSpecs:     map[string]model.ReservoirSpec{},
		dilutions:      map[string][]DilutionRecord{},
		intraTransfers: map[intraKey][]TransferRecord{},
		interTransfers: map[interKey][]TransferRecord{},
	}
}

// AddFinalPosition records one final-layout position.
func (b *Builder) AddFinalPosition(p PositionRecord) {
	b.FinalLayout = append(b.FinalLayout, p)
}

// AddPrepPosition records one preparation-layout position for plateMarker.
func (b *Builder) AddPrepPosition(plateMarker string, p PositionRecord) {
	b.PrepLayouts[plateMarker] = append(b.PrepLayouts[plateMarker], p)
}

// AddJobPosition records one job-preparation-layout position.
func (b *Builder) AddJobPosition(plateMarker string, p PositionRecord) {
	b.JobLayouts[plateMarker] = append(b.JobLayouts[plateMarker], p)
}

// AddStockStartingWells accumulates this group's count of stock-rooted
// starting wells (spec section 4.5 phase 11).
func (b *Builder) AddStockStartingWells(n int) {
	b.StockStartingWells += n
}

// SetPlateSpec records the reservoir spec used for a preparation plate.
func (b *Builder) SetPlateSpec(plateMarker string, spec model.ReservoirSpec) {
	b.PlateSpecs[plateMarker] = spec
}

// AddDilution records one buffer-dilution instruction for plateMarker.
func (b *Builder) AddDilution(plateMarker string, d DilutionRecord) {
	b.dilutions[plateMarker] = append(b.dilutions[plateMarker], d)
}

// AddTransfer records one planned transfer, bucketing it as intra-plate
// (keyed by plate+depth) or inter-plate (keyed by source/target plate)
// depending on whether source and target plate markers match (spec
// section 4.4 step 6: "same plate => intra-plate (keyed by intraplate
// depth...); different plate => inter-plate").
func (b *Builder) AddTransfer(sourcePlate, targetPlate string, t TransferRecord) {
	if sourcePlate == targetPlate {
		k := intraKey{Plate: sourcePlate, Depth: t.Depth}
		b.intraTransfers[k] = append(b.intraTransfers[k], t)
		return
	}
	k := interKey{Source: sourcePlate, Target: targetPlate}
	b.interTransfers[k] = append(b.interTransfers[k], t)
}

// Dilutions returns every plate marker's dilution list as a map keyed by
// plate marker. Each list keeps insertion order; the map itself has no
// defined iteration order.
func (b *Builder) Dilutions() map[string][]DilutionRecord { return b.dilutions }

// IntraPlateTransfers returns intra-plate transfers ordered by (plate,
// depth) ascending (spec section 8 invariant 7).
func (b *Builder) IntraPlateTransfers() []struct {
	Plate string
	Depth int
	Items []TransferRecord
} {
	keys := make([]intraKey, 0, len(b.intraTransfers))
	for k := range b.intraTransfers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Plate != keys[j].Plate {
			return keys[i].Plate < keys[j].Plate
		}
		return keys[i].Depth < keys[j].Depth
	})
	out := make([]struct {
		Plate string
		Depth int
		Items []TransferRecord
	}, 0, len(keys))
	for _, k := range keys {
		out = append(out, struct {
			Plate string
			Depth int
			Items []TransferRecord
		}{Plate: k.Plate, Depth: k.Depth, Items: b.intraTransfers[k]})
	}
	return out
}

// InterPlateTransfers returns inter-plate transfers ordered by
// (source,target) plate marker ascending.
func (b *Builder) InterPlateTransfers() []struct {
	Source, Target string
	Items          []TransferRecord
} {
	keys := make([]interKey, 0, len(b.interTransfers))
	for k := range b.interTransfers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Source != keys[j].Source {
			return keys[i].Source < keys[j].Source
		}
		return keys[i].Target < keys[j].Target
	})
	out := make([]struct {
		Source, Target string
		Items          []TransferRecord
	}, 0, len(keys))
	for _, k := range keys {
		out = append(out, struct {
			Source, Target string
			Items          []TransferRecord
		}{Source: k.Source, Target: k.Target, Items: b.interTransfers[k]})
	}
	return out
}

// SetStockCandidates records the tube candidates selected for this run;
// fails if already set (spec: "Immutability").
func (b *Builder) SetStockCandidates(cands []tubepicker.Candidate) error {
	if b.stockCandidatesSet {
		return ErrAlreadySet
	}
	b.stockCandidates = cands
	b.stockCandidatesSet = true
	return nil
}

// SetNumISOs records the number of ISOs to materialize; fails if already
// set.
func (b *Builder) SetNumISOs(n int) error {
	if b.numISOsSet {
		return ErrAlreadySet
	}
	b.numISOs = n
	b.numISOsSet = true
	return nil
}

// IsoPlate is one materialized preparation (or stock) plate attached to an
// ISO.
type IsoPlate struct {
	Marker string
	Spec   model.ReservoirSpec
	Layout []PositionRecord
}

// Iso is one materialized ISO (spec section 4.6: "materialize_isos").
type Iso struct {
	Index          int
	FinalLayout    []PositionRecord
	PrepPlates     []IsoPlate
	StockRackCount int
	PoolSet        []string
}

// MaterializeISOs iterates NumISOs times, resolving floating placeholders
// from the queue of stock candidates and attaching preparation plates
// (spec section 4.6: "On materialize_isos"). resolveFloating maps a
// floating slot ID to the pool identity popped for iso index i; it is
// supplied by the caller since only the caller (TopPlanner) knows the
// per-ISO candidate queue order. ticket is the request ticket used to build
// each ISO's plate labels (spec section 6 grammar: TICKET_ISO-N_ROLE[-K]) —
// every materialized ISO gets its own labels and its own copy of the
// preparation layout, never a marker or slice shared verbatim with another
// ISO.
func (b *Builder) MaterializeISOs(ticket string, resolveFloating func(isoIndex int, slotID string) (model.Pool, bool)) ([]Iso, error) {
	if !b.numISOsSet {
		return nil, fmt.Errorf("builder: materialize_isos called before SetNumISOs")
	}
	plateMarkers := make([]string, 0, len(b.PrepLayouts))
	for m := range b.PrepLayouts {
		plateMarkers = append(plateMarkers, m)
	}
	sort.Strings(plateMarkers)

	isos := make([]Iso, 0, b.numISOs)
	for i := 0; i < b.numISOs; i++ {
		isoNumber := i + 1
		iso := Iso{Index: i}
		for _, p := range b.FinalLayout {
			resolved := p
			if fp, ok := p.Pool.(model.FloatingPool); ok && resolveFloating != nil {
				if pool, ok := resolveFloating(i, fp.SlotID); ok {
					resolved.Pool = pool
					iso.PoolSet = append(iso.PoolSet, pool.ID())
				}
			}
			iso.FinalLayout = append(iso.FinalLayout, resolved)
		}
		sort.Strings(iso.PoolSet)

		for k, template := range plateMarkers {
			marker := labels.Plate(ticket, isoNumber, model.RolePrep, k+1, len(plateMarkers))
			layout := make([]PositionRecord, len(b.PrepLayouts[template]))
			copy(layout, b.PrepLayouts[template])
			iso.PrepPlates = append(iso.PrepPlates, IsoPlate{
				Marker: marker,
				Spec:   b.PlateSpecs[template],
				Layout: layout,
			})
		}
		isos = append(isos, iso)
	}
	glog.V(2).Infof("builder: materialized %d ISOs with %d preparation plates each", len(isos), len(plateMarkers))
	return isos, nil
}

// MaterializeJobPlates returns one IsoPlate per job layout entry (spec
// section 4.6: "materialize_job_plates(job): one preparation plate per job
// layout entry").
func (b *Builder) MaterializeJobPlates() []IsoPlate {
	markers := make([]string, 0, len(b.JobLayouts))
	for m := range b.JobLayouts {
		markers = append(markers, m)
	}
	sort.Strings(markers)
	out := make([]IsoPlate, 0, len(markers))
	for _, m := range markers {
		out = append(out, IsoPlate{Marker: m, Spec: b.PlateSpecs[m], Layout: b.JobLayouts[m]})
	}
	return out
}
