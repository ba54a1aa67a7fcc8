package planner

import (
	"fmt"
	"sort"

	"github.com/golang/glog"

	"github.com/labplan/isoplanner/pkg/builder"
	"github.com/labplan/isoplanner/pkg/layout"
	"github.com/labplan/isoplanner/pkg/metrics"
	"github.com/labplan/isoplanner/pkg/model"
	"github.com/labplan/isoplanner/pkg/planererrors"
	"github.com/labplan/isoplanner/pkg/quantity"
	"github.com/labplan/isoplanner/pkg/requestlayout"
	"github.com/labplan/isoplanner/pkg/tubepicker"
)

// Request is everything one TopPlanner.Plan call needs (spec section 6,
// "Inputs"): the request layout, the number of ISOs wanted, rack/tube
// constraints, and the enclosing entity's aliquot/job-order/pool-set
// attributes used only when floatings exist.
type Request struct {
	Ticket                string
	Reader                requestlayout.Reader
	NumberISOsRequested   int
	ExcludedRacks         []string
	RequestedTubes        []string
	NumberAliquots        int
	ProcessJobFirst       bool
	MoleculeDesignPoolSet []string
	// ConsumedPools are floating pools already used by non-cancelled prior
	// ISOs of the same request (spec section 4.5 phase 3).
	ConsumedPools []string
}

// Result is the outcome of a successful planning run (spec section 6,
// "Outputs").
type Result struct {
	Builder  *builder.Builder
	ISOs     []builder.Iso
	// JobPlates are the request-level job-preparation plates (spec section
	// 4.5 phase 8, section 4.6 "materialize_job_plates"): one shared
	// control-pool preparation batch serving every ISO copy, not a
	// per-ISO artifact.
	JobPlates []builder.IsoPlate
	Warnings  []string
}

// TopPlanner orchestrates one planning run (spec section 4.5).
type TopPlanner struct {
	Config     Config
	TubePicker tubepicker.Picker
	Metrics    *metrics.Collectors
}

// New constructs a TopPlanner with the given picker and default Config.
func New(picker tubepicker.Picker) *TopPlanner {
	return &TopPlanner{Config: DefaultConfig(), TubePicker: picker}
}

// runScope is the per-run state a planning run threads explicitly instead
// of a global (spec section 5, section 9 "Global counter _CONTAINER_IDS").
// It exists here as a placeholder for the identity counter's home: each
// container.Arena already owns its own counter (see pkg/container), so
// runScope's job is limited to collecting this run's warnings/errors.
type runScope struct {
	warnings []string
	metrics  *metrics.Collectors
}

func (r *runScope) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.warnings = append(r.warnings, msg)
	glog.Warningf("planner: %s", msg)
	if r.metrics != nil {
		r.metrics.ObserveWarning(format)
	}
}

// Plan runs every phase of spec section 4.5 in order; each phase after an
// error is a no-op (spec: "each is a no-op if any previous phase failed").
func (tp *TopPlanner) Plan(req Request) (*Result, error) {
	rs := &runScope{metrics: tp.Metrics}

	// Phase 1: parse (external; requestlayout.Reader already did this).
	positions, err := req.Reader.Positions()
	if err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, planererrors.New(planererrors.KindLayoutParseFailed, "%v", err)
	}
	shape := req.Reader.Shape()

	// Phase 2: analyze.
	fixed, floating, mock, library := partitionPositions(positions)
	if err := validateAgainstStock(fixed, floating, rs); err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, err
	}

	// Phase 3: floating queue (set-difference against already-consumed
	// pools of prior ISOs of the same request).
	var queuedPools []string
	if len(floating) > 0 {
		if len(req.MoleculeDesignPoolSet) == 0 {
			// Open question 1 (spec section 9) resolved: error when the
			// pool set is nil or empty, not the source's inverted check.
			tp.Metrics.ObserveOutcome("error")
			return nil, planererrors.New(planererrors.KindNoQueuedPools, "molecule design pool set is empty")
		}
		queuedPools = tubepicker.QueuedPools(req.MoleculeDesignPoolSet, req.ConsumedPools)
		if len(queuedPools) == 0 {
			tp.Metrics.ObserveOutcome("error")
			return nil, planererrors.New(planererrors.KindNoQueuedPools, "all floating pools already consumed")
		}
	}

	// Phase 4: sector feasibility.
	sectorMode, sectorGroups, perWellPositions, err := tp.planSectorFeasibility(shape, fixed, floating, rs)
	if err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, err
	}

	b := builder.New()
	// finalMarker is a request-scoped bookkeeping key for mock dilutions,
	// not a per-ISO public label (mock positions are identical across every
	// materialized ISO), so it carries no ISO number.
	finalMarker := fmt.Sprintf("%s_%s", req.Ticket, model.RoleFinal.String())

	// Phase 5: sector planning.
	if sectorMode {
		for i, grp := range sectorGroups {
			g := layout.Group{
				Identifier:     fmt.Sprintf("sector-%d", i),
				Role:           model.RolePrep,
				SectorMode:     true,
				FinalDeadVolUL: tp.Config.FinalDeadVolumeUL,
				MarkerPrefix:   fmt.Sprintf("%s_%s_sector%d", req.Ticket, model.RolePrep.String(), i),
				CopyCount:      1,
				CoupledSets:    grp,
			}
			sub, err := (&layout.Planner{CandidateSpecs: tp.Config.CandidateSpecs}).Plan(g)
			if err != nil {
				tp.Metrics.ObserveOutcome("error")
				return nil, err
			}
			mergeBuilder(b, sub)
		}
	}

	// Phase 6: per-well planning for everything not covered by sectors.
	if len(perWellPositions) > 0 {
		members := positionsToMembers(perWellPositions)
		coupled := coupleByPool(members)
		g := layout.Group{
			Identifier:     "per-well",
			Role:           model.RoleFinal,
			SectorMode:     false,
			FinalDeadVolUL: tp.Config.FinalDeadVolumeUL,
			MarkerPrefix:   fmt.Sprintf("%s_%s", req.Ticket, model.RolePrep.String()),
			CopyCount:      1,
			CoupledSets:    coupled,
		}
		sub, err := (&layout.Planner{CandidateSpecs: tp.Config.CandidateSpecs}).Plan(g)
		if err != nil {
			tp.Metrics.ObserveOutcome("error")
			return nil, err
		}
		mergeBuilder(b, sub)
	}

	numISOs := req.NumberISOsRequested

	// Phase 7: tube picking for floatings.
	var floatingCandidates []tubepicker.Candidate
	if len(floating) > 0 {
		q := tubepicker.Query{
			Pools:          queuedPools,
			StockConcNM:    floating[0].StockConcentrationNM,
			TakeoutVolUL:   sumTargetVolume(floating),
			ExcludedRacks:  req.ExcludedRacks,
			RequestedTubes: req.RequestedTubes,
		}
		res, err := tp.TubePicker.Pick(q)
		if err != nil {
			tp.Metrics.ObserveOutcome("error")
			return nil, planererrors.New(planererrors.KindNoTubeCandidates, "%v", err)
		}
		floatingCandidates = res.UnsortedCandidates
		if len(floatingCandidates) == 0 {
			tp.Metrics.ObserveOutcome("error")
			return nil, planererrors.New(planererrors.KindNoTubeCandidates, "no candidates for floating pools")
		}
		perISO := tp.Config.FloatingPositionsPerISO
		if perISO < 1 {
			perISO = 1
		}
		possible := (len(floatingCandidates) + perISO - 1) / perISO
		if possible < numISOs {
			rs.warn("only %d of %d requested ISOs can be materialized (candidate shortage)", possible, numISOs)
			numISOs = possible
		}
	}

	// Phase 8: job planning (only if floatings exist).
	if len(floating) > 0 && len(fixed) > 0 {
		copies := numISOs * maxInt(req.NumberAliquots, 1)
		members := positionsToMembers(fixed)
		coupled := coupleByPool(members)
		g := layout.Group{
			Identifier:     "job",
			Role:           model.RoleJobPrep,
			SectorMode:     false,
			FinalDeadVolUL: tp.Config.FinalDeadVolumeUL,
			MarkerPrefix:   fmt.Sprintf("%s_%s", req.Ticket, model.RoleJobPrep.String()),
			CopyCount:      copies,
			CoupledSets:    coupled,
		}
		sub, err := (&layout.Planner{CandidateSpecs: tp.Config.CandidateSpecs}).Plan(g)
		if err != nil {
			tp.Metrics.ObserveOutcome("error")
			return nil, err
		}
		mergeJobBuilder(b, sub)
	}

	// Phase 9: mock positions.
	for _, m := range mock {
		b.AddFinalPosition(builder.PositionRecord{
			Location:   m.Location,
			Pool:       model.MockPool{},
			TargetConc: quantity.Nanomolar(0),
			Volume:     quantity.Microliters(m.TargetVolumeUL),
		})
		b.AddDilution(finalMarker, builder.DilutionRecord{
			Location: m.Location, Volume: quantity.Microliters(m.TargetVolumeUL),
		})
	}
	for _, l := range library {
		b.AddFinalPosition(builder.PositionRecord{
			Location: l.Location,
			Pool:     model.LibraryPool{PlateBarcode: l.LibraryPlateBarcode, Location: l.LibraryLocation},
		})
	}

	// Phase 10: fixed tube picking, grouped by stock concentration.
	var fixedCandidates []tubepicker.Candidate
	if len(fixed) > 0 {
		fixedCandidates, err = tp.pickFixedTubes(fixed, req)
		if err != nil {
			tp.Metrics.ObserveOutcome("error")
			return nil, err
		}
	}

	// Phase 11: stock-rack assignment (spec section 4.5 phase 11).
	rackCount := assignStockRacks(sectorMode, len(sectorGroups), b.StockStartingWells, tp.Config.StockRackCapacity)

	if err := b.SetNumISOs(numISOs); err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, err
	}
	allCandidates := append(append([]tubepicker.Candidate{}, fixedCandidates...), floatingCandidates...)
	if err := b.SetStockCandidates(allCandidates); err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, err
	}

	isos, err := b.MaterializeISOs(req.Ticket, makeFloatingResolver(floatingCandidates, tp.Config.FloatingPositionsPerISO))
	if err != nil {
		tp.Metrics.ObserveOutcome("error")
		return nil, err
	}
	for i := range isos {
		isos[i].StockRackCount = rackCount
	}

	// The job-preparation plate is a request-level deliverable (spec section
	// 4.6 "materialize_job_plates"), shared across every ISO copy rather
	// than duplicated per ISO.
	jobPlates := b.MaterializeJobPlates()

	tp.Metrics.ObserveOutcome("success")
	return &Result{Builder: b, ISOs: isos, JobPlates: jobPlates, Warnings: rs.warnings}, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func sumTargetVolume(positions []requestlayout.Position) float64 {
	sum := 0.0
	for _, p := range positions {
		sum += p.TargetVolumeUL
	}
	return sum
}

func makeFloatingResolver(candidates []tubepicker.Candidate, perISO int) func(isoIndex int, slotID string) (model.Pool, bool) {
	if perISO < 1 {
		perISO = 1
	}
	return func(isoIndex int, slotID string) (model.Pool, bool) {
		start := isoIndex * perISO
		if start >= len(candidates) {
			return nil, false
		}
		return model.FixedPool{PoolID: candidates[start].Pool}, true
	}
}

func mergeBuilder(dst, src *builder.Builder) {
	dst.FinalLayout = append(dst.FinalLayout, src.FinalLayout...)
	dst.AddStockStartingWells(src.StockStartingWells)
	for k, v := range src.PrepLayouts {
		dst.PrepLayouts[k] = append(dst.PrepLayouts[k], v...)
	}
	for k, v := range src.PlateSpecs {
		dst.PlateSpecs[k] = v
	}
	for k, v := range src.Dilutions() {
		for _, d := range v {
			dst.AddDilution(k, d)
		}
	}
	for _, entry := range src.IntraPlateTransfers() {
		for _, t := range entry.Items {
			dst.AddTransfer(entry.Plate, entry.Plate, t)
		}
	}
	for _, entry := range src.InterPlateTransfers() {
		for _, t := range entry.Items {
			dst.AddTransfer(entry.Source, entry.Target, t)
		}
	}
}

func mergeJobBuilder(dst, src *builder.Builder) {
	for k, v := range src.JobLayouts {
		dst.JobLayouts[k] = append(dst.JobLayouts[k], v...)
	}
	for k, v := range src.PlateSpecs {
		dst.PlateSpecs[k] = v
	}
}

func partitionPositions(positions []requestlayout.Position) (fixed, floating, mock, library []requestlayout.Position) {
	for _, p := range positions {
		switch p.Type {
		case requestlayout.PositionFixed:
			fixed = append(fixed, p)
		case requestlayout.PositionFloating:
			floating = append(floating, p)
		case requestlayout.PositionMock:
			mock = append(mock, p)
		case requestlayout.PositionLibrary:
			library = append(library, p)
		}
	}
	return
}

func validateAgainstStock(fixed, floating []requestlayout.Position, rs *runScope) error {
	var violations []planererrors.ConcentrationViolation
	check := func(p requestlayout.Position) {
		if p.TargetConcentrationNM > p.StockConcentrationNM {
			violations = append(violations, planererrors.ConcentrationViolation{
				Location:   p.Location.String(),
				TargetConc: p.TargetConcentrationNM,
				StockConc:  p.StockConcentrationNM,
			})
		}
	}
	for _, p := range fixed {
		check(p)
	}
	for _, p := range floating {
		check(p)
	}
	if len(violations) > 0 {
		return planererrors.New(planererrors.KindConcentrationExceedsStock, "%d position(s) exceed stock concentration", len(violations)).WithDetails(violations)
	}
	return nil
}

// planSectorFeasibility implements spec section 4.5 phase 4. It returns
// whether sector mode is enabled, the per-sector coupled-set groups it
// produced (simplified: one coupled set per pool across the sector), and
// the positions left over for per-well planning.
func (tp *TopPlanner) planSectorFeasibility(shape model.Shape, fixed, floating []requestlayout.Position, rs *runScope) (bool, [][]layout.CoupledSet, []requestlayout.Position, error) {
	if shape == model.Shape384 && len(floating) > 0 {
		groups, ok := associateBySector(floating)
		if !ok {
			return false, nil, nil, planererrors.New(planererrors.KindSectorAssociationFailed, "384-well floating layout could not be associated into sectors")
		}
		numPools := countDistinctPools(floating)
		if numPools < tp.Config.SectorThreshold {
			rs.warn("sector pipetting disabled: only %d pools to transfer by sector (threshold %d)", numPools, tp.Config.SectorThreshold)
			return false, nil, appendAll(fixed, floating), nil
		}
		return true, groups, fixed, nil
	}
	if shape == model.Shape96 {
		if uniformStockAndOnePerPool(fixed) && len(floating) == 0 {
			groups, ok := associateBySector(fixed)
			if ok {
				numPools := countDistinctPools(fixed)
				if numPools < tp.Config.SectorThreshold {
					rs.warn("sector pipetting disabled: only %d pools to transfer by sector (threshold %d)", numPools, tp.Config.SectorThreshold)
					return false, nil, fixed, nil
				}
				return true, groups, nil, nil
			}
		}
	}
	return false, nil, appendAll(fixed, floating), nil
}

func appendAll(a, b []requestlayout.Position) []requestlayout.Position {
	out := make([]requestlayout.Position, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	return out
}

func uniformStockAndOnePerPool(positions []requestlayout.Position) bool {
	seen := map[string]bool{}
	var stock float64
	for i, p := range positions {
		if seen[p.PoolID] {
			return false
		}
		seen[p.PoolID] = true
		if i == 0 {
			stock = p.StockConcentrationNM
		} else if p.StockConcentrationNM != stock {
			return false
		}
	}
	return true
}

func countDistinctPools(positions []requestlayout.Position) int {
	seen := map[string]bool{}
	for _, p := range positions {
		seen[p.PoolID] = true
	}
	return len(seen)
}

// associateBySector groups positions into coupled sets per 96-well sector
// index, one CoupledSet per pool within the sector, matching spec section
// 4.4 step 2's "floating pools within the same sector association" rule.
func associateBySector(positions []requestlayout.Position) ([][]layout.CoupledSet, bool) {
	bySector := map[int][]requestlayout.Position{}
	for _, p := range positions {
		if !p.Location.IsSector() {
			continue
		}
		s := p.Location.SectorIndex()
		bySector[s] = append(bySector[s], p)
	}
	if len(bySector) == 0 {
		return nil, false
	}
	indices := make([]int, 0, len(bySector))
	for s := range bySector {
		indices = append(indices, s)
	}
	sort.Ints(indices)
	out := make([][]layout.CoupledSet, 0, len(indices))
	for _, s := range indices {
		members := positionsToMembers(bySector[s])
		out = append(out, coupleByPool(members))
	}
	return out, true
}

func positionsToMembers(positions []requestlayout.Position) []layout.Member {
	out := make([]layout.Member, 0, len(positions))
	for _, p := range positions {
		var pool model.Pool
		switch p.Type {
		case requestlayout.PositionFloating:
			pool = model.FloatingPool{SlotID: p.PoolID}
		default:
			pool = model.FixedPool{PoolID: p.PoolID}
		}
		out = append(out, layout.Member{
			Location:                   p.Location,
			Pool:                       pool,
			TargetVolumeUL:             p.TargetVolumeUL,
			TargetConcentrationNM:      p.TargetConcentrationNM,
			ParentStockConcentrationNM: p.StockConcentrationNM,
		})
	}
	return out
}

// coupleByPool implements spec section 4.4 step 2's per-well rule: "all
// positions sharing the same pool in per-well mode" form one coupled set.
func coupleByPool(members []layout.Member) []layout.CoupledSet {
	byPool := map[string][]layout.Member{}
	var order []string
	for _, m := range members {
		if _, ok := byPool[m.Pool.ID()]; !ok {
			order = append(order, m.Pool.ID())
		}
		byPool[m.Pool.ID()] = append(byPool[m.Pool.ID()], m)
	}
	sort.Strings(order)
	out := make([]layout.CoupledSet, 0, len(order))
	for _, id := range order {
		out = append(out, layout.CoupledSet{Members: byPool[id]})
	}
	return out
}

func (tp *TopPlanner) pickFixedTubes(fixed []requestlayout.Position, req Request) ([]tubepicker.Candidate, error) {
	byStock := map[float64][]requestlayout.Position{}
	var stocks []float64
	for _, p := range fixed {
		if _, ok := byStock[p.StockConcentrationNM]; !ok {
			stocks = append(stocks, p.StockConcentrationNM)
		}
		byStock[p.StockConcentrationNM] = append(byStock[p.StockConcentrationNM], p)
	}
	sort.Float64s(stocks)

	var selected []tubepicker.Candidate
	var missing []planererrors.MissingPoolDetail
	for _, stock := range stocks {
		group := byStock[stock]
		pools := make([]string, 0, len(group))
		required := 0.0
		for _, p := range group {
			pools = append(pools, p.PoolID)
			required += p.TargetVolumeUL
		}
		res, err := tp.TubePicker.Pick(tubepicker.Query{
			Pools:          pools,
			StockConcNM:    stock,
			TakeoutVolUL:   required,
			ExcludedRacks:  req.ExcludedRacks,
			RequestedTubes: req.RequestedTubes,
		})
		if err != nil {
			return nil, planererrors.New(planererrors.KindNoTubeCandidates, "%v", err)
		}
		for _, pool := range pools {
			cands := res.SortedCandidates[pool]
			cands = tubepicker.OrderPreservingQuery(cands)
			pickedVol := requiredVolumeForPool(group, pool)
			c, ok := tubepicker.LowestVolumeCovering(cands, pickedVol)
			if !ok {
				missing = append(missing, planererrors.MissingPoolDetail{PoolID: pool, StockConc: stock, RequiredVolume: pickedVol})
				continue
			}
			selected = append(selected, c)
		}
	}
	if len(missing) > 0 {
		return nil, planererrors.New(planererrors.KindNoTubeCandidates, "%d fixed pool(s) have no covering tube", len(missing)).WithDetails(missing)
	}
	return selected, nil
}

func requiredVolumeForPool(group []requestlayout.Position, pool string) float64 {
	sum := 0.0
	for _, p := range group {
		if p.PoolID == pool {
			sum += p.TargetVolumeUL
		}
	}
	return sum
}

// assignStockRacks implements spec section 4.5 phase 11: one stock rack per
// sector for sector transfers (every pool sharing that sector's rack, per
// scenario S3), plus capacity-packed racks for the actual stock-rooted
// starting-well containers the per-well groups resolved. stockStartingWells
// comes from the resolved DAG (builder.Builder.StockStartingWells), not raw
// request-position counts, since coupled same-pool positions can collapse
// onto a single starting well; sector-covered positions are excluded
// entirely (they are already counted via numSectorGroups).
func assignStockRacks(sectorMode bool, numSectorGroups, stockStartingWells, capacity int) int {
	count := 0
	if sectorMode {
		count += numSectorGroups
	}
	if capacity > 0 && stockStartingWells > 0 {
		count += (stockStartingWells + capacity - 1) / capacity
	}
	return count
}
