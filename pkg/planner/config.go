// Package planner implements TopPlanner (spec section 4.5): orchestrates
// parsing, grouping, per-group layout planning, tube picking, and stock-rack
// assignment into a single planning run.
package planner

import "github.com/labplan/isoplanner/pkg/model"

// Config bundles the tunables a planning run needs, mirroring
// local-volume/provisioner/pkg/common.RuntimeConfig: a plain struct of
// tunables threaded explicitly through constructors rather than read from
// package globals.
type Config struct {
	CandidateSpecs          []model.ReservoirSpec
	FinalDeadVolumeUL       float64
	// SectorThreshold is the minimum num_pools_to_transfer_by_sector below
	// which sector mode is disabled with a warning (spec section 4.5 phase
	// 4: "if association succeeds but num_pools_to_transfer_by_sector < 20,
	// disable sector mode with a warning").
	SectorThreshold int
	// FloatingPositionsPerISO is the number of floating positions consumed
	// per materialized ISO (spec section 4.5 phase 7).
	FloatingPositionsPerISO int
	// StockRackCapacity is the number of positions a single per-well stock
	// rack holds before a new rack is started (spec section 4.5 phase 11:
	// "pack into 96-well stock racks").
	StockRackCapacity int
}

// DefaultConfig returns the catalog and thresholds spec.md names explicitly.
func DefaultConfig() Config {
	return Config{
		CandidateSpecs:          model.DefaultCandidateSpecs(),
		FinalDeadVolumeUL:       5,
		SectorThreshold:         20,
		FloatingPositionsPerISO: 1,
		StockRackCapacity:       96,
	}
}
