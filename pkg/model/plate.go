package model

import "fmt"

// Shape is the well-grid shape of a physical microplate.
type Shape int

const (
	Shape96 Shape = 96
	Shape384 Shape = 384
)

// SectorCount returns the number of 96-well quadrant sectors a plate of
// this shape offers for rack-at-once pipetting (spec section 3,
// "Sector/quadrant"): one for a 96-well plate, four for a 384-well plate.
func (s Shape) SectorCount() int {
	if s == Shape384 {
		return 4
	}
	return 1
}

// Role identifies what a PlateCanvas is used for (spec section 3,
// "PlateCanvas").
type Role int

const (
	RoleFinal Role = iota
	RolePrep
	RoleJobPrep
	RoleStock
)

func (r Role) String() string {
	switch r {
	case RoleFinal:
		return "a"
	case RolePrep:
		return "p"
	case RoleJobPrep:
		return "jp"
	case RoleStock:
		return "s"
	default:
		return "?"
	}
}

// LocationKind is a closed enum replacing the source's Sector/Position
// subclass dispatch (spec section 9, "Dynamic dispatch across
// Sector/Position subclasses"): a single Container type carries one of
// these two location shapes, and regime-specific behavior lives in
// PipettingRegime rather than in type-specific overrides.
type LocationKind struct {
	isSector bool
	sector   int
	row, col int
}

// Sector constructs a sector-indexed location (384-plate quadrant pipetting).
func Sector(index int) LocationKind {
	return LocationKind{isSector: true, sector: index}
}

// Well constructs a row/column well location (per-position pipetting).
func Well(row, col int) LocationKind {
	return LocationKind{row: row, col: col}
}

func (l LocationKind) IsSector() bool { return l.isSector }

// SectorIndex returns the sector index; only valid when IsSector() is true.
func (l LocationKind) SectorIndex() int { return l.sector }

// Row, Col return the well coordinates; only valid when IsSector() is false.
func (l LocationKind) Row() int { return l.row }
func (l LocationKind) Col() int { return l.col }

func (l LocationKind) String() string {
	if l.isSector {
		return fmt.Sprintf("sector:%d", l.sector)
	}
	return fmt.Sprintf("well:%d,%d", l.row, l.col)
}

// Equal reports whether two locations denote the same spot.
func (l LocationKind) Equal(o LocationKind) bool {
	if l.isSector != o.isSector {
		return false
	}
	if l.isSector {
		return l.sector == o.sector
	}
	return l.row == o.row && l.col == o.col
}

// ReservoirSpec is a candidate intermediate-plate type (spec section 3).
type ReservoirSpec struct {
	Name                 string
	RackShape            Shape
	MinDeadVolumeUL      float64
	MaxVolumeUL          float64
	HasDynamicDeadVolume bool
}

// LocationsPerPlate is the number of distinct preparation locations a
// plate of this spec offers: sectors for a sector-pipetted spec, wells for
// a per-position spec. Determined by the regime the spec is used under,
// so it is supplied by the caller rather than derived here.
func (s ReservoirSpec) LocationsPerPlate(sectorMode bool) int {
	if sectorMode {
		return s.RackShape.SectorCount()
	}
	return int(s.RackShape)
}

// Standard candidate reservoir specs, in desirability order (spec section
// 4.4: "Fixed order of candidate specs (most desirable first): SHALLOW_96,
// STANDARD_384, DEEP_96").
var (
	SpecShallow96 = ReservoirSpec{
		Name: "SHALLOW_96", RackShape: Shape96,
		MinDeadVolumeUL: 5, MaxVolumeUL: 250, HasDynamicDeadVolume: false,
	}
	SpecStandard384 = ReservoirSpec{
		Name: "STANDARD_384", RackShape: Shape384,
		MinDeadVolumeUL: 10, MaxVolumeUL: 100, HasDynamicDeadVolume: true,
	}
	SpecDeep96 = ReservoirSpec{
		Name: "DEEP_96", RackShape: Shape96,
		MinDeadVolumeUL: 15, MaxVolumeUL: 2000, HasDynamicDeadVolume: false,
	}
)

// DefaultCandidateSpecs returns the fixed desirability-ordered candidate
// list used by LayoutPlanner (spec section 4.4).
func DefaultCandidateSpecs() []ReservoirSpec {
	return []ReservoirSpec{SpecShallow96, SpecStandard384, SpecDeep96}
}

// PipettingRegime is the (min-transfer, max-dilution, dead-volume-kind)
// tuple that governs feasibility for a class of transfers (spec section 3).
type PipettingRegime struct {
	Name                string
	MinTransferVolumeUL float64
	MaxDilutionFactor    float64
	DeadVolumeIsDynamic  bool
}

var (
	// RegimeSector is rack-at-once pipetting across a whole 96-well sector.
	RegimeSector = PipettingRegime{
		Name: "SECTOR", MinTransferVolumeUL: 2, MaxDilutionFactor: 50, DeadVolumeIsDynamic: true,
	}
	// RegimePerPosition is single-well pipetting between prep/final plates.
	RegimePerPosition = PipettingRegime{
		Name: "PER_POSITION", MinTransferVolumeUL: 1, MaxDilutionFactor: 100, DeadVolumeIsDynamic: false,
	}
	// RegimePerPositionStock is single-well pipetting drawn directly from
	// a stock tube. Its minimum transfer volume is tighter than
	// RegimePerPosition's (stock tubes are pipetted in smaller volumes than
	// a reservoir well), and its dilution-factor ceiling is far higher:
	// a direct stock draw's limiting factor is pipetting precision (the
	// minimum transfer volume), not a mixing-accuracy ceiling
	// the way a real intermediate reservoir has, so a stock draw is never
	// blocked by dilution factor alone the way a reservoir-to-reservoir
	// transfer is.
	RegimePerPositionStock = PipettingRegime{
		Name: "PER_POSITION_STOCK", MinTransferVolumeUL: 0.1, MaxDilutionFactor: 10000, DeadVolumeIsDynamic: false,
	}
)
