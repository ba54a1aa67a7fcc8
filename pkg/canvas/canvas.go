// Package canvas implements PlateContainer (spec section 4.2): a plate
// role plus a set of available locations and a map from location to the
// container occupying it. Two variants exist — SectorCanvas for
// rack-at-once pipetting, PositionCanvas for per-well pipetting — unified
// behind the Canvas interface rather than the source's subclass dispatch
// (spec section 9).
package canvas

import (
	"fmt"
	"sort"

	"github.com/labplan/isoplanner/pkg/container"
	"github.com/labplan/isoplanner/pkg/model"
)

// Canvas is a single physical (or to-be-materialized) plate: a role, a
// plate number, and a location->container assignment. Allocation never
// overwrites an occupied location (spec: "Invariant: at most one container
// per location; location allocations never overwrite.").
type Canvas interface {
	Role() model.Role
	PlateNumber() int
	// Allocate assigns container h to the canvas's own choice of free
	// location and returns it. Returns an error if no location is free.
	Allocate(h container.Handle) (model.LocationKind, error)
	// AllocateForPool behaves like Allocate but lets a canvas with a row
	// concept (PositionCanvas) reuse rows already claimed by the same pool
	// (spec section 4.2 algorithm). Canvases with no row concept
	// (SectorCanvas) ignore pool and behave exactly like Allocate.
	AllocateForPool(h container.Handle, pool string) (model.LocationKind, error)
	// AllocateAt assigns container h to an explicit location; fails if the
	// location is occupied or invalid for this canvas.
	AllocateAt(h container.Handle, loc model.LocationKind) error
	// HasEmptyLocations reports whether any location remains unassigned.
	// Spec section 9 open question: the source calls this
	// "has_empty_positions" on a type that only defines
	// "has_empty_locations" — a likely typo. This implementation defines
	// only the correctly named method.
	HasEmptyLocations() bool
	// Occupant returns the container at a location, if any.
	Occupant(loc model.LocationKind) (container.Handle, bool)
	// Contents returns every (location, container) pair, sorted
	// deterministically by location (spec section 5: "map iterations that
	// affect emitted output ... must iterate in a deterministic order").
	Contents() []Assignment
}

// Assignment is one occupied location on a canvas.
type Assignment struct {
	Location model.LocationKind
	Handle   container.Handle
}

// ErrNoFreeLocation is returned by Allocate when the canvas is full.
var ErrNoFreeLocation = fmt.Errorf("canvas: no free location")

// ErrLocationOccupied is returned by AllocateAt when the target location
// already has a container.
var ErrLocationOccupied = fmt.Errorf("canvas: location already occupied")

// ErrInvalidLocation is returned by AllocateAt when the location is not
// valid for this canvas's shape/mode.
var ErrInvalidLocation = fmt.Errorf("canvas: location invalid for this canvas")

// SectorCanvas models rack-at-once (quadrant) pipetting: its locations are
// the sector indices valid for the plate shape (four for 384, one for 96).
type SectorCanvas struct {
	role        model.Role
	plateNumber int
	sectorCount int
	occupants   map[int]container.Handle
}

// NewSectorCanvas creates a SectorCanvas for the given plate shape.
func NewSectorCanvas(role model.Role, plateNumber int, shape model.Shape) *SectorCanvas {
	return &SectorCanvas{
		role:        role,
		plateNumber: plateNumber,
		sectorCount: shape.SectorCount(),
		occupants:   map[int]container.Handle{},
	}
}

func (c *SectorCanvas) Role() model.Role    { return c.role }
func (c *SectorCanvas) PlateNumber() int    { return c.plateNumber }

// Allocate returns the smallest free sector index (spec: "allocate(container)
// returns the smallest free index").
func (c *SectorCanvas) Allocate(h container.Handle) (model.LocationKind, error) {
	for i := 0; i < c.sectorCount; i++ {
		if _, occupied := c.occupants[i]; !occupied {
			c.occupants[i] = h
			return model.Sector(i), nil
		}
	}
	return model.LocationKind{}, ErrNoFreeLocation
}

// AllocateForPool behaves exactly like Allocate: a SectorCanvas has no row
// concept to reuse, so pool identity does not affect placement.
func (c *SectorCanvas) AllocateForPool(h container.Handle, pool string) (model.LocationKind, error) {
	return c.Allocate(h)
}

func (c *SectorCanvas) AllocateAt(h container.Handle, loc model.LocationKind) error {
	if !loc.IsSector() || loc.SectorIndex() < 0 || loc.SectorIndex() >= c.sectorCount {
		return ErrInvalidLocation
	}
	if _, occupied := c.occupants[loc.SectorIndex()]; occupied {
		return ErrLocationOccupied
	}
	c.occupants[loc.SectorIndex()] = h
	return nil
}

func (c *SectorCanvas) HasEmptyLocations() bool {
	return len(c.occupants) < c.sectorCount
}

func (c *SectorCanvas) Occupant(loc model.LocationKind) (container.Handle, bool) {
	if !loc.IsSector() {
		return container.NoHandle, false
	}
	h, ok := c.occupants[loc.SectorIndex()]
	return h, ok
}

func (c *SectorCanvas) Contents() []Assignment {
	indices := make([]int, 0, len(c.occupants))
	for i := range c.occupants {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([]Assignment, 0, len(indices))
	for _, i := range indices {
		out = append(out, Assignment{Location: model.Sector(i), Handle: c.occupants[i]})
	}
	return out
}

// row tracks the free wells remaining in one row of a PositionCanvas.
type row struct {
	index int
	free  []int // free column indices, ascending
}

// PositionCanvas models per-well pipetting across every well of a plate
// shape. Allocation prefers to place containers of the same pool in the
// same row (spec section 4.2 algorithm):
//  1. If pool already has rows, try each ascending until one has a free well.
//  2. Otherwise pick the lowest-indexed fully-empty row and record it for
//     the pool.
//  3. Remove the chosen well from the row's free list; delete the row when
//     empty.
type PositionCanvas struct {
	role        model.Role
	plateNumber int
	rows        int
	cols        int
	occupants   map[model.LocationKind]container.Handle
	freeRows    map[int]*row // rows that still have a free well, by row index
	poolRows    map[string][]int
}

// NewPositionCanvas creates a PositionCanvas for the given plate shape.
func NewPositionCanvas(role model.Role, plateNumber int, shape model.Shape) *PositionCanvas {
	rows, cols := shapeDims(shape)
	freeRows := make(map[int]*row, rows)
	for r := 0; r < rows; r++ {
		free := make([]int, cols)
		for c := 0; c < cols; c++ {
			free[c] = c
		}
		freeRows[r] = &row{index: r, free: free}
	}
	return &PositionCanvas{
		role:        role,
		plateNumber: plateNumber,
		rows:        rows,
		cols:        cols,
		occupants:   map[model.LocationKind]container.Handle{},
		freeRows:    freeRows,
		poolRows:    map[string][]int{},
	}
}

func shapeDims(shape model.Shape) (rows, cols int) {
	if shape == model.Shape384 {
		return 16, 24
	}
	return 8, 12
}

func (c *PositionCanvas) Role() model.Role { return c.role }
func (c *PositionCanvas) PlateNumber() int { return c.plateNumber }

// AllocateForPool implements the pool-aware row-reuse policy. Pool-unaware
// callers should use Allocate, which behaves as if every container
// belonged to a distinct pool (no row reuse).
func (c *PositionCanvas) AllocateForPool(h container.Handle, pool string) (model.LocationKind, error) {
	if rows, ok := c.poolRows[pool]; ok {
		for _, r := range rows {
			if loc, ok := c.takeFromRow(h, r); ok {
				return loc, nil
			}
		}
	}
	// No existing row works (or none claimed yet): pick the lowest-indexed
	// fully-empty row and record it for the pool. When no row is fully
	// empty any more, fall back to the lowest row that still has a free well.
	idx := c.lowestFullyEmptyRow()
	if idx < 0 {
		for r := range c.freeRows {
			if idx < 0 || r < idx {
				idx = r
			}
		}
	}
	if idx < 0 {
		return model.LocationKind{}, ErrNoFreeLocation
	}
	c.poolRows[pool] = append(c.poolRows[pool], idx)
	loc, _ := c.takeFromRow(h, idx)
	return loc, nil
}

func (c *PositionCanvas) takeFromRow(h container.Handle, r int) (model.LocationKind, bool) {
	fr, ok := c.freeRows[r]
	if !ok || len(fr.free) == 0 {
		return model.LocationKind{}, false
	}
	col := fr.free[0]
	fr.free = fr.free[1:]
	loc := model.Well(r, col)
	c.occupants[loc] = h
	if len(fr.free) == 0 {
		delete(c.freeRows, r)
	}
	return loc, true
}

func (c *PositionCanvas) lowestFullyEmptyRow() int {
	best := -1
	for idx, fr := range c.freeRows {
		if len(fr.free) == c.cols && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// Allocate assigns h to any free well, with no pool-aware row reuse.
func (c *PositionCanvas) Allocate(h container.Handle) (model.LocationKind, error) {
	return c.AllocateForPool(h, fmt.Sprintf("__anon_%d", h))
}

func (c *PositionCanvas) AllocateAt(h container.Handle, loc model.LocationKind) error {
	if loc.IsSector() || loc.Row() < 0 || loc.Row() >= c.rows || loc.Col() < 0 || loc.Col() >= c.cols {
		return ErrInvalidLocation
	}
	if _, occupied := c.occupants[loc]; occupied {
		return ErrLocationOccupied
	}
	fr, ok := c.freeRows[loc.Row()]
	if !ok {
		return ErrLocationOccupied
	}
	for i, col := range fr.free {
		if col == loc.Col() {
			fr.free = append(fr.free[:i], fr.free[i+1:]...)
			if len(fr.free) == 0 {
				delete(c.freeRows, loc.Row())
			}
			c.occupants[loc] = h
			return nil
		}
	}
	return ErrLocationOccupied
}

func (c *PositionCanvas) HasEmptyLocations() bool {
	return len(c.occupants) < c.rows*c.cols
}

func (c *PositionCanvas) Occupant(loc model.LocationKind) (container.Handle, bool) {
	h, ok := c.occupants[loc]
	return h, ok
}

func (c *PositionCanvas) Contents() []Assignment {
	out := make([]Assignment, 0, len(c.occupants))
	for loc, h := range c.occupants {
		out = append(out, Assignment{Location: loc, Handle: h})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location.Row() != out[j].Location.Row() {
			return out[i].Location.Row() < out[j].Location.Row()
		}
		return out[i].Location.Col() < out[j].Location.Col()
	})
	return out
}
