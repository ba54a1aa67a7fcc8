// Package requestlayout defines the external collaborator interface for
// reading a request layout (spec section 6): the planner never parses the
// underlying plate-layout format itself, it only consumes positions yielded
// by a Reader.
package requestlayout

import "github.com/labplan/isoplanner/pkg/model"

// PositionType discriminates the four pool-identity kinds a position may
// carry (spec section 3, "PoolIdentity"), mirrored here rather than reusing
// model.Pool directly since a reader yields raw position records before any
// container graph exists.
type PositionType int

const (
	PositionFixed PositionType = iota
	PositionFloating
	PositionMock
	PositionLibrary
)

// Position is one occupied well of a request layout, exactly the fields
// spec section 6 names: "{location, pool_identity, target_volume,
// target_concentration, position_type, stock_concentration?}".
type Position struct {
	Location            model.LocationKind
	Type                PositionType
	PoolID              string // fixed pool ID, or floating slot ID; empty for mock/library
	LibraryPlateBarcode  string
	LibraryLocation      string
	TargetVolumeUL       float64
	TargetConcentrationNM float64
	// StockConcentrationNM is set for fixed/floating positions; zero for
	// mock/library positions, which draw no stock.
	StockConcentrationNM float64
}

// Reader yields the positions of a parsed request layout. Parsing itself
// (spec section 1, "the request-layout parser") is explicitly out of core
// scope; callers provide a Reader backed by whatever storage holds the
// original layout.
type Reader interface {
	// Positions returns every occupied position of the layout, order
	// unspecified (the planner sorts what it needs sorted).
	Positions() ([]Position, error)
	// Shape reports the plate shape (96 or 384 wells) of this layout.
	Shape() model.Shape
}

// SliceReader is a Reader backed by an in-memory slice, used by tests and
// by any caller that has already materialized positions.
type SliceReader struct {
	ShapeValue model.Shape
	Items      []Position
}

func (r SliceReader) Positions() ([]Position, error) { return r.Items, nil }
func (r SliceReader) Shape() model.Shape              { return r.ShapeValue }
