// Package planererrors defines the closed set of structured error kinds a
// planning run can fail with (spec section 7). A Bundle can collect several
// errors; TopPlanner.Plan returns the first Error it meets, and a phase that
// finds several violations reports them together in that Error's Details —
// grounded on the
// teacher's (lib/gidallocator) style of returning a single wrapped error
// from a multi-step operation, generalized here to a typed Kind a caller
// can switch on instead of string-matching fmt.Errorf text.
package planererrors

import "fmt"

// Kind identifies one of the named failure modes from spec section 7.
type Kind string

const (
	KindLayoutParseFailed         Kind = "layout-parse-failed"
	KindConcentrationExceedsStock Kind = "concentration-exceeds-stock"
	KindNoQueuedPools             Kind = "no-queued-pools"
	KindSectorAssociationFailed   Kind = "sector-association-failed"
	KindNoTubeCandidates          Kind = "no-tube-candidates"
	KindFloatingTakeoutMismatch   Kind = "floating-takeout-mismatch"
	KindPrepVolumeExceedsAllSpecs Kind = "prep-volume-exceeds-all-specs"
	KindParentConcentrationTooLow Kind = "parent-concentration-too-low"
)

// Error is a single structured planning failure.
type Error struct {
	Kind    Kind
	Message string
	// Details carries kind-specific structured payload, e.g. the
	// missing-pool list and required volumes for KindNoTubeCandidates, or
	// the list of specs tried for KindPrepVolumeExceedsAllSpecs.
	Details any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithDetails attaches a structured payload to the error.
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// Bundle collects every error raised across the phases of a single
// planning run. A Bundle with no errors is considered empty (spec: "the
// top-level planning result is either Builder or an error bundle — never a
// partially-filled Builder").
type Bundle struct {
	Errors []*Error
}

func (b *Bundle) Add(err *Error) {
	b.Errors = append(b.Errors, err)
}

func (b *Bundle) HasErrors() bool {
	return len(b.Errors) > 0
}

func (b *Bundle) Error() string {
	if len(b.Errors) == 1 {
		return b.Errors[0].Error()
	}
	msg := fmt.Sprintf("%d planning errors:", len(b.Errors))
	for _, e := range b.Errors {
		msg += "\n  - " + e.Error()
	}
	return msg
}

// MissingPoolDetail is the Details payload of a KindNoTubeCandidates error
// raised for fixed pools (carries the missing-pool list and required
// volumes per spec section 7).
type MissingPoolDetail struct {
	PoolID          string
	StockConc       float64
	RequiredVolume  float64
}

// PrepVolumeExceededDetail is the Details payload of a
// KindPrepVolumeExceedsAllSpecs error (lists the specs tried).
type PrepVolumeExceededDetail struct {
	SpecsTried  []string
	MaxRequired float64
}

// ConcentrationViolation describes one position whose target concentration
// exceeds its stock concentration (KindConcentrationExceedsStock).
type ConcentrationViolation struct {
	Location      string
	TargetConc    float64
	StockConc     float64
}
