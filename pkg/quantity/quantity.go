// Package quantity provides tolerance-aware arithmetic for the two scalar
// quantities the planner juggles throughout a run: liquid volumes (in
// microliters) and molar concentrations (in nanomolar). Both are stored as
// k8s.io/apimachinery resource.Quantity values in milli-units: every value
// is rounded to three decimal places when it is constructed, and ratio
// arithmetic (Scale, DilutionFactor) is done in float64 and rounded back.
package quantity

import (
	"fmt"
	"math"

	"k8s.io/apimachinery/pkg/api/resource"
)

// Tolerance is the default epsilon, in the quantity's own unit, used when
// comparing two values for equality (spec: dilution volumes round-trip to
// within 0.01 µL).
const Tolerance = 0.01

// RoundingGranularity is the step used when a container's volume must be
// scaled up to clear a minimum transfer volume (spec: rounded up to 0.1 µL
// granularity).
const RoundingGranularity = 0.1

// Volume is a liquid volume in microliters.
type Volume struct {
	q resource.Quantity
}

// Microliters constructs a Volume from a microliter amount.
func Microliters(v float64) Volume {
	return Volume{q: fromFloat(v)}
}

// ZeroVolume is the zero volume.
func ZeroVolume() Volume { return Volume{q: fromFloat(0)} }

// Microliters returns the volume as a plain float64, for use in ratio
// arithmetic that resource.Quantity itself does not support (it has no
// native multiply/divide-by-ratio operation; division/multiplication is
// done in float64 and the result re-wrapped, matching the conversion
// pattern used throughout the retrieval pack when a percentage or ratio of
// two Quantities is needed).
func (v Volume) Microliters() float64 {
	return toFloat(v.q)
}

// Add returns v + o.
func (v Volume) Add(o Volume) Volume {
	r := v.q.DeepCopy()
	r.Add(o.q)
	return Volume{q: r}
}

// Sub returns v - o.
func (v Volume) Sub(o Volume) Volume {
	r := v.q.DeepCopy()
	r.Sub(o.q)
	return Volume{q: r}
}

// Cmp compares v and o: -1 if v<o, 0 if v==o (within Tolerance), 1 if v>o.
func (v Volume) Cmp(o Volume) int {
	return cmpTolerant(v.Microliters(), o.Microliters())
}

// Max returns the larger of v and o.
func (v Volume) Max(o Volume) Volume {
	if v.Cmp(o) >= 0 {
		return v
	}
	return o
}

// IsZero reports whether v is zero within Tolerance.
func (v Volume) IsZero() bool {
	return math.Abs(v.Microliters()) < Tolerance
}

// IsPositive reports whether v is strictly greater than zero within Tolerance.
func (v Volume) IsPositive() bool {
	return v.Microliters() > Tolerance
}

// Scale returns v scaled by a dimensionless ratio (e.g. a dilution factor).
func (v Volume) Scale(ratio float64) Volume {
	return Microliters(v.Microliters() * ratio)
}

// RoundUpToGranularity rounds v up to the next multiple of
// RoundingGranularity; a value that is already a multiple (up to
// floating-point error, far below Tolerance) is returned unchanged.
func (v Volume) RoundUpToGranularity() Volume {
	m := v.Microliters()
	steps := math.Ceil(m/RoundingGranularity - 1e-6)
	return Microliters(steps * RoundingGranularity)
}

func (v Volume) String() string {
	return fmt.Sprintf("%.2fµL", v.Microliters())
}

// Conc is a molar concentration in nanomolar.
type Conc struct {
	q resource.Quantity
}

// Nanomolar constructs a Conc from a nanomolar amount.
func Nanomolar(v float64) Conc {
	return Conc{q: fromFloat(v)}
}

func (c Conc) Nanomolar() float64 {
	return toFloat(c.q)
}

func (c Conc) Cmp(o Conc) int {
	return cmpTolerant(c.Nanomolar(), o.Nanomolar())
}

// DilutionFactor returns c / o (both in the same unit, so the ratio is
// dimensionless): how many times more concentrated c is than o.
func (c Conc) DilutionFactor(o Conc) float64 {
	if o.Nanomolar() == 0 {
		return math.Inf(1)
	}
	return c.Nanomolar() / o.Nanomolar()
}

func (c Conc) String() string {
	return fmt.Sprintf("%.3fnM", c.Nanomolar())
}

func fromFloat(v float64) resource.Quantity {
	milli := int64(math.Round(v * 1000))
	return *resource.NewMilliQuantity(milli, resource.DecimalSI)
}

func toFloat(q resource.Quantity) float64 {
	return float64(q.MilliValue()) / 1000.0
}

func cmpTolerant(a, b float64) int {
	if math.Abs(a-b) < Tolerance {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}
