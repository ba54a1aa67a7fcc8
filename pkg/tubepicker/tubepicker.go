// Package tubepicker defines the external collaborator interface for the
// stock-tube database query (spec section 1, "the stock-tube database
// query ('tube picker')"; section 6, "Tube-picker contract"). The planner
// treats every call as a synchronous, blocking query (spec section 5) and
// never inspects how candidates are sourced.
package tubepicker

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Candidate is one stock tube offered for a pool (spec section 6: "A
// candidate carries (tube_barcode, rack_barcode, available_volume, pool)").
type Candidate struct {
	TubeBarcode     string
	RackBarcode     string
	AvailableVolUL  float64
	Pool            string
}

// Query is the input to Picker.Pick (spec section 6: "input (pools,
// stock_conc_nM, takeout_volume_uL, excluded_racks, requested_tubes)").
type Query struct {
	Pools          []string
	StockConcNM    float64
	TakeoutVolUL   float64
	ExcludedRacks  []string
	RequestedTubes []string
}

// Result is the output of Picker.Pick (spec section 6: "output
// sorted_candidates: pool->[candidate] plus unsorted_candidates: [candidate]
// preserving the query's rack-optimizing order").
type Result struct {
	SortedCandidates   map[string][]Candidate
	UnsortedCandidates []Candidate
}

// Picker is the stock-tube database query collaborator (spec section 1:
// "explicitly out of scope ... via their interfaces only").
type Picker interface {
	Pick(q Query) (Result, error)
}

// QueuedPools computes the set-difference of the floating-pool set against
// pools already consumed by prior, non-cancelled ISOs of the same request
// (spec section 4.5 phase 3: "set-difference the floating-pool set against
// pools already consumed by non-cancelled prior ISOs of the same request").
// Built on sets.String (k8s.io/apimachinery/pkg/util/sets), the same package
// the rest of the retrieved pack uses for deterministic set algebra, so the
// spec's determinism invariant (section 5, section 8 invariant 9) holds
// across runs regardless of map iteration order.
func QueuedPools(floating, consumed []string) []string {
	remaining := sets.NewString(floating...).Difference(sets.NewString(consumed...))
	out := remaining.List() // sets.String.List returns a sorted slice
	return out
}

// OrderPreservingQuery returns candidates in the query's rack-optimizing
// order (spec section 6: "unsorted_candidates ... preserving the query's
// rack-optimizing order"): grouped by rack barcode in first-seen order,
// then by tube barcode within a rack.
func OrderPreservingQuery(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	firstSeen := map[string]int{}
	for i, c := range candidates {
		if _, ok := firstSeen[c.RackBarcode]; !ok {
			firstSeen[c.RackBarcode] = i
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RackBarcode != out[j].RackBarcode {
			return firstSeen[out[i].RackBarcode] < firstSeen[out[j].RackBarcode]
		}
		return out[i].TubeBarcode < out[j].TubeBarcode
	})
	return out
}

// LowestVolumeCovering picks, among candidates for one pool, the
// lowest-available-volume tube that still covers requiredVolUL, breaking
// ties by the candidates' query order (spec section 4.5 phase 10: "pick the
// lowest-volume tube that covers the requirement, breaking ties by query
// order (minimizes rack count)"). Returns false if none covers the
// requirement.
func LowestVolumeCovering(candidates []Candidate, requiredVolUL float64) (Candidate, bool) {
	best := -1
	for i, c := range candidates {
		if c.AvailableVolUL < requiredVolUL {
			continue
		}
		if best < 0 || c.AvailableVolUL < candidates[best].AvailableVolUL {
			best = i
		}
	}
	if best < 0 {
		return Candidate{}, false
	}
	return candidates[best], true
}
