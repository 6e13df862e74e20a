package contracts

import (
	"fmt"
	"math"
)

// Band is one labeled interval of a BandTable. Below is the exclusive upper
// bound; the last band leaves it unset and runs to +Inf.
type Band struct {
	Label string   `yaml:"label" json:"label"`
	Below *float64 `yaml:"below,omitempty" json:"below,omitempty"`
}

// BandTable partitions the real line into ordered, labeled intervals
// ⭐ SSOT: index engine과 alert engine이 공유하는 유일한 임계값 타입
//
// Band i covers [Below(i-1), Below(i)); the first band starts at -Inf.
// Validate guarantees exactly one band matches any finite value.
type BandTable []Band

// Validate checks contiguity and exhaustiveness. Call at registration time.
func (t BandTable) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("band table is empty")
	}
	seen := make(map[string]bool, len(t))
	prev := math.Inf(-1)
	for i, b := range t {
		if b.Label == "" {
			return fmt.Errorf("band %d has no label", i)
		}
		if seen[b.Label] {
			return fmt.Errorf("duplicate band label %q", b.Label)
		}
		seen[b.Label] = true

		last := i == len(t)-1
		switch {
		case last && b.Below != nil:
			return fmt.Errorf("last band %q must be unbounded above", b.Label)
		case !last && b.Below == nil:
			return fmt.Errorf("band %q leaves a gap: only the last band may omit below", b.Label)
		case !last:
			v := *b.Below
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("band %q has non-finite bound", b.Label)
			}
			if v <= prev {
				return fmt.Errorf("band %q bound %g must exceed previous bound %g", b.Label, v, prev)
			}
			prev = v
		}
	}
	return nil
}

// Classify returns the index and label of the band containing v.
func (t BandTable) Classify(v float64) (int, string, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return -1, "", fmt.Errorf("cannot classify non-finite value %v", v)
	}
	for i, b := range t {
		if b.Below == nil || v < *b.Below {
			return i, b.Label, nil
		}
	}
	return -1, "", fmt.Errorf("value %g not covered by band table", v)
}

// Index returns the position of label, or -1.
func (t BandTable) Index(label string) int {
	for i, b := range t {
		if b.Label == label {
			return i
		}
	}
	return -1
}

// Bounds returns the [lo, hi) interval of band i.
func (t BandTable) Bounds(i int) (lo, hi float64) {
	lo, hi = math.Inf(-1), math.Inf(1)
	if i > 0 && t[i-1].Below != nil {
		lo = *t[i-1].Below
	}
	if t[i].Below != nil {
		hi = *t[i].Below
	}
	return lo, hi
}

// Cut builds a BandTable from labels and n-1 ascending cutpoints.
func Cut(labels []string, cutpoints ...float64) BandTable {
	t := make(BandTable, len(labels))
	for i, l := range labels {
		t[i].Label = l
		if i < len(cutpoints) {
			v := cutpoints[i]
			t[i].Below = &v
		}
	}
	return t
}
