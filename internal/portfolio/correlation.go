package portfolio

import (
	"fmt"
	"math"
)

type pairKey struct {
	a, b string
}

// newPairKey orders the ids so (a,b) and (b,a) share one entry.
func newPairKey(a, b string) pairKey {
	if b < a {
		a, b = b, a
	}
	return pairKey{a: a, b: b}
}

// CorrelationMatrix is a sparse symmetric map of pairwise correlations.
// Pairs that were never set read as 0. Entries never expire.
type CorrelationMatrix struct {
	pairs map[pairKey]float64
}

func NewCorrelationMatrix() *CorrelationMatrix {
	return &CorrelationMatrix{pairs: make(map[pairKey]float64)}
}

// Set stores the correlation of a and b. Values must lie in [-1, 1].
func (m *CorrelationMatrix) Set(a, b string, value float64) error {
	if a == "" || b == "" {
		return fmt.Errorf("correlation needs two market ids")
	}
	if a == b {
		return fmt.Errorf("correlation of %s with itself is fixed at 1", a)
	}
	if math.IsNaN(value) || value < -1 || value > 1 {
		return fmt.Errorf("correlation %v for %s/%s outside [-1,1]", value, a, b)
	}
	m.pairs[newPairKey(a, b)] = value
	return nil
}

// Get returns the stored correlation, 1 for identical ids, 0 when unknown.
func (m *CorrelationMatrix) Get(a, b string) float64 {
	if a == b {
		return 1
	}
	if m == nil {
		return 0
	}
	return m.pairs[newPairKey(a, b)]
}

// MaxAbs is the largest |correlation| between id and any other id in peers.
func (m *CorrelationMatrix) MaxAbs(id string, peers []string) float64 {
	worst := 0.0
	for _, other := range peers {
		if other == id {
			continue
		}
		if c := math.Abs(m.Get(id, other)); c > worst {
			worst = c
		}
	}
	return worst
}

// Delete drops every pair that involves id.
func (m *CorrelationMatrix) Delete(id string) {
	for k := range m.pairs {
		if k.a == id || k.b == id {
			delete(m.pairs, k)
		}
	}
}

// Len is the number of stored pairs.
func (m *CorrelationMatrix) Len() int {
	if m == nil {
		return 0
	}
	return len(m.pairs)
}

// Clone returns an independent copy.
func (m *CorrelationMatrix) Clone() *CorrelationMatrix {
	out := NewCorrelationMatrix()
	if m == nil {
		return out
	}
	for k, v := range m.pairs {
		out.pairs[k] = v
	}
	return out
}

// Pairs lists every stored entry, used when writing snapshots.
func (m *CorrelationMatrix) Pairs() []Correlation {
	if m == nil {
		return nil
	}
	out := make([]Correlation, 0, len(m.pairs))
	for k, v := range m.pairs {
		out = append(out, Correlation{A: k.a, B: k.b, Value: v})
	}
	sortCorrelations(out)
	return out
}
