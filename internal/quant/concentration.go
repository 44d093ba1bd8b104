package quant

import (
	"math"
	"sort"
)

// Concentration describes where an HHI value sits.
type Concentration string

const (
	ConcentrationNone     Concentration = "none"
	ConcentrationLow      Concentration = "low"
	ConcentrationModerate Concentration = "moderate"
	ConcentrationHigh     Concentration = "high"
)

// HHI band edges.
const (
	HHIModerate = 0.15
	HHIHigh     = 0.25
)

// HHI is the Herfindahl-Hirschman index of the given exposures: the sum of
// squared shares of the total. Non-positive amounts are ignored and an empty
// or zero book scores 0.
func HHI(amounts []float64) float64 {
	total := 0.0
	for _, a := range amounts {
		if a > 0 {
			total += a
		}
	}
	if total <= 0 {
		return 0
	}
	hhi := 0.0
	for _, a := range amounts {
		if a <= 0 {
			continue
		}
		share := a / total
		hhi += share * share
	}
	return hhi
}

// ClassifyHHI buckets an index value: <0.15 low, 0.15-0.25 moderate, >0.25 high.
func ClassifyHHI(hhi float64) Concentration {
	switch {
	case hhi <= 0:
		return ConcentrationNone
	case hhi < HHIModerate:
		return ConcentrationLow
	case hhi <= HHIHigh:
		return ConcentrationModerate
	default:
		return ConcentrationHigh
	}
}

// HistoricalVaR pools the return samples, takes the floor(n*(1-confidence))
// order statistic and scales it by exposure. The result is a loss magnitude:
// positive when the chosen return is a loss, 0 otherwise.
func HistoricalVaR(returns []float64, exposure, confidence float64) float64 {
	if len(returns) == 0 || exposure <= 0 {
		return 0
	}
	if confidence <= 0 || confidence >= 1 {
		return 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	if idx < 0 {
		idx = 0
	}
	r := sorted[idx]
	if r >= 0 {
		return 0
	}
	return -r * exposure
}
