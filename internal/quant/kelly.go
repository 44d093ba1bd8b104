// Package quant holds the numeric primitives used by position sizing and
// portfolio diagnostics. Everything here is a pure function of its inputs.
package quant

import "math"

// Correlation penalty bands. A pair whose absolute correlation exceeds the
// band floor has its allocation cut by the band's penalty.
const (
	HighCorrelation     = 0.7
	ModerateCorrelation = 0.4
	LowCorrelation      = 0.1

	HighCorrelationPenalty     = 0.50
	ModerateCorrelationPenalty = 0.30
	LowCorrelationPenalty      = 0.10
)

// KellyFraction returns the full-Kelly stake for a binary contract bought at
// marketPrice when the estimated win probability is probability. A yes share
// bought at P pays 1/P per dollar staked, so f* = (p - P) / (1 - P).
//
// Anything without a positive edge, or with a price outside (0, 1), sizes to 0.
func KellyFraction(probability, marketPrice float64) float64 {
	if !finite(probability) || !finite(marketPrice) {
		return 0
	}
	if marketPrice <= 0 || marketPrice >= 1 {
		return 0
	}
	if probability <= marketPrice {
		return 0
	}
	return clamp01((probability - marketPrice) / (1 - marketPrice))
}

// CorrelationPenalty maps the worst absolute pairwise correlation of a
// position to the fraction of its allocation that is removed.
func CorrelationPenalty(maxAbsCorrelation float64) float64 {
	c := math.Abs(maxAbsCorrelation)
	switch {
	case c > HighCorrelation:
		return HighCorrelationPenalty
	case c > ModerateCorrelation:
		return ModerateCorrelationPenalty
	case c > LowCorrelation:
		return LowCorrelationPenalty
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
