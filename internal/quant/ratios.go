package quant

import (
	"errors"
	"math"
)

// ErrInsufficientData signals that a ratio is undefined for the given series.
// It is distinct from a computed value of zero.
var ErrInsufficientData = errors.New("quant: insufficient data")

// Mean returns the arithmetic mean, or 0 for an empty series.
func Mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// SampleStdDev returns the n-1 standard deviation. It requires two points.
func SampleStdDev(xs []float64) (float64, error) {
	if len(xs) < 2 {
		return 0, ErrInsufficientData
	}
	m := Mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)-1)), nil
}

// SharpeRatio is (mean(returns) - riskFree) / stdev(returns).
// A flat series has no defined ratio and reports ErrInsufficientData.
func SharpeRatio(returns []float64, riskFree float64) (float64, error) {
	sd, err := SampleStdDev(returns)
	if err != nil {
		return 0, err
	}
	if sd == 0 {
		return 0, ErrInsufficientData
	}
	return (Mean(returns) - riskFree) / sd, nil
}

// SortinoRatio uses the same numerator as SharpeRatio but divides by the
// sample deviation of the returns that fell below riskFree. At least two
// downside points are needed.
func SortinoRatio(returns []float64, riskFree float64) (float64, error) {
	downside := make([]float64, 0, len(returns))
	for _, r := range returns {
		if r < riskFree {
			downside = append(downside, r)
		}
	}
	sd, err := SampleStdDev(downside)
	if err != nil {
		return 0, err
	}
	if sd == 0 {
		return 0, ErrInsufficientData
	}
	return (Mean(returns) - riskFree) / sd, nil
}

// MaxDrawdown compounds returns into a wealth curve starting at 1.0 and
// reports the most negative (value-peak)/peak seen. It is 0 when the curve
// never falls below a prior peak, and for an empty series.
func MaxDrawdown(returns []float64) float64 {
	wealth := 1.0
	peak := 1.0
	worst := 0.0
	for _, r := range returns {
		wealth *= 1 + r
		if wealth > peak {
			peak = wealth
		}
		if peak <= 0 {
			continue
		}
		if dd := (wealth - peak) / peak; dd < worst {
			worst = dd
		}
	}
	return worst
}
