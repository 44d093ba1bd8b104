package quant

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKellyFraction(t *testing.T) {
	testCases := []struct {
		name        string
		probability float64
		price       float64
		expected    float64
	}{
		{name: "positive_edge", probability: 0.6, price: 0.5, expected: 0.2},
		{name: "no_edge", probability: 0.5, price: 0.5, expected: 0},
		{name: "negative_edge", probability: 0.3, price: 0.5, expected: 0},
		{name: "price_one", probability: 1.0, price: 1.0, expected: 0},
		{name: "price_above_one", probability: 0.9, price: 1.2, expected: 0},
		{name: "price_zero", probability: 0.4, price: 0, expected: 0},
		{name: "negative_price", probability: 0.4, price: -0.1, expected: 0},
		{name: "certain_win", probability: 1.0, price: 0.25, expected: 1.0},
		{name: "nan_probability", probability: math.NaN(), price: 0.5, expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.expected, KellyFraction(tc.probability, tc.price), 1e-12)
		})
	}
}

func TestKellyFractionNeverPositiveWithoutEdge(t *testing.T) {
	for p := 0.0; p <= 1.0; p += 0.05 {
		for price := 0.01; price < 1.0; price += 0.05 {
			if p <= price {
				require.Zero(t, KellyFraction(p, price), "p=%.2f price=%.2f", p, price)
			}
		}
	}
}

func TestCorrelationPenaltyBands(t *testing.T) {
	testCases := []struct {
		corr     float64
		expected float64
	}{
		{0.85, 0.50},
		{-0.85, 0.50},
		{0.7, 0.30},
		{0.5, 0.30},
		{0.4, 0.10},
		{0.2, 0.10},
		{0.1, 0},
		{0, 0},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, CorrelationPenalty(tc.corr), "corr=%.2f", tc.corr)
	}
}

func TestSharpeRatio(t *testing.T) {
	_, err := SharpeRatio([]float64{0.1}, 0)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = SharpeRatio([]float64{0.02, 0.02, 0.02}, 0)
	assert.ErrorIs(t, err, ErrInsufficientData, "flat series has no deviation")

	sharpe, err := SharpeRatio([]float64{0.1, -0.1, 0.2, 0}, 0)
	require.NoError(t, err)
	// mean 0.05, sample sd sqrt(0.05/3)
	assert.InDelta(t, 0.05/math.Sqrt(0.05/3), sharpe, 1e-9)
}

func TestSortinoRatio(t *testing.T) {
	_, err := SortinoRatio([]float64{0.1, 0.2, -0.05}, 0)
	assert.ErrorIs(t, err, ErrInsufficientData, "one downside point is not enough")

	returns := []float64{0.1, -0.1, -0.3, 0.2}
	sortino, err := SortinoRatio(returns, 0)
	require.NoError(t, err)
	// downside {-0.1, -0.3}: mean -0.2, sd sqrt(0.02)
	assert.InDelta(t, -0.025/math.Sqrt(0.02), sortino, 1e-9)
}

func TestMaxDrawdown(t *testing.T) {
	assert.Zero(t, MaxDrawdown(nil))
	assert.Zero(t, MaxDrawdown([]float64{0.1, 0.2}))

	// 1.0 -> 1.5 -> 0.75 -> 0.9 : worst is -50% from 1.5
	assert.InDelta(t, -0.5, MaxDrawdown([]float64{0.5, -0.5, 0.2}), 1e-12)
}

func TestHHI(t *testing.T) {
	assert.Zero(t, HHI(nil))
	assert.Zero(t, HHI([]float64{0, 0}))
	assert.InDelta(t, 1.0, HHI([]float64{250}), 1e-12)
	assert.InDelta(t, 0.25, HHI([]float64{100, 100, 100, 100}), 1e-12)

	assert.Equal(t, ConcentrationNone, ClassifyHHI(0))
	assert.Equal(t, ConcentrationLow, ClassifyHHI(0.1))
	assert.Equal(t, ConcentrationModerate, ClassifyHHI(0.2))
	assert.Equal(t, ConcentrationHigh, ClassifyHHI(0.3))
}

func TestHistoricalVaR(t *testing.T) {
	assert.Zero(t, HistoricalVaR(nil, 1000, 0.95))
	assert.Zero(t, HistoricalVaR([]float64{-0.1}, 0, 0.95))

	returns := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		returns = append(returns, float64(i-5)/100) // -0.05 .. 0.14
	}
	// floor(20 * 0.05) = 1 -> -0.04
	assert.InDelta(t, 40, HistoricalVaR(returns, 1000, 0.95), 1e-9)

	// all gains: no loss at the quantile
	assert.Zero(t, HistoricalVaR([]float64{0.01, 0.02}, 1000, 0.95))
}
