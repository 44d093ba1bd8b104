package portfolio

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
)

func newTestEngine(t *testing.T, bankroll int64) *Engine {
	t.Helper()
	return NewEngine(decimal.NewFromInt(bankroll), DefaultParams(), zerolog.Nop(), nil)
}

func book(bankroll float64, positions ...Position) Book {
	return Book{
		Bankroll:     bankroll,
		Params:       DefaultParams(),
		Positions:    positions,
		Correlations: NewCorrelationMatrix(),
	}
}

func TestKellyGatesNonPositiveEdge(t *testing.T) {
	e := newTestEngine(t, 10000)
	assert.InDelta(t, 0.2, e.KellyFraction(Position{Probability: 0.6, MarketPrice: 0.5}), 1e-12)
	assert.Zero(t, e.KellyFraction(Position{Probability: 0.5, MarketPrice: 0.5}))
	assert.Zero(t, e.KellyFraction(Position{Probability: 0.4, MarketPrice: 0.5}))

	require.NoError(t, e.AddPosition("neg", 0, 0.4, 0.5, SectorOther, nil))
	require.NoError(t, e.AddPosition("pos", 0, 0.6, 0.5, SectorOther, nil))
	require.NoError(t, e.SetCorrelation("neg", "pos", -0.2))

	alloc := e.OptimalAllocation()
	assert.Zero(t, alloc["neg"])
	// 0.2 * 0.25 * (1 - 0.10) * 10000
	assert.InDelta(t, 450, alloc["pos"], 1e-9)
}

func TestAllocationOrderIndependence(t *testing.T) {
	positions := []Position{
		{MarketID: "btc-100k", Probability: 0.62, MarketPrice: 0.50, Sector: SectorCrypto},
		{MarketID: "eth-flip", Probability: 0.40, MarketPrice: 0.30, Sector: SectorCrypto},
		{MarketID: "sol-etf", Probability: 0.75, MarketPrice: 0.55, Sector: SectorCrypto},
		{MarketID: "senate", Probability: 0.58, MarketPrice: 0.52, Sector: SectorPolitics},
		{MarketID: "house", Probability: 0.45, MarketPrice: 0.47, Sector: SectorPolitics},
		{MarketID: "finals", Probability: 0.33, MarketPrice: 0.21, Sector: SectorSports},
		{MarketID: "oscars", Probability: 0.90, MarketPrice: 0.60, Sector: SectorOther},
	}
	corr := NewCorrelationMatrix()
	require.NoError(t, corr.Set("btc-100k", "eth-flip", 0.8))
	require.NoError(t, corr.Set("sol-etf", "btc-100k", 0.5))
	require.NoError(t, corr.Set("senate", "house", -0.35))

	base := Book{Bankroll: 25000, Params: DefaultParams(), Positions: positions, Correlations: corr}
	expected := Allocate(base)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 25; i++ {
		shuffled := make([]Position, len(positions))
		copy(shuffled, positions)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Allocate(Book{Bankroll: 25000, Params: DefaultParams(), Positions: shuffled, Correlations: corr})
		require.Len(t, got, len(expected))
		for id, want := range expected {
			assert.InDelta(t, want, got[id], 1e-9, id)
		}
	}
}

func TestDuplicateMarketIDsResolveIndependentOfOrder(t *testing.T) {
	strong := Position{MarketID: "m", Probability: 0.9, MarketPrice: 0.5, Sector: SectorOther}
	weak := Position{MarketID: "m", Probability: 0.6, MarketPrice: 0.5, Sector: SectorOther}
	held := Position{MarketID: "m", Amount: 300, Probability: 0.6, MarketPrice: 0.5, Sector: SectorOther}
	other := Position{MarketID: "n", Probability: 0.7, MarketPrice: 0.5, Sector: SectorSports}

	positions := []Position{strong, weak, held, other}
	expected := Allocate(book(10000, positions...))
	require.Len(t, expected, 2)
	expectedOrders := Rebalance(book(10000, positions...), DefaultDriftThreshold)

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 25; i++ {
		shuffled := append([]Position(nil), positions...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := Allocate(book(10000, shuffled...))
		for id, want := range expected {
			assert.InDelta(t, want, got[id], 1e-9, id)
		}
		assert.Equal(t, expectedOrders, Rebalance(book(10000, shuffled...), DefaultDriftThreshold))
		assert.Equal(t, 1, Analyze(book(10000, shuffled...)).Sectors[SectorOther].Positions)
	}

	// The held entry has the largest amount and wins.
	assert.InDelta(t, 500, expected["m"], 1e-9)
}

func TestSectorCapExactness(t *testing.T) {
	b := book(10000,
		Position{MarketID: "c1", Probability: 0.9, MarketPrice: 0.5, Sector: SectorCrypto},
		Position{MarketID: "c2", Probability: 0.8, MarketPrice: 0.5, Sector: SectorCrypto},
		Position{MarketID: "c3", Probability: 0.7, MarketPrice: 0.5, Sector: SectorCrypto},
		Position{MarketID: "p1", Probability: 0.6, MarketPrice: 0.5, Sector: SectorPolitics},
	)

	uncapped := Book{Bankroll: b.Bankroll, Params: b.Params, Positions: b.Positions, Correlations: b.Correlations}
	uncapped.Params.SectorLimits = SectorLimits{}
	raw := Allocate(uncapped)
	rawCrypto := raw["c1"] + raw["c2"] + raw["c3"]
	require.Greater(t, rawCrypto, 0.30*10000)

	alloc := Allocate(b)
	assert.InDelta(t, 3000, alloc["c1"]+alloc["c2"]+alloc["c3"], 1e-6)
	assert.InDelta(t, raw["p1"], alloc["p1"], 1e-12, "other sectors untouched")

	// every crypto position is scaled by the same ratio
	ratio := 3000 / rawCrypto
	for _, id := range []string{"c1", "c2", "c3"} {
		assert.InDelta(t, raw[id]*ratio, alloc[id], 1e-9, id)
	}
}

func TestSectorCapIdempotent(t *testing.T) {
	b := book(10000,
		Position{MarketID: "c1", Probability: 0.9, MarketPrice: 0.5, Sector: SectorCrypto},
		Position{MarketID: "c2", Probability: 0.85, MarketPrice: 0.4, Sector: SectorCrypto},
		Position{MarketID: "s1", Probability: 0.95, MarketPrice: 0.3, Sector: SectorSports},
		Position{MarketID: "s2", Probability: 0.9, MarketPrice: 0.2, Sector: SectorSports},
	)
	once := Allocate(b)
	twice := ApplySectorCaps(once, b.Positions, b.Params.SectorLimits, b.Bankroll)
	assert.Equal(t, once, twice)
}

func TestRebalanceOrdering(t *testing.T) {
	b := book(1000,
		// no edge: target 0, sell everything held
		Position{MarketID: "small-sell", Amount: 200, Probability: 0.40, MarketPrice: 0.50, Sector: SectorPolitics},
		Position{MarketID: "big-sell", Amount: 500, Probability: 0.30, MarketPrice: 0.50, Sector: SectorSports},
		// 0.8 * 0.25 * 1000 = 200 target, nothing held
		Position{MarketID: "buy", Amount: 0, Probability: 0.90, MarketPrice: 0.50, Sector: SectorOther},
		// within drift threshold: no order
		Position{MarketID: "steady", Amount: 20, Probability: 0.60, MarketPrice: 0.50, Sector: SectorCrypto},
	)

	orders := Rebalance(b, DefaultDriftThreshold)
	require.Len(t, orders, 3)

	ids := []string{orders[0].MarketID, orders[1].MarketID, orders[2].MarketID}
	assert.Equal(t, []string{"big-sell", "small-sell", "buy"}, ids)
	assert.InDelta(t, -500, orders[0].Delta, 1e-9)
	assert.InDelta(t, -200, orders[1].Delta, 1e-9)
	assert.InDelta(t, 200, orders[2].Delta, 1e-9)
	assert.Equal(t, SideSell, orders[0].Side)
	assert.Equal(t, SideBuy, orders[2].Side)
	assert.Equal(t, "200", orders[2].Notional().String())
}

func TestRebalanceBuysByEdge(t *testing.T) {
	b := book(1000,
		Position{MarketID: "low-edge-big", Probability: 0.95, MarketPrice: 0.80, Sector: SectorCrypto},
		Position{MarketID: "high-edge", Probability: 0.70, MarketPrice: 0.40, Sector: SectorPolitics},
	)
	orders := Rebalance(b, 0.01)
	require.Len(t, orders, 2)
	assert.Equal(t, "high-edge", orders[0].MarketID)
	assert.Equal(t, "low-edge-big", orders[1].MarketID)
}

func TestDegenerateInputs(t *testing.T) {
	assert.Empty(t, Allocate(book(10000)))
	assert.Empty(t, Rebalance(book(10000), DefaultDriftThreshold))

	zero := Allocate(book(0, Position{MarketID: "a", Probability: 0.9, MarketPrice: 0.5}))
	assert.Equal(t, map[string]float64{"a": 0}, zero)
	assert.Empty(t, Rebalance(book(0, Position{MarketID: "a", Amount: 50, Probability: 0.9, MarketPrice: 0.5}), 0.05))

	bounds := Allocate(book(10000,
		Position{MarketID: "sure", Probability: 1, MarketPrice: 1},
		Position{MarketID: "free", Probability: 0.5, MarketPrice: 0},
		Position{MarketID: "over", Probability: 0.9, MarketPrice: 1.3},
	))
	for id, v := range bounds {
		assert.Zero(t, v, id)
	}

	a := Analyze(book(10000))
	assert.Zero(t, a.HHI)
	assert.Zero(t, a.VaR)
	assert.Zero(t, a.TotalExposure)

	single := Analyze(book(10000, Position{MarketID: "only", Amount: 800, Probability: 0.6, MarketPrice: 0.5, Sector: SectorCrypto, HistoricalReturns: []float64{-0.1, 0.05}}))
	assert.InDelta(t, 1.0, single.HHI, 1e-12)
	assert.Contains(t, single.Warnings, "high concentration (HHI 1.000)")
}

func TestCorrelatedPairScenario(t *testing.T) {
	e := newTestEngine(t, 10000)
	require.NoError(t, e.AddPosition("A", 0, 0.65, 0.55, SectorCrypto, nil))
	require.NoError(t, e.AddPosition("B", 0, 0.58, 0.50, SectorCrypto, nil))
	require.NoError(t, e.SetCorrelation("A", "B", 0.85))

	correlated := e.OptimalAllocation()

	plain := newTestEngine(t, 10000)
	require.NoError(t, plain.AddPosition("A", 0, 0.65, 0.55, SectorCrypto, nil))
	require.NoError(t, plain.AddPosition("B", 0, 0.58, 0.50, SectorCrypto, nil))
	uncorrelated := plain.OptimalAllocation()

	// B: 0.16 * 0.25 * 10000 = 400 uncorrelated, halved by the 50% band
	assert.InDelta(t, 400, uncorrelated["B"], 1e-9)
	assert.InDelta(t, uncorrelated["B"]*0.5, correlated["B"], 1e-9)
	assert.InDelta(t, uncorrelated["A"]*0.5, correlated["A"], 1e-9)
	assert.LessOrEqual(t, correlated["A"]+correlated["B"], 0.30*10000+1e-9)
}

func TestCorrelationPenaltyUsesWorstNeighbourOnly(t *testing.T) {
	e := newTestEngine(t, 100000)
	require.NoError(t, e.AddPosition("x", 0, 0.6, 0.5, SectorOther, nil))
	require.NoError(t, e.AddPosition("y", 0, 0.6, 0.5, SectorPolitics, nil))
	require.NoError(t, e.AddPosition("z", 0, 0.6, 0.5, SectorSports, nil))
	require.NoError(t, e.SetCorrelation("x", "y", 0.5))
	require.NoError(t, e.SetCorrelation("x", "z", 0.45))

	alloc := e.OptimalAllocation()
	// one 30% cut, not 0.7*0.7
	assert.InDelta(t, 0.2*0.25*0.7*100000, alloc["x"], 1e-9)
}

func TestEngineRegistry(t *testing.T) {
	e := newTestEngine(t, 5000)
	require.NoError(t, e.AddPosition("m1", 10, 0.6, 0.5, Sector("crypto"), []float64{0.1}))
	require.NoError(t, e.AddPosition("m2", 10, 0.6, 0.5, Sector("weather"), nil))
	require.NoError(t, e.SetCorrelation("m1", "m2", 0.9))

	ps := e.Positions()
	require.Len(t, ps, 2)
	assert.Equal(t, SectorCrypto, ps[0].Sector)
	assert.Equal(t, SectorOther, ps[1].Sector)

	err := e.AddPosition("", 0, 0.5, 0.5, SectorOther, nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	err = e.AddPosition("bad", -1, 0.5, 0.5, SectorOther, nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	err = e.AddPosition("bad", 0, 1.5, 0.5, SectorOther, nil)
	assert.ErrorIs(t, err, ErrInvalidPosition)
	assert.Error(t, e.SetCorrelation("m1", "m2", 1.2))
	assert.Error(t, e.SetCorrelation("m1", "m1", 0.5))

	assert.True(t, e.RemovePosition("m2"))
	assert.False(t, e.RemovePosition("m2"))
	assert.Zero(t, e.Snapshot().Correlations.Len())

	e.SetBankroll(decimal.NewFromInt(-10))
	assert.Zero(t, e.Bankroll())
}

func TestPositionRisk(t *testing.T) {
	e := newTestEngine(t, 1000)
	require.NoError(t, e.AddPosition("thin", 10, 0.6, 0.5, SectorOther, []float64{0.05}))
	require.NoError(t, e.AddPosition("rich", 10, 0.6, 0.5, SectorOther, []float64{0.1, -0.1, -0.3, 0.2}))

	thin, ok := e.PositionRisk("thin")
	require.True(t, ok)
	assert.Nil(t, thin.Sharpe)
	assert.Nil(t, thin.Sortino)
	assert.Zero(t, thin.MaxDrawdown)

	rich, ok := e.PositionRisk("rich")
	require.True(t, ok)
	require.NotNil(t, rich.Sharpe)
	require.NotNil(t, rich.Sortino)
	assert.Less(t, rich.MaxDrawdown, 0.0)

	_, ok = e.PositionRisk("missing")
	assert.False(t, ok)
}

func TestAnalyzeWarnings(t *testing.T) {
	metrics := observ.NewMetrics()
	e := NewEngine(decimal.NewFromInt(1000), DefaultParams(), zerolog.Nop(), metrics)
	require.NoError(t, e.AddPosition("pol", 400, 0.6, 0.5, SectorPolitics, nil))
	require.NoError(t, e.AddPosition("loser", 550, 0.4, 0.5, SectorSports, nil))

	a := e.Analyze()
	assert.InDelta(t, 950, a.TotalExposure, 1e-9)
	assert.InDelta(t, 0.95, a.Utilization, 1e-9)
	assert.InDelta(t, -15, a.ExpectedReturn, 1e-9)

	pol := a.Sectors[SectorPolitics]
	assert.InDelta(t, 40, pol.PctOfBankroll, 1e-9)
	assert.InDelta(t, 30, pol.LimitPct, 1e-9)
	assert.True(t, pol.OverLimit)
	assert.True(t, a.Sectors[SectorSports].OverLimit)
	assert.False(t, a.Sectors[SectorCrypto].OverLimit)

	assert.Contains(t, a.Warnings, "loser held with non-positive edge -0.1000")
	assert.Contains(t, a.Warnings, "utilization 95.0% of bankroll")
	assert.Contains(t, a.Warnings, "POLITICS exposure 400.00 exceeds 30% cap")

	assert.Equal(t, 950.0, testutil.ToFloat64(metrics.AllocationExposure))
	assert.InDelta(t, 40, testutil.ToFloat64(metrics.SectorExposurePct.WithLabelValues("POLITICS")), 1e-9)
}
