package portfolio

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/quant"
)

const (
	DefaultFractionalKelly = 0.25
	DefaultDriftThreshold  = 0.05
	DefaultVaRConfidence   = 0.95
)

// Params are the static sizing settings of an Engine.
type Params struct {
	FractionalKelly float64      `yaml:"fractional_kelly"`
	RiskFreeRate    float64      `yaml:"risk_free_rate"`
	VaRConfidence   float64      `yaml:"var_confidence"`
	SectorLimits    SectorLimits `yaml:"sector_limits"`
}

// DefaultParams is quarter Kelly, zero risk-free rate, 95% VaR, default caps.
func DefaultParams() Params {
	return Params{
		FractionalKelly: DefaultFractionalKelly,
		VaRConfidence:   DefaultVaRConfidence,
		SectorLimits:    DefaultSectorLimits(),
	}
}

func (p Params) withDefaults() Params {
	if p.FractionalKelly <= 0 || p.FractionalKelly > 1 {
		p.FractionalKelly = DefaultFractionalKelly
	}
	if p.VaRConfidence <= 0 || p.VaRConfidence >= 1 {
		p.VaRConfidence = DefaultVaRConfidence
	}
	if p.SectorLimits == nil {
		p.SectorLimits = DefaultSectorLimits()
	}
	return p
}

// Book is an immutable snapshot of everything an allocation depends on.
// Every calculation in this package is a pure function of a Book.
type Book struct {
	Bankroll     float64
	Params       Params
	Positions    []Position
	Correlations *CorrelationMatrix
}

// Engine is the registry of positions and correlations that callers update
// between optimisation passes. Calculations run on a snapshot taken under
// the read lock, so concurrent callers never see a half-updated book.
type Engine struct {
	mu           sync.RWMutex
	bankroll     float64
	params       Params
	positions    map[string]Position
	correlations *CorrelationMatrix

	log     zerolog.Logger
	metrics *observ.Metrics
}

// NewEngine creates an engine with the given bankroll and sizing params.
func NewEngine(bankroll decimal.Decimal, params Params, log zerolog.Logger, metrics *observ.Metrics) *Engine {
	return &Engine{
		bankroll:     bankrollFloat(bankroll),
		params:       params.withDefaults(),
		positions:    make(map[string]Position),
		correlations: NewCorrelationMatrix(),
		log:          observ.Component(log, "allocator"),
		metrics:      metrics,
	}
}

func bankrollFloat(d decimal.Decimal) float64 {
	f := d.InexactFloat64()
	if f < 0 {
		return 0
	}
	return f
}

// SetBankroll replaces the bankroll used for sizing.
func (e *Engine) SetBankroll(bankroll decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.bankroll = bankrollFloat(bankroll)
}

// Bankroll returns the current bankroll.
func (e *Engine) Bankroll() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.bankroll
}

// AddPosition inserts or replaces the position for marketID.
func (e *Engine) AddPosition(marketID string, amount, probability, marketPrice float64, sector Sector, historicalReturns []float64) error {
	p := Position{
		MarketID:          marketID,
		Amount:            amount,
		Probability:       probability,
		MarketPrice:       marketPrice,
		Sector:            sector.normalize(),
		HistoricalReturns: historicalReturns,
	}
	return e.Upsert(p)
}

// Upsert inserts or replaces a position.
func (e *Engine) Upsert(p Position) error {
	if err := p.Validate(); err != nil {
		return err
	}
	p = p.clone()
	p.Sector = p.Sector.normalize()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.positions[p.MarketID] = p
	return nil
}

// RemovePosition drops a position and its correlations.
func (e *Engine) RemovePosition(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.positions[marketID]; !ok {
		return false
	}
	delete(e.positions, marketID)
	e.correlations.Delete(marketID)
	return true
}

// SetCorrelation records the correlation between two markets.
func (e *Engine) SetCorrelation(a, b string, value float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.correlations.Set(a, b, value)
}

// Replace swaps in a whole snapshot: bankroll, positions and correlations.
// Nothing changes if any entry is invalid.
func (e *Engine) Replace(s Snapshot) error {
	if err := s.Validate(); err != nil {
		return err
	}
	positions := make(map[string]Position, len(s.Positions))
	for _, p := range s.Positions {
		p = p.clone()
		p.Sector = p.Sector.normalize()
		positions[p.MarketID] = p
	}
	correlations := NewCorrelationMatrix()
	for _, c := range s.Correlations {
		if err := correlations.Set(c.A, c.B, c.Value); err != nil {
			return fmt.Errorf("snapshot correlations: %w", err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.bankroll = bankrollFloat(s.Bankroll)
	e.positions = positions
	e.correlations = correlations
	e.log.Debug().Int("positions", len(positions)).Int("correlations", correlations.Len()).Msg("portfolio snapshot loaded")
	return nil
}

// Positions returns the held positions ordered by market id.
func (e *Engine) Positions() []Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.positionsLocked()
}

func (e *Engine) positionsLocked() []Position {
	out := make([]Position, 0, len(e.positions))
	for _, p := range e.positions {
		out = append(out, p.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// Snapshot copies the current state into a Book.
func (e *Engine) Snapshot() Book {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Book{
		Bankroll:     e.bankroll,
		Params:       e.params,
		Positions:    e.positionsLocked(),
		Correlations: e.correlations.Clone(),
	}
}

// KellyFraction is the full-Kelly fraction for a position, in [0,1].
func (e *Engine) KellyFraction(p Position) float64 {
	return quant.KellyFraction(p.Probability, p.MarketPrice)
}

// OptimalAllocation sizes every position on the current snapshot.
func (e *Engine) OptimalAllocation() map[string]float64 {
	return Allocate(e.Snapshot())
}

// RebalanceOrders diffs held amounts against the optimal allocation.
func (e *Engine) RebalanceOrders(driftThreshold float64) []Order {
	orders := Rebalance(e.Snapshot(), driftThreshold)
	for _, o := range orders {
		e.metrics.IncRebalanceOrder(string(o.Side))
	}
	return orders
}

// Analyze builds the diagnostic report and mirrors it into metrics.
func (e *Engine) Analyze() Analysis {
	a := Analyze(e.Snapshot())
	sectorPct := make(map[string]float64, len(a.Sectors))
	for s, exp := range a.Sectors {
		sectorPct[string(s)] = exp.PctOfBankroll
	}
	e.metrics.SetPortfolio(a.TotalExposure, a.HHI, a.VaR, sectorPct)
	for _, w := range a.Warnings {
		e.log.Warn().Str("warning", w).Msg("portfolio analysis")
	}
	return a
}

// PositionRisk reports return-based risk metrics for one position.
func (e *Engine) PositionRisk(marketID string) (RiskReport, bool) {
	e.mu.RLock()
	p, ok := e.positions[marketID]
	rf := e.params.RiskFreeRate
	e.mu.RUnlock()
	if !ok {
		return RiskReport{}, false
	}
	return PositionRisk(p, rf), true
}

// Allocate computes target dollars per market:
//
//	kelly × fractional multiplier × (1 − correlation penalty) × bankroll
//
// followed by sector caps. Only the single most correlated neighbour sets a
// position's penalty. The result does not depend on the order of
// book.Positions.
func Allocate(book Book) map[string]float64 {
	out := make(map[string]float64, len(book.Positions))
	if len(book.Positions) == 0 {
		return out
	}
	params := book.Params.withDefaults()
	positions := sortedUnique(book.Positions)

	if !(book.Bankroll > 0) {
		for _, p := range positions {
			out[p.MarketID] = 0
		}
		return out
	}

	ids := make([]string, len(positions))
	for i, p := range positions {
		ids[i] = p.MarketID
	}

	for _, p := range positions {
		kelly := quant.KellyFraction(p.Probability, p.MarketPrice)
		if kelly == 0 {
			out[p.MarketID] = 0
			continue
		}
		penalty := quant.CorrelationPenalty(book.Correlations.MaxAbs(p.MarketID, ids))
		fraction := kelly * params.FractionalKelly * (1 - penalty)
		out[p.MarketID] = fraction * book.Bankroll
	}

	return ApplySectorCaps(out, positions, params.SectorLimits, book.Bankroll)
}

// sortedUnique orders positions by id. Duplicate ids collapse to the entry
// that ranks highest under positionBefore, so the choice never depends on
// slice order. Snapshots reject duplicates before they get here.
func sortedUnique(in []Position) []Position {
	byID := make(map[string]Position, len(in))
	for _, p := range in {
		if cur, ok := byID[p.MarketID]; ok && !positionBefore(cur, p) {
			continue
		}
		byID[p.MarketID] = p
	}
	out := make([]Position, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarketID < out[j].MarketID })
	return out
}

// positionBefore is a total order over positions sharing an id.
func positionBefore(a, b Position) bool {
	switch {
	case a.Amount != b.Amount:
		return a.Amount < b.Amount
	case a.Probability != b.Probability:
		return a.Probability < b.Probability
	case a.MarketPrice != b.MarketPrice:
		return a.MarketPrice < b.MarketPrice
	case a.Sector != b.Sector:
		return a.Sector < b.Sector
	case len(a.HistoricalReturns) != len(b.HistoricalReturns):
		return len(a.HistoricalReturns) < len(b.HistoricalReturns)
	}
	for i := range a.HistoricalReturns {
		if a.HistoricalReturns[i] != b.HistoricalReturns[i] {
			return a.HistoricalReturns[i] < b.HistoricalReturns[i]
		}
	}
	return false
}
