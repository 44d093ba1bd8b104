package portfolio

import (
	"fmt"

	"github.com/Rajchodisetti/predict-risk/internal/quant"
)

// utilizationWarnPct of bankroll deployed raises a warning.
const utilizationWarnPct = 0.90

// SectorExposure is the held exposure of one sector.
type SectorExposure struct {
	Exposure      float64 `json:"exposure"`
	PctOfBankroll float64 `json:"pct_of_bankroll"`
	LimitPct      float64 `json:"limit_pct"`
	Positions     int     `json:"positions"`
	OverLimit     bool    `json:"over_limit"`
}

// PositionSummary pairs a held amount with its edge and target.
type PositionSummary struct {
	MarketID string  `json:"market_id"`
	Sector   Sector  `json:"sector"`
	Amount   float64 `json:"amount"`
	Edge     float64 `json:"edge"`
	Kelly    float64 `json:"kelly"`
	Target   float64 `json:"target"`
}

// Analysis is the operator-facing portfolio diagnostic.
type Analysis struct {
	Bankroll       float64                   `json:"bankroll"`
	TotalExposure  float64                   `json:"total_exposure"`
	Utilization    float64                   `json:"utilization"`
	ExpectedReturn float64                   `json:"expected_return"`
	HHI            float64                   `json:"hhi"`
	Concentration  quant.Concentration       `json:"concentration"`
	VaR            float64                   `json:"var"`
	VaRConfidence  float64                   `json:"var_confidence"`
	Sectors        map[Sector]SectorExposure `json:"sectors"`
	Positions      []PositionSummary         `json:"positions"`
	Warnings       []string                  `json:"warnings"`
}

// Analyze summarises held exposure. It never panics; if a calculation
// blows up the partial report is returned with a warning attached.
func Analyze(book Book) (a Analysis) {
	params := book.Params.withDefaults()
	a = Analysis{
		Bankroll:      book.Bankroll,
		VaRConfidence: params.VaRConfidence,
		Concentration: quant.ConcentrationNone,
		Sectors:       make(map[Sector]SectorExposure),
		Positions:     []PositionSummary{},
		Warnings:      []string{},
	}
	defer func() {
		if r := recover(); r != nil {
			a.Warnings = append(a.Warnings, fmt.Sprintf("analysis incomplete: %v", r))
		}
	}()

	if !(book.Bankroll > 0) {
		a.Warnings = append(a.Warnings, "bankroll is zero; no allocation possible")
	}

	positions := sortedUnique(book.Positions)
	targets := Allocate(book)

	amounts := make([]float64, 0, len(positions))
	var pooled []float64
	for _, p := range positions {
		a.TotalExposure += p.Amount
		a.ExpectedReturn += p.Amount * p.ExpectedValue()
		amounts = append(amounts, p.Amount)
		pooled = append(pooled, p.HistoricalReturns...)

		a.Positions = append(a.Positions, PositionSummary{
			MarketID: p.MarketID,
			Sector:   p.Sector.normalize(),
			Amount:   p.Amount,
			Edge:     p.Edge(),
			Kelly:    quant.KellyFraction(p.Probability, p.MarketPrice),
			Target:   targets[p.MarketID],
		})

		if p.Amount > 0 && p.Edge() <= 0 {
			a.Warnings = append(a.Warnings, fmt.Sprintf("%s held with non-positive edge %.4f", p.MarketID, p.Edge()))
		}
	}

	if book.Bankroll > 0 {
		a.Utilization = a.TotalExposure / book.Bankroll
		if a.Utilization > utilizationWarnPct {
			a.Warnings = append(a.Warnings, fmt.Sprintf("utilization %.1f%% of bankroll", a.Utilization*100))
		}
	}

	totals := sectorTotals(positions, func(p Position) float64 { return p.Amount })
	counts := make(map[Sector]int)
	for _, p := range positions {
		counts[p.Sector.normalize()]++
	}
	for _, s := range Sectors {
		exp := SectorExposure{Exposure: totals[s], Positions: counts[s]}
		if limit, ok := params.SectorLimits.Limit(s); ok {
			exp.LimitPct = limit * 100
			if book.Bankroll > 0 && exp.Exposure > limit*book.Bankroll*(1+capTolerance) {
				exp.OverLimit = true
				a.Warnings = append(a.Warnings, fmt.Sprintf("%s exposure %.2f exceeds %.0f%% cap", s, exp.Exposure, exp.LimitPct))
			}
		}
		if book.Bankroll > 0 {
			exp.PctOfBankroll = exp.Exposure / book.Bankroll * 100
		}
		a.Sectors[s] = exp
	}

	a.HHI = quant.HHI(amounts)
	a.Concentration = quant.ClassifyHHI(a.HHI)
	switch a.Concentration {
	case quant.ConcentrationModerate:
		a.Warnings = append(a.Warnings, fmt.Sprintf("moderate concentration (HHI %.3f)", a.HHI))
	case quant.ConcentrationHigh:
		a.Warnings = append(a.Warnings, fmt.Sprintf("high concentration (HHI %.3f)", a.HHI))
	}

	a.VaR = quant.HistoricalVaR(pooled, a.TotalExposure, params.VaRConfidence)
	return a
}

// RiskReport holds return-based metrics; nil ratios are undefined for lack of data.
type RiskReport struct {
	MarketID     string   `json:"market_id"`
	Observations int      `json:"observations"`
	Sharpe       *float64 `json:"sharpe"`
	Sortino      *float64 `json:"sortino"`
	MaxDrawdown  float64  `json:"max_drawdown"`
}

// PositionRisk computes Sharpe, Sortino and max drawdown over a position's
// historical returns.
func PositionRisk(p Position, riskFree float64) RiskReport {
	r := RiskReport{
		MarketID:     p.MarketID,
		Observations: len(p.HistoricalReturns),
		MaxDrawdown:  quant.MaxDrawdown(p.HistoricalReturns),
	}
	if v, err := quant.SharpeRatio(p.HistoricalReturns, riskFree); err == nil {
		r.Sharpe = &v
	}
	if v, err := quant.SortinoRatio(p.HistoricalReturns, riskFree); err == nil {
		r.Sortino = &v
	}
	return r
}
