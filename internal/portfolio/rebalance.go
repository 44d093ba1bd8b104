package portfolio

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"
)

// Side of a rebalance order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Order moves one position from its current amount toward its target.
type Order struct {
	MarketID string  `json:"market_id"`
	Side     Side    `json:"side"`
	Current  float64 `json:"current"`
	Target   float64 `json:"target"`
	Delta    float64 `json:"delta"` // target - current; negative sells
	Edge     float64 `json:"edge"`
}

// Notional is the absolute order size rounded to cents for the execution layer.
func (o Order) Notional() decimal.Decimal {
	return decimal.NewFromFloat(math.Abs(o.Delta)).Round(2)
}

// Rebalance emits an order for every position whose drift from target,
// as a fraction of bankroll, exceeds driftThreshold.
//
// Ordering is part of the contract: sells first, largest first, then buys
// by edge, best first.
func Rebalance(book Book, driftThreshold float64) []Order {
	if !(book.Bankroll > 0) || len(book.Positions) == 0 {
		return nil
	}
	if driftThreshold < 0 || math.IsNaN(driftThreshold) {
		driftThreshold = DefaultDriftThreshold
	}

	targets := Allocate(book)

	var sells, buys []Order
	for _, p := range sortedUnique(book.Positions) {
		target := targets[p.MarketID]
		delta := target - p.Amount
		if math.Abs(delta)/book.Bankroll <= driftThreshold {
			continue
		}
		o := Order{
			MarketID: p.MarketID,
			Current:  p.Amount,
			Target:   target,
			Delta:    delta,
			Edge:     p.Edge(),
		}
		if delta < 0 {
			o.Side = SideSell
			sells = append(sells, o)
		} else {
			o.Side = SideBuy
			buys = append(buys, o)
		}
	}

	sort.SliceStable(sells, func(i, j int) bool {
		return math.Abs(sells[i].Delta) > math.Abs(sells[j].Delta)
	})
	sort.SliceStable(buys, func(i, j int) bool {
		if buys[i].Edge != buys[j].Edge {
			return buys[i].Edge > buys[j].Edge
		}
		return buys[i].Delta > buys[j].Delta
	})

	return append(sells, buys...)
}
