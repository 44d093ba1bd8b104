package outbox

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

// Gate reports the active kill switch level. *risk.KillSwitch satisfies it.
type Gate interface {
	Level() risk.Level
}

// Guard checks the kill switch before any order reaches the journal.
// From stop_new_trades upward buys are blocked; sells still reduce risk and
// pass until full shutdown, which blocks everything.
type Guard struct {
	gate    Gate
	box     *Outbox
	log     zerolog.Logger
	metrics *observ.Metrics
}

func NewGuard(gate Gate, box *Outbox, log zerolog.Logger, metrics *observ.Metrics) *Guard {
	return &Guard{
		gate:    gate,
		box:     box,
		log:     observ.Component(log, "outbox_guard"),
		metrics: metrics,
	}
}

type Result struct {
	Written    []Order `json:"written"`
	Blocked    []Order `json:"blocked"`
	Duplicates []Order `json:"duplicates"`
	Level      string  `json:"kill_switch_level"`
}

// Submit journals orders in the given sequence. The kill switch level is
// read once so a whole batch is judged against the same state.
func (g *Guard) Submit(orders []portfolio.Order) (Result, error) {
	level := g.gate.Level()
	res := Result{Level: level.String()}

	for _, po := range orders {
		order := g.box.NewOrder(po)

		if reason, blocked := blockReason(level, order.Side); blocked {
			order.Status, order.Reason = StatusCancelled, reason
			if err := g.box.WriteCancel(order, reason); err != nil {
				return res, fmt.Errorf("failed to write cancellation for %s: %w", order.MarketID, err)
			}
			g.metrics.IncOutboxOrder(reason)
			g.log.Warn().
				Str("market_id", order.MarketID).
				Str("side", string(order.Side)).
				Str("notional", order.Notional.StringFixed(2)).
				Str("reason", reason).
				Msg("order blocked by kill switch")
			res.Blocked = append(res.Blocked, order)
			continue
		}

		dup, err := g.box.HasRecentOrder(order.IdempotencyKey)
		if err != nil {
			return res, err
		}
		if dup {
			g.log.Debug().Str("market_id", order.MarketID).Str("key", order.IdempotencyKey).Msg("duplicate order skipped")
			g.metrics.IncOutboxOrder("duplicate")
			res.Duplicates = append(res.Duplicates, order)
			continue
		}

		if err := g.box.WriteOrder(order); err != nil {
			return res, fmt.Errorf("failed to write order for %s: %w", order.MarketID, err)
		}
		g.metrics.IncOutboxOrder("written")
		res.Written = append(res.Written, order)
	}

	g.log.Info().
		Int("written", len(res.Written)).
		Int("blocked", len(res.Blocked)).
		Int("duplicates", len(res.Duplicates)).
		Str("kill_switch_level", res.Level).
		Msg("rebalance orders submitted")
	return res, nil
}

func blockReason(level risk.Level, side portfolio.Side) (string, bool) {
	switch {
	case level >= risk.LevelShutdown:
		return "kill_switch_" + level.String(), true
	case level >= risk.LevelStopNewTrades && side == portfolio.SideBuy:
		return "kill_switch_" + level.String(), true
	}
	return "", false
}
