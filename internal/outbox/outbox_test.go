package outbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

type fixedGate risk.Level

func (g fixedGate) Level() risk.Level { return risk.Level(g) }

var batch = []portfolio.Order{
	{MarketID: "btc-100k", Side: portfolio.SideSell, Current: 900, Target: 400, Delta: -500, Edge: 0.05},
	{MarketID: "election", Side: portfolio.SideBuy, Current: 0, Target: 300, Delta: 300, Edge: 0.2},
}

func newOutbox(t *testing.T) *Outbox {
	t.Helper()
	box, err := New(filepath.Join(t.TempDir(), "nested", "outbox.jsonl"), time.Minute)
	require.NoError(t, err)
	return box
}

func TestGuardSubmit(t *testing.T) {
	testCases := []struct {
		name    string
		level   risk.Level
		written []string
		blocked []string
	}{
		{name: "not_triggered", level: risk.LevelNone, written: []string{"btc-100k", "election"}},
		{name: "stop_new_trades_blocks_buys", level: risk.LevelStopNewTrades, written: []string{"btc-100k"}, blocked: []string{"election"}},
		{name: "close_all_still_sells", level: risk.LevelCloseAll, written: []string{"btc-100k"}, blocked: []string{"election"}},
		{name: "shutdown_blocks_everything", level: risk.LevelShutdown, blocked: []string{"btc-100k", "election"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			box := newOutbox(t)
			g := NewGuard(fixedGate(tc.level), box, zerolog.Nop(), nil)

			res, err := g.Submit(batch)
			require.NoError(t, err)
			assert.Equal(t, tc.written, ids(res.Written))
			assert.Equal(t, tc.blocked, ids(res.Blocked))
			assert.Equal(t, tc.level.String(), res.Level)

			entries, err := box.Entries()
			require.NoError(t, err)
			require.Len(t, entries, len(batch), "every order is journaled, blocked ones as cancellations")
			for _, e := range entries {
				if e.Status == StatusCancelled {
					assert.Equal(t, "kill_switch_"+tc.level.String(), e.Reason)
				}
			}
		})
	}
}

func TestGuardDeduplicates(t *testing.T) {
	box := newOutbox(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	box.now = func() time.Time { return now }
	metrics := observ.NewMetrics()
	g := NewGuard(fixedGate(risk.LevelNone), box, zerolog.Nop(), metrics)

	res, err := g.Submit(batch)
	require.NoError(t, err)
	assert.Len(t, res.Written, 2)

	now = now.Add(30 * time.Second)
	res, err = g.Submit(batch)
	require.NoError(t, err)
	assert.Empty(t, res.Written)
	assert.Len(t, res.Duplicates, 2)

	now = now.Add(2 * time.Minute)
	res, err = g.Submit(batch)
	require.NoError(t, err)
	assert.Len(t, res.Written, 2, "window expired")

	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.OutboxOrders.WithLabelValues("written")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.OutboxOrders.WithLabelValues("duplicate")))
}

func TestCancelledOrdersDoNotDeduplicate(t *testing.T) {
	box := newOutbox(t)
	order := box.NewOrder(batch[1])
	require.NoError(t, box.WriteCancel(order, "kill_switch_stop_new_trades"))

	dup, err := box.HasRecentOrder(order.IdempotencyKey)
	require.NoError(t, err)
	assert.False(t, dup)
}

func TestScanSkipsTornLines(t *testing.T) {
	box := newOutbox(t)
	require.NoError(t, box.WriteOrder(box.NewOrder(batch[0])))

	f, err := os.OpenFile(box.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"type":"order","data":{"market_id":"half`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := box.Entries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "btc-100k", entries[0].MarketID)
	assert.Equal(t, "500.00", entries[0].Notional.StringFixed(2))
}

func TestIdempotencyKey(t *testing.T) {
	a := box0().NewOrder(batch[0])
	b := box0().NewOrder(batch[0])
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, a.IdempotencyKey, b.IdempotencyKey)
	assert.NotEqual(t, a.IdempotencyKey, box0().NewOrder(batch[1]).IdempotencyKey)
}

func box0() *Outbox {
	return &Outbox{now: time.Now, dedupeWindow: DefaultDedupeWindow}
}

func ids(orders []Order) []string {
	var out []string
	for _, o := range orders {
		out = append(out, o.MarketID)
	}
	return out
}
