// Package outbox is the append-only journal rebalance orders are handed to
// the execution layer through. Each line is one JSON entry; the executor
// tails the file and acts on "order" entries.
package outbox

import (
	"bufio"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
)

const (
	EntryOrder  = "order"
	EntryCancel = "cancel"

	DefaultDedupeWindow = 5 * time.Minute
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

// Order is a rebalance order as written to the journal.
type Order struct {
	ID             string          `json:"id"`
	MarketID       string          `json:"market_id"`
	Side           portfolio.Side  `json:"side"`
	Notional       decimal.Decimal `json:"notional"`
	Current        float64         `json:"current"`
	Target         float64         `json:"target"`
	Edge           float64         `json:"edge"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         Status          `json:"status"`
	Reason         string          `json:"reason,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Entry struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox appends to a single JSONL file. Writes are serialised within the
// process; cross-process writers must not share a path.
type Outbox struct {
	mu           sync.Mutex
	path         string
	dedupeWindow time.Duration
	now          func() time.Time
}

func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	if dedupeWindow <= 0 {
		dedupeWindow = DefaultDedupeWindow
	}
	return &Outbox{
		path:         path,
		dedupeWindow: dedupeWindow,
		now:          time.Now,
	}, nil
}

func (o *Outbox) Path() string { return o.path }

// NewOrder converts an allocator order into a pending journal order.
func (o *Outbox) NewOrder(p portfolio.Order) Order {
	notional := p.Notional()
	return Order{
		ID:             uuid.NewString(),
		MarketID:       p.MarketID,
		Side:           p.Side,
		Notional:       notional,
		Current:        p.Current,
		Target:         p.Target,
		Edge:           p.Edge,
		Timestamp:      o.now().UTC(),
		Status:         StatusPending,
		IdempotencyKey: IdempotencyKey(p.MarketID, p.Side, notional),
	}
}

func (o *Outbox) WriteOrder(order Order) error {
	return o.appendEntry(EntryOrder, order)
}

// WriteCancel records an order that was blocked before reaching the
// executor, so the journal explains every order the allocator produced.
func (o *Outbox) WriteCancel(order Order, reason string) error {
	order.Status = StatusCancelled
	order.Reason = reason
	return o.appendEntry(EntryCancel, order)
}

func (o *Outbox) appendEntry(kind string, order Order) error {
	data, err := json.Marshal(order)
	if err != nil {
		return err
	}
	line, err := json.Marshal(Entry{Type: kind, Data: data, Event: o.now().UTC()})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to outbox: %w", err)
	}
	return f.Sync()
}

// HasRecentOrder reports whether an order with the key was written within
// the dedupe window. Cancelled entries do not count.
func (o *Outbox) HasRecentOrder(idempotencyKey string) (bool, error) {
	cutoff := o.now().UTC().Add(-o.dedupeWindow)
	found := false
	err := o.scan(func(e Entry, order Order) bool {
		if e.Type == EntryOrder && !e.Event.Before(cutoff) && order.IdempotencyKey == idempotencyKey {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Entries returns every order and cancel entry in file order.
func (o *Outbox) Entries() ([]Order, error) {
	var out []Order
	err := o.scan(func(_ Entry, order Order) bool {
		out = append(out, order)
		return true
	})
	return out, err
}

// scan skips lines it cannot parse; a torn final line from a crashed writer
// must not hide the rest of the journal.
func (o *Outbox) scan(fn func(Entry, Order) bool) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	f, err := os.Open(o.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open outbox: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		var order Order
		if err := json.Unmarshal(e.Data, &order); err != nil {
			continue
		}
		if !fn(e, order) {
			return nil
		}
	}
	return sc.Err()
}

// IdempotencyKey identifies an order by what it does, so re-running the
// same rebalance inside the dedupe window produces no new orders.
func IdempotencyKey(marketID string, side portfolio.Side, notional decimal.Decimal) string {
	data := fmt.Sprintf("%s-%s-%s", marketID, side, notional.StringFixed(2))
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash[:8])
}
