package alerts

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
)

// Severity orders alerts for routing and formatting.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is a transport-neutral notification.
type Alert struct {
	Title     string         `json:"title"`
	Severity  Severity       `json:"severity"`
	Reason    string         `json:"reason"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Notifier delivers an alert over one channel. Notify should respect ctx;
// the dispatcher always passes a deadline.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// Sender is what alert producers depend on.
type Sender interface {
	Send(a Alert)
}

// sortedKeys gives metadata a stable rendering order.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LogNotifier writes alerts to the process log. It is always registered so an
// alert is never silently lost when no remote channel is configured.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	ev := n.log.Info()
	switch a.Severity {
	case SeverityWarning:
		ev = n.log.Warn()
	case SeverityCritical:
		ev = n.log.Error()
	}
	ev = ev.Str("severity", string(a.Severity)).Str("reason", a.Reason)
	for _, k := range sortedKeys(a.Metadata) {
		ev = ev.Interface(k, a.Metadata[k])
	}
	ev.Msg(a.Title)
	return nil
}
