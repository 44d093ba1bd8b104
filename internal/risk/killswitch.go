package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/predict-risk/internal/alerts"
	"github.com/Rajchodisetti/predict-risk/internal/observ"
)

const (
	DefaultCircuitBreakerPct = -15.0
	DefaultDailyLossLimitPct = -5.0
	DefaultCooldownHours     = 24.0
	DefaultMaxHistory        = 1000
	DefaultResponseTimeout   = 30 * time.Second
)

// Config holds kill switch thresholds. Percentages are negative numbers in
// percent units, e.g. -15 for a 15% drop.
type Config struct {
	StatePath         string        `yaml:"state_path"`
	Lock              bool          `yaml:"lock"`
	CircuitBreakerPct float64       `yaml:"circuit_breaker_pct"`
	DailyLossLimitPct float64       `yaml:"daily_loss_limit_pct"`
	CooldownHours     float64       `yaml:"cooldown_hours"`
	SentinelPath      string        `yaml:"sentinel_path"`
	RedisSentinelKey  string        `yaml:"redis_sentinel_key"`
	MaxHistory        int           `yaml:"max_history"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"`
}

func (c Config) withDefaults() Config {
	// Thresholds are negative percent changes; anything else would trip on
	// every check, so it falls back to the default.
	if !(c.CircuitBreakerPct < 0) {
		c.CircuitBreakerPct = DefaultCircuitBreakerPct
	}
	if !(c.DailyLossLimitPct < 0) {
		c.DailyLossLimitPct = DefaultDailyLossLimitPct
	}
	if c.CooldownHours <= 0 {
		c.CooldownHours = DefaultCooldownHours
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = DefaultMaxHistory
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	return c
}

func (c Config) cooldown() time.Duration {
	return time.Duration(c.CooldownHours * float64(time.Hour))
}

// Option customises a KillSwitch at construction.
type Option func(*KillSwitch)

func WithClock(now func() time.Time) Option {
	return func(k *KillSwitch) { k.now = now }
}

func WithResponder(r Responder) Option {
	return func(k *KillSwitch) { k.responder = r }
}

func WithAlerts(s alerts.Sender) Option {
	return func(k *KillSwitch) { k.alerts = s }
}

func WithSentinels(s ...Sentinel) Option {
	return func(k *KillSwitch) { k.sentinels = append(k.sentinels, s...) }
}

func WithLogger(log zerolog.Logger) Option {
	return func(k *KillSwitch) { k.log = observ.Component(log, "killswitch") }
}

func WithMetrics(m *observ.Metrics) Option {
	return func(k *KillSwitch) { k.metrics = m }
}

// KillSwitch is a latching emergency stop. Once triggered it stays triggered
// until an operator resets it, and a reset always leaves it disarmed.
//
// All mutations run under one mutex and, for a FileStore with locking on, an
// exclusive flock. State is reloaded from the store inside that critical
// section so several processes can share a state file.
type KillSwitch struct {
	mu        sync.Mutex
	cfg       Config
	store     Store
	state     State
	now       func() time.Time
	responder Responder
	alerts    alerts.Sender
	sentinels []Sentinel
	log       zerolog.Logger
	metrics   *observ.Metrics

	// unsaved is set while memory holds changes the store rejected. Reloads
	// are skipped until a save succeeds so a trigger is never lost.
	unsaved bool
}

// New loads persisted state from store. An unreadable state falls back to
// disarmed and untriggered; the failure is logged, never assumed armed.
func New(cfg Config, store Store, opts ...Option) *KillSwitch {
	cfg = cfg.withDefaults()
	k := &KillSwitch{
		cfg:   cfg,
		store: store,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	if cfg.SentinelPath != "" {
		k.sentinels = append(k.sentinels, NewFileSentinel(cfg.SentinelPath))
	}
	for _, opt := range opts {
		opt(k)
	}

	st, err := store.Load()
	switch {
	case errors.Is(err, ErrStateNotFound):
		k.log.Info().Msg("no kill switch state on disk, starting disarmed")
	case err != nil:
		k.log.Error().Err(err).Str("severity", "critical").Msg("kill switch state unreadable, falling back to disarmed")
	default:
		k.state = st
		if k.state.repair(k.clock(), cfg.cooldown()) {
			k.log.Warn().Msg("kill switch state had incomplete trigger fields, repaired conservatively")
		}
	}
	k.publishLocked()
	return k
}

func (k *KillSwitch) clock() time.Time {
	return k.now().UTC()
}

// mutate runs fn with the in-process mutex and the store lock held and the
// state freshly reloaded. When failOpen is false a lock error aborts; when it
// is true fn still runs so a trigger is never blocked by lock trouble.
func (k *KillSwitch) mutate(failOpen bool, fn func(now time.Time) error) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	unlock, err := k.store.Lock()
	if err != nil {
		if !failOpen {
			return fmt.Errorf("failed to lock kill switch state: %w", err)
		}
		k.log.Error().Err(err).Msg("kill switch state lock unavailable, continuing with in-process lock only")
		unlock = func() {}
	}
	defer unlock()

	k.reloadLocked()
	err = fn(k.clock())
	k.publishLocked()
	return err
}

// reloadLocked picks up changes written by other processes. A missing or
// unreadable file keeps the in-memory state.
func (k *KillSwitch) reloadLocked() {
	if k.unsaved {
		return
	}
	st, err := k.store.Load()
	if err != nil {
		if !errors.Is(err, ErrStateNotFound) {
			k.log.Error().Err(err).Msg("failed to reload kill switch state, keeping in-memory copy")
		}
		return
	}
	st.repair(k.clock(), k.cfg.cooldown())
	k.state = st
}

func (k *KillSwitch) persistLocked() error {
	if err := k.store.Save(k.state.clone()); err != nil {
		k.unsaved = true
		k.metrics.IncPersistError()
		k.log.Error().Err(err).Str("severity", "critical").Msg("failed to persist kill switch state")
		return fmt.Errorf("failed to persist kill switch state: %w", err)
	}
	k.unsaved = false
	return nil
}

func (k *KillSwitch) publishLocked() {
	k.metrics.SetKillSwitchState(k.state.Armed, k.state.Triggered, int(k.levelLocked()))
}

func (k *KillSwitch) levelLocked() Level {
	if !k.state.Triggered {
		return LevelNone
	}
	return k.state.TriggerLevel
}

// Arm enables or disables automatic monitoring. Neither is allowed while
// triggered; use Reset first.
func (k *KillSwitch) Arm(enable bool) error {
	return k.mutate(false, func(time.Time) error {
		if k.state.Triggered {
			return ErrTriggered
		}
		if k.state.Armed == enable {
			return nil
		}
		k.state.Armed = enable
		if err := k.persistLocked(); err != nil {
			k.state.Armed = !enable
			return err
		}
		k.log.Info().Bool("armed", enable).Msg("kill switch armed state changed")
		return nil
	})
}

// Check evaluates the automatic triggers against the latest balance. It only
// acts while armed and not triggered, and reports whether a trigger fired.
// Sources are checked in priority order: emergency sentinel, drawdown from
// peak, then loss since session start.
func (k *KillSwitch) Check(balance float64) (bool, error) {
	if math.IsNaN(balance) || math.IsInf(balance, 0) {
		return false, fmt.Errorf("%w: %v", ErrInvalidBalance, balance)
	}
	var fired bool
	err := k.mutate(true, func(now time.Time) error {
		if !k.state.Armed || k.state.Triggered {
			return nil
		}

		if name, ok := firstPresent(context.Background(), k.sentinels); ok {
			fired = true
			return k.triggerLocked(now, ReasonFileSystem, LevelShutdown, ActorSystem, map[string]any{
				"sentinel": name,
				"balance":  balance,
			}, &balance)
		}

		dirty := false
		if k.state.PeakBalance == nil || balance > *k.state.PeakBalance {
			k.state.PeakBalance = floatPtr(balance)
			dirty = true
		}
		if k.state.SessionStartBalance == nil {
			k.state.SessionStartBalance = floatPtr(balance)
			dirty = true
		}

		peak := *k.state.PeakBalance
		fromPeak := pctChange(balance, peak)
		k.metrics.SetBalanceTracking(peak, fromPeak)

		if peak > 0 && fromPeak <= k.cfg.CircuitBreakerPct {
			fired = true
			return k.triggerLocked(now, ReasonCircuitBreaker, LevelCloseAll, ActorSystem, map[string]any{
				"balance":       balance,
				"peak_balance":  peak,
				"change_pct":    round2(fromPeak),
				"threshold_pct": k.cfg.CircuitBreakerPct,
			}, &balance)
		}

		start := *k.state.SessionStartBalance
		fromStart := pctChange(balance, start)
		if start > 0 && fromStart <= k.cfg.DailyLossLimitPct {
			fired = true
			return k.triggerLocked(now, ReasonDailyLoss, LevelCloseAll, ActorSystem, map[string]any{
				"balance":               balance,
				"session_start_balance": start,
				"change_pct":            round2(fromStart),
				"threshold_pct":         k.cfg.DailyLossLimitPct,
			}, &balance)
		}

		if dirty {
			return k.persistLocked()
		}
		return nil
	})
	return fired, err
}

// Trigger latches the switch at level. It returns false without changes if
// the switch is already triggered. A persistence error is returned alongside
// true: the trigger still holds in memory and the response still runs.
func (k *KillSwitch) Trigger(reason string, level Level, triggeredBy string) (bool, error) {
	if !level.Valid() {
		return false, fmt.Errorf("%w: %d", ErrInvalidLevel, level)
	}
	if strings.TrimSpace(triggeredBy) == "" {
		return false, ErrMissingActor
	}
	var fired bool
	err := k.mutate(true, func(now time.Time) error {
		if k.state.Triggered {
			k.log.Info().Str("reason", reason).Msg("kill switch already triggered, ignoring trigger")
			return nil
		}
		fired = true
		return k.triggerLocked(now, reason, level, triggeredBy, nil, nil)
	})
	return fired, err
}

func (k *KillSwitch) triggerLocked(now time.Time, reason string, level Level, by string, meta map[string]any, balance *float64) error {
	until := now.Add(k.cfg.cooldown())
	triggeredAt := now

	k.state.Triggered = true
	k.state.TriggerLevel = level
	k.state.TriggerTime = &triggeredAt
	k.state.TriggerReason = reason
	k.state.TriggeredBy = by
	k.state.CooldownUntil = &until

	k.state.History = append(k.state.History, HistoryEntry{
		ID:          uuid.NewString(),
		Time:        now,
		Level:       level,
		Reason:      reason,
		TriggeredBy: by,
		Balance:     copyFloat(balance),
		PeakBalance: copyFloat(k.state.PeakBalance),
	})
	if over := len(k.state.History) - k.cfg.MaxHistory; over > 0 {
		k.state.History = append([]HistoryEntry(nil), k.state.History[over:]...)
	}

	persistErr := k.persistLocked()

	k.metrics.IncTrigger(reason, level.String())
	k.log.Error().
		Str("severity", "critical").
		Str("reason", reason).
		Int("level", int(level)).
		Str("triggered_by", by).
		Time("cooldown_until", until).
		Msg("kill switch TRIGGERED")

	failed := k.respond(context.Background(), level)

	if k.alerts != nil {
		md := map[string]any{
			"level":          int(level),
			"level_name":     level.String(),
			"triggered_by":   by,
			"cooldown_until": until.Format(time.RFC3339),
			"actions":        strings.Join(ActionsFor(level), ","),
		}
		for key, v := range meta {
			md[key] = v
		}
		if len(failed) > 0 {
			md["failed_actions"] = strings.Join(failed, ",")
		}
		if persistErr != nil {
			md["persist_error"] = persistErr.Error()
		}
		k.alerts.Send(alerts.Alert{
			Title:     fmt.Sprintf("Kill switch TRIGGERED (level %d, %s)", level, level.String()),
			Severity:  alerts.SeverityCritical,
			Reason:    reason,
			Metadata:  md,
			Timestamp: now,
		})
	}
	return persistErr
}

// Reset clears a trigger. Without force it is refused until the cooldown has
// passed. A successful reset clears balance tracking and leaves the switch
// disarmed. Resetting an untriggered switch succeeds without changes.
func (k *KillSwitch) Reset(authorizedBy string, force bool) (bool, error) {
	if strings.TrimSpace(authorizedBy) == "" {
		return false, ErrMissingActor
	}
	var ok bool
	err := k.mutate(false, func(now time.Time) error {
		if !k.state.Triggered {
			ok = true
			return nil
		}
		if !force && k.state.CooldownUntil != nil && now.Before(*k.state.CooldownUntil) {
			k.metrics.IncReset("refused")
			k.log.Warn().
				Str("authorized_by", authorizedBy).
				Time("cooldown_until", *k.state.CooldownUntil).
				Dur("remaining", k.state.CooldownUntil.Sub(now)).
				Msg("kill switch reset refused during cooldown")
			return nil
		}

		prev := k.state.clone()
		k.state.clearTrigger()
		k.state.Armed = false
		k.state.PeakBalance = nil
		k.state.SessionStartBalance = nil
		if err := k.persistLocked(); err != nil {
			k.state = prev
			return err
		}
		ok = true

		outcome := "ok"
		if force {
			outcome = "forced"
		}
		k.metrics.IncReset(outcome)
		k.metrics.SetBalanceTracking(0, 0)
		k.log.Info().Str("authorized_by", authorizedBy).Bool("force", force).Msg("kill switch reset, now disarmed")

		if k.alerts != nil {
			k.alerts.Send(alerts.Alert{
				Title:    "Kill switch RESET",
				Severity: alerts.SeverityInfo,
				Reason:   "manual_reset",
				Metadata: map[string]any{
					"authorized_by":   authorizedBy,
					"force":           force,
					"previous_level":  int(prev.TriggerLevel),
					"previous_reason": prev.TriggerReason,
				},
				Timestamp: now,
			})
		}
		return nil
	})
	return ok, err
}

// Status is the operator view of the switch.
type Status struct {
	State               Phase      `json:"state"`
	Armed               bool       `json:"armed"`
	Triggered           bool       `json:"triggered"`
	TradingAllowed      bool       `json:"trading_allowed"`
	Level               Level      `json:"level"`
	LevelName           string     `json:"level_name"`
	Actions             []string   `json:"actions,omitempty"`
	TriggerReason       string     `json:"trigger_reason,omitempty"`
	TriggeredBy         string     `json:"triggered_by,omitempty"`
	TriggerTime         *time.Time `json:"trigger_time,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	CooldownRemaining   string     `json:"cooldown_remaining,omitempty"`
	CanReset            bool       `json:"can_reset"`
	PeakBalance         *float64   `json:"peak_balance,omitempty"`
	SessionStartBalance *float64   `json:"session_start_balance,omitempty"`
	CircuitBreakerPct   float64    `json:"circuit_breaker_pct"`
	DailyLossLimitPct   float64    `json:"daily_loss_limit_pct"`
	CooldownHours       float64    `json:"cooldown_hours"`
	HistoryCount        int        `json:"history_count"`
}

// Status never fails. It refreshes from the store when it can and otherwise
// reports the in-memory state.
func (k *KillSwitch) Status() Status {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reloadLocked()

	st := k.state.clone()
	now := k.clock()
	level := k.levelLocked()
	out := Status{
		State:               st.Phase(),
		Armed:               st.Armed,
		Triggered:           st.Triggered,
		TradingAllowed:      !st.Triggered,
		Level:               level,
		LevelName:           level.String(),
		Actions:             ActionsFor(level),
		TriggerReason:       st.TriggerReason,
		TriggeredBy:         st.TriggeredBy,
		TriggerTime:         st.TriggerTime,
		CooldownUntil:       st.CooldownUntil,
		CanReset:            !st.Triggered,
		PeakBalance:         st.PeakBalance,
		SessionStartBalance: st.SessionStartBalance,
		CircuitBreakerPct:   k.cfg.CircuitBreakerPct,
		DailyLossLimitPct:   k.cfg.DailyLossLimitPct,
		CooldownHours:       k.cfg.CooldownHours,
		HistoryCount:        len(st.History),
	}
	if st.Triggered && st.CooldownUntil != nil {
		if remaining := st.CooldownUntil.Sub(now); remaining > 0 {
			out.CooldownRemaining = remaining.Round(time.Second).String()
		} else {
			out.CanReset = true
		}
	}
	return out
}

// History returns up to limit of the most recent trigger events, oldest
// first. A limit <= 0 returns everything.
func (k *KillSwitch) History(limit int) []HistoryEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reloadLocked()

	h := k.state.History
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	out := cloneHistory(h)
	if out == nil {
		out = []HistoryEntry{}
	}
	return out
}

// TradingAllowed is false while triggered.
func (k *KillSwitch) TradingAllowed() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reloadLocked()
	return !k.state.Triggered
}

// Level is the active response level, LevelNone when not triggered.
func (k *KillSwitch) Level() Level {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.reloadLocked()
	return k.levelLocked()
}

// State returns a copy of the in-memory record.
func (k *KillSwitch) State() State {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state.clone()
}

// pctChange is rounded to 1e-9 so a move landing exactly on a threshold
// compares equal to it instead of missing by float noise.
func pctChange(current, base float64) float64 {
	if base == 0 {
		return 0
	}
	return math.Round((current-base)/base*100*1e9) / 1e9
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
