package risk

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var (
	ErrTriggered      = errors.New("kill switch is triggered")
	ErrInvalidLevel   = errors.New("invalid kill switch level")
	ErrInvalidBalance = errors.New("invalid balance")
	ErrStateNotFound  = errors.New("kill switch state not found")
	ErrLockTimeout    = errors.New("timed out waiting for kill switch state lock")
	ErrMissingActor   = errors.New("actor is required")
)

// Level is the ordinal severity of a trigger. Responses are cumulative, so
// callers compare with >= rather than matching exact values.
type Level int

const (
	LevelNone            Level = 0
	LevelStopNewTrades   Level = 1
	LevelCloseProfitable Level = 2
	LevelCloseAll        Level = 3
	LevelShutdown        Level = 4
)

const maxLevel = LevelShutdown

func (l Level) Valid() bool {
	return l >= LevelStopNewTrades && l <= maxLevel
}

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelStopNewTrades:
		return "stop_new_trades"
	case LevelCloseProfitable:
		return "close_profitable"
	case LevelCloseAll:
		return "close_all"
	case LevelShutdown:
		return "full_shutdown"
	}
	return "level_" + strconv.Itoa(int(l))
}

// ParseLevel accepts an ordinal ("3") or a level name ("close_all").
func ParseLevel(s string) (Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, err := strconv.Atoi(s); err == nil {
		if l := Level(n); l.Valid() {
			return l, nil
		}
		return LevelNone, fmt.Errorf("%w: %d", ErrInvalidLevel, n)
	}
	for l := LevelStopNewTrades; l <= maxLevel; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("%w: %q", ErrInvalidLevel, s)
}

// Trigger reasons and the actor recorded for automatic triggers.
const (
	ReasonFileSystem     = "file_system"
	ReasonCircuitBreaker = "circuit_breaker"
	ReasonDailyLoss      = "daily_loss_limit"
	ActorSystem          = "system"
)

// Phase is the externally visible state machine position.
type Phase string

const (
	PhaseIdle      Phase = "IDLE"
	PhaseArmed     Phase = "ARMED"
	PhaseTriggered Phase = "TRIGGERED"
)

// HistoryEntry records one trigger. Entries are never modified once written.
type HistoryEntry struct {
	ID          string    `json:"id"`
	Time        time.Time `json:"time"`
	Level       Level     `json:"level"`
	Reason      string    `json:"reason"`
	TriggeredBy string    `json:"triggered_by"`
	Balance     *float64  `json:"balance,omitempty"`
	PeakBalance *float64  `json:"peak_balance,omitempty"`
}

// State is the persisted kill switch record. Unknown fields in the state file
// are ignored on load.
type State struct {
	Armed               bool           `json:"armed"`
	Triggered           bool           `json:"triggered"`
	TriggerLevel        Level          `json:"trigger_level"`
	TriggerTime         *time.Time     `json:"trigger_time"`
	TriggerReason       string         `json:"trigger_reason"`
	TriggeredBy         string         `json:"triggered_by"`
	CooldownUntil       *time.Time     `json:"cooldown_until"`
	PeakBalance         *float64       `json:"peak_balance"`
	SessionStartBalance *float64       `json:"session_start_balance"`
	History             []HistoryEntry `json:"history"`
}

func (s State) Phase() Phase {
	switch {
	case s.Triggered:
		return PhaseTriggered
	case s.Armed:
		return PhaseArmed
	default:
		return PhaseIdle
	}
}

// repair fills in trigger fields a hand-edited or older file may lack. A
// triggered record always stays triggered; missing pieces are made stricter,
// never looser. It reports whether anything changed.
func (s *State) repair(now time.Time, cooldown time.Duration) bool {
	if !s.Triggered {
		return false
	}
	changed := false
	if !s.TriggerLevel.Valid() {
		s.TriggerLevel = LevelShutdown
		changed = true
	}
	if s.TriggerTime == nil {
		t := now
		s.TriggerTime = &t
		changed = true
	}
	if s.CooldownUntil == nil {
		until := s.TriggerTime.Add(cooldown)
		s.CooldownUntil = &until
		changed = true
	}
	return changed
}

func (s *State) clearTrigger() {
	s.Triggered = false
	s.TriggerLevel = LevelNone
	s.TriggerTime = nil
	s.TriggerReason = ""
	s.TriggeredBy = ""
	s.CooldownUntil = nil
}

func (s State) clone() State {
	out := s
	out.TriggerTime = copyTime(s.TriggerTime)
	out.CooldownUntil = copyTime(s.CooldownUntil)
	out.PeakBalance = copyFloat(s.PeakBalance)
	out.SessionStartBalance = copyFloat(s.SessionStartBalance)
	out.History = cloneHistory(s.History)
	return out
}

func (e HistoryEntry) clone() HistoryEntry {
	e.Balance = copyFloat(e.Balance)
	e.PeakBalance = copyFloat(e.PeakBalance)
	return e
}

func cloneHistory(h []HistoryEntry) []HistoryEntry {
	if h == nil {
		return nil
	}
	out := make([]HistoryEntry, len(h))
	for i, e := range h {
		out[i] = e.clone()
	}
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func copyFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

func floatPtr(f float64) *float64 { return &f }
