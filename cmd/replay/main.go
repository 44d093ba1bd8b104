// Command replay runs a recorded balance series through a kill switch with a
// throwaway state file and prints every state transition. It is used to
// check threshold settings against past sessions before changing them live.
package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

// step is one recorded event. Exactly one of Balance, Trigger or ResetBy is
// expected per step.
type step struct {
	At      time.Time `yaml:"at"`
	Balance *float64  `yaml:"balance"`
	Trigger string    `yaml:"trigger"` // level, manual trigger by "replay"
	ResetBy string    `yaml:"reset_by"`
	Force   bool      `yaml:"force"`
	Arm     *bool     `yaml:"arm"`
}

type session struct {
	KillSwitch risk.Config `yaml:"kill_switch"`
	Steps      []step      `yaml:"steps"`
}

func mustRead(path string, v any) {
	b, err := os.ReadFile(path)
	if err != nil {
		log.Fatalf("read %s: %v", path, err)
	}
	if err := yaml.Unmarshal(b, v); err != nil {
		log.Fatalf("yaml %s: %v", path, err)
	}
}

func main() {
	log.SetFlags(0)
	path := "cmd/replay/testdata/drawdown.yaml"
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	var s session
	mustRead(path, &s)

	dir, err := os.MkdirTemp("", "killswitch-replay-")
	if err != nil {
		log.Fatalf("temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg := s.KillSwitch
	cfg.StatePath = filepath.Join(dir, "killswitch.json")
	cfg.SentinelPath = ""
	cfg.RedisSentinelKey = ""

	var now time.Time
	ks := risk.New(cfg, risk.NewFileStore(cfg.StatePath, false),
		risk.WithClock(func() time.Time { return now }),
		risk.WithLogger(observ.NewLogger(observ.LogConfig{Level: "warn", Format: "console"}, os.Stderr)),
	)

	// Sessions start armed unless the first step says otherwise.
	if len(s.Steps) > 0 {
		now = s.Steps[0].At
	}
	if err := ks.Arm(true); err != nil {
		log.Fatalf("arm: %v", err)
	}

	prev := ks.Status().State
	fmt.Printf("%-25s %-12s %-10s %s\n", "TIME", "EVENT", "STATE", "DETAIL")
	for i, st := range s.Steps {
		if !st.At.IsZero() {
			now = st.At
		}
		event, detail := apply(ks, st)
		cur := ks.Status()
		if cur.State != prev {
			detail = fmt.Sprintf("%s -> %s %s", prev, cur.State, detail)
		}
		prev = cur.State
		fmt.Printf("%-25s %-12s %-10s %s\n", now.Format(time.RFC3339), event, cur.State, detail)
		if event == "invalid" {
			log.Printf("step %d ignored", i)
		}
	}

	fmt.Println()
	for _, h := range ks.History(0) {
		fmt.Printf("trigger %s level=%d reason=%s by=%s\n", h.Time.Format(time.RFC3339), h.Level, h.Reason, h.TriggeredBy)
	}
}

func apply(ks *risk.KillSwitch, st step) (event, detail string) {
	switch {
	case st.Arm != nil:
		if err := ks.Arm(*st.Arm); err != nil {
			return "arm", "refused: " + err.Error()
		}
		return "arm", fmt.Sprintf("armed=%t", *st.Arm)
	case st.Balance != nil:
		fired, err := ks.Check(*st.Balance)
		if err != nil {
			return "check", "error: " + err.Error()
		}
		detail = fmt.Sprintf("balance=%.2f", *st.Balance)
		if fired {
			s := ks.Status()
			detail += fmt.Sprintf(" fired %s level=%d", s.TriggerReason, s.Level)
		}
		return "check", detail
	case st.Trigger != "":
		level, err := risk.ParseLevel(st.Trigger)
		if err != nil {
			return "invalid", err.Error()
		}
		fired, err := ks.Trigger("replay", level, "replay")
		if err != nil {
			return "trigger", "error: " + err.Error()
		}
		return "trigger", fmt.Sprintf("level=%d fired=%t", level, fired)
	case st.ResetBy != "":
		ok, err := ks.Reset(st.ResetBy, st.Force)
		if err != nil {
			return "reset", "error: " + err.Error()
		}
		if !ok {
			return "reset", "refused, cooldown " + ks.Status().CooldownRemaining
		}
		return "reset", "by " + st.ResetBy
	}
	return "invalid", "empty step"
}
