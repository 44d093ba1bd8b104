package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

func TestDrawdownFixture(t *testing.T) {
	b, err := os.ReadFile(filepath.Join("testdata", "drawdown.yaml"))
	require.NoError(t, err)
	var s session
	require.NoError(t, yaml.Unmarshal(b, &s))

	cfg := s.KillSwitch
	cfg.StatePath = filepath.Join(t.TempDir(), "ks.json")
	now := s.Steps[0].At
	ks := risk.New(cfg, risk.NewFileStore(cfg.StatePath, false), risk.WithClock(func() time.Time { return now }))
	require.NoError(t, ks.Arm(true))

	var events []string
	var phases []risk.Phase
	for _, st := range s.Steps {
		now = st.At
		event, _ := apply(ks, st)
		events = append(events, event)
		phases = append(phases, ks.Status().State)
	}

	assert.NotContains(t, events, "invalid")
	assert.Equal(t, []risk.Phase{
		risk.PhaseArmed, risk.PhaseArmed, risk.PhaseArmed, risk.PhaseArmed,
		risk.PhaseTriggered, risk.PhaseTriggered, // 1020 is exactly -15% from 1200
		risk.PhaseTriggered, // reset refused during cooldown
		risk.PhaseIdle,
		risk.PhaseArmed, risk.PhaseArmed,
		risk.PhaseTriggered,
	}, phases)

	h := ks.History(0)
	require.Len(t, h, 2)
	assert.Equal(t, risk.ReasonCircuitBreaker, h[0].Reason)
	assert.Equal(t, risk.LevelCloseAll, h[0].Level)
	assert.Equal(t, "replay", h[1].TriggeredBy)
	assert.Equal(t, risk.LevelStopNewTrades, h[1].Level)
}
