package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/predict-risk/internal/config"
	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

const (
	viewerToken = "viewer-token"
	opsToken    = "ops-token"
	leadToken   = "lead-token"
)

func newTestEnv(t *testing.T) (*risk.KillSwitch, chi.Router) {
	t.Helper()
	metrics := observ.NewMetrics()
	ks := risk.New(risk.Config{}, risk.NewFileStore(filepath.Join(t.TempDir(), "ks.json"), false),
		risk.WithMetrics(metrics))

	engine := portfolio.NewEngine(decimal.NewFromInt(10000), portfolio.DefaultParams(), zerolog.Nop(), metrics)
	require.NoError(t, engine.AddPosition("big", 1200, 0.6, 0.5, portfolio.SectorPolitics, []float64{0.1, -0.05, 0.02}))
	require.NoError(t, engine.AddPosition("new", 0, 0.7, 0.5, portfolio.SectorSports, nil))

	auth, err := NewAuthorizer([]config.Operator{
		{Name: "viewer", Token: viewerToken, Permissions: []string{"view"}},
		{Name: "ops", Token: opsToken, Permissions: []string{"view", "arm", "trigger", "reset"}},
		{Name: "lead", Token: leadToken, Permissions: []string{"*"}},
	}, zerolog.Nop())
	require.NoError(t, err)

	return ks, NewServer(ks, engine, auth, metrics, zerolog.Nop(), portfolio.DefaultDriftThreshold).Router()
}

func do(t *testing.T, router chi.Router, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestAuth(t *testing.T) {
	_, router := newTestEnv(t)

	testCases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{name: "no_token", method: "GET", path: "/api/v1/killswitch", want: http.StatusUnauthorized},
		{name: "bad_token", method: "GET", path: "/api/v1/killswitch", token: "nope", want: http.StatusUnauthorized},
		{name: "viewer_reads", method: "GET", path: "/api/v1/killswitch", token: viewerToken, want: http.StatusOK},
		{name: "viewer_cannot_arm", method: "POST", path: "/api/v1/killswitch/arm", token: viewerToken, body: map[string]bool{"armed": true}, want: http.StatusForbidden},
		{name: "viewer_cannot_trigger", method: "POST", path: "/api/v1/killswitch/trigger", token: viewerToken, body: triggerRequest{Level: "1"}, want: http.StatusForbidden},
		{name: "health_is_open", method: "GET", path: "/health", want: http.StatusOK},
		{name: "metrics_is_open", method: "GET", path: "/metrics", want: http.StatusOK},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, tc.method, tc.path, tc.token, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestKillSwitchLifecycle(t *testing.T) {
	ks, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/killswitch/arm", opsToken, map[string]bool{"armed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "ARMED", decodeBody(t, w)["state"])

	w = do(t, router, "POST", "/api/v1/killswitch/check", opsToken, map[string]float64{"balance": 1000})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decodeBody(t, w)["triggered"])

	w = do(t, router, "POST", "/api/v1/killswitch/trigger", opsToken, triggerRequest{Reason: "venue outage", Level: "close_profitable"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, true, decodeBody(t, w)["triggered"])
	assert.Equal(t, "ops", ks.State().TriggeredBy)
	assert.Equal(t, risk.LevelCloseProfitable, ks.Level())

	w = do(t, router, "POST", "/api/v1/killswitch/trigger", opsToken, triggerRequest{Level: "4"})
	assert.Equal(t, false, decodeBody(t, w)["triggered"], "latched")

	w = do(t, router, "POST", "/api/v1/killswitch/arm", opsToken, map[string]bool{"armed": false})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, "POST", "/api/v1/killswitch/reset", opsToken, resetRequest{})
	assert.Equal(t, http.StatusConflict, w.Code, "cooldown")

	w = do(t, router, "POST", "/api/v1/killswitch/reset", opsToken, resetRequest{Force: true})
	assert.Equal(t, http.StatusForbidden, w.Code, "ops lacks force_reset")

	w = do(t, router, "POST", "/api/v1/killswitch/reset", leadToken, resetRequest{Force: true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, ks.TradingAllowed())
	assert.False(t, ks.State().Armed)

	w = do(t, router, "GET", "/api/v1/killswitch/history?limit=5", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []risk.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &history))
	require.Len(t, history, 1)
	assert.Equal(t, "venue outage", history[0].Reason)
}

func TestKillSwitchBadRequests(t *testing.T) {
	_, router := newTestEnv(t)

	testCases := []struct {
		name string
		path string
		body any
	}{
		{name: "bad_level", path: "/api/v1/killswitch/trigger", body: triggerRequest{Level: "7"}},
		{name: "missing_balance", path: "/api/v1/killswitch/check", body: map[string]any{}},
		{name: "unknown_field", path: "/api/v1/killswitch/arm", body: map[string]any{"armed": true, "extra": 1}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, router, "POST", tc.path, leadToken, tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}

	w := do(t, router, "GET", "/api/v1/killswitch/history?limit=-1", leadToken, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArmRequiresExplicitValue(t *testing.T) {
	ks, router := newTestEnv(t)

	w := do(t, router, "POST", "/api/v1/killswitch/arm", opsToken, map[string]bool{"armed": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	for name, body := range map[string]any{"empty_body": nil, "empty_object": map[string]any{}, "null": map[string]any{"armed": nil}} {
		t.Run(name, func(t *testing.T) {
			w := do(t, router, "POST", "/api/v1/killswitch/arm", opsToken, body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Contains(t, w.Body.String(), "armed is required")
			assert.True(t, ks.State().Armed, "switch stays armed")
		})
	}
}

func TestPortfolioEndpoints(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, "GET", "/api/v1/portfolio/allocation", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	alloc := decodeBody(t, w)["allocation"].(map[string]any)
	assert.InDelta(t, 500, alloc["big"], 1e-9)
	assert.InDelta(t, 1000, alloc["new"], 1e-9)

	w = do(t, router, "GET", "/api/v1/portfolio/rebalance", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var orders []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &orders))
	require.Len(t, orders, 2)
	assert.Equal(t, "big", orders[0]["market_id"])
	assert.Equal(t, "sell", orders[0]["side"])
	assert.Equal(t, "700.00", orders[0]["notional"])
	assert.Equal(t, "buy", orders[1]["side"])

	w = do(t, router, "GET", "/api/v1/portfolio/analysis", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 1200, decodeBody(t, w)["total_exposure"], 1e-9)

	w = do(t, router, "GET", "/api/v1/portfolio/positions/big/risk", viewerToken, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 3, decodeBody(t, w)["observations"])

	w = do(t, router, "GET", "/api/v1/portfolio/positions/ghost/risk", viewerToken, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestNewAuthorizerRejectsUnknownPermission(t *testing.T) {
	_, err := NewAuthorizer([]config.Operator{{Name: "x", Token: "t", Permissions: []string{"launch_missiles"}}}, zerolog.Nop())
	assert.Error(t, err)
}
