package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

// Server exposes the kill switch and the allocator to operators.
type Server struct {
	ks             *risk.KillSwitch
	engine         *portfolio.Engine
	auth           *Authorizer
	metrics        *observ.Metrics
	log            zerolog.Logger
	driftThreshold float64
}

func NewServer(ks *risk.KillSwitch, engine *portfolio.Engine, auth *Authorizer, metrics *observ.Metrics, log zerolog.Logger, driftThreshold float64) *Server {
	return &Server{
		ks:             ks,
		engine:         engine,
		auth:           auth,
		metrics:        metrics,
		log:            observ.Component(log, "api"),
		driftThreshold: driftThreshold,
	}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":          "ok",
			"trading_allowed": s.ks.TradingAllowed(),
		})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Route("/killswitch", func(r chi.Router) {
			r.With(s.auth.Require(PermissionView)).Get("/", s.getStatus)
			r.With(s.auth.Require(PermissionView)).Get("/history", s.getHistory)
			r.With(s.auth.Require(PermissionArm)).Post("/arm", s.postArm)
			r.With(s.auth.Require(PermissionTrigger)).Post("/check", s.postCheck)
			r.With(s.auth.Require(PermissionTrigger)).Post("/trigger", s.postTrigger)
			r.With(s.auth.Require(PermissionReset)).Post("/reset", s.postReset)
		})

		r.Route("/portfolio", func(r chi.Router) {
			r.Use(s.auth.Require(PermissionView))
			r.Get("/allocation", s.getAllocation)
			r.Get("/rebalance", s.getRebalance)
			r.Get("/analysis", s.getAnalysis)
			r.Get("/positions/{marketID}/risk", s.getPositionRisk)
		})
	})
	return r
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ks.Status())
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.ks.History(limit))
}

type armRequest struct {
	Armed *bool `json:"armed"`
}

func (s *Server) postArm(w http.ResponseWriter, r *http.Request) {
	var req armRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Armed == nil {
		writeError(w, "armed is required", http.StatusBadRequest)
		return
	}
	armed := *req.Armed
	op, _ := operatorFrom(r.Context())
	if err := s.ks.Arm(armed); err != nil {
		if errors.Is(err, risk.ErrTriggered) {
			writeError(w, "kill switch is triggered; reset it first", http.StatusConflict)
			return
		}
		s.log.Error().Err(err).Str("operator", op.Name).Msg("arm failed")
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info().Str("operator", op.Name).Bool("armed", armed).Msg("kill switch arm changed by operator")
	writeJSON(w, http.StatusOK, s.ks.Status())
}

type checkRequest struct {
	Balance *float64 `json:"balance"`
}

func (s *Server) postCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Balance == nil {
		writeError(w, "balance is required", http.StatusBadRequest)
		return
	}
	fired, err := s.ks.Check(*req.Balance)
	if errors.Is(err, risk.ErrInvalidBalance) {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := map[string]any{"triggered": fired, "status": s.ks.Status()}
	if err != nil {
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type triggerRequest struct {
	Reason string `json:"reason"`
	Level  string `json:"level"`
}

func (s *Server) postTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}
	level, err := risk.ParseLevel(req.Level)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	op, _ := operatorFrom(r.Context())

	fired, err := s.ks.Trigger(req.Reason, level, op.Name)
	resp := map[string]any{"triggered": fired, "status": s.ks.Status()}
	if err != nil {
		// The trigger still holds in memory; the caller must know it is not durable.
		resp["error"] = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type resetRequest struct {
	Force bool `json:"force"`
}

func (s *Server) postReset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !decode(w, r, &req) {
		return
	}
	op, _ := operatorFrom(r.Context())
	if req.Force && !op.Can(PermissionForceReset) {
		writeError(w, "permission force_reset required", http.StatusForbidden)
		return
	}

	ok, err := s.ks.Reset(op.Name, req.Force)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	status := s.ks.Status()
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"reset":  false,
			"error":  "cooldown has not elapsed",
			"status": status,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reset": true, "status": status})
}

func (s *Server) getAllocation(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bankroll":   s.engine.Bankroll(),
		"allocation": s.engine.OptimalAllocation(),
	})
}

type orderView struct {
	portfolio.Order
	Notional string `json:"notional"`
}

func (s *Server) getRebalance(w http.ResponseWriter, r *http.Request) {
	threshold := s.driftThreshold
	if v := r.URL.Query().Get("threshold"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 {
			writeError(w, "threshold must be a non-negative number", http.StatusBadRequest)
			return
		}
		threshold = f
	}
	orders := s.engine.RebalanceOrders(threshold)
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderView{Order: o, Notional: o.Notional().StringFixed(2)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Analyze())
}

func (s *Server) getPositionRisk(w http.ResponseWriter, r *http.Request) {
	report, ok := s.engine.PositionRisk(chi.URLParam(r, "marketID"))
	if !ok {
		writeError(w, "position not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
