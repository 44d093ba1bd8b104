package observ

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the Prometheus bundle shared by the kill switch, the allocator
// and the alert dispatcher. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	KillSwitchArmed     prometheus.Gauge
	KillSwitchTriggered prometheus.Gauge
	KillSwitchLevel     prometheus.Gauge
	KillSwitchTriggers  *prometheus.CounterVec
	KillSwitchResets    *prometheus.CounterVec
	ResponseFailures    *prometheus.CounterVec
	PersistErrors       prometheus.Counter
	PeakBalance         prometheus.Gauge
	DrawdownFromPeakPct prometheus.Gauge

	AllocationExposure prometheus.Gauge
	AllocationHHI      prometheus.Gauge
	AllocationVaR      prometheus.Gauge
	SectorExposurePct  *prometheus.GaugeVec
	RebalanceOrders    *prometheus.CounterVec
	OutboxOrders       *prometheus.CounterVec

	AlertsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,

		KillSwitchArmed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_killswitch_armed",
			Help: "1 when automatic kill switch monitoring is armed",
		}),
		KillSwitchTriggered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_killswitch_triggered",
			Help: "1 while the kill switch is latched",
		}),
		KillSwitchLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_killswitch_level",
			Help: "Active response level (0 when not triggered)",
		}),
		KillSwitchTriggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_killswitch_triggers_total",
			Help: "Kill switch trigger events by reason and level",
		}, []string{"reason", "level"}),
		KillSwitchResets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_killswitch_resets_total",
			Help: "Reset attempts by outcome",
		}, []string{"outcome"}),
		ResponseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_killswitch_response_failures_total",
			Help: "Graduated response actions that returned an error",
		}, []string{"action"}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "predict_killswitch_persist_errors_total",
			Help: "Failed kill switch state writes",
		}),
		PeakBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_killswitch_peak_balance",
			Help: "Session peak balance tracked by the circuit breaker",
		}),
		DrawdownFromPeakPct: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_killswitch_drawdown_from_peak_pct",
			Help: "Last observed change from peak balance in percent",
		}),

		AllocationExposure: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_portfolio_exposure_usd",
			Help: "Total held exposure at the last analysis",
		}),
		AllocationHHI: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_portfolio_hhi",
			Help: "Herfindahl-Hirschman concentration of held exposure",
		}),
		AllocationVaR: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predict_portfolio_var_usd",
			Help: "Historical value at risk of held exposure",
		}),
		SectorExposurePct: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "predict_portfolio_sector_exposure_pct",
			Help: "Held exposure per sector as percent of bankroll",
		}, []string{"sector"}),
		RebalanceOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_portfolio_rebalance_orders_total",
			Help: "Rebalance orders emitted by side",
		}, []string{"side"}),
		OutboxOrders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_outbox_orders_total",
			Help: "Orders handed to the outbox by result (written, duplicate or the block reason)",
		}, []string{"result"}),

		AlertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predict_alerts_total",
			Help: "Alert dispatch attempts by notifier and result",
		}, []string{"notifier", "result"}),
	}

	reg.MustRegister(
		m.KillSwitchArmed, m.KillSwitchTriggered, m.KillSwitchLevel,
		m.KillSwitchTriggers, m.KillSwitchResets, m.ResponseFailures,
		m.PersistErrors, m.PeakBalance, m.DrawdownFromPeakPct,
		m.AllocationExposure, m.AllocationHHI, m.AllocationVaR,
		m.SectorExposurePct, m.RebalanceOrders, m.OutboxOrders, m.AlertsTotal,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetKillSwitchState mirrors the persisted switch flags into gauges.
func (m *Metrics) SetKillSwitchState(armed, triggered bool, level int) {
	if m == nil {
		return
	}
	m.KillSwitchArmed.Set(boolGauge(armed))
	m.KillSwitchTriggered.Set(boolGauge(triggered))
	m.KillSwitchLevel.Set(float64(level))
}

func (m *Metrics) IncTrigger(reason, level string) {
	if m == nil {
		return
	}
	m.KillSwitchTriggers.WithLabelValues(reason, level).Inc()
}

func (m *Metrics) IncReset(outcome string) {
	if m == nil {
		return
	}
	m.KillSwitchResets.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncResponseFailure(action string) {
	if m == nil {
		return
	}
	m.ResponseFailures.WithLabelValues(action).Inc()
}

func (m *Metrics) IncPersistError() {
	if m == nil {
		return
	}
	m.PersistErrors.Inc()
}

func (m *Metrics) SetBalanceTracking(peak, drawdownPct float64) {
	if m == nil {
		return
	}
	m.PeakBalance.Set(peak)
	m.DrawdownFromPeakPct.Set(drawdownPct)
}

// SetPortfolio records the headline numbers of a portfolio analysis.
func (m *Metrics) SetPortfolio(exposure, hhi, valueAtRisk float64, sectorPct map[string]float64) {
	if m == nil {
		return
	}
	m.AllocationExposure.Set(exposure)
	m.AllocationHHI.Set(hhi)
	m.AllocationVaR.Set(valueAtRisk)
	for sector, pct := range sectorPct {
		m.SectorExposurePct.WithLabelValues(sector).Set(pct)
	}
}

func (m *Metrics) IncRebalanceOrder(side string) {
	if m == nil {
		return
	}
	m.RebalanceOrders.WithLabelValues(side).Inc()
}

func (m *Metrics) IncOutboxOrder(result string) {
	if m == nil {
		return
	}
	m.OutboxOrders.WithLabelValues(result).Inc()
}

func (m *Metrics) IncAlert(notifier, result string) {
	if m == nil {
		return
	}
	m.AlertsTotal.WithLabelValues(notifier, result).Inc()
}
