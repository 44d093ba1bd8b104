package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/Rajchodisetti/predict-risk/internal/observ"
)

// DispatcherConfig bounds how alerts go out.
type DispatcherConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	RatePerMinute   int           `yaml:"rate_per_minute"`
	Burst           int           `yaml:"burst"`
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 3
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = time.Minute
	}
	return c
}

type route struct {
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker
}

// Dispatcher fans an alert out to every notifier in the background. Each
// notifier gets exactly one attempt with a bounded timeout; there are no
// retries. A notifier that keeps failing is skipped by its circuit breaker
// until the cooldown passes. Critical alerts bypass the rate limit.
type Dispatcher struct {
	cfg     DispatcherConfig
	routes  []route
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *observ.Metrics
	wg      sync.WaitGroup
}

func NewDispatcher(cfg DispatcherConfig, log zerolog.Logger, metrics *observ.Metrics, notifiers ...Notifier) *Dispatcher {
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.Burst),
		log:     observ.Component(log, "alerts"),
		metrics: metrics,
	}
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		d.routes = append(d.routes, route{
			notifier: n,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    n.Name(),
				Timeout: cfg.BreakerCooldown,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= cfg.BreakerFailures
				},
			}),
		})
	}
	return d
}

// Send returns immediately; delivery happens on background goroutines.
func (d *Dispatcher) Send(a Alert) {
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if a.Severity != SeverityCritical && !d.limiter.Allow() {
		d.log.Warn().Str("title", a.Title).Msg("alert dropped by rate limit")
		for _, r := range d.routes {
			d.metrics.IncAlert(r.notifier.Name(), "rate_limited")
		}
		return
	}
	for _, r := range d.routes {
		d.wg.Add(1)
		go d.deliver(r, a)
	}
}

func (d *Dispatcher) deliver(r route, a Alert) {
	defer d.wg.Done()
	name := r.notifier.Name()
	defer func() {
		if rec := recover(); rec != nil {
			d.log.Error().Str("notifier", name).Interface("panic", rec).Msg("notifier panicked")
			d.metrics.IncAlert(name, "panic")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		return nil, r.notifier.Notify(ctx, a)
	})
	switch {
	case err == nil:
		d.metrics.IncAlert(name, "sent")
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		d.log.Warn().Str("notifier", name).Str("title", a.Title).Msg("notifier circuit open, alert skipped")
		d.metrics.IncAlert(name, "skipped")
	default:
		d.log.Error().Err(err).Str("notifier", name).Str("title", a.Title).Msg("alert delivery failed")
		d.metrics.IncAlert(name, "failed")
	}
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
