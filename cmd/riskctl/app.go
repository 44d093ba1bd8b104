package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/predict-risk/internal/alerts"
	"github.com/Rajchodisetti/predict-risk/internal/config"
	"github.com/Rajchodisetti/predict-risk/internal/observ"
	"github.com/Rajchodisetti/predict-risk/internal/portfolio"
	"github.com/Rajchodisetti/predict-risk/internal/risk"
)

// app holds everything a command needs, built once from config.
type app struct {
	cfg        config.Root
	log        zerolog.Logger
	metrics    *observ.Metrics
	dispatcher *alerts.Dispatcher
	redis      *redis.Client
}

func newApp() (*app, error) {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return nil, err
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	log := observ.NewLogger(cfg.Logging, os.Stderr)
	metrics := observ.NewMetrics()

	notifiers := []alerts.Notifier{alerts.NewLogNotifier(observ.Component(log, "alert"))}
	if cfg.Alerts.Slack.Enabled {
		notifiers = append(notifiers, alerts.NewSlackNotifier(cfg.Alerts.Slack.WebhookURL, cfg.Alerts.Slack.Channel, cfg.Alerts.Timeout))
	}
	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramNotifier(cfg.Alerts.Telegram.BotToken, cfg.Alerts.Telegram.ChatID, cfg.Alerts.Timeout)
		if err != nil {
			// A dead alert channel must not stop an operator from halting trading.
			log.Error().Err(err).Msg("telegram notifier disabled")
		} else {
			notifiers = append(notifiers, tg)
		}
	}

	a := &app{
		cfg:        cfg,
		log:        log,
		metrics:    metrics,
		dispatcher: alerts.NewDispatcher(cfg.Alerts.DispatcherConfig, log, metrics, notifiers...),
	}
	if cfg.Redis.Addr != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	return a, nil
}

// close waits for in-flight alerts so a one-shot command does not exit
// before its notification is delivered.
func (a *app) close() {
	a.dispatcher.Wait()
	if a.redis != nil {
		a.redis.Close()
	}
}

func (a *app) redisSentinel() *risk.RedisSentinel {
	if a.redis == nil || a.cfg.KillSwitch.RedisSentinelKey == "" {
		return nil
	}
	return risk.NewRedisSentinel(a.redis, a.cfg.KillSwitch.RedisSentinelKey, observ.Component(a.log, "sentinel"))
}

func (a *app) killSwitch() (*risk.KillSwitch, error) {
	path := a.cfg.KillSwitch.StatePath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	opts := []risk.Option{
		risk.WithLogger(a.log),
		risk.WithMetrics(a.metrics),
		risk.WithAlerts(a.dispatcher),
		risk.WithResponder(risk.NewLogResponder(observ.Component(a.log, "response"))),
	}
	if s := a.redisSentinel(); s != nil {
		opts = append(opts, risk.WithSentinels(s))
	}
	return risk.New(a.cfg.KillSwitch, risk.NewFileStore(path, a.cfg.KillSwitch.Lock), opts...), nil
}

// engine builds an allocator from the snapshot file, or an empty book with
// the configured bankroll when there is none.
func (a *app) engine(snapshotPath string) (*portfolio.Engine, error) {
	e := portfolio.NewEngine(decimal.NewFromFloat(a.cfg.Allocation.Bankroll), a.cfg.Allocation.Params, a.log, a.metrics)
	if snapshotPath == "" {
		snapshotPath = a.cfg.Allocation.SnapshotPath
	}
	if snapshotPath == "" {
		return e, nil
	}
	snap, err := portfolio.LoadSnapshot(snapshotPath)
	if err != nil {
		return nil, err
	}
	if snap.Bankroll.IsZero() {
		snap.Bankroll = decimal.NewFromFloat(a.cfg.Allocation.Bankroll)
	}
	if err := e.Replace(snap); err != nil {
		return nil, err
	}
	return e, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
