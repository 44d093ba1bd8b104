package risk

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Responder is the execution layer's half of the graduated shutdown.
type Responder interface {
	StopNewTrades(ctx context.Context) error
	CloseProfitablePositions(ctx context.Context) error
	CloseAllPositions(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

type responseAction struct {
	minLevel Level
	name     string
	run      func(Responder, context.Context) error
}

// Each action runs when the trigger level is at least minLevel, so a level N
// trigger performs every action up to N.
var responseActions = []responseAction{
	{minLevel: LevelStopNewTrades, name: "stop_new_trades", run: Responder.StopNewTrades},
	{minLevel: LevelCloseProfitable, name: "close_profitable_positions", run: Responder.CloseProfitablePositions},
	{minLevel: LevelCloseAll, name: "close_all_positions", run: Responder.CloseAllPositions},
	{minLevel: LevelShutdown, name: "shutdown", run: Responder.Shutdown},
}

// ActionsFor lists the response action names a level performs, in order.
func ActionsFor(level Level) []string {
	var names []string
	for _, a := range responseActions {
		if level >= a.minLevel {
			names = append(names, a.name)
		}
	}
	return names
}

// respond runs the actions for level and returns the names of the ones that
// failed. Each action gets its own ResponseTimeout; one that overruns counts
// as failed and the next action still runs. Failures never propagate.
func (k *KillSwitch) respond(ctx context.Context, level Level) []string {
	if k.responder == nil {
		return nil
	}
	var failed []string
	for _, a := range responseActions {
		if level < a.minLevel {
			continue
		}
		actx, cancel := context.WithTimeout(ctx, k.cfg.ResponseTimeout)
		err := runAction(actx, k.responder, a)
		cancel()
		if err != nil {
			failed = append(failed, a.name)
			k.metrics.IncResponseFailure(a.name)
			k.log.Error().Err(err).
				Str("severity", "critical").
				Str("action", a.name).
				Int("level", int(level)).
				Msg("kill switch response action failed, switch stays triggered")
			continue
		}
		k.log.Info().Str("action", a.name).Int("level", int(level)).Msg("kill switch response action done")
	}
	return failed
}

// runAction waits for the action or ctx, whichever ends first. A responder
// that ignores ctx is abandoned in its goroutine.
func runAction(ctx context.Context, r Responder, a responseAction) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("panic in %s: %v", a.name, rec)
			}
		}()
		done <- a.run(r, ctx)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s did not finish: %w", a.name, ctx.Err())
	}
}

// LogResponder only logs each action. It stands in when no execution layer is
// attached, e.g. from the CLI.
type LogResponder struct {
	log zerolog.Logger
}

func NewLogResponder(log zerolog.Logger) *LogResponder {
	return &LogResponder{log: log}
}

func (r *LogResponder) StopNewTrades(context.Context) error {
	r.log.Warn().Msg("response: stop accepting new trades")
	return nil
}

func (r *LogResponder) CloseProfitablePositions(context.Context) error {
	r.log.Warn().Msg("response: close profitable positions")
	return nil
}

func (r *LogResponder) CloseAllPositions(context.Context) error {
	r.log.Warn().Msg("response: close all positions")
	return nil
}

func (r *LogResponder) Shutdown(context.Context) error {
	r.log.Warn().Msg("response: full shutdown requested")
	return nil
}
