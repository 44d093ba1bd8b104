package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/predict-risk/internal/api"
	"github.com/Rajchodisetti/predict-risk/internal/observ"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the operator HTTP API",
	Long: `Serves the kill switch and allocator over HTTP.

  GET  /health                         liveness and trading_allowed (no auth)
  GET  /metrics                        Prometheus metrics (no auth)
  GET  /api/v1/killswitch              status
  GET  /api/v1/killswitch/history      trigger history
  POST /api/v1/killswitch/arm          {"armed": true}
  POST /api/v1/killswitch/check        {"balance": 10000}
  POST /api/v1/killswitch/trigger      {"reason": "...", "level": "close_all"}
  POST /api/v1/killswitch/reset        {"force": false}
  GET  /api/v1/portfolio/allocation
  GET  /api/v1/portfolio/rebalance?threshold=0.05
  GET  /api/v1/portfolio/analysis
  GET  /api/v1/portfolio/positions/{id}/risk

API calls need "Authorization: Bearer <token>" for an operator from
server.operators or RISK_OPERATOR_TOKENS.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		if serveAddr != "" {
			a.cfg.Server.Addr = serveAddr
		}
		if len(a.cfg.Server.Operators) == 0 {
			return fmt.Errorf("no operators configured: set server.operators or RISK_OPERATOR_TOKENS")
		}

		ks, err := a.killSwitch()
		if err != nil {
			return err
		}
		engine, err := a.engine(snapshotPath)
		if err != nil {
			return err
		}
		auth, err := api.NewAuthorizer(a.cfg.Server.Operators, observ.Component(a.log, "auth"))
		if err != nil {
			return err
		}
		srv := api.NewServer(ks, engine, auth, a.metrics, a.log, a.cfg.Allocation.DriftThreshold)

		httpServer := &http.Server{
			Addr:         a.cfg.Server.Addr,
			Handler:      srv.Router(),
			ReadTimeout:  a.cfg.Server.ReadTimeout,
			WriteTimeout: a.cfg.Server.WriteTimeout,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			st := ks.Status()
			a.log.Info().
				Str("addr", httpServer.Addr).
				Str("state", string(st.State)).
				Bool("trading_allowed", st.TradingAllowed).
				Int("operators", len(a.cfg.Server.Operators)).
				Msg("risk API listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		a.log.Info().Msg("shutting down risk API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	serveCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "Portfolio snapshot served by the allocation endpoints")
	rootCmd.AddCommand(serveCmd)
}
