package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Rajchodisetti/flowdesk/internal/observ"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine until interrupted",
	Long: `Run reconciles once, then drives trading cycles, periodic reconciliation
and (when enabled) the weight tuner until SIGINT or SIGTERM. An in-flight
cycle is allowed to finish before exit.

When metrics are enabled, /metrics and /health are served on metrics.addr.`,
	RunE: runEngine,
}

func runEngine(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.http != nil {
		if err := e.http.CheckCompatibility(ctx); err != nil {
			return err
		}
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return e.scheduler.Run(ctx)
	})
	if cfg.Metrics.Enabled {
		srv := metricsServer(cfg.Metrics.Addr)
		group.Go(func() error {
			observ.Log("metrics_listening", map[string]any{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	err = group.Wait()
	observ.Log("engine_stopped", map[string]any{"error": errString(err)})
	return err
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/health", observ.HealthHandler())
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
