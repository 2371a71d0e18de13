// Command agent is the opsmap agent binary. It loads a YAML configuration
// file, connects to its gateway, runs the scheduled checks it is assigned,
// executes commands on the gateway's behalf, exposes a /healthz liveness
// endpoint and a Prometheus /metrics endpoint, and shuts down gracefully on
// SIGTERM or SIGINT.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/fredericcarre/opsmap/internal/agent"
	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/config"
	"github.com/fredericcarre/opsmap/internal/metrics"
)

func main() {
	var configPath string
	var listenAddr string

	root := &cobra.Command{
		Use:   "opsmap-agent",
		Short: "Run the opsmap agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, listenAddr)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/opsmap/agent.yaml", "path to the agent YAML configuration file")
	root.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9100", "listen address for /healthz and /metrics")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opsmap-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, listenAddr string) error {
	cfg, err := config.LoadAgentConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("agent_id", cfg.Agent.ID),
		slog.String("gateway_url", cfg.Gateway.URL),
	)

	agentMetrics := metrics.NewAgentMetrics(prometheus.DefaultRegisterer)

	ag, err := agent.New(cfg, logger, checks.NewRegistry(), agentMetrics)
	if err != nil {
		return fmt.Errorf("opsmap-agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ag.Start(ctx); err != nil {
		return fmt.Errorf("opsmap-agent: failed to start: %w", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", ag.HealthzHandler)
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server listening", slog.String("addr", listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", slog.Any("error", err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	ag.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("opsmap agent exited cleanly")
	return nil
}

// newLogger constructs a *slog.Logger that writes JSON-structured log records
// to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
