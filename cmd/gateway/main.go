// Command gateway is the opsmap gateway binary. It loads a YAML
// configuration file, accepts mTLS agent WebSocket connections, maintains a
// single outbound connection to the backend, evicts agents whose heartbeat
// goes stale, records agent connection history, and exposes an operator
// REST surface, shutting down gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/fredericcarre/opsmap/internal/audit"
	"github.com/fredericcarre/opsmap/internal/backendbridge"
	"github.com/fredericcarre/opsmap/internal/config"
	"github.com/fredericcarre/opsmap/internal/gatewaysession"
	"github.com/fredericcarre/opsmap/internal/history"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/server/rest"
	"github.com/fredericcarre/opsmap/internal/sweeper"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "opsmap-gateway",
		Short: "Run the opsmap gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "/etc/opsmap/gateway.yaml", "path to the gateway YAML configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "opsmap-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadGatewayConfig(configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		slog.String("config_path", configPath),
		slog.String("gateway_id", cfg.Gateway.ID),
		slog.String("backend_url", cfg.Backend.URL),
	)

	gwMetrics := metrics.NewGatewayMetrics(prometheus.DefaultRegisterer)
	reg := registry.New()
	backendEvents := make(chan gatewaysession.BackendEvent, 256)

	var hist *history.Store
	if cfg.History.Enabled {
		hist, err = history.Open(cfg.History.FilePath)
		if err != nil {
			return fmt.Errorf("opsmap-gateway: open history store: %w", err)
		}
		defer hist.Close()
		logger.Info("agent connection history enabled", slog.String("path", cfg.History.FilePath))
	}

	var auditLog *audit.Logger
	if cfg.Audit.FilePath != "" {
		auditLog, err = audit.Open(cfg.Audit.FilePath)
		if err != nil {
			return fmt.Errorf("opsmap-gateway: open audit log: %w", err)
		}
		defer auditLog.Close()
		logger.Info("command audit trail enabled", slog.String("path", cfg.Audit.FilePath))
	}

	var pubKey *rsa.PublicKey
	if cfg.Auth.JWTPublicKeyPath != "" {
		pubKey, err = loadRSAPublicKey(cfg.Auth.JWTPublicKeyPath)
		if err != nil {
			return fmt.Errorf("opsmap-gateway: load JWT public key: %w", err)
		}
		logger.Info("JWT validation enabled")
	} else {
		logger.Warn("auth.jwt_public_key_path not configured; operator REST authentication disabled (dev mode)")
	}

	restSrv := rest.NewServer(reg, backendEvents, hist, auditLog, gwMetrics,
		logger, cfg.Agents.CommandQueueSize, time.Duration(cfg.Agents.RegistrationTimeoutSecs)*time.Second)
	httpHandler := rest.NewRouter(restSrv, pubKey)

	httpServer := &http.Server{
		Addr:         cfg.Listen.Addr,
		Handler:      httpHandler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLS.Enabled {
		tlsConf, err := buildServerTLSConfig(cfg.TLS)
		if err != nil {
			return fmt.Errorf("opsmap-gateway: build TLS config: %w", err)
		}
		httpServer.TLSConfig = tlsConf
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridge := backendbridge.New(cfg.Gateway, cfg.Backend, reg, backendEvents, logger, gwMetrics, auditLog)
	go bridge.Run(ctx)

	go sweeper.Run(ctx, reg, backendEvents,
		time.Duration(cfg.Agents.StaleAfterSecs)*time.Second,
		time.Duration(cfg.Agents.SweepIntervalSecs)*time.Second,
		logger, gwMetrics)

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.Listen.Addr), slog.Bool("tls", cfg.TLS.Enabled))
		var err error
		if cfg.TLS.Enabled {
			err = httpServer.ListenAndServeTLS(cfg.TLS.CertPath, cfg.TLS.KeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
		close(httpErrCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("http server error", slog.Any("error", err))
		}
	}

	logger.Info("shutting down gateway")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("opsmap gateway exited cleanly")
	return nil
}

// buildServerTLSConfig constructs the mTLS listener configuration: the
// gateway's own identity plus a client CA pool so agent certificates can be
// verified on connect.
func buildServerTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caCert, err := os.ReadFile(cfg.CAPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("no certificates parsed from %q", cfg.CAPath)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// loadRSAPublicKey reads a PEM-encoded RSA public key and parses it with the
// same jwt/v5 package that validates the tokens against it in
// internal/server/rest, rather than hand-rolling PKIX parsing.
func loadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	pub, err := jwt.ParseRSAPublicKeyFromPEM(raw)
	if err != nil {
		return nil, fmt.Errorf("parse public key %q: %w", path, err)
	}
	return pub, nil
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
