// Package connection manages the agent's single outbound WebSocket
// connection to its gateway: dialing, TLS, registration, a fixed-interval
// reconnect loop, and demultiplexing inbound gateway messages onto channels
// the rest of the agent consumes.
package connection

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fredericcarre/opsmap/internal/config"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/wire"
)

const (
	registerTimeout = 10 * time.Second
	writeTimeout    = 10 * time.Second
)

// Conn is the agent's connection to its gateway. It satisfies
// scheduler.Upstream and additionally exposes the channels the agent
// orchestrator dispatches inbound Commands and control messages from.
type Conn struct {
	agentCfg config.AgentSection
	gwCfg    config.GatewaySection
	tlsCfg   config.TLSConfig
	labels   map[string]string
	logger   *slog.Logger

	mu       sync.RWMutex
	conn     *websocket.Conn
	draining atomic.Bool

	metrics *metrics.AgentMetrics

	Commands      chan wire.Command
	ConfigUpdates chan wire.ConfigUpdate
	Snapshots     chan wire.Snapshot

	// Reconnected receives a signal each time a connection attempt succeeds,
	// so the agent's offline-buffer drain loop knows when to start replaying.
	// Buffered by one and written non-blocking: a signal pending from a prior
	// reconnect that the drain loop hasn't consumed yet is enough, a second
	// one adds nothing.
	Reconnected chan struct{}
}

// New builds a Conn. Call Run to drive the reconnect loop. m may be nil, in
// which case connection events are not instrumented.
func New(agentCfg config.AgentSection, gwCfg config.GatewaySection, tlsCfg config.TLSConfig, labels map[string]string, logger *slog.Logger, m *metrics.AgentMetrics) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	if agentCfg.ID == "" || agentCfg.ID == "auto" {
		host, _ := os.Hostname()
		suffix := make([]byte, 4)
		_, _ = rand.Read(suffix)
		agentCfg.ID = host + "-" + hex.EncodeToString(suffix)
	}
	return &Conn{
		agentCfg:      agentCfg,
		gwCfg:         gwCfg,
		tlsCfg:        tlsCfg,
		labels:        labels,
		logger:        logger,
		metrics:       m,
		Commands:      make(chan wire.Command, 64),
		ConfigUpdates: make(chan wire.ConfigUpdate, 8),
		Snapshots:     make(chan wire.Snapshot, 8),
		Reconnected:   make(chan struct{}, 1),
	}
}

// Connected reports whether the WebSocket connection is up and not currently
// replaying the offline buffer. The scheduler's fast and batch send paths
// are gated on this, so freshly computed deltas queue up behind a
// just-reconnected drain instead of racing ahead of it and breaking FIFO
// delivery order.
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.draining.Load()
}

// SetDraining marks whether the offline buffer is currently being replayed.
// The connection itself sets draining true the instant a new socket is
// registered; the agent's drain loop calls SetDraining(false) when its
// replay ends, whether the buffer emptied or a send failed.
func (c *Conn) SetDraining(draining bool) {
	c.draining.Store(draining)
}

// Send writes one envelope to the gateway. Callers are expected to fall back
// to the offline buffer on error, per the scheduler's fast-path contract.
func (c *Conn) Send(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("connection: marshal envelope: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("connection: not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.conn.WriteMessage(websocket.TextMessage, data)
	c.conn.SetWriteDeadline(time.Time{})
	return err
}

// Run drives the fixed-interval connect/register/read loop until ctx is
// cancelled. Unlike a backoff-based client, the reconnect delay never
// grows: a gateway outage is expected to be transient infrastructure
// maintenance, not a signal to back off traffic.
func (c *Conn) Run(ctx context.Context) {
	interval := time.Duration(c.gwCfg.ReconnectIntervalSecs) * time.Second
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !first && c.metrics != nil {
			c.metrics.ReconnectAttempts.Inc()
		}
		first = false

		if err := c.connectAndServe(ctx); err != nil {
			c.logger.Warn("connection: session ended", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (c *Conn) connectAndServe(ctx context.Context) error {
	if c.metrics != nil {
		c.metrics.ConnectionAttempts.Inc()
	}

	dialer := websocket.Dialer{HandshakeTimeout: registerTimeout}
	if c.gwCfg.TimeoutSecs > 0 {
		dialer.HandshakeTimeout = time.Duration(c.gwCfg.TimeoutSecs) * time.Second
	}
	if c.tlsCfg.Enabled {
		tlsConf, err := buildTLSConfig(c.tlsCfg)
		if err != nil {
			c.bumpConnError()
			return fmt.Errorf("connection: tls config: %w", err)
		}
		dialer.TLSClientConfig = tlsConf
	}

	conn, _, err := dialer.DialContext(ctx, c.gwCfg.URL, nil)
	if err != nil {
		c.bumpConnError()
		return fmt.Errorf("connection: dial %q: %w", c.gwCfg.URL, err)
	}

	if err := c.register(conn); err != nil {
		conn.Close()
		c.bumpConnError()
		return fmt.Errorf("connection: register: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.draining.Store(true)
	if c.metrics != nil {
		c.metrics.Connected.Set(1)
	}
	c.logger.Info("connection: registered with gateway", slog.String("agent_id", c.agentCfg.ID))
	select {
	case c.Reconnected <- struct{}{}:
	default:
	}

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		if c.metrics != nil {
			c.metrics.Connected.Set(0)
		}
		conn.Close()
	}()

	return c.readLoop(ctx, conn)
}

func (c *Conn) bumpConnError() {
	if c.metrics != nil {
		c.metrics.ConnectionErrors.Inc()
	}
}

func (c *Conn) register(conn *websocket.Conn) error {
	hostname, _ := os.Hostname()
	payload := wire.RegisterPayload{
		AgentID:  c.agentCfg.ID,
		Hostname: hostname,
		Labels:   c.labels,
	}
	env, err := wire.Encode(wire.TypeRegister, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(registerTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Time{})
	return nil
}

func (c *Conn) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("connection: malformed envelope", slog.Any("error", err))
			continue
		}

		c.dispatch(ctx, env)
	}
}

func (c *Conn) dispatch(ctx context.Context, env wire.Envelope) {
	switch env.Type {
	case wire.TypeCommand:
		var cmd wire.Command
		if err := json.Unmarshal(env.Payload, &cmd); err != nil {
			c.logger.Warn("connection: bad command payload", slog.Any("error", err))
			return
		}
		select {
		case c.Commands <- cmd:
		case <-ctx.Done():
		}
	case wire.TypeConfigUpdate:
		var update wire.ConfigUpdate
		if err := json.Unmarshal(env.Payload, &update); err != nil {
			c.logger.Warn("connection: bad config_update payload", slog.Any("error", err))
			return
		}
		select {
		case c.ConfigUpdates <- update:
		case <-ctx.Done():
		}
	case wire.TypeSnapshot:
		var snap wire.Snapshot
		if err := json.Unmarshal(env.Payload, &snap); err != nil {
			c.logger.Warn("connection: bad snapshot payload", slog.Any("error", err))
			return
		}
		select {
		case c.Snapshots <- snap:
		case <-ctx.Done():
		}
	case wire.TypePing:
		pongEnv, err := wire.Encode(wire.TypePong, struct{}{})
		if err == nil {
			if err := c.Send(pongEnv); err != nil {
				c.logger.Warn("connection: pong send failed", slog.Any("error", err))
			}
		}
	default:
		c.logger.Debug("connection: ignoring unexpected message type", slog.String("type", env.Type))
	}
}

func buildTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
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
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
