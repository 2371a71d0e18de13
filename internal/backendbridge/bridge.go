// Package backendbridge maintains the Gateway's single outbound WebSocket
// connection to the Backend: fixed-interval reconnect, registration with a
// snapshot of the currently connected fleet, periodic heartbeats, inbound
// Command/Snapshot dispatch, and forwarding of agent-session BackendEvents
// upstream. It is the Gateway-side mirror of internal/connection.
package backendbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fredericcarre/opsmap/internal/audit"
	"github.com/fredericcarre/opsmap/internal/config"
	"github.com/fredericcarre/opsmap/internal/gatewaysession"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/router"
	"github.com/fredericcarre/opsmap/internal/wire"
)

const (
	dialTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

// Bridge owns the Gateway-to-Backend connection.
type Bridge struct {
	id      config.GatewayIdentity
	cfg     config.BackendSection
	reg     *registry.Registry
	events  <-chan gatewaysession.BackendEvent
	logger  *slog.Logger
	metrics *metrics.GatewayMetrics
	audit   *audit.Logger

	mu   sync.RWMutex
	conn *websocket.Conn
}

// New builds a Bridge. Call Run to drive the reconnect loop. m and auditLog
// may both be nil.
func New(id config.GatewayIdentity, cfg config.BackendSection, reg *registry.Registry, events <-chan gatewaysession.BackendEvent, logger *slog.Logger, m *metrics.GatewayMetrics, auditLog *audit.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{id: id, cfg: cfg, reg: reg, events: events, logger: logger, metrics: m, audit: auditLog}
}

// Connected reports whether the backend connection is currently up.
func (b *Bridge) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.conn != nil
}

// Run drives the fixed-interval connect/register/serve loop until ctx is
// cancelled.
func (b *Bridge) Run(ctx context.Context) {
	interval := time.Duration(b.cfg.ReconnectIntervalSecs) * time.Second
	first := true

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !first && b.metrics != nil {
			b.metrics.BackendReconnects.Inc()
		}
		first = false

		if err := b.connectAndServe(ctx); err != nil {
			b.logger.Warn("backendbridge: session ended", slog.Any("error", err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

func (b *Bridge) connectAndServe(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, b.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %q: %w", b.cfg.URL, err)
	}

	if err := b.register(conn); err != nil {
		conn.Close()
		return fmt.Errorf("register: %w", err)
	}

	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()
	if b.metrics != nil {
		b.metrics.BackendConnected.Set(1)
	}
	b.logger.Info("backendbridge: connected to backend", slog.String("url", b.cfg.URL))

	defer func() {
		b.mu.Lock()
		b.conn = nil
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.BackendConnected.Set(0)
		}
		conn.Close()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErrCh := make(chan error, 1)
	go func() { readErrCh <- b.readLoop(sessCtx, conn) }()

	heartbeat := time.NewTicker(time.Duration(b.cfg.HeartbeatIntervalSecs) * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case ev := <-b.events:
			if err := b.forward(conn, ev); err != nil {
				return fmt.Errorf("forward event: %w", err)
			}
		case <-heartbeat.C:
			env, _ := wire.Encode(wire.TypePong, struct{}{})
			if err := b.write(conn, env); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (b *Bridge) register(conn *websocket.Conn) error {
	payload := wire.GatewayRegisterPayload{
		GatewayID: b.id.ID,
		Zone:      b.id.Zone,
		Agents:    b.reg.List(),
	}
	env, err := wire.Encode(wire.TypeRegister, payload)
	if err != nil {
		return err
	}
	return b.write(conn, env)
}

// forward re-encodes an agent-session BackendEvent (already carrying a raw
// agent-scoped payload) as the gateway-to-backend envelope type and writes
// it.
func (b *Bridge) forward(conn *websocket.Conn, ev gatewaysession.BackendEvent) error {
	env := wire.Envelope{Type: ev.Type, Payload: ev.Payload}
	return b.write(conn, env)
}

func (b *Bridge) write(conn *websocket.Conn, env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = conn.WriteMessage(websocket.TextMessage, data)
	conn.SetWriteDeadline(time.Time{})
	return err
}

func (b *Bridge) readLoop(ctx context.Context, conn *websocket.Conn) error {
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
			b.logger.Warn("backendbridge: malformed envelope", slog.Any("error", err))
			continue
		}

		b.dispatch(env)
	}
}

// auditCommand records one command hand-off in the tamper-evident audit
// trail. It is a no-op if no Logger was configured.
func (b *Bridge) auditCommand(direction string, agentID *string, cmd wire.Command) {
	if b.audit == nil {
		return
	}
	if _, err := b.audit.Append(audit.CommandRecord{
		Direction:   direction,
		AgentID:     agentID,
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Params:      cmd.Params,
	}); err != nil {
		b.logger.Warn("backendbridge: audit append failed", slog.Any("error", err))
	}
}

func (b *Bridge) dispatch(env wire.Envelope) {
	switch env.Type {
	case wire.TypeCommand:
		var payload wire.BackendCommandPayload
		if err := env.Decode(&payload); err != nil {
			b.logger.Warn("backendbridge: bad command payload", slog.Any("error", err))
			return
		}
		b.auditCommand("backend_to_agent", payload.AgentID, payload.Command)
		results := router.RouteCommand(b.reg, payload.AgentID, payload.Labels, payload.Command)
		for _, r := range results {
			if r.Success {
				if b.metrics != nil {
					b.metrics.CommandsRouted.Inc()
				}
				continue
			}
			if b.metrics != nil {
				b.metrics.CommandRoutingFails.Inc()
			}
			b.logger.Warn("backendbridge: command routing failed",
				slog.String("agent_id", r.AgentID), slog.String("error", r.Error))
		}
	case wire.TypeSnapshot:
		var payload wire.BackendSnapshotPayload
		if err := env.Decode(&payload); err != nil {
			b.logger.Warn("backendbridge: bad snapshot payload", slog.Any("error", err))
			return
		}
		sender, ok := b.reg.SenderFor(payload.AgentID)
		if !ok {
			b.logger.Warn("backendbridge: snapshot forward failed: agent not connected",
				slog.String("agent_id", payload.AgentID))
			return
		}
		snapSender, ok := sender.(interface{ SendSnapshot(wire.Snapshot) error })
		if !ok {
			b.logger.Warn("backendbridge: session does not support snapshot delivery",
				slog.String("agent_id", payload.AgentID))
			return
		}
		if err := snapSender.SendSnapshot(payload.Snapshot); err != nil {
			b.logger.Warn("backendbridge: snapshot forward failed",
				slog.String("agent_id", payload.AgentID), slog.Any("error", err))
		}
	case wire.TypePing:
		// Nothing to do; the heartbeat ticker already keeps the link alive.
	default:
		b.logger.Debug("backendbridge: ignoring unexpected message type", slog.String("type", env.Type))
	}
}
