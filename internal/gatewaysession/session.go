// Package gatewaysession drives one agent's WebSocket connection on the
// Gateway side: registration with a deadline, demultiplexing inbound
// StatusDelta/StatusBatch/CommandResponse frames onto a backend-fanout
// channel, heartbeat tracking, and delivering outbound Commands through a
// bounded per-agent queue. It is the Gateway-side mirror of
// internal/connection.
package gatewaysession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fredericcarre/opsmap/internal/audit"
	"github.com/fredericcarre/opsmap/internal/history"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// BackendEvent is one fact the Gateway forwards to its Backend bridge as a
// result of something an agent session observed.
type BackendEvent struct {
	Type    string
	AgentID string
	Payload json.RawMessage
}

const writeTimeout = 10 * time.Second

// Session is the live handle to one connected agent. It implements
// registry.Sender: commands routed to this agent are enqueued here and
// delivered by the session's write loop.
type Session struct {
	agentID string
	logger  *slog.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	outbox    chan wire.Command
	snapshots chan wire.Snapshot
	closeCh   chan struct{}
	closed    bool

	audit *audit.Logger
}

var _ registry.Sender = (*Session)(nil)

// Send enqueues cmd for delivery to the agent. It returns an error if the
// session has ended or its outbound queue is full — a full queue signals an
// agent that isn't draining commands fast enough to keep up.
func (s *Session) Send(cmd wire.Command) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("gatewaysession: session for %q is closed", s.agentID)
	}
	select {
	case s.outbox <- cmd:
		return nil
	default:
		return fmt.Errorf("gatewaysession: outbound queue full for agent %q", s.agentID)
	}
}

// SendSnapshot enqueues snap for delivery to the agent. Used by the backend
// bridge to forward a Backend-issued Snapshot to the agent it targets.
func (s *Session) SendSnapshot(snap wire.Snapshot) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return fmt.Errorf("gatewaysession: session for %q is closed", s.agentID)
	}
	select {
	case s.snapshots <- snap:
		return nil
	default:
		return fmt.Errorf("gatewaysession: snapshot queue full for agent %q", s.agentID)
	}
}

// auditResponse records an agent's command result in the tamper-evident
// audit trail. It is a no-op if no Logger was configured.
func (s *Session) auditResponse(resp wire.CommandResponse) {
	if s.audit == nil {
		return
	}
	var result json.RawMessage
	if resp.Result != nil {
		var err error
		if result, err = json.Marshal(resp.Result); err != nil {
			s.logger.Warn("gatewaysession: audit marshal failed", slog.Any("error", err))
			return
		}
	}
	agentID := s.agentID
	if _, err := s.audit.Append(audit.CommandRecord{
		Direction: "agent_to_backend",
		AgentID:   &agentID,
		CommandID: resp.CommandID,
		Status:    resp.Status,
		Result:    result,
		Error:     resp.Error,
	}); err != nil {
		s.logger.Warn("gatewaysession: audit append failed", slog.Any("error", err))
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.closeCh)
}

// Serve drives conn's full lifecycle: it blocks waiting for a Register
// frame (failing after registrationTimeout), registers the agent with reg,
// emits an AgentConnected BackendEvent, then runs the read/write loop until
// the connection closes or ctx is cancelled — at which point it unregisters
// the agent and emits AgentDisconnected. It always closes conn before
// returning.
func Serve(ctx context.Context, conn *websocket.Conn, reg *registry.Registry, backendEvents chan<- BackendEvent, logger *slog.Logger, m *metrics.GatewayMetrics, hist *history.Store, auditLog *audit.Logger, queueSize int, registrationTimeout time.Duration) {
	defer conn.Close()
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	info, err := waitForRegistration(conn, registrationTimeout)
	if err != nil {
		logger.Warn("gatewaysession: registration failed", slog.Any("error", err))
		return
	}

	sess := &Session{
		agentID:   info.ID,
		logger:    logger,
		conn:      conn,
		outbox:    make(chan wire.Command, queueSize),
		snapshots: make(chan wire.Snapshot, 4),
		closeCh:   make(chan struct{}),
		audit:     auditLog,
	}

	reg.Register(info, sess)
	if m != nil {
		m.AgentRegistrations.Inc()
		m.AgentsConnected.Set(float64(reg.Count()))
	}
	logger.Info("gatewaysession: agent registered", slog.String("agent_id", info.ID), slog.String("hostname", info.Hostname))
	recordHistory(hist, info.ID, history.EventConnected, info.Hostname, logger)

	emit(backendEvents, wire.TypeAgentConnected, info.ID, info)

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); sess.writeLoop(sessCtx) }()
	go func() { defer wg.Done(); sess.readLoop(sessCtx, reg, backendEvents) }()
	wg.Wait()

	reg.Unregister(info.ID)
	if m != nil {
		m.AgentDisconnects.Inc()
		m.AgentsConnected.Set(float64(reg.Count()))
	}
	recordHistory(hist, info.ID, history.EventDisconnected, info.Hostname, logger)
	emit(backendEvents, wire.TypeAgentDisconnected, info.ID, wire.AgentDisconnectedPayload{AgentID: info.ID})
	logger.Info("gatewaysession: agent disconnected", slog.String("agent_id", info.ID))
}

// recordHistory persists a connect/disconnect event, if hist is configured.
// The session's own context may already be cancelled by the time a
// disconnect is recorded, so a fresh short-lived context is used instead.
func recordHistory(hist *history.Store, agentID, eventType, hostname string, logger *slog.Logger) {
	if hist == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := hist.Record(recCtx, agentID, eventType, hostname); err != nil {
		logger.Warn("gatewaysession: history record failed", slog.Any("error", err))
	}
}

func waitForRegistration(conn *websocket.Conn, timeout time.Duration) (wire.AgentInfo, error) {
	conn.SetReadDeadline(time.Now().Add(timeout))
	defer conn.SetReadDeadline(time.Time{})

	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.AgentInfo{}, fmt.Errorf("read: %w", err)
	}

	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wire.AgentInfo{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type != wire.TypeRegister {
		return wire.AgentInfo{}, fmt.Errorf("first frame was %q, want %q", env.Type, wire.TypeRegister)
	}

	var payload wire.RegisterPayload
	if err := env.Decode(&payload); err != nil {
		return wire.AgentInfo{}, err
	}
	if payload.AgentID == "" {
		return wire.AgentInfo{}, fmt.Errorf("register payload missing agent_id")
	}

	now := time.Now().UTC()
	return wire.AgentInfo{
		ID:            payload.AgentID,
		Hostname:      payload.Hostname,
		Labels:        payload.Labels,
		Version:       payload.Version,
		OS:            payload.OS,
		ConnectedAt:   now,
		LastHeartbeat: now,
	}, nil
}

// writeLoop drains the session's outbound command queue into the
// connection as Command envelopes, and sends periodic Pings.
func (s *Session) writeLoop(ctx context.Context) {
	defer s.close()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-s.outbox:
			if !ok {
				return
			}
			env, err := wire.Encode(wire.TypeCommand, cmd)
			if err != nil {
				s.logger.Error("gatewaysession: encode command failed", slog.Any("error", err))
				continue
			}
			if err := s.write(env); err != nil {
				s.logger.Warn("gatewaysession: write command failed", slog.Any("error", err))
				return
			}
		case snap, ok := <-s.snapshots:
			if !ok {
				return
			}
			env, err := wire.Encode(wire.TypeSnapshot, snap)
			if err != nil {
				s.logger.Error("gatewaysession: encode snapshot failed", slog.Any("error", err))
				continue
			}
			if err := s.write(env); err != nil {
				s.logger.Warn("gatewaysession: write snapshot failed", slog.Any("error", err))
				return
			}
		case <-ticker.C:
			env, _ := wire.Encode(wire.TypePing, struct{}{})
			if err := s.write(env); err != nil {
				s.logger.Warn("gatewaysession: ping failed", slog.Any("error", err))
				return
			}
		}
	}
}

func (s *Session) write(env wire.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = s.conn.WriteMessage(websocket.TextMessage, data)
	s.conn.SetWriteDeadline(time.Time{})
	return err
}

// readLoop consumes inbound frames from the agent until the connection
// closes, demultiplexing StatusDelta/StatusBatch/CommandResponse onto
// backendEvents and updating the registry's heartbeat on every Pong.
func (s *Session) readLoop(ctx context.Context, reg *registry.Registry, backendEvents chan<- BackendEvent) {
	defer s.close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("gatewaysession: malformed envelope", slog.Any("error", err))
			continue
		}

		switch env.Type {
		case wire.TypeRegister:
			s.logger.Debug("gatewaysession: duplicate registration ignored", slog.String("agent_id", s.agentID))
		case wire.TypeStatusDelta:
			var delta wire.StatusDelta
			if err := env.Decode(&delta); err == nil {
				emit(backendEvents, wire.TypeStatusUpdate, s.agentID, delta)
			}
		case wire.TypeStatusBatch:
			var batch wire.StatusBatch
			if err := env.Decode(&batch); err == nil {
				for _, delta := range batch.Deltas {
					emit(backendEvents, wire.TypeStatusUpdate, s.agentID, delta)
				}
			}
		case wire.TypeCommandResponse:
			var resp wire.CommandResponse
			if err := env.Decode(&resp); err == nil {
				s.auditResponse(resp)
				emit(backendEvents, wire.TypeCommandResponse, s.agentID, resp)
			}
		case wire.TypePong:
			reg.Heartbeat(s.agentID)
		default:
			s.logger.Debug("gatewaysession: ignoring unexpected message type", slog.String("type", env.Type))
		}
	}
}

func emit(backendEvents chan<- BackendEvent, eventType, agentID string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	select {
	case backendEvents <- BackendEvent{Type: eventType, AgentID: agentID, Payload: raw}:
	default:
		// Backend fanout channel is full; the bridge is falling behind and
		// this event is dropped rather than blocking the agent session.
	}
}
