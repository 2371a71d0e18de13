package rest

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fredericcarre/opsmap/internal/audit"
	"github.com/fredericcarre/opsmap/internal/gatewaysession"
	"github.com/fredericcarre/opsmap/internal/history"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// Server holds the dependencies needed by the Gateway's REST and WebSocket
// handlers.
type Server struct {
	reg        *registry.Registry
	agents     AgentDirectory
	dispatcher CommandDispatcher
	hist       *history.Store
	auditLog   *audit.Logger
	metrics    *metrics.GatewayMetrics
	logger     *slog.Logger

	backendEvents       chan<- gatewaysession.BackendEvent
	queueSize           int
	registrationTimeout time.Duration
	upgrader            websocket.Upgrader
}

// NewServer creates a Server. hist and auditLog may be nil if the
// corresponding feature is disabled.
func NewServer(reg *registry.Registry, backendEvents chan<- gatewaysession.BackendEvent, hist *history.Store, auditLog *audit.Logger, m *metrics.GatewayMetrics, logger *slog.Logger, queueSize int, registrationTimeout time.Duration) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		reg:                 reg,
		agents:              reg,
		dispatcher:          RegistryDispatcher{Reg: reg},
		hist:                hist,
		auditLog:            auditLog,
		metrics:             m,
		logger:              logger,
		backendEvents:       backendEvents,
		queueSize:           queueSize,
		registrationTimeout: registrationTimeout,
		upgrader:            websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096},
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleHealth responds to GET /health with the plain-text body "ok". It
// does not require authentication so orchestrators and load balancers can
// probe liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleAgents responds to GET /agents with the currently connected fleet.
func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.agents.List()
	if agents == nil {
		agents = []wire.AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

// commandRequest is the body accepted by POST /commands: an operator
// originating a command the same way the Backend does, targeted at a
// specific agent or at every agent matching a label set.
type commandRequest struct {
	AgentID *string           `json:"agent_id,omitempty"`
	Labels  map[string]string `json:"labels,omitempty"`
	Command wire.Command      `json:"command"`
}

// handlePostCommand responds to POST /commands by routing an operator
// command through the same dispatch path the Backend bridge uses, and
// records the hand-off in the audit trail.
func (s *Server) handlePostCommand(w http.ResponseWriter, r *http.Request) {
	if claims := ClaimsFromContext(r.Context()); claims != nil && !claims.HasScope(ScopeCommandsWrite) {
		writeError(w, http.StatusForbidden, "token lacks the commands:write scope")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.AgentID == nil && len(req.Labels) == 0 {
		writeError(w, http.StatusBadRequest, "one of agent_id or labels is required")
		return
	}
	if req.Command.ID == "" {
		writeError(w, http.StatusBadRequest, "command.id is required")
		return
	}

	s.auditCommand("operator_to_agent", req.AgentID, req.Command)
	results := s.dispatcher.RouteCommand(req.AgentID, req.Labels, req.Command)
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) auditCommand(direction string, agentID *string, cmd wire.Command) {
	if s.auditLog == nil {
		return
	}
	if _, err := s.auditLog.Append(audit.CommandRecord{
		Direction:   direction,
		AgentID:     agentID,
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Params:      cmd.Params,
	}); err != nil {
		s.logger.Warn("rest: audit append failed", slog.Any("error", err))
	}
}

// handleHistory responds to GET /history.
//
// Supported query parameters:
//
//	agent_id – restrict to one agent (optional, default: all agents)
//	from     – RFC3339 start of the window (required)
//	to       – RFC3339 end of the window (required)
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.hist == nil {
		writeError(w, http.StatusServiceUnavailable, "connection history is not enabled")
		return
	}

	q := r.URL.Query()
	fromStr, toStr := q.Get("from"), q.Get("to")
	if fromStr == "" || toStr == "" {
		writeError(w, http.StatusBadRequest, "query parameters 'from' and 'to' are required (RFC3339)")
		return
	}
	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'from' must be a valid RFC3339 timestamp")
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeError(w, http.StatusBadRequest, "'to' must be a valid RFC3339 timestamp")
		return
	}
	if !to.After(from) {
		writeError(w, http.StatusBadRequest, "'to' must be after 'from'")
		return
	}

	events, err := s.hist.Query(r.Context(), q.Get("agent_id"), from, to)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to query history")
		return
	}
	if events == nil {
		events = []history.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// handleWS responds to GET /ws: it upgrades the connection and hands it off
// to gatewaysession.Serve for the lifetime of the agent's session. Agents
// authenticate via TLS client certificate at the transport layer, not JWT,
// so this route is mounted outside the JWT-protected group.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("rest: websocket upgrade failed", slog.Any("error", err))
		return
	}
	// r.Context() is canceled as soon as this handler returns, which happens
	// immediately after the upgrade; the session needs to outlive that.
	go gatewaysession.Serve(context.Background(), conn, s.reg, s.backendEvents, s.logger, s.metrics, s.hist, s.auditLog, s.queueSize, s.registrationTimeout)
}
