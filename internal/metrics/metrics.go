// Package metrics defines the Prometheus collectors opsmap registers on the
// default registry and serves through promhttp.Handler(). Agent and Gateway
// processes each register only the subset they use; NewAgentMetrics and
// NewGatewayMetrics are therefore safe to call at most once per process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// AgentMetrics tracks the agent's connection and check-execution health.
type AgentMetrics struct {
	ConnectionAttempts prometheus.Counter
	ConnectionErrors   prometheus.Counter
	ReconnectAttempts  prometheus.Counter
	Connected          prometheus.Gauge
	ChecksExecuted     prometheus.Counter
	ChecksFailed       prometheus.Counter
	BufferDepth        prometheus.Gauge
	CommandsExecuted   prometheus.Counter
}

// NewAgentMetrics creates and registers the agent's metric collectors on reg.
func NewAgentMetrics(reg prometheus.Registerer) *AgentMetrics {
	m := &AgentMetrics{
		ConnectionAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_connection_attempts_total",
			Help: "Total number of attempts to dial the gateway WebSocket endpoint.",
		}),
		ConnectionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_connection_errors_total",
			Help: "Total number of gateway connection attempts that failed.",
		}),
		ReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_reconnect_attempts_total",
			Help: "Total number of reconnect cycles after a dropped gateway session.",
		}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsmap_agent_connected",
			Help: "1 when the agent currently holds a live gateway session, 0 otherwise.",
		}),
		ChecksExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_checks_executed_total",
			Help: "Total number of checks run by the scheduler.",
		}),
		ChecksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_checks_failed_total",
			Help: "Total number of checks whose result status was not ok.",
		}),
		BufferDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsmap_agent_buffer_depth",
			Help: "Number of status/response messages currently held in the offline buffer.",
		}),
		CommandsExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_agent_commands_executed_total",
			Help: "Total number of commands received and executed from the gateway.",
		}),
	}
	reg.MustRegister(
		m.ConnectionAttempts, m.ConnectionErrors, m.ReconnectAttempts,
		m.Connected, m.ChecksExecuted, m.ChecksFailed, m.BufferDepth, m.CommandsExecuted,
	)
	return m
}

// GatewayMetrics tracks the gateway's agent-fleet and backend-bridge health.
type GatewayMetrics struct {
	AgentsConnected     prometheus.Gauge
	AgentRegistrations  prometheus.Counter
	AgentDisconnects    prometheus.Counter
	StaleAgentsEvicted  prometheus.Counter
	BackendConnected    prometheus.Gauge
	BackendReconnects   prometheus.Counter
	CommandsRouted      prometheus.Counter
	CommandRoutingFails prometheus.Counter
}

// NewGatewayMetrics creates and registers the gateway's metric collectors on reg.
func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		AgentsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsmap_gateway_agents_connected",
			Help: "Number of agents currently registered with this gateway.",
		}),
		AgentRegistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_agent_registrations_total",
			Help: "Total number of agent sessions registered since startup.",
		}),
		AgentDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_agent_disconnects_total",
			Help: "Total number of agent sessions that ended.",
		}),
		StaleAgentsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_stale_agents_evicted_total",
			Help: "Total number of agents removed by the stale-agent sweeper.",
		}),
		BackendConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "opsmap_gateway_backend_connected",
			Help: "1 when the gateway currently holds a live backend session, 0 otherwise.",
		}),
		BackendReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_backend_reconnects_total",
			Help: "Total number of reconnect cycles against the backend.",
		}),
		CommandsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_commands_routed_total",
			Help: "Total number of commands successfully routed to an agent session.",
		}),
		CommandRoutingFails: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opsmap_gateway_command_routing_failures_total",
			Help: "Total number of commands that failed to route (unknown agent or closed session).",
		}),
	}
	reg.MustRegister(
		m.AgentsConnected, m.AgentRegistrations, m.AgentDisconnects, m.StaleAgentsEvicted,
		m.BackendConnected, m.BackendReconnects, m.CommandsRouted, m.CommandRoutingFails,
	)
	return m
}
