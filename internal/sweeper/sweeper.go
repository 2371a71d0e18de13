// Package sweeper periodically evicts agents whose heartbeat has gone
// stale from the Gateway's registry.
package sweeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fredericcarre/opsmap/internal/gatewaysession"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// Run ticks every interval and removes agents from reg whose last_heartbeat
// is older than maxAge, notifying backendEvents for each eviction so the
// Backend's view of the fleet stays current. Run blocks until ctx is
// cancelled.
func Run(ctx context.Context, reg *registry.Registry, backendEvents chan<- gatewaysession.BackendEvent, maxAge, interval time.Duration, logger *slog.Logger, m *metrics.GatewayMetrics) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := reg.CleanupStale(maxAge)
			for _, id := range removed {
				logger.Info("sweeper: evicted stale agent", slog.String("agent_id", id))
				if m != nil {
					m.StaleAgentsEvicted.Inc()
					m.AgentsConnected.Set(float64(reg.Count()))
				}
				payload, _ := json.Marshal(wire.AgentDisconnectedPayload{AgentID: id})
				select {
				case backendEvents <- gatewaysession.BackendEvent{
					Type:    wire.TypeAgentDisconnected,
					AgentID: id,
					Payload: payload,
				}:
				default:
				}
			}
		}
	}
}
