// Package registry implements the Gateway's Agent Registry: a concurrent
// map of connected agents keyed by agent id, with label matching done by a
// scan over all entries, and each entry carrying a send handle back to its live
// session.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/fredericcarre/opsmap/internal/wire"
)

// Sender delivers a command to one connected agent's session. It is
// implemented by the per-agent session's outbound queue.
type Sender interface {
	Send(cmd wire.Command) error
}

// entry is the internal, mutex-protected record for one agent.
type entry struct {
	info wire.AgentInfo
	tx   Sender
}

// Registry is a concurrent agent_id -> AgentInfo map with label-aware
// lookup. All methods are safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{agents: make(map[string]*entry)}
}

// Register inserts info, replacing any prior entry for the same agent id —
// a new session always wins over a stale one.
func (r *Registry) Register(info wire.AgentInfo, tx Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[info.ID] = &entry{info: info, tx: tx}
}

// Unregister removes id. It is a no-op if id is not present.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// SenderFor returns the live Sender handle registered for id, if present.
// Callers that need functionality beyond Send (e.g. pushing a Snapshot) can
// type-assert the result against a richer interface their session type
// implements.
func (r *Registry) SenderFor(id string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok || e.tx == nil {
		return nil, false
	}
	return e.tx, true
}

// Get returns a copy of the AgentInfo for id, if present.
func (r *Registry) Get(id string) (wire.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.agents[id]
	if !ok {
		return wire.AgentInfo{}, false
	}
	return e.info, true
}

// Heartbeat updates id's last_heartbeat to now. No-op if id is absent.
func (r *Registry) Heartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.agents[id]; ok {
		e.info.LastHeartbeat = time.Now().UTC()
	}
}

// List returns a snapshot copy of every registered AgentInfo.
func (r *Registry) List() []wire.AgentInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]wire.AgentInfo, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, e.info)
	}
	return out
}

// Count returns the number of currently registered agents.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// FindByLabels returns every agent whose labels are a superset of query:
// every key/value pair in query must be present and equal in the agent's
// labels. An empty query matches nothing, to avoid an accidental
// broadcast-to-everyone from an unset selector.
func (r *Registry) FindByLabels(query map[string]string) []wire.AgentInfo {
	if len(query) == 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []wire.AgentInfo
	for _, e := range r.agents {
		if labelsMatch(e.info.Labels, query) {
			out = append(out, e.info)
		}
	}
	return out
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// FindByHostname returns the first agent with the given hostname, if any.
func (r *Registry) FindByHostname(hostname string) (wire.AgentInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.agents {
		if e.info.Hostname == hostname {
			return e.info, true
		}
	}
	return wire.AgentInfo{}, false
}

// SendCommand enqueues cmd onto id's session. It fails if id is absent or
// has no live session handle.
func (r *Registry) SendCommand(id string, cmd wire.Command) error {
	r.mu.RLock()
	e, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("registry: agent %q not found", id)
	}
	if e.tx == nil {
		return fmt.Errorf("registry: agent %q has no active session", id)
	}
	return e.tx.Send(cmd)
}

// LabelRouteResult is the per-agent outcome of a label-fanned-out command.
type LabelRouteResult struct {
	AgentID string
	Err     error
}

// SendCommandToLabels enqueues cmd to every agent matching query, returning
// one result per matched agent.
func (r *Registry) SendCommandToLabels(query map[string]string, cmd wire.Command) []LabelRouteResult {
	matched := r.FindByLabels(query)
	results := make([]LabelRouteResult, 0, len(matched))
	for _, info := range matched {
		err := r.SendCommand(info.ID, cmd)
		results = append(results, LabelRouteResult{AgentID: info.ID, Err: err})
	}
	return results
}

// CleanupStale removes every agent whose last_heartbeat is older than
// maxAge, logging nothing itself — callers (the sweeper loop) log removals
// if they wish.
func (r *Registry) CleanupStale(maxAge time.Duration) []string {
	cutoff := time.Now().Add(-maxAge)
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, e := range r.agents {
		if e.info.LastHeartbeat.Before(cutoff) {
			delete(r.agents, id)
			removed = append(removed, id)
		}
	}
	return removed
}
