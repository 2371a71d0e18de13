// Package router resolves a Backend-issued command to the Registry entries
// that should receive it and forwards it to each.
package router

import (
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// RouteResult is the per-agent outcome of routing one command.
type RouteResult struct {
	AgentID string
	Success bool
	Error   string
}

// RouteCommand sends cmd to a specific agent (if agentID is non-nil) or to
// every agent matching labels, returning one RouteResult per target. A
// command with neither a target id nor labels resolves to no targets.
func RouteCommand(reg *registry.Registry, agentID *string, labels map[string]string, cmd wire.Command) []RouteResult {
	if agentID != nil {
		err := reg.SendCommand(*agentID, cmd)
		res := RouteResult{AgentID: *agentID, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		return []RouteResult{res}
	}

	if len(labels) > 0 {
		labelResults := reg.SendCommandToLabels(labels, cmd)
		out := make([]RouteResult, 0, len(labelResults))
		for _, r := range labelResults {
			res := RouteResult{AgentID: r.AgentID, Success: r.Err == nil}
			if r.Err != nil {
				res.Error = r.Err.Error()
			}
			out = append(out, res)
		}
		return out
	}

	return nil
}

// Selector identifies the agent a component-scoped action should run
// against: a specific agent id takes priority over a label set.
type Selector struct {
	AgentID *string
	Labels  map[string]string
}

// FindAgentForComponent resolves selector to the single AgentInfo it names:
// the specific agent id if set, otherwise the first label match.
func FindAgentForComponent(reg *registry.Registry, sel Selector) (wire.AgentInfo, bool) {
	if sel.AgentID != nil {
		return reg.Get(*sel.AgentID)
	}
	if len(sel.Labels) > 0 {
		matched := reg.FindByLabels(sel.Labels)
		if len(matched) > 0 {
			return matched[0], true
		}
	}
	return wire.AgentInfo{}, false
}
