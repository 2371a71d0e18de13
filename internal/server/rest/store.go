package rest

import (
	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/router"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// AgentDirectory is the subset of registry.Registry used by the REST
// handlers. Defining an interface lets handlers be tested with a fake
// directory instead of a live registry.
type AgentDirectory interface {
	List() []wire.AgentInfo
}

// CommandDispatcher is the subset of router used to originate an
// operator-issued command against one agent or a label set.
type CommandDispatcher interface {
	RouteCommand(agentID *string, labels map[string]string, cmd wire.Command) []router.RouteResult
}

// history.Store is used directly (not behind an interface) by handleHistory
// and handleWS, since gatewaysession.Serve itself takes the concrete type.

// RegistryDispatcher adapts router.RouteCommand (a package function, since
// routing needs no state of its own) to the CommandDispatcher interface so
// handlers depend on an interface rather than a concrete registry.
type RegistryDispatcher struct {
	Reg *registry.Registry
}

func (d RegistryDispatcher) RouteCommand(agentID *string, labels map[string]string, cmd wire.Command) []router.RouteResult {
	return router.RouteCommand(d.Reg, agentID, labels, cmd)
}
