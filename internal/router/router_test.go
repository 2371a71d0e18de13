package router

import (
	"testing"

	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

type fakeSender struct{ n int }

func (f *fakeSender) Send(cmd wire.Command) error { f.n++; return nil }

func TestRouteCommand_ToSpecificAgent(t *testing.T) {
	reg := registry.New()
	s := &fakeSender{}
	reg.Register(wire.AgentInfo{ID: "a1"}, s)

	id := "a1"
	results := RouteCommand(reg, &id, nil, wire.Command{ID: "c1"})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if s.n != 1 {
		t.Fatalf("sender invoked %d times, want 1", s.n)
	}
}

func TestRouteCommand_ToLabels(t *testing.T) {
	reg := registry.New()
	sDB := &fakeSender{}
	sWeb := &fakeSender{}
	reg.Register(wire.AgentInfo{ID: "db1", Labels: map[string]string{"role": "db"}}, sDB)
	reg.Register(wire.AgentInfo{ID: "web1", Labels: map[string]string{"role": "web"}}, sWeb)

	results := RouteCommand(reg, nil, map[string]string{"role": "db"}, wire.Command{ID: "c1"})
	if len(results) != 1 || results[0].AgentID != "db1" {
		t.Fatalf("results = %+v", results)
	}
	if sDB.n != 1 || sWeb.n != 0 {
		t.Fatalf("sDB.n=%d sWeb.n=%d, want 1,0", sDB.n, sWeb.n)
	}
}

func TestRouteCommand_NoTargetResolvesEmpty(t *testing.T) {
	reg := registry.New()
	results := RouteCommand(reg, nil, nil, wire.Command{ID: "c1"})
	if results != nil {
		t.Fatalf("results = %+v, want nil", results)
	}
}

func TestFindAgentForComponent_AgentIDTakesPriority(t *testing.T) {
	reg := registry.New()
	reg.Register(wire.AgentInfo{ID: "a1", Labels: map[string]string{"role": "db"}}, &fakeSender{})
	reg.Register(wire.AgentInfo{ID: "a2", Labels: map[string]string{"role": "db"}}, &fakeSender{})

	id := "a2"
	info, ok := FindAgentForComponent(reg, Selector{AgentID: &id, Labels: map[string]string{"role": "db"}})
	if !ok || info.ID != "a2" {
		t.Fatalf("info = %+v, ok = %v, want a2/true", info, ok)
	}
}
