package gatewaysession

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fredericcarre/opsmap/internal/registry"
	"github.com/fredericcarre/opsmap/internal/wire"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return c
}

func startServer(t *testing.T, reg *registry.Registry, events chan BackendEvent) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go Serve(context.Background(), conn, reg, events, nil, nil, nil, nil, 10, 2*time.Second)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestServe_RegistersAndEmitsConnected(t *testing.T) {
	reg := registry.New()
	events := make(chan BackendEvent, 8)
	url := startServer(t, reg, events)

	c := dial(t, url)
	defer c.Close()

	env, _ := wire.Encode(wire.TypeRegister, wire.RegisterPayload{AgentID: "a1", Hostname: "h1"})
	data, _ := json.Marshal(env)
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != wire.TypeAgentConnected || ev.AgentID != "a1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for agent_connected event")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Get("a1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never appeared in registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServe_ForwardsStatusDeltaToBackendEvents(t *testing.T) {
	reg := registry.New()
	events := make(chan BackendEvent, 8)
	url := startServer(t, reg, events)

	c := dial(t, url)
	defer c.Close()

	regEnv, _ := wire.Encode(wire.TypeRegister, wire.RegisterPayload{AgentID: "a1"})
	data, _ := json.Marshal(regEnv)
	c.WriteMessage(websocket.TextMessage, data)
	<-events // agent_connected

	deltaEnv, _ := wire.Encode(wire.TypeStatusDelta, wire.StatusDelta{ComponentID: "c1", CheckName: "chk", Status: wire.StatusOK})
	data, _ = json.Marshal(deltaEnv)
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Type != wire.TypeStatusUpdate || ev.AgentID != "a1" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status_update event")
	}
}

func TestServe_RoutesCommandThroughSender(t *testing.T) {
	reg := registry.New()
	events := make(chan BackendEvent, 8)
	url := startServer(t, reg, events)

	c := dial(t, url)
	defer c.Close()

	regEnv, _ := wire.Encode(wire.TypeRegister, wire.RegisterPayload{AgentID: "a1"})
	data, _ := json.Marshal(regEnv)
	c.WriteMessage(websocket.TextMessage, data)
	<-events // agent_connected

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := reg.Get("a1"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never appeared in registry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := reg.SendCommand("a1", wire.Command{ID: "cmd1", CommandType: wire.CommandCheck}); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env wire.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Type != wire.TypeCommand {
		t.Fatalf("type = %q, want command", env.Type)
	}
	var cmd wire.Command
	if err := env.Decode(&cmd); err != nil {
		t.Fatalf("decode command: %v", err)
	}
	if cmd.ID != "cmd1" {
		t.Fatalf("cmd.ID = %q, want cmd1", cmd.ID)
	}
}

func TestServe_RegistrationTimeout(t *testing.T) {
	reg := registry.New()
	events := make(chan BackendEvent, 8)
	upgrader := websocket.Upgrader{}
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go func() {
			Serve(context.Background(), conn, reg, events, nil, nil, nil, nil, 10, 50*time.Millisecond)
			close(done)
		}()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := dial(t, url)
	defer c.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after registration timeout")
	}
	if reg.Count() != 0 {
		t.Fatalf("registry count = %d, want 0", reg.Count())
	}
}
