package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/wire"
)

type fakeUpstream struct {
	mu        sync.Mutex
	connected bool
	sent      []wire.Envelope
	failSend  bool
}

func (f *fakeUpstream) Send(env wire.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errFakeSend
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *fakeUpstream) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeUpstream) snapshot() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

var errFakeSend = &fakeErr{"send failed"}

type fakeErr struct{ msg string }

func (e *fakeErr) Error() string { return e.msg }

type fakeBuffer struct {
	mu   sync.Mutex
	msgs []json.RawMessage
}

func (b *fakeBuffer) Push(msg json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return nil
}

func (b *fakeBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

// scriptedRegistry lets a test control the status sequence a fixed
// check_type returns across calls, to drive deterministic change-detection
// scenarios (see SPEC_FULL.md scenario S1).
func scriptedRegistry(statuses []string) *checks.Registry {
	r := checks.NewRegistry()
	i := 0
	r.Register("scripted", func(ctx context.Context, cfg json.RawMessage) (checks.Result, error) {
		s := statuses[i%len(statuses)]
		i++
		return checks.Result{Status: s}, nil
	})
	return r
}

func TestScheduler_FastPathOnStatusChange(t *testing.T) {
	// Sequence: ok, ok, warning, warning, ok -> 3 transitions expected.
	reg := scriptedRegistry([]string{"ok", "ok", "warning", "warning", "ok"})
	up := &fakeUpstream{connected: true}
	buf := &fakeBuffer{}

	s := New(up, buf, reg, nil, nil, WithBatchInterval(time.Hour))

	snap := wire.Snapshot{
		Version: 1,
		Components: []wire.Component{{
			ID:   "c1",
			Name: "comp",
			Checks: []wire.CheckDefinition{{
				Name:         "chk",
				CheckType:    "scripted",
				IntervalSecs: 0,
			}},
		}},
	}
	s.UpdateSnapshot(snap)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		s.runDueChecks(ctx)
		time.Sleep(5 * time.Millisecond) // allow the check goroutine to finish
		// no need to reset lastRun between calls: IntervalSecs=0 already
		// makes the check due on every call
	}

	sent := up.snapshot()
	if len(sent) != 3 {
		t.Fatalf("fast-path sends = %d, want 3 (envelopes: %+v)", len(sent), sent)
	}
	for _, env := range sent {
		if env.Type != wire.TypeStatusDelta {
			t.Fatalf("unexpected envelope type %q", env.Type)
		}
	}
}

func TestScheduler_BatchFlushSendsUnchangedDeltas(t *testing.T) {
	reg := scriptedRegistry([]string{"ok", "ok"})
	up := &fakeUpstream{connected: true}
	buf := &fakeBuffer{}

	s := New(up, buf, reg, nil, nil, WithBatchInterval(time.Hour))
	snap := wire.Snapshot{
		Version: 1,
		Components: []wire.Component{{
			ID: "c1",
			Checks: []wire.CheckDefinition{{
				Name:      "chk",
				CheckType: "scripted",
			}},
		}},
	}
	s.UpdateSnapshot(snap)

	ctx := context.Background()
	s.runDueChecks(ctx) // first run is always a "change" from unset
	time.Sleep(5 * time.Millisecond)
	s.runDueChecks(ctx) // second run: ok -> ok, unchanged, goes to batch
	time.Sleep(5 * time.Millisecond)

	s.flushBatch()

	sent := up.snapshot()
	if len(sent) != 2 {
		t.Fatalf("sends = %d, want 2 (1 fast-path + 1 batch)", len(sent))
	}
	if sent[1].Type != wire.TypeStatusBatch {
		t.Fatalf("second send type = %q, want %q", sent[1].Type, wire.TypeStatusBatch)
	}
}

func TestScheduler_DisconnectedBuffersInstead(t *testing.T) {
	reg := scriptedRegistry([]string{"ok"})
	up := &fakeUpstream{connected: false}
	buf := &fakeBuffer{}

	s := New(up, buf, reg, nil, nil, WithBatchInterval(time.Hour))
	snap := wire.Snapshot{
		Components: []wire.Component{{
			ID:      "c1",
			Checks:  []wire.CheckDefinition{{Name: "chk", CheckType: "scripted"}},
		}},
	}
	s.UpdateSnapshot(snap)

	s.runDueChecks(context.Background())
	time.Sleep(5 * time.Millisecond)

	if buf.count() != 1 {
		t.Fatalf("buffered count = %d, want 1", buf.count())
	}
	if len(up.snapshot()) != 0 {
		t.Fatal("expected no sends while disconnected")
	}
}

func TestScheduler_SnapshotReplacementDropsOldCheckMemo(t *testing.T) {
	reg := scriptedRegistry([]string{"ok"})
	up := &fakeUpstream{connected: true}
	buf := &fakeBuffer{}
	s := New(up, buf, reg, nil, nil)

	s.UpdateSnapshot(wire.Snapshot{Components: []wire.Component{{
		ID: "c1", Checks: []wire.CheckDefinition{{Name: "chk1", CheckType: "scripted"}},
	}}})
	s.runDueChecks(context.Background())
	time.Sleep(5 * time.Millisecond)

	s.UpdateSnapshot(wire.Snapshot{Components: []wire.Component{{
		ID: "c1", Checks: []wire.CheckDefinition{{Name: "chk2", CheckType: "scripted"}},
	}}})

	s.mu.Lock()
	_, stillPresent := s.lastStatus["c1:chk1"]
	s.mu.Unlock()
	if stillPresent {
		t.Fatal("lastStatus for removed check key was not cleared on snapshot replacement")
	}
}
