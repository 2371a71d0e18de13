// Package scheduler implements the agent's check scheduler and delta
// engine: it fires due checks, turns results into StatusDeltas, and routes
// each delta onto a change-triggered fast path or a periodic batch path.
package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// Upstream is the agent's connection to its Gateway, as seen by the
// scheduler. Send delivers one envelope; it fails fast (no internal
// retries) when the connection is down or the write fails, so the caller
// can fall back to the offline buffer.
type Upstream interface {
	Send(envelope wire.Envelope) error
	Connected() bool
}

// Buffer is the subset of the offline buffer the scheduler needs.
type Buffer interface {
	Push(msg json.RawMessage) error
}

// ShellRunner executes a shell-based check (check_type containing a colon
// other than the "native:" prefix) and returns a checks.Result.
type ShellRunner interface {
	RunShellCheck(ctx context.Context, def wire.CheckDefinition) checks.Result
}

const (
	schedulingTick = 1 * time.Second
)

// Scheduler owns the active Snapshot, per-check memoisation, and the
// pending batch of unchanged-status deltas.
type Scheduler struct {
	upstream Upstream
	buffer   Buffer
	checks   *checks.Registry
	shell    ShellRunner
	logger   *slog.Logger

	batchInterval  time.Duration
	maxConcurrent  int64
	concurrencySem *semaphore.Weighted

	mu         sync.Mutex
	snapshot   wire.Snapshot
	lastStatus map[string]string
	lastRun    map[string]time.Time

	batchMu      sync.Mutex
	pendingBatch []wire.StatusDelta
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithBatchInterval overrides the default 60s batch-send tick.
func WithBatchInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.batchInterval = d }
}

// WithMaxConcurrentChecks bounds how many checks may execute at once.
func WithMaxConcurrentChecks(n int) Option {
	return func(s *Scheduler) {
		if n <= 0 {
			n = 10
		}
		s.maxConcurrent = int64(n)
	}
}

// New creates a Scheduler. upstream and buffer must be non-nil; shell may be
// nil if no shell-type checks are ever scheduled.
func New(upstream Upstream, buf Buffer, registry *checks.Registry, shell ShellRunner, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		upstream:      upstream,
		buffer:        buf,
		checks:        registry,
		shell:         shell,
		logger:        logger,
		batchInterval: 60 * time.Second,
		maxConcurrent: 10,
		lastStatus:    make(map[string]string),
		lastRun:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.concurrencySem = semaphore.NewWeighted(s.maxConcurrent)
	return s
}

// UpdateSnapshot atomically replaces the active snapshot. Per-check memo
// entries for keys no longer present in the new snapshot are discarded;
// entries for keys that persist keep their last-status memo.
func (s *Scheduler) UpdateSnapshot(snap wire.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool)
	for _, c := range snap.Components {
		for _, chk := range c.Checks {
			live[c.ID+":"+chk.Name] = true
		}
	}
	for key := range s.lastStatus {
		if !live[key] {
			delete(s.lastStatus, key)
		}
	}
	for key := range s.lastRun {
		if !live[key] {
			delete(s.lastRun, key)
		}
	}

	s.snapshot = snap
	s.logger.Info("scheduler: snapshot updated",
		slog.Uint64("version", snap.Version),
		slog.Int("components", len(snap.Components)),
	)
}

// ApplyConfigUpdate honours check_interval_secs and logs (without applying)
// any other field a Backend config_update might carry — the spec's
// documented "other fields are silently ignored" behaviour, preserved here
// but made visible in the log.
func (s *Scheduler) ApplyConfigUpdate(update wire.ConfigUpdate, rawKeys []string) {
	if update.CheckIntervalSecs != nil {
		s.mu.Lock()
		for ci := range s.snapshot.Components {
			for cj := range s.snapshot.Components[ci].Checks {
				s.snapshot.Components[ci].Checks[cj].IntervalSecs = *update.CheckIntervalSecs
			}
		}
		s.mu.Unlock()
	}
	for _, k := range rawKeys {
		if k != "check_interval_secs" {
			s.logger.Info("scheduler: ignoring unsupported config_update field", slog.String("field", k))
		}
	}
}

// Run drives the scheduling tick and batch tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	tick := time.NewTicker(schedulingTick)
	defer tick.Stop()
	batchTick := time.NewTicker(s.batchInterval)
	defer batchTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.runDueChecks(ctx)
		case <-batchTick.C:
			s.flushBatch()
		}
	}
}

type dueCheck struct {
	component wire.Component
	check     wire.CheckDefinition
}

func (s *Scheduler) dueChecks() []dueCheck {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var due []dueCheck
	for _, c := range s.snapshot.Components {
		for _, chk := range c.Checks {
			key := c.ID + ":" + chk.Name
			last, ok := s.lastRun[key]
			interval := time.Duration(chk.IntervalSecs) * time.Second
			if !ok || now.Sub(last) >= interval {
				due = append(due, dueCheck{component: c, check: chk})
				s.lastRun[key] = now
			}
		}
	}
	return due
}

func (s *Scheduler) runDueChecks(ctx context.Context) {
	due := s.dueChecks()
	for i, dc := range due {
		if !s.concurrencySem.TryAcquire(1) {
			// No free slot: the remaining checks stay due for the next tick.
			s.mu.Lock()
			for _, rest := range due[i:] {
				delete(s.lastRun, rest.component.ID+":"+rest.check.Name)
			}
			s.mu.Unlock()
			return
		}
		go func(dc dueCheck) {
			defer s.concurrencySem.Release(1)
			s.executeAndRoute(ctx, dc.component, dc.check)
		}(dc)
	}
}

// executeAndRoute runs one check, builds its StatusDelta, and either sends
// it immediately (status changed) or defers it to the batch (unchanged).
func (s *Scheduler) executeAndRoute(ctx context.Context, component wire.Component, check wire.CheckDefinition) {
	result := s.execute(ctx, check)

	delta := wire.StatusDelta{
		ComponentID: component.ID,
		CheckName:   check.Name,
		Status:      result.Status,
		Message:     result.Message,
		Metrics:     result.Metrics,
		Timestamp:   time.Now().UTC(),
	}

	key := delta.Key()

	s.mu.Lock()
	prev, hadPrev := s.lastStatus[key]
	changed := !hadPrev || prev != delta.Status
	s.lastStatus[key] = delta.Status
	s.mu.Unlock()

	if changed {
		s.sendFastPath(delta)
		return
	}

	s.batchMu.Lock()
	s.pendingBatch = append(s.pendingBatch, delta)
	s.batchMu.Unlock()
}

// execute runs a single check, dispatching to the native registry or to the
// ShellRunner depending on check_type.
func (s *Scheduler) execute(ctx context.Context, check wire.CheckDefinition) checks.Result {
	checkCtx := ctx
	if check.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		checkCtx, cancel = context.WithTimeout(ctx, time.Duration(check.TimeoutSecs)*time.Second)
		defer cancel()
	}

	if strings.HasPrefix(check.CheckType, "native:") || !strings.Contains(check.CheckType, ":") {
		nativeType := strings.TrimPrefix(check.CheckType, "native:")
		return s.checks.Run(checkCtx, nativeType, check.Config)
	}

	if s.shell == nil {
		return checks.Result{Status: wire.StatusError, Message: "no shell runner configured"}
	}
	return s.shell.RunShellCheck(checkCtx, check)
}

// sendFastPath attempts immediate delivery of delta; on failure (or when
// not connected) it falls back to the offline buffer.
func (s *Scheduler) sendFastPath(delta wire.StatusDelta) {
	env, err := wire.Encode(wire.TypeStatusDelta, delta)
	if err != nil {
		s.logger.Error("scheduler: encode delta failed", slog.Any("error", err))
		return
	}
	if s.upstream.Connected() {
		if sendErr := s.upstream.Send(env); sendErr == nil {
			return
		} else {
			s.logger.Warn("scheduler: send delta failed, buffering", slog.Any("error", sendErr))
		}
	}
	s.bufferEnvelope(env)
}

// bufferEnvelope queues an already-encoded envelope for later redelivery.
// Buffering the envelope rather than its bare payload means the agent's
// drain loop can replay it without having to know or guess its wire type.
func (s *Scheduler) bufferEnvelope(env wire.Envelope) {
	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("scheduler: marshal envelope for buffering failed", slog.Any("error", err))
		return
	}
	if err := s.buffer.Push(raw); err != nil {
		s.logger.Error("scheduler: buffer push failed", slog.Any("error", err))
	}
}

// flushBatch sends the accumulated pending deltas as a single status_batch
// message, falling back to buffering each delta individually on failure.
func (s *Scheduler) flushBatch() {
	s.batchMu.Lock()
	if len(s.pendingBatch) == 0 {
		s.batchMu.Unlock()
		return
	}
	deltas := s.pendingBatch
	s.pendingBatch = nil
	s.batchMu.Unlock()

	if s.upstream.Connected() {
		env, err := wire.Encode(wire.TypeStatusBatch, wire.StatusBatch{Deltas: deltas})
		if err == nil {
			if sendErr := s.upstream.Send(env); sendErr == nil {
				return
			} else {
				s.logger.Warn("scheduler: send batch failed, buffering individually", slog.Any("error", sendErr))
			}
		}
	}

	for _, d := range deltas {
		if env, err := wire.Encode(wire.TypeStatusDelta, d); err == nil {
			s.bufferEnvelope(env)
		} else {
			s.logger.Error("scheduler: encode delta for buffering failed", slog.Any("error", err))
		}
	}
}
