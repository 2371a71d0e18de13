// Package agent contains the opsmap agent orchestrator. It wires together
// the check scheduler, the offline delivery buffer, the command executor,
// and the gateway connection, managing their lifecycle through a shared
// context.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fredericcarre/opsmap/internal/buffer"
	"github.com/fredericcarre/opsmap/internal/checks"
	"github.com/fredericcarre/opsmap/internal/config"
	"github.com/fredericcarre/opsmap/internal/connection"
	"github.com/fredericcarre/opsmap/internal/executor"
	"github.com/fredericcarre/opsmap/internal/metrics"
	"github.com/fredericcarre/opsmap/internal/scheduler"
	"github.com/fredericcarre/opsmap/internal/wire"
)

// Agent is the central orchestrator of the opsmap agent. It starts the
// gateway connection, the check scheduler, and the command executor, and
// bridges inbound commands/snapshots/config updates from the connection to
// the scheduler and executor.
type Agent struct {
	cfg    *config.AgentConfig
	logger *slog.Logger

	conn    *connection.Conn
	buf     *buffer.Buffer
	sched   *scheduler.Scheduler
	exec    *executor.Executor
	metrics *metrics.AgentMetrics

	startTime time.Time
	cancel    context.CancelFunc

	mu      sync.RWMutex
	running bool
	wg      sync.WaitGroup
}

// New assembles an Agent from cfg. registry supplies native check
// implementations; pass checks.NewRegistry() for the default set. m may be
// nil to disable Prometheus instrumentation (e.g. in tests).
func New(cfg *config.AgentConfig, logger *slog.Logger, registry *checks.Registry, m *metrics.AgentMetrics) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}

	buf, err := buffer.New(cfg.Buffer.MaxSize, cfg.Buffer.FilePath, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: buffer init: %w", err)
	}

	conn := connection.New(cfg.Agent, cfg.Gateway, cfg.TLS, cfg.Labels, logger, m)
	exec := executor.New(registry, logger, executor.DefaultJobLogDir)

	a := &Agent{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		buf:     buf,
		exec:    exec,
		metrics: m,
	}

	// a itself implements scheduler.ShellRunner (via RunShellCheck, below),
	// delegating to a.exec — constructed here rather than passed to New so
	// shell checks run through the same executor instance commands do.
	a.sched = scheduler.New(conn, buf, registry, a, logger,
		scheduler.WithBatchInterval(time.Duration(cfg.Scheduler.BatchSendIntervalSecs)*time.Second),
		scheduler.WithMaxConcurrentChecks(cfg.Scheduler.MaxConcurrentChecks),
	)

	return a, nil
}

// RunShellCheck implements scheduler.ShellRunner: it runs a shell-style
// check (check_type other than "native:...") as a one-shot command through
// the executor's synchronous shell path and maps the result back to a
// checks.Result.
func (a *Agent) RunShellCheck(ctx context.Context, def wire.CheckDefinition) checks.Result {
	cmd := wire.Command{
		ID:          "check:" + def.Name,
		CommandType: wire.CommandCheck,
		Params:      def.Config,
		TimeoutSecs: def.TimeoutSecs,
	}
	result, status := a.exec.ExecuteSync(ctx, cmd)

	res := checks.Result{Message: result.Stdout}
	switch {
	case status == wire.ResponseTimeout || result.TimedOut:
		res.Status = wire.StatusError
		res.Message = "check timed out"
	case status == wire.ResponseFailed || result.ExitCode != 0:
		res.Status = wire.StatusError
		if result.Stderr != "" {
			res.Message = result.Stderr
		}
	default:
		res.Status = wire.StatusOK
	}

	if a.metrics != nil {
		a.metrics.ChecksExecuted.Inc()
		if res.Status != wire.StatusOK {
			a.metrics.ChecksFailed.Inc()
		}
	}
	return res
}

// isAsyncCommand reports whether a command type is executed detached
// (two-response protocol) rather than synchronously (single response).
func isAsyncCommand(commandType string) bool {
	switch commandType {
	case wire.CommandStart, wire.CommandStop, wire.CommandRestart, wire.CommandAction:
		return true
	default:
		return false
	}
}

// Start launches the connection, scheduler, and inbound-message dispatch
// loop. It returns once everything is running; shutdown happens via ctx
// cancellation or Stop.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent: already running")
	}
	a.running = true
	a.startTime = time.Now()
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.logger.Info("starting opsmap agent",
		slog.String("agent_id", a.cfg.Agent.ID),
		slog.String("gateway_url", a.cfg.Gateway.URL),
	)

	a.wg.Add(4)
	go func() { defer a.wg.Done(); a.conn.Run(ctx) }()
	go func() { defer a.wg.Done(); a.sched.Run(ctx) }()
	go func() { defer a.wg.Done(); a.dispatchLoop(ctx) }()
	go func() { defer a.wg.Done(); a.drainLoop(ctx) }()

	a.logger.Info("opsmap agent started")
	return nil
}

// Stop cancels the agent's context and waits for all internal goroutines to
// exit. It is safe to call multiple times.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.mu.Unlock()

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.logger.Info("opsmap agent stopped")
}

// dispatchLoop demultiplexes inbound connection traffic onto the
// scheduler and command executor.
func (a *Agent) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.conn.Snapshots:
			a.sched.UpdateSnapshot(snap)
		case update := <-a.conn.ConfigUpdates:
			a.sched.ApplyConfigUpdate(update, rawConfigKeys(update))
		case cmd := <-a.conn.Commands:
			a.wg.Add(1)
			go func(cmd wire.Command) {
				defer a.wg.Done()
				a.handleCommand(ctx, cmd)
			}(cmd)
		}
	}
}

// handleCommand runs one inbound Command and reports its outcome. Commands
// of an async type (start, stop, restart, action; see isAsyncCommand) get a
// "started" response as soon as the detached process has been spawned,
// followed by a second terminal response once that process exits; all
// other commands run synchronously and get a single response.
func (a *Agent) handleCommand(ctx context.Context, cmd wire.Command) {
	if a.metrics != nil {
		a.metrics.CommandsExecuted.Inc()
	}
	if isAsyncCommand(cmd.CommandType) {
		startedSent := make(chan struct{})
		jobID, err := a.exec.ExecuteAsync(cmd, func(done executor.AsyncCompletion) {
			<-startedSent
			result := done.Result
			a.respond(wire.CommandResponse{
				CommandID: cmd.ID,
				Status:    done.Status,
				Result:    &result,
				Timestamp: time.Now().UTC(),
			})
		})
		if err != nil {
			close(startedSent)
			a.respond(wire.CommandResponse{
				CommandID: cmd.ID,
				Status:    wire.ResponseFailed,
				Error:     err.Error(),
				Timestamp: time.Now().UTC(),
			})
			return
		}
		a.respond(wire.CommandResponse{
			CommandID: cmd.ID,
			Status:    wire.ResponseStarted,
			Result:    &wire.CommandResult{JobID: jobID},
			Timestamp: time.Now().UTC(),
		})
		close(startedSent)
		return
	}

	cmdCtx := ctx
	if cmd.TimeoutSecs > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, time.Duration(cmd.TimeoutSecs)*time.Second)
		defer cancel()
	}

	result, status := a.exec.ExecuteSync(cmdCtx, cmd)
	a.respond(wire.CommandResponse{
		CommandID: cmd.ID,
		Status:    status,
		Result:    &result,
		Timestamp: time.Now().UTC(),
	})
}

// respond sends a CommandResponse, buffering it if the gateway connection
// is currently down.
func (a *Agent) respond(resp wire.CommandResponse) {
	env, err := wire.Encode(wire.TypeCommandResponse, resp)
	if err != nil {
		a.logger.Error("agent: encode command response failed", slog.Any("error", err))
		return
	}
	if a.conn.Connected() {
		if err := a.conn.Send(env); err == nil {
			return
		}
		a.logger.Warn("agent: send command response failed, buffering")
	}
	// Buffer the whole envelope, not just the response payload, so the
	// drain loop can replay it without having to guess its wire type.
	raw, err := json.Marshal(env)
	if err != nil {
		a.logger.Error("agent: marshal command response for buffering failed", slog.Any("error", err))
		return
	}
	if err := a.buf.Push(raw); err != nil {
		a.logger.Error("agent: buffer push failed", slog.Any("error", err))
	}
}

// drainLoop waits for the connection's reconnect signal and replays
// whatever accumulated in the offline buffer while the gateway was
// unreachable, oldest first, before any newly computed delta is admitted.
func (a *Agent) drainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.conn.Reconnected:
			a.drainBuffer(ctx)
		}
	}
}

// drainBuffer pops and redelivers every buffered envelope in FIFO order. A
// send failure pushes the envelope back onto the front of the buffer,
// preserving order, and ends the drain; it resumes on the next reconnect
// signal. conn.Connected reports false for the whole duration of a drain, so
// the scheduler's sends queue up behind the replay instead of racing it.
func (a *Agent) drainBuffer(ctx context.Context) {
	defer a.conn.SetDraining(false)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		raw, ok := a.buf.Pop()
		if !ok {
			return
		}

		var env wire.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.logger.Error("agent: dropping unparseable buffered entry", slog.Any("error", err))
			continue
		}
		if err := a.conn.Send(env); err != nil {
			a.logger.Warn("agent: drain send failed, requeuing", slog.Any("error", err))
			if pfErr := a.buf.PushFront(raw); pfErr != nil {
				a.logger.Error("agent: buffer requeue failed", slog.Any("error", pfErr))
			}
			return
		}
	}
}

func rawConfigKeys(update wire.ConfigUpdate) []string {
	var keys []string
	if update.CheckIntervalSecs != nil {
		keys = append(keys, "check_interval_secs")
	}
	return keys
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status      string  `json:"status"`
	UptimeS     float64 `json:"uptime_s"`
	BufferDepth int     `json:"buffer_depth"`
	Connected   bool    `json:"connected"`
}

// Health returns a snapshot of the current agent health state.
func (a *Agent) Health() HealthStatus {
	depth := a.buf.Len()
	if a.metrics != nil {
		a.metrics.BufferDepth.Set(float64(depth))
	}
	return HealthStatus{
		Status:      "ok",
		UptimeS:     time.Since(a.startTime).Seconds(),
		BufferDepth: depth,
		Connected:   a.conn.Connected(),
	}
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's
// health status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
