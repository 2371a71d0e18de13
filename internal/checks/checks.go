// Package checks implements the built-in ("native") check types an agent
// can run without shelling out. Each check type is a plain function
// registered under its name; the scheduler looks the function up by
// CheckDefinition.CheckType (stripped of an optional "native:" prefix).
package checks

import (
	"context"
	"encoding/json"
	"fmt"
)

// Result is the outcome of running one native check.
type Result struct {
	Status  string
	Message string
	Metrics json.RawMessage
}

// Func is the signature every native check implementation satisfies. cfg is
// the check's opaque configuration object taken verbatim from its
// CheckDefinition.
type Func func(ctx context.Context, cfg json.RawMessage) (Result, error)

// Registry maps a check_type name to its implementation.
type Registry struct {
	funcs map[string]Func
}

// NewRegistry builds a Registry pre-populated with every built-in check
// type this package implements.
func NewRegistry() *Registry {
	r := &Registry{funcs: make(map[string]Func)}
	r.Register("cpu", checkCPU)
	r.Register("memory", checkMemory)
	r.Register("disk_space", checkDiskSpace)
	r.Register("load_average", checkLoadAverage)
	r.Register("uptime", checkUptime)
	r.Register("network", checkNetwork)
	r.Register("process", checkProcess)
	r.Register("os_info", checkOSInfo)
	r.Register("tcp_port", checkTCPPort)
	r.Register("http", checkHTTP)
	r.Register("dns", checkDNS)
	r.Register("file_exists", checkFileExists)
	r.Register("file_content", checkFileContent)
	r.Register("service", checkService)
	r.Register("docker_container", checkDockerContainer)
	return r
}

// Register installs (or replaces) the implementation for checkType.
func (r *Registry) Register(checkType string, fn Func) {
	r.funcs[checkType] = fn
}

// Run executes the named check type. An unknown check type yields an
// error-status Result rather than a Go error, matching the contract that
// check execution never aborts the scheduler.
func (r *Registry) Run(ctx context.Context, checkType string, cfg json.RawMessage) Result {
	fn, ok := r.funcs[checkType]
	if !ok {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("unknown native check type %q", checkType),
		}
	}
	res, err := fn(ctx, cfg)
	if err != nil {
		return Result{Status: "error", Message: err.Error()}
	}
	return res
}

// metricsJSON marshals v into a Result's Metrics field, swallowing (and
// logging nothing about) marshal errors since v is always a plain struct
// built by this package.
func metricsJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return b
}

// thresholdStatus classifies a percentage-valued metric against the
// standard warning/critical thresholds used across the percentage-based
// native checks (cpu, memory, disk_space).
func thresholdStatus(pct, warnAt, critAt float64) string {
	switch {
	case pct >= critAt:
		return "error"
	case pct >= warnAt:
		return "warning"
	default:
		return "ok"
	}
}

// thresholdConfig is the common shape accepted by percentage-valued checks.
type thresholdConfig struct {
	WarningPct  *float64 `json:"warning_pct,omitempty"`
	CriticalPct *float64 `json:"critical_pct,omitempty"`
}

func (c thresholdConfig) thresholds() (warn, crit float64) {
	warn, crit = 80, 90
	if c.WarningPct != nil {
		warn = *c.WarningPct
	}
	if c.CriticalPct != nil {
		crit = *c.CriticalPct
	}
	return warn, crit
}

func parseConfig[T any](cfg json.RawMessage, out *T) error {
	if len(cfg) == 0 {
		return nil
	}
	if err := json.Unmarshal(cfg, out); err != nil {
		return fmt.Errorf("invalid check config: %w", err)
	}
	return nil
}
