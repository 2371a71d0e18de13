package checks

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"
)

// tcp_port, http, dns, file_exists, and file_content are implemented
// directly on the standard library: each is a single dial, request, lookup,
// or stat call, and wrapping it in a third-party client would add a
// dependency without adding capability the stdlib doesn't already provide
// cleanly (see DESIGN.md).

type tcpPortConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

func checkTCPPort(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var tc tcpPortConfig
	if err := parseConfig(cfg, &tc); err != nil {
		return Result{}, err
	}
	if tc.Host == "" || tc.Port == 0 {
		return Result{}, fmt.Errorf("tcp_port: config.host and config.port are required")
	}
	timeout := time.Duration(tc.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	addr := fmt.Sprintf("%s:%d", tc.Host, tc.Port)
	dialer := net.Dialer{Timeout: timeout}
	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("connect to %s failed: %v", addr, err),
			Metrics: metricsJSON(map[string]any{"latency_ms": elapsed.Milliseconds()}),
		}, nil
	}
	conn.Close()

	return Result{
		Status:  "ok",
		Message: fmt.Sprintf("connected to %s", addr),
		Metrics: metricsJSON(map[string]any{"latency_ms": elapsed.Milliseconds()}),
	}, nil
}

type httpConfig struct {
	URL            string `json:"url"`
	ExpectStatus   int    `json:"expect_status,omitempty"`
	TimeoutSecs    int    `json:"timeout_secs,omitempty"`
}

func checkHTTP(ctx context.Context, cfg json.RawMessage) (Result, error) {
	hc := httpConfig{ExpectStatus: 200}
	if err := parseConfig(cfg, &hc); err != nil {
		return Result{}, err
	}
	if hc.URL == "" {
		return Result{}, fmt.Errorf("http: config.url is required")
	}
	timeout := time.Duration(hc.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, hc.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("http: build request: %w", err)
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("request to %s failed: %v", hc.URL, err),
			Metrics: metricsJSON(map[string]any{"latency_ms": elapsed.Milliseconds()}),
		}, nil
	}
	defer resp.Body.Close()

	status := "ok"
	if resp.StatusCode != hc.ExpectStatus {
		status = "error"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%s -> %d (expected %d)", hc.URL, resp.StatusCode, hc.ExpectStatus),
		Metrics: metricsJSON(map[string]any{
			"status_code": resp.StatusCode,
			"latency_ms":  elapsed.Milliseconds(),
		}),
	}, nil
}

type dnsConfig struct {
	Hostname    string `json:"hostname"`
	TimeoutSecs int    `json:"timeout_secs,omitempty"`
}

func checkDNS(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var dc dnsConfig
	if err := parseConfig(cfg, &dc); err != nil {
		return Result{}, err
	}
	if dc.Hostname == "" {
		return Result{}, fmt.Errorf("dns: config.hostname is required")
	}
	timeout := time.Duration(dc.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	resolveCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var resolver net.Resolver
	addrs, err := resolver.LookupHost(resolveCtx, dc.Hostname)
	if err != nil {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("resolve %q failed: %v", dc.Hostname, err),
		}, nil
	}

	return Result{
		Status:  "ok",
		Message: fmt.Sprintf("%s resolved to %s", dc.Hostname, strings.Join(addrs, ", ")),
		Metrics: metricsJSON(map[string]any{"addresses": addrs}),
	}, nil
}

type fileExistsConfig struct {
	Path     string `json:"path"`
	ShouldBe string `json:"should_be,omitempty"` // "present" (default) or "absent"
}

func checkFileExists(ctx context.Context, cfg json.RawMessage) (Result, error) {
	fc := fileExistsConfig{ShouldBe: "present"}
	if err := parseConfig(cfg, &fc); err != nil {
		return Result{}, err
	}
	if fc.Path == "" {
		return Result{}, fmt.Errorf("file_exists: config.path is required")
	}

	_, err := os.Stat(fc.Path)
	exists := err == nil
	if err != nil && !os.IsNotExist(err) {
		return Result{}, fmt.Errorf("file_exists: stat %q: %w", fc.Path, err)
	}

	status := "ok"
	if (fc.ShouldBe == "present" && !exists) || (fc.ShouldBe == "absent" && exists) {
		status = "error"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%s exists=%v (want %s)", fc.Path, exists, fc.ShouldBe),
		Metrics: metricsJSON(map[string]any{"exists": exists}),
	}, nil
}

type fileContentConfig struct {
	Path     string `json:"path"`
	Contains string `json:"contains"`
}

func checkFileContent(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var fc fileContentConfig
	if err := parseConfig(cfg, &fc); err != nil {
		return Result{}, err
	}
	if fc.Path == "" {
		return Result{}, fmt.Errorf("file_content: config.path is required")
	}

	data, err := os.ReadFile(fc.Path)
	if err != nil {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("read %q failed: %v", fc.Path, err),
		}, nil
	}

	status := "ok"
	found := strings.Contains(string(data), fc.Contains)
	if fc.Contains != "" && !found {
		status = "error"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%s contains %q: %v", fc.Path, fc.Contains, found),
		Metrics: metricsJSON(map[string]any{"found": found, "size_bytes": len(data)}),
	}, nil
}
