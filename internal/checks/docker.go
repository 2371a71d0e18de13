package checks

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// docker_container checks the running state of a named container via the
// local Docker daemon socket. Grounded on the teacher's indirect dependency
// on github.com/docker/docker (pulled in for its own testcontainers-based
// integration tests); here it is promoted to a direct dependency and
// actually exercised by a component, rather than carried only transitively.

type dockerContainerConfig struct {
	Name string `json:"name"`
}

func checkDockerContainer(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var dc dockerContainerConfig
	if err := parseConfig(cfg, &dc); err != nil {
		return Result{}, err
	}
	if dc.Name == "" {
		return Result{}, fmt.Errorf("docker_container: config.name is required")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return Result{}, fmt.Errorf("docker_container: connect to daemon: %w", err)
	}
	defer cli.Close()

	info, err := cli.ContainerInspect(ctx, dc.Name)
	if err != nil {
		return Result{
			Status:  "error",
			Message: fmt.Sprintf("inspect %q failed: %v", dc.Name, err),
		}, nil
	}

	running := info.State != nil && info.State.Running
	status := "ok"
	if !running {
		status = "error"
	}

	var restarts int
	if info.RestartCount > 0 {
		restarts = info.RestartCount
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%s running=%v", dc.Name, running),
		Metrics: metricsJSON(map[string]any{
			"running":       running,
			"restart_count": restarts,
			"status":        statusString(info.State),
		}),
	}, nil
}

func statusString(s *container.State) string {
	if s == nil {
		return "unknown"
	}
	return s.Status
}
