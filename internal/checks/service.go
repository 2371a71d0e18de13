package checks

import (
	"context"
	"encoding/json"
	"fmt"

	systemd "github.com/coreos/go-systemd/v22/dbus"
)

// service checks a systemd unit's ActiveState via D-Bus, grounded on the
// sole systemd-checking reference file in the retrieved pack.

type serviceConfig struct {
	Unit string `json:"unit"`
}

func checkService(ctx context.Context, cfg json.RawMessage) (Result, error) {
	var sc serviceConfig
	if err := parseConfig(cfg, &sc); err != nil {
		return Result{}, err
	}
	if sc.Unit == "" {
		return Result{}, fmt.Errorf("service: config.unit is required")
	}

	conn, err := systemd.NewWithContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("service: connect to systemd: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, sc.Unit)
	if err != nil {
		return Result{}, fmt.Errorf("service: query unit %q: %w", sc.Unit, err)
	}

	activeState, _ := props["ActiveState"].(string)
	subState, _ := props["SubState"].(string)

	status := "error"
	if activeState == "active" {
		status = "ok"
	}

	return Result{
		Status:  status,
		Message: fmt.Sprintf("%s: %s (%s)", sc.Unit, activeState, subState),
		Metrics: metricsJSON(map[string]any{
			"unit":         sc.Unit,
			"active_state": activeState,
			"sub_state":    subState,
		}),
	}, nil
}
