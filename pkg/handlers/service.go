package handlers

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

// ServiceHandler manages systemd units with systemctl.
type ServiceHandler struct {
	runner runner.Runner
	logger zerolog.Logger
}

// NewServiceHandler creates a service handler.
func NewServiceHandler(r runner.Runner, logger zerolog.Logger) *ServiceHandler {
	return &ServiceHandler{
		runner: r,
		logger: logger.With().Str("component", "service-handler").Logger(),
	}
}

// Kind implements engine.Handler.
func (h *ServiceHandler) Kind() engine.ResourceKind {
	return engine.KindService
}

// Check implements engine.Handler.
func (h *ServiceHandler) Check(ctx context.Context, spec engine.ResourceSpec) (engine.CurrentState, error) {
	unit := unitName(spec)

	switch spec.State {
	case engine.StateEnabled, engine.StateDisabled:
		enabled, state, err := h.isEnabled(ctx, unit)
		if err != nil {
			return engine.CurrentState{}, err
		}
		return engine.CurrentState{
			InSync:      enabled == (spec.State == engine.StateEnabled),
			Description: state,
		}, nil
	default:
		active, state, err := h.isActive(ctx, unit)
		if err != nil {
			return engine.CurrentState{}, err
		}
		return engine.CurrentState{
			InSync:      active == (spec.State == engine.StateRunning),
			Description: state,
		}, nil
	}
}

// Converge implements engine.Handler.
func (h *ServiceHandler) Converge(ctx context.Context, spec engine.ResourceSpec) (string, error) {
	var verb, action string
	switch spec.State {
	case engine.StateEnabled:
		verb, action = "enable", "enabled"
	case engine.StateDisabled:
		verb, action = "disable", "disabled"
	case engine.StateRunning:
		verb, action = "start", "started"
	case engine.StateStopped:
		verb, action = "stop", "stopped"
	default:
		return "", fmt.Errorf("invalid service state: %s", spec.State)
	}

	if err := h.systemctl(ctx, verb, unitName(spec)); err != nil {
		return "", err
	}
	return action, nil
}

// Act implements engine.Handler.
func (h *ServiceHandler) Act(ctx context.Context, spec engine.ResourceSpec, action engine.Action) error {
	if !action.Valid() {
		return fmt.Errorf("invalid service action: %s", action)
	}
	unit := unitName(spec)
	if err := h.systemctl(ctx, string(action), unit); err != nil {
		return err
	}
	h.logger.Info().Str("service", unit).Str("action", string(action)).Msg("Service action performed")
	return nil
}

func (h *ServiceHandler) isEnabled(ctx context.Context, unit string) (bool, string, error) {
	res, err := h.runner.Run(ctx, "systemctl", "is-enabled", unit)
	if err != nil {
		return false, "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		state = "unknown"
	}
	switch state {
	case "enabled", "enabled-runtime", "alias", "static", "indirect", "generated":
		return true, state, nil
	}
	return false, state, nil
}

func (h *ServiceHandler) isActive(ctx context.Context, unit string) (bool, string, error) {
	res, err := h.runner.Run(ctx, "systemctl", "is-active", unit)
	if err != nil {
		return false, "", err
	}
	state := strings.TrimSpace(res.Stdout)
	if state == "" {
		state = "unknown"
	}
	return state == "active", state, nil
}

func (h *ServiceHandler) systemctl(ctx context.Context, verb, unit string) error {
	if _, err := runner.MustSucceed(ctx, h.runner, "systemctl", verb, unit); err != nil {
		return fmt.Errorf("failed to %s service %s: %w", verb, unit, err)
	}
	return nil
}

func unitName(spec engine.ResourceSpec) string {
	return spec.Attr(engine.AttrServiceName, spec.Identifier)
}
