// Package handlers converges package, service and file resources through a
// runner.Runner, so the same handlers work on this host and over SSH.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

// Supported package managers.
const (
	ManagerApt = "apt"
	ManagerDnf = "dnf"
	ManagerYum = "yum"
)

// PackageHandler manages OS packages with apt or dnf/yum.
type PackageHandler struct {
	runner  runner.Runner
	logger  zerolog.Logger
	once    sync.Once
	manager string
	err     error
}

// NewPackageHandler creates a package handler. An empty manager is detected
// on first use.
func NewPackageHandler(r runner.Runner, manager string, logger zerolog.Logger) *PackageHandler {
	return &PackageHandler{
		runner:  r,
		manager: manager,
		logger:  logger.With().Str("component", "package-handler").Logger(),
	}
}

// Kind implements engine.Handler.
func (h *PackageHandler) Kind() engine.ResourceKind {
	return engine.KindPackage
}

// Check implements engine.Handler.
func (h *PackageHandler) Check(ctx context.Context, spec engine.ResourceSpec) (engine.CurrentState, error) {
	manager, err := h.detect(ctx)
	if err != nil {
		return engine.CurrentState{}, err
	}

	installed, version, err := h.query(ctx, manager, spec.Identifier)
	if err != nil {
		return engine.CurrentState{}, err
	}

	if !installed {
		return engine.CurrentState{
			InSync:      spec.State == engine.StateRemoved,
			Description: "not installed",
		}, nil
	}

	desc := "installed " + version
	switch spec.State {
	case engine.StateRemoved:
		return engine.CurrentState{Description: desc}, nil
	case engine.StateUpgraded:
		upgradable, candidate, err := h.upgradable(ctx, manager, spec.Identifier, version)
		if err != nil {
			return engine.CurrentState{}, err
		}
		if upgradable {
			return engine.CurrentState{Description: fmt.Sprintf("%s, candidate %s", desc, candidate)}, nil
		}
		return engine.CurrentState{InSync: true, Description: desc}, nil
	default:
		want := spec.Attr(engine.AttrVersion, "")
		return engine.CurrentState{InSync: want == "" || want == version, Description: desc}, nil
	}
}

// Converge implements engine.Handler.
func (h *PackageHandler) Converge(ctx context.Context, spec engine.ResourceSpec) (string, error) {
	manager, err := h.detect(ctx)
	if err != nil {
		return "", err
	}

	options := strings.Fields(spec.Attr(engine.AttrOptions, ""))
	name := spec.Identifier
	if v := spec.Attr(engine.AttrVersion, ""); v != "" && spec.State == engine.StateInstalled {
		name = pinned(manager, name, v)
	}

	verb, action := "install", "installed"
	switch spec.State {
	case engine.StateRemoved:
		verb, action = "remove", "removed"
	case engine.StateUpgraded:
		installed, _, err := h.query(ctx, manager, spec.Identifier)
		if err != nil {
			return "", err
		}
		if installed {
			verb, action = "upgrade", "upgraded"
		}
	}

	args := h.command(manager, verb, options, name)
	if _, err := runner.MustSucceed(ctx, h.runner, args[0], args[1:]...); err != nil {
		return "", fmt.Errorf("failed to %s package %s: %w", verb, spec.Identifier, err)
	}

	_, version, err := h.query(ctx, manager, spec.Identifier)
	if err == nil && version != "" {
		action += " " + version
	}
	h.logger.Info().Str("package", spec.Identifier).Str("action", action).Msg("Package converged")
	return action, nil
}

// Act implements engine.Handler. Packages take no notified actions.
func (h *PackageHandler) Act(ctx context.Context, spec engine.ResourceSpec, action engine.Action) error {
	return fmt.Errorf("package resources do not support action %q", action)
}

// Manager returns the detected package manager.
func (h *PackageHandler) Manager(ctx context.Context) (string, error) {
	return h.detect(ctx)
}

func (h *PackageHandler) detect(ctx context.Context) (string, error) {
	h.once.Do(func() {
		if h.manager != "" {
			return
		}
		for _, c := range []struct{ bin, manager string }{
			{"apt-get", ManagerApt},
			{"dnf", ManagerDnf},
			{"yum", ManagerYum},
		} {
			if runner.LookPath(ctx, h.runner, c.bin) {
				h.manager = c.manager
				return
			}
		}
		h.err = engine.NewExecError("no supported package manager found", nil)
	})
	return h.manager, h.err
}

func (h *PackageHandler) query(ctx context.Context, manager, name string) (bool, string, error) {
	var res *engine.CommandResult
	var err error
	switch manager {
	case ManagerApt:
		res, err = h.runner.Run(ctx, "dpkg-query", "-W", "-f=${Status}|${Version}", name)
	case ManagerDnf, ManagerYum:
		res, err = h.runner.Run(ctx, "rpm", "-q", "--queryformat", "%{VERSION}-%{RELEASE}", name)
	default:
		return false, "", fmt.Errorf("unsupported package manager: %s", manager)
	}
	if err != nil {
		return false, "", err
	}
	if res.ExitCode != 0 {
		return false, "", nil
	}

	out := strings.TrimSpace(res.Stdout)
	if manager != ManagerApt {
		return true, out, nil
	}
	status, version, _ := strings.Cut(out, "|")
	if !strings.HasSuffix(status, " installed") {
		return false, "", nil
	}
	return true, version, nil
}

// upgradable reports whether the package manager would install a newer
// version, and which.
func (h *PackageHandler) upgradable(ctx context.Context, manager, name, installed string) (bool, string, error) {
	switch manager {
	case ManagerApt:
		res, err := runner.MustSucceed(ctx, h.runner, "apt-cache", "policy", name)
		if err != nil {
			return false, "", err
		}
		candidate := parseAptCandidate(res.Stdout)
		if candidate == "" || candidate == "(none)" {
			return false, installed, nil
		}
		return candidate != installed, candidate, nil
	default:
		res, err := h.runner.Run(ctx, manager, "-q", "check-update", name)
		if err != nil {
			return false, "", err
		}
		switch res.ExitCode {
		case 0:
			return false, installed, nil
		case 100:
			return true, "available", nil
		default:
			_, err := runner.Expect(res, nil)
			return false, "", err
		}
	}
}

func (h *PackageHandler) command(manager, verb string, options []string, name string) []string {
	bin := manager
	if manager == ManagerApt {
		bin = "apt-get"
		if verb == "upgrade" {
			// apt-get upgrade ignores its arguments; install moves a single
			// package to the candidate version.
			verb = "install"
			options = append([]string{"--only-upgrade"}, options...)
		}
	}
	args := []string{bin, "-y", verb}
	if manager == ManagerApt {
		args = append(args, "-q")
	}
	args = append(args, options...)
	return append(args, name)
}

func pinned(manager, name, version string) string {
	if manager == ManagerApt {
		return name + "=" + version
	}
	return name + "-" + version
}

func parseAptCandidate(policy string) string {
	sc := bufio.NewScanner(strings.NewReader(policy))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if v, ok := strings.CutPrefix(line, "Candidate:"); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
