// Package providers adds storage-backend specific resources to a
// cinder-volume convergence pass.
package providers

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner"
)

// Service identifiers shared with the recipe.
const (
	ServiceVolume      = "cinder-volume"
	ServiceISCSITarget = "iscsitarget"
)

// Built-in backend names.
const (
	BackendEMC    = "emc"
	BackendNetApp = "netappnfsdirect"
	BackendLVM    = "lvm"
	BackendRBD    = "rbd"
)

const pluginPrefix = "plugin:"

// Plugin is one storage backend.
//
// Validate runs before any resource of the pass is applied and must not
// touch the host. Contribute may run provisioning commands and returns the
// backend's resources and notification edges.
type Plugin interface {
	Name() string
	Validate(pc engine.ProviderContext) error
	Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error)
}

// Loader loads an external plugin by name.
type Loader func(ctx context.Context, name string) (Plugin, error)

// Deps are the collaborators providers may use.
type Deps struct {
	// Runner executes provisioning commands such as the ceph CLI.
	Runner runner.Runner

	// Logger is the base logger.
	Logger zerolog.Logger

	// Noop skips provisioning commands that change the host.
	Noop bool

	// Plugins loads "plugin:<name>" providers. May be nil.
	Plugins Loader
}

// New returns the provider registered under name.
func New(ctx context.Context, name string, deps Deps) (Plugin, error) {
	logger := deps.Logger.With().Str("component", "provider").Str("provider", name).Logger()

	switch name {
	case BackendEMC:
		return &EMC{}, nil
	case BackendNetApp:
		return &NetAppNFS{}, nil
	case BackendLVM:
		return &LVM{}, nil
	case BackendRBD:
		return &RBD{runner: deps.Runner, logger: logger, noop: deps.Noop}, nil
	}

	if plugin, ok := strings.CutPrefix(name, pluginPrefix); ok && deps.Plugins != nil {
		p, err := deps.Plugins(ctx, plugin)
		if err != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("failed to load provider plugin %q", plugin), err).
				WithCode(engine.ErrCodeUnknownProvider)
		}
		return p, nil
	}

	return nil, engine.NewValidationError(
		fmt.Sprintf("unknown storage provider %q (known: %s)", name, strings.Join(Names(), ", ")), nil).
		WithCode(engine.ErrCodeUnknownProvider).
		WithDetail("provider", name)
}

// Names lists the built-in providers.
func Names() []string {
	names := []string{BackendEMC, BackendNetApp, BackendLVM, BackendRBD}
	sort.Strings(names)
	return names
}

// require checks keys in the declared order and names the provider in the error.
func require(pc engine.ProviderContext, backend string, keys ...string) error {
	for _, k := range keys {
		if strings.TrimSpace(pc.Settings[k]) == "" {
			err := engine.MissingConfigKey(k)
			err.Message = fmt.Sprintf("%s volume provider was selected, but %s was not set", backend, k)
			return err
		}
	}
	return nil
}

func invalid(backend, key, reason string) error {
	return engine.NewValidationError(fmt.Sprintf("%s volume provider: %s %s", backend, key, reason), nil).
		WithCode(engine.ErrCodeInvalidConfig).
		WithDetail("key", key)
}

var absPath = regexp.MustCompile(`^/[^\x00]*$`)

func requireAbsPath(pc engine.ProviderContext, backend, key string) error {
	if !absPath.MatchString(pc.Settings[key]) {
		return invalid(backend, key, "must be an absolute path")
	}
	return nil
}

func packageSpecs(pc engine.ProviderContext) []engine.ResourceSpec {
	state := pc.PackageState
	if state == "" {
		state = engine.StateInstalled
	}
	specs := make([]engine.ResourceSpec, 0, len(pc.Packages))
	for _, name := range pc.Packages {
		spec := engine.ResourceSpec{Kind: engine.KindPackage, Identifier: name, State: state}
		if pc.PackageOptions != "" {
			spec.Attributes = map[string]string{engine.AttrOptions: pc.PackageOptions}
		}
		specs = append(specs, spec)
	}
	return specs
}

func fileSpec(path, content, mode string, extra map[string]string) engine.ResourceSpec {
	attrs := map[string]string{
		engine.AttrContent: content,
		engine.AttrMode:    mode,
	}
	for k, v := range extra {
		attrs[k] = v
	}
	return engine.ResourceSpec{
		Kind:       engine.KindFile,
		Identifier: path,
		State:      engine.StatePresent,
		Attributes: attrs,
	}
}

func serviceID(name string) string {
	return engine.ResourceID(engine.KindService, name)
}
