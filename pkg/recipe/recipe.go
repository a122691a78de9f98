// Package recipe composes the cinder-volume host: packages, services, the
// iSCSI target configuration and the selected storage backend.
package recipe

import (
	"context"
	"fmt"

	"github.com/openfroyo/cinderhost/pkg/config"
	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/providers"
)

// Plan is the ordered input of one convergence pass.
type Plan struct {
	Specs         []engine.ResourceSpec
	Notifications []engine.Notification
	Provider      engine.ProviderContext
}

// ProviderContext builds the backend input from the attributes. Backend
// packages follow the host upgrade policy and never take package_overrides.
func ProviderContext(attrs config.Attributes) (engine.ProviderContext, error) {
	name := attrs.Cinder.Storage.Provider
	backend, ok := attrs.Cinder.Storage.Backend(name)
	if !ok {
		return engine.ProviderContext{}, engine.NewValidationError(
			fmt.Sprintf("no settings for storage provider %q", name), nil).
			WithCode(engine.ErrCodeUnknownProvider).
			WithDetail("provider", name)
	}

	settings := make(map[string]string, len(backend.Settings))
	for k, v := range backend.Settings {
		settings[k] = v
	}
	return engine.ProviderContext{
		Backend:      name,
		Settings:     settings,
		Packages:     append([]string(nil), backend.Packages...),
		PackageState: packageState(attrs),
	}, nil
}

func packageState(attrs config.Attributes) engine.DesiredState {
	if attrs.Osops.DoPackageUpgrades {
		return engine.StateUpgraded
	}
	return engine.StateInstalled
}

// Build validates the backend and returns the pass. Nothing in the plan has
// been applied when Build fails; only the backend contribution may run
// commands, after validation succeeded.
func Build(ctx context.Context, attrs config.Attributes, plugin providers.Plugin) (*Plan, error) {
	pc, err := ProviderContext(attrs)
	if err != nil {
		return nil, err
	}
	if err := plugin.Validate(pc); err != nil {
		return nil, err
	}

	platform := attrs.Cinder.Platform
	plan := &Plan{Provider: pc}

	state := packageState(attrs)
	packages := append(append([]string(nil), platform.VolumePackages...), platform.ISCSITargetPackages...)
	for _, name := range packages {
		spec := engine.ResourceSpec{Kind: engine.KindPackage, Identifier: name, State: state}
		if platform.PackageOverrides != "" {
			spec.Attributes = map[string]string{engine.AttrOptions: platform.PackageOverrides}
		}
		plan.Specs = append(plan.Specs, spec)
	}

	volumeService := engine.ResourceID(engine.KindService, providers.ServiceVolume)
	targetService := engine.ResourceID(engine.KindService, providers.ServiceISCSITarget)

	common := attrs.Cinder.Common
	if len(common.Settings) > 0 {
		content, err := RenderINI(common)
		if err != nil {
			return nil, err
		}
		conf := engine.ResourceSpec{
			Kind:       engine.KindFile,
			Identifier: common.ConfigFile,
			State:      engine.StatePresent,
			Attributes: map[string]string{
				engine.AttrContent:   content,
				engine.AttrMode:      "0640",
				engine.AttrGroup:     "cinder",
				engine.AttrSensitive: "true",
			},
		}
		plan.Specs = append(plan.Specs, conf)
		plan.Notifications = append(plan.Notifications, engine.Notification{
			Source: conf.ID(),
			Target: volumeService,
			Action: engine.ActionRestart,
			Timing: engine.TimingDelayed,
		})
	}

	plan.Specs = append(plan.Specs,
		engine.ResourceSpec{
			Kind:       engine.KindService,
			Identifier: providers.ServiceVolume,
			State:      engine.StateEnabled,
			Attributes: map[string]string{engine.AttrServiceName: platform.VolumeService},
		},
		engine.ResourceSpec{
			Kind:       engine.KindService,
			Identifier: providers.ServiceISCSITarget,
			State:      engine.StateEnabled,
			Attributes: map[string]string{engine.AttrServiceName: platform.ISCSITargetService},
		},
	)

	targets, err := providers.Render("targets.conf.tmpl", map[string]string{"VolumesDir": platform.VolumesDir})
	if err != nil {
		return nil, err
	}
	targetsSpec := engine.ResourceSpec{
		Kind:       engine.KindFile,
		Identifier: platform.TargetsConfig,
		State:      engine.StatePresent,
		Attributes: map[string]string{
			engine.AttrContent: targets,
			engine.AttrMode:    "0600",
		},
	}
	plan.Specs = append(plan.Specs, targetsSpec)
	plan.Notifications = append(plan.Notifications, engine.Notification{
		Source: targetsSpec.ID(),
		Target: targetService,
		Action: engine.ActionRestart,
		Timing: engine.TimingImmediate,
	})

	contribution, err := plugin.Contribute(ctx, pc)
	if err != nil {
		return nil, err
	}
	plan.Specs = append(plan.Specs, contribution.Specs...)
	plan.Notifications = append(plan.Notifications, contribution.Notifications...)

	return plan, nil
}
