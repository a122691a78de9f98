package providers

import (
	"context"
	"strconv"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// DefaultEMCConfig is where the SMI-S settings are written when config is unset.
const DefaultEMCConfig = "/etc/cinder/cinder_emc_config.xml"

var emcRequired = []string{"StorageType", "EcomServerIP", "EcomServerPort", "EcomUserName", "EcomPassword"}

// EMC configures the EMC SMI-S iSCSI driver.
type EMC struct{}

// Name implements Plugin.
func (p *EMC) Name() string { return BackendEMC }

// Validate implements Plugin.
func (p *EMC) Validate(pc engine.ProviderContext) error {
	if err := require(pc, BackendEMC, emcRequired...); err != nil {
		return err
	}
	port, err := strconv.Atoi(pc.Setting("EcomServerPort", ""))
	if err != nil || port <= 0 || port > 65535 {
		return invalid(BackendEMC, "EcomServerPort", "must be a port number")
	}
	if pc.Settings["config"] != "" {
		return requireAbsPath(pc, BackendEMC, "config")
	}
	return nil
}

// Contribute implements Plugin.
func (p *EMC) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	if err := p.Validate(pc); err != nil {
		return nil, err
	}

	content, err := Render("cinder_emc_config.xml.tmpl", map[string]string{
		"StorageType":    pc.Setting("StorageType", ""),
		"EcomServerIP":   pc.Setting("EcomServerIP", ""),
		"EcomServerPort": pc.Setting("EcomServerPort", ""),
		"EcomUserName":   pc.Setting("EcomUserName", ""),
		"EcomPassword":   pc.Setting("EcomPassword", ""),
		"MaskingView":    pc.Setting("MaskingView", ""),
	})
	if err != nil {
		return nil, err
	}

	path := pc.Setting("config", DefaultEMCConfig)
	config := fileSpec(path, content, "0644", map[string]string{engine.AttrSensitive: "true"})

	return &engine.Contribution{
		Specs: append(packageSpecs(pc), config),
		Notifications: []engine.Notification{{
			Source: config.ID(),
			Target: serviceID(ServiceISCSITarget),
			Action: engine.ActionRestart,
			Timing: engine.TimingImmediate,
		}},
	}, nil
}
