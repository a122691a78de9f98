package providers

import (
	"context"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// NetAppNFS configures the NetApp direct NFS driver's shares file.
type NetAppNFS struct{}

// Name implements Plugin.
func (p *NetAppNFS) Name() string { return BackendNetApp }

// Validate implements Plugin.
func (p *NetAppNFS) Validate(pc engine.ProviderContext) error {
	if err := require(pc, BackendNetApp, "server_hostname", "export", "nfs_shares_config"); err != nil {
		return err
	}
	return requireAbsPath(pc, BackendNetApp, "nfs_shares_config")
}

// Contribute implements Plugin.
func (p *NetAppNFS) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	if err := p.Validate(pc); err != nil {
		return nil, err
	}

	content, err := Render("nfs_shares.tmpl", map[string]string{
		"Host":   pc.Setting("server_hostname", ""),
		"Export": pc.Setting("export", ""),
	})
	if err != nil {
		return nil, err
	}

	shares := fileSpec(pc.Setting("nfs_shares_config", ""), content, "0600", map[string]string{
		engine.AttrOwner: pc.Setting("owner", "cinder"),
		engine.AttrGroup: pc.Setting("group", "cinder"),
	})

	return &engine.Contribution{
		Specs: append(packageSpecs(pc), shares),
		Notifications: []engine.Notification{{
			Source: shares.ID(),
			Target: serviceID(ServiceVolume),
			Action: engine.ActionRestart,
			Timing: engine.TimingDelayed,
		}},
	}, nil
}
