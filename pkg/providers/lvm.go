package providers

import (
	"context"
	"regexp"
	"strings"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

var vgName = regexp.MustCompile(`^[A-Za-z0-9+_.][A-Za-z0-9+_.-]*$`)

// LVM renders the LVM configuration for the cinder volume group. It adds no
// packages, services or notifications.
type LVM struct{}

// Name implements Plugin.
func (p *LVM) Name() string { return BackendLVM }

// Validate implements Plugin.
func (p *LVM) Validate(pc engine.ProviderContext) error {
	if err := require(pc, BackendLVM, "volume_group", "config"); err != nil {
		return err
	}
	if !vgName.MatchString(pc.Setting("volume_group", "")) {
		return invalid(BackendLVM, "volume_group", "is not a valid volume group name")
	}
	for _, vg := range extraVolumeGroups(pc) {
		if !vgName.MatchString(vg) {
			return invalid(BackendLVM, "extra_volume_groups", "contains an invalid volume group name")
		}
	}
	return requireAbsPath(pc, BackendLVM, "config")
}

// Contribute implements Plugin.
func (p *LVM) Contribute(ctx context.Context, pc engine.ProviderContext) (*engine.Contribution, error) {
	if err := p.Validate(pc); err != nil {
		return nil, err
	}

	content, err := Render("lvm.conf.tmpl", map[string]any{
		"VolumeGroup":       pc.Setting("volume_group", ""),
		"ExtraVolumeGroups": extraVolumeGroups(pc),
	})
	if err != nil {
		return nil, err
	}

	return &engine.Contribution{
		Specs: []engine.ResourceSpec{fileSpec(pc.Setting("config", ""), content, "0644", nil)},
	}, nil
}

// extraVolumeGroups lists volume groups the host keeps active besides the
// cinder one, e.g. the root volume group.
func extraVolumeGroups(pc engine.ProviderContext) []string {
	return strings.FieldsFunc(pc.Setting("extra_volume_groups", ""), func(r rune) bool {
		return r == ',' || r == ' '
	})
}
