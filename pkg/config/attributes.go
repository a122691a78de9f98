package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Attributes are the node attributes a convergence pass is built from.
// They are loaded once per run and passed by value.
type Attributes struct {
	Cinder Cinder `json:"cinder"`
	Osops  Osops  `json:"osops"`
}

// Cinder holds the cinder.* attribute tree.
type Cinder struct {
	Platform Platform `json:"platform"`
	Storage  Storage  `json:"storage"`
	Common   Common   `json:"common"`
}

// Platform holds package and service names for the host distribution.
type Platform struct {
	VolumePackages      []string `json:"cinder_volume_packages" validate:"required,dive,required"`
	ISCSITargetPackages []string `json:"cinder_iscsitarget_packages" validate:"dive,required"`
	VolumeService       string   `json:"cinder_volume_service" validate:"required"`
	ISCSITargetService  string   `json:"cinder_iscsitarget_service" validate:"required"`
	PackageOverrides    string   `json:"package_overrides"`
	TargetsConfig       string   `json:"targets_config" validate:"required,startswith=/"`
	VolumesDir          string   `json:"volumes_dir" validate:"required,startswith=/"`
}

// Storage selects and configures the volume backend.
type Storage struct {
	Provider string             `json:"provider" validate:"required"`
	EMC      Backend            `json:"emc"`
	NetApp   NetApp             `json:"netapp"`
	LVM      Backend            `json:"lvm"`
	RBD      Backend            `json:"rbd"`
	Plugins  map[string]Backend `json:"plugins,omitempty"`
}

// NetApp holds the netapp.* subtree.
type NetApp struct {
	NFSDirect Backend `json:"nfsdirect"`
}

// Backend is one provider's settings. Every key except packages is a
// scalar setting handed to the provider as a string.
type Backend struct {
	Packages []string
	Settings map[string]string
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Backend) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	b.Packages = nil
	b.Settings = make(map[string]string, len(raw))
	for key, val := range raw {
		if key == "packages" {
			list, ok := val.([]any)
			if !ok && val != nil {
				return fmt.Errorf("packages must be a list")
			}
			for _, item := range list {
				name, ok := item.(string)
				if !ok {
					return fmt.Errorf("packages must be a list of strings")
				}
				b.Packages = append(b.Packages, name)
			}
			continue
		}

		switch v := val.(type) {
		case nil:
		case string:
			b.Settings[key] = v
		case json.Number:
			b.Settings[key] = v.String()
		case bool:
			b.Settings[key] = strconv.FormatBool(v)
		default:
			return fmt.Errorf("setting %s must be a scalar", key)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (b Backend) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Settings)+1)
	for k, v := range b.Settings {
		out[k] = v
	}
	out["packages"] = b.Packages
	if b.Packages == nil {
		out["packages"] = []string{}
	}
	return json.Marshal(out)
}

// Backend returns the settings of the named provider. Plugin providers are
// looked up under cinder.storage.plugins.<name>.
func (s Storage) Backend(name string) (Backend, bool) {
	switch name {
	case "emc":
		return s.EMC, true
	case "netappnfsdirect":
		return s.NetApp.NFSDirect, true
	case "lvm":
		return s.LVM, true
	case "rbd":
		return s.RBD, true
	}
	if plugin, ok := strings.CutPrefix(name, "plugin:"); ok {
		b, ok := s.Plugins[plugin]
		return b, ok
	}
	return Backend{}, false
}

// Common holds the shared cinder configuration file.
type Common struct {
	ConfigFile string                    `json:"config_file" validate:"required,startswith=/"`
	Settings   map[string]map[string]any `json:"settings,omitempty"`
}

// SectionNames returns the INI sections in sorted order with DEFAULT first.
func (c Common) SectionNames() []string {
	names := make([]string, 0, len(c.Settings))
	for name := range c.Settings {
		if name != "DEFAULT" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if _, ok := c.Settings["DEFAULT"]; ok {
		names = append([]string{"DEFAULT"}, names...)
	}
	return names
}

// Osops holds operator-wide switches.
type Osops struct {
	DoPackageUpgrades bool `json:"do_package_upgrades"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and reports the first failure as a
// validation error naming the attribute, e.g. cinder.platform.targets_config.
func (a Attributes) Validate() error {
	err := validate.Struct(a)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return engine.NewValidationError("invalid attributes", err).WithCode(engine.ErrCodeInvalidConfig)
	}

	fe := verrs[0]
	key := strings.TrimPrefix(fe.Namespace(), "Attributes.")
	msg := fmt.Sprintf("attribute %s failed the %q constraint", key, fe.Tag())
	if fe.Param() != "" {
		msg += fmt.Sprintf(" (%s)", fe.Param())
	}
	return engine.NewValidationError(msg, nil).
		WithCode(engine.ErrCodeInvalidConfig).
		WithDetail("key", key)
}
