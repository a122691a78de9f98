package config

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newTestLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	return l
}

func TestDefaults(t *testing.T) {
	attrs, err := newTestLoader(t).Defaults()
	if err != nil {
		t.Fatalf("Defaults: %v", err)
	}

	p := attrs.Cinder.Platform
	if !reflect.DeepEqual(p.VolumePackages, []string{"cinder-volume"}) || !reflect.DeepEqual(p.ISCSITargetPackages, []string{"tgt"}) {
		t.Errorf("packages = %v %v", p.VolumePackages, p.ISCSITargetPackages)
	}
	if p.TargetsConfig != "/etc/tgt/targets.conf" || p.ISCSITargetService != "tgt" {
		t.Errorf("platform = %+v", p)
	}
	if attrs.Cinder.Storage.Provider != "lvm" {
		t.Errorf("provider = %q", attrs.Cinder.Storage.Provider)
	}
	if got := attrs.Cinder.Storage.LVM.Settings["volume_group"]; got != "cinder-volumes" {
		t.Errorf("volume_group = %q", got)
	}
	if got := attrs.Cinder.Storage.EMC.Packages; !reflect.DeepEqual(got, []string{"python-pywbem"}) {
		t.Errorf("emc packages = %v", got)
	}
	if attrs.Osops.DoPackageUpgrades {
		t.Error("package upgrades enabled by default")
	}
	if err := attrs.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadMergesFormatsInOrder(t *testing.T) {
	dir := t.TempDir()
	site := writeFile(t, dir, "site.cue", `
cinder: storage: {
	provider: "emc"
	emc: {
		StorageType:    "Pool_0"
		EcomServerIP:   "10.0.0.5"
		EcomServerPort: 5988
	}
}
`)
	node := writeFile(t, dir, "node.yaml", `
cinder:
  storage:
    emc:
      EcomUserName: admin
      EcomPassword: secret
  platform:
    cinder_iscsitarget_packages: [iscsitarget, iscsitarget-dkms]
osops:
  do_package_upgrades: true
`)
	last := writeFile(t, dir, "last.json", `{"cinder": {"storage": {"emc": {"EcomServerIP": "10.0.0.6"}}}}`)

	attrs, err := newTestLoader(t).Load(context.Background(), Sources{Files: []string{site, node, last}})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	emc := attrs.Cinder.Storage.EMC.Settings
	want := map[string]string{
		"StorageType":    "Pool_0",
		"EcomServerIP":   "10.0.0.6",
		"EcomServerPort": "5988",
		"EcomUserName":   "admin",
		"EcomPassword":   "secret",
		"config":         "/etc/cinder/cinder_emc_config.xml",
	}
	if !reflect.DeepEqual(emc, want) {
		t.Errorf("emc settings = %v\nwant %v", emc, want)
	}
	if attrs.Cinder.Storage.Provider != "emc" || !attrs.Osops.DoPackageUpgrades {
		t.Errorf("attrs = %+v", attrs)
	}
	if got := attrs.Cinder.Platform.ISCSITargetPackages; !reflect.DeepEqual(got, []string{"iscsitarget", "iscsitarget-dkms"}) {
		t.Errorf("iscsitarget packages = %v", got)
	}
	if got := attrs.Cinder.Platform.VolumePackages; !reflect.DeepEqual(got, []string{"cinder-volume"}) {
		t.Errorf("default volume packages lost: %v", got)
	}
}

func TestLoadRejectsBadDocuments(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"unknown top-level key", "a.yaml", "cindr:\n  storage: {}\n"},
		{"wrong type", "a.yaml", "osops:\n  do_package_upgrades: sometimes\n"},
		{"nested backend setting", "a.yaml", "cinder:\n  storage:\n    lvm:\n      config: {path: /etc/lvm/lvm.conf}\n"},
		{"bad yaml", "a.yaml", "cinder: [\n"},
		{"bad cue", "a.cue", "cinder: {\n"},
		{"unsupported extension", "a.toml", "x = 1\n"},
		{"relative targets path", "a.json", `{"cinder": {"platform": {"targets_config": "targets.conf"}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), tt.file, tt.content)
			_, err := newTestLoader(t).Load(context.Background(), Sources{Files: []string{path}})
			if !engine.IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newTestLoader(t).Load(context.Background(), Sources{Files: []string{"/nonexistent/attrs.yaml"}})
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateNamesAttribute(t *testing.T) {
	attrs, err := newTestLoader(t).Defaults()
	if err != nil {
		t.Fatal(err)
	}
	attrs.Cinder.Platform.TargetsConfig = "etc/tgt/targets.conf"

	err = attrs.Validate()
	if !engine.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if !strings.Contains(err.Error(), "cinder.platform.targets_config") {
		t.Errorf("error does not name the attribute: %v", err)
	}
}

func TestStorageBackend(t *testing.T) {
	s := Storage{
		NetApp:  NetApp{NFSDirect: Backend{Settings: map[string]string{"export": "/vol/a"}}},
		Plugins: map[string]Backend{"pure": {Settings: map[string]string{"san_ip": "10.1.1.1"}}},
	}

	if b, ok := s.Backend("netappnfsdirect"); !ok || b.Settings["export"] != "/vol/a" {
		t.Errorf("netapp backend = %+v, %v", b, ok)
	}
	if b, ok := s.Backend("plugin:pure"); !ok || b.Settings["san_ip"] != "10.1.1.1" {
		t.Errorf("plugin backend = %+v, %v", b, ok)
	}
	if _, ok := s.Backend("iscsi-magic"); ok {
		t.Error("unknown backend found")
	}
}

func TestCommonSectionNames(t *testing.T) {
	c := Common{Settings: map[string]map[string]any{
		"keystone_authtoken": {"auth_uri": "http://keystone:5000"},
		"DEFAULT":            {"debug": false},
		"database":           {"connection": "mysql://cinder@db/cinder"},
	}}
	want := []string{"DEFAULT", "database", "keystone_authtoken"}
	if got := c.SectionNames(); !reflect.DeepEqual(got, want) {
		t.Errorf("SectionNames = %v, want %v", got, want)
	}
}

func TestDeepMerge(t *testing.T) {
	dst := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 2},
		"b": []interface{}{"one"},
	}
	deepMerge(dst, map[string]interface{}{
		"a": map[string]interface{}{"y": 3},
		"b": []interface{}{"two"},
		"c": map[string]interface{}{"z": true},
	})

	want := map[string]interface{}{
		"a": map[string]interface{}{"x": 1, "y": 3},
		"b": []interface{}{"two"},
		"c": map[string]interface{}{"z": true},
	}
	if !reflect.DeepEqual(dst, want) {
		t.Errorf("deepMerge = %v", dst)
	}
}
