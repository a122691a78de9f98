package providers

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner/runnertest"
)

func emcContext() engine.ProviderContext {
	return engine.ProviderContext{
		Backend: BackendEMC,
		Settings: map[string]string{
			"StorageType":    "Pool_0",
			"EcomServerIP":   "10.0.0.5",
			"EcomServerPort": "5988",
			"EcomUserName":   "admin",
			"EcomPassword":   "s3cr<t&",
			"config":         "/etc/cinder/cinder_emc_config.xml",
		},
		Packages:     []string{"pywbem"},
		PackageState: engine.StateInstalled,
	}
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New(context.Background(), "iscsi-magic", Deps{Logger: zerolog.Nop()})
	if !errors.Is(err, &engine.EngineError{Class: engine.ErrorClassValidation, Code: engine.ErrCodeUnknownProvider}) {
		t.Fatalf("expected UNKNOWN_PROVIDER, got %v", err)
	}
}

func TestNewLoadsPlugins(t *testing.T) {
	var asked string
	deps := Deps{
		Logger: zerolog.Nop(),
		Plugins: func(ctx context.Context, name string) (Plugin, error) {
			asked = name
			return &LVM{}, nil
		},
	}
	if _, err := New(context.Background(), "plugin:purestorage", deps); err != nil {
		t.Fatalf("New: %v", err)
	}
	if asked != "purestorage" {
		t.Errorf("loader asked for %q", asked)
	}
}

func TestEMCMissingKeys(t *testing.T) {
	for _, key := range emcRequired {
		t.Run(key, func(t *testing.T) {
			pc := emcContext()
			delete(pc.Settings, key)

			err := (&EMC{}).Validate(pc)
			if !engine.IsMissingConfigKey(err, key) {
				t.Fatalf("expected missing %s, got %v", key, err)
			}
			if !strings.Contains(err.Error(), "emc volume provider was selected, but "+key+" was not set") {
				t.Errorf("unexpected message: %v", err)
			}
		})
	}
}

func TestEMCReportsFirstMissingKeyInOrder(t *testing.T) {
	pc := emcContext()
	delete(pc.Settings, "EcomPassword")
	delete(pc.Settings, "EcomServerIP")

	if err := (&EMC{}).Validate(pc); !engine.IsMissingConfigKey(err, "EcomServerIP") {
		t.Fatalf("expected EcomServerIP first, got %v", err)
	}
}

func TestEMCContribution(t *testing.T) {
	c, err := (&EMC{}).Contribute(context.Background(), emcContext())
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if len(c.Specs) != 2 {
		t.Fatalf("specs = %+v", c.Specs)
	}
	if c.Specs[0].ID() != "package[pywbem]" {
		t.Errorf("first spec = %s", c.Specs[0].ID())
	}

	config := c.Specs[1]
	if config.ID() != "file[/etc/cinder/cinder_emc_config.xml]" {
		t.Errorf("config spec = %s", config.ID())
	}
	if config.Attributes[engine.AttrMode] != "0644" || !config.Sensitive() {
		t.Errorf("config attributes = %v", config.Attributes)
	}
	content := config.Attributes[engine.AttrContent]
	for _, want := range []string{
		"<EcomServerIp>10.0.0.5</EcomServerIp>",
		"<EcomServerPort>5988</EcomServerPort>",
		"<EcomPassword>s3cr&lt;t&amp;</EcomPassword>",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("content missing %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "MaskingView") {
		t.Errorf("unset MaskingView rendered:\n%s", content)
	}

	want := []engine.Notification{{
		Source: config.ID(),
		Target: "service[iscsitarget]",
		Action: engine.ActionRestart,
		Timing: engine.TimingImmediate,
	}}
	if !reflect.DeepEqual(c.Notifications, want) {
		t.Errorf("notifications = %v", c.Notifications)
	}
}

func TestEMCRejectsBadPort(t *testing.T) {
	pc := emcContext()
	pc.Settings["EcomServerPort"] = "http"
	err := (&EMC{}).Validate(pc)
	if !errors.Is(err, &engine.EngineError{Class: engine.ErrorClassValidation, Code: engine.ErrCodeInvalidConfig}) {
		t.Fatalf("expected INVALID_CONFIG, got %v", err)
	}
}

func TestNetAppContribution(t *testing.T) {
	pc := engine.ProviderContext{
		Backend: BackendNetApp,
		Settings: map[string]string{
			"server_hostname":   "filer01.example.com",
			"export":            "/vol/cinder",
			"nfs_shares_config": "/etc/cinder/shares.txt",
		},
		Packages:     []string{"nfs-common"},
		PackageState: engine.StateUpgraded,
	}

	c, err := (&NetAppNFS{}).Contribute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if len(c.Specs) != 2 || c.Specs[0].State != engine.StateUpgraded {
		t.Fatalf("specs = %+v", c.Specs)
	}
	shares := c.Specs[1]
	if got := shares.Attributes[engine.AttrContent]; got != "filer01.example.com:/vol/cinder\n" {
		t.Errorf("content = %q", got)
	}
	if shares.Attributes[engine.AttrMode] != "0600" ||
		shares.Attributes[engine.AttrOwner] != "cinder" ||
		shares.Attributes[engine.AttrGroup] != "cinder" {
		t.Errorf("attributes = %v", shares.Attributes)
	}
	if len(c.Notifications) != 1 ||
		c.Notifications[0].Target != "service[cinder-volume]" ||
		c.Notifications[0].Timing != engine.TimingDelayed {
		t.Errorf("notifications = %v", c.Notifications)
	}
}

func TestNetAppMissingExport(t *testing.T) {
	pc := engine.ProviderContext{Settings: map[string]string{
		"server_hostname":   "filer01",
		"nfs_shares_config": "/etc/cinder/shares.txt",
	}}
	if err := (&NetAppNFS{}).Validate(pc); !engine.IsMissingConfigKey(err, "export") {
		t.Fatalf("expected missing export, got %v", err)
	}
}

func TestLVMContributesExactlyOneFile(t *testing.T) {
	pc := engine.ProviderContext{
		Backend:  BackendLVM,
		Settings: map[string]string{"volume_group": "cinder-volumes", "config": "/etc/lvm/lvm.conf"},
		Packages: []string{"ignored"},
	}

	c, err := (&LVM{}).Contribute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if len(c.Specs) != 1 || len(c.Notifications) != 0 {
		t.Fatalf("contribution = %+v", c)
	}
	spec := c.Specs[0]
	if spec.ID() != "file[/etc/lvm/lvm.conf]" || spec.Attributes[engine.AttrMode] != "0644" {
		t.Errorf("spec = %+v", spec)
	}
	if !strings.Contains(spec.Attributes[engine.AttrContent], `volume_list = [ "cinder-volumes" ]`) {
		t.Errorf("volume group not rendered:\n%s", spec.Attributes[engine.AttrContent])
	}
}

func TestLVMValidation(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		key      string
	}{
		{"missing volume group", map[string]string{"config": "/etc/lvm/lvm.conf"}, "volume_group"},
		{"missing config", map[string]string{"volume_group": "vg"}, "config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&LVM{}).Validate(engine.ProviderContext{Settings: tt.settings})
			if !engine.IsMissingConfigKey(err, tt.key) {
				t.Fatalf("expected missing %s, got %v", tt.key, err)
			}
		})
	}

	err := (&LVM{}).Validate(engine.ProviderContext{Settings: map[string]string{
		"volume_group": "bad vg\"", "config": "/etc/lvm/lvm.conf",
	}})
	if !engine.IsValidation(err) {
		t.Errorf("expected validation error for bad name, got %v", err)
	}
}

const testKeyring = "[client.cinder]\n\tkey = AQBsecretkey==\n\tcaps mon = \"allow r\"\n"

func rbdContext() engine.ProviderContext {
	return engine.ProviderContext{
		Backend: BackendRBD,
		Settings: map[string]string{
			"rbd_user":        "cinder",
			"rbd_pool":        "volumes",
			"rbd_secret_uuid": "457eb676-33da-42ec-9a8c-9293d545c337",
		},
		Packages:     []string{"ceph-common"},
		PackageState: engine.StateInstalled,
	}
}

func TestRBDProvisioning(t *testing.T) {
	r := runnertest.New().
		On("ceph auth get-key client.cinder", runnertest.Response{Stdout: "AQBsecretkey=="}).
		On("ceph auth get client.cinder", runnertest.Response{Stdout: testKeyring})
	p := &RBD{runner: r, logger: zerolog.Nop()}

	c, err := p.Contribute(context.Background(), rbdContext())
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}

	want := []string{
		"ceph auth get-or-create client.cinder",
		"ceph auth caps client.cinder mon allow r osd allow class-read object_prefix rbd_children, allow rwx pool=volumes, allow rx pool=images",
		"ceph auth get-key client.cinder",
		"ceph auth get client.cinder",
	}
	if !reflect.DeepEqual(r.Calls(), want) {
		t.Errorf("calls = %v\nwant %v", r.Calls(), want)
	}

	if len(c.Specs) != 2 {
		t.Fatalf("specs = %+v", c.Specs)
	}
	keyring := c.Specs[1]
	if keyring.ID() != "file[/etc/ceph/ceph.client.cinder.keyring]" {
		t.Errorf("keyring spec = %s", keyring.ID())
	}
	if keyring.Attributes[engine.AttrContent] != testKeyring || keyring.Attributes[engine.AttrMode] != "0644" || !keyring.Sensitive() {
		t.Errorf("keyring attributes = %v", keyring.Attributes)
	}
}

func TestRBDGetKeyFailureWritesNoKeyring(t *testing.T) {
	r := runnertest.New().
		On("ceph auth get-key client.cinder", runnertest.Response{ExitCode: 1, Stderr: "Error ENOENT"})
	p := &RBD{runner: r, logger: zerolog.Nop()}

	c, err := p.Contribute(context.Background(), rbdContext())
	if !engine.IsExec(err) {
		t.Fatalf("expected exec error, got %v", err)
	}
	if c != nil {
		t.Errorf("contribution returned on failure: %+v", c)
	}
	if r.Called("ceph auth get client.cinder") {
		t.Error("keyring exported after get-key failed")
	}
}

func TestRBDGlancePoolAndKeyringOverrides(t *testing.T) {
	r := runnertest.New().
		On("ceph auth get-key client.volumes", runnertest.Response{Stdout: "KEY"}).
		On("ceph auth get client.volumes", runnertest.Response{Stdout: "key = KEY\n"})
	p := &RBD{runner: r, logger: zerolog.Nop()}
	pc := engine.ProviderContext{Settings: map[string]string{
		"rbd_user":     "volumes",
		"rbd_pool":     "cinder",
		"glance_pool":  "glance-images",
		"keyring_dir":  "/srv/ceph",
		"keyring_mode": "0600",
	}}

	c, err := p.Contribute(context.Background(), pc)
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if !r.Called("ceph auth caps client.volumes mon allow r osd allow class-read object_prefix rbd_children, allow rwx pool=cinder, allow rx pool=glance-images") {
		t.Errorf("calls = %v", r.Calls())
	}
	if c.Specs[0].Identifier != "/srv/ceph/ceph.client.volumes.keyring" || c.Specs[0].Attributes[engine.AttrMode] != "0600" {
		t.Errorf("keyring spec = %+v", c.Specs[0])
	}
}

func TestRBDNoopDoesNotProvision(t *testing.T) {
	r := runnertest.New().On("ceph auth get client.cinder", runnertest.Response{ExitCode: 2})
	p := &RBD{runner: r, logger: zerolog.Nop(), noop: true}

	c, err := p.Contribute(context.Background(), rbdContext())
	if err != nil {
		t.Fatalf("Contribute: %v", err)
	}
	if r.Called("ceph auth get-or-create") || r.Called("ceph auth caps") {
		t.Errorf("plan mode changed cephx: %v", r.Calls())
	}
	if c.Specs[1].Attributes[engine.AttrContent] != "" {
		t.Errorf("unexpected keyring content in plan mode")
	}
}

func TestRBDValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(map[string]string)
		check  func(error) bool
	}{
		{"missing user", func(s map[string]string) { delete(s, "rbd_user") }, func(err error) bool { return engine.IsMissingConfigKey(err, "rbd_user") }},
		{"missing pool", func(s map[string]string) { s["rbd_pool"] = " " }, func(err error) bool { return engine.IsMissingConfigKey(err, "rbd_pool") }},
		{"bad uuid", func(s map[string]string) { s["rbd_secret_uuid"] = "not-a-uuid" }, engine.IsValidation},
		{"user injection", func(s map[string]string) { s["rbd_user"] = "cinder; rm -rf /" }, engine.IsValidation},
		{"bad keyring mode", func(s map[string]string) { s["keyring_mode"] = "rw-r--r--" }, engine.IsValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := rbdContext()
			tt.mutate(pc.Settings)
			r := runnertest.New()
			_, err := (&RBD{runner: r, logger: zerolog.Nop()}).Contribute(context.Background(), pc)
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(r.Calls()) != 0 {
				t.Errorf("commands ran despite invalid settings: %v", r.Calls())
			}
		})
	}
}

func TestRenderTargets(t *testing.T) {
	out, err := Render("targets.conf.tmpl", map[string]string{"VolumesDir": "/var/lib/cinder/volumes"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(out, "include /var/lib/cinder/volumes/*") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
