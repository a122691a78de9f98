package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return eng
}

func file(path, mode string, sensitive bool) engine.ResourceSpec {
	attrs := map[string]string{engine.AttrContent: "secret-material"}
	if mode != "" {
		attrs[engine.AttrMode] = mode
	}
	if sensitive {
		attrs[engine.AttrSensitive] = "true"
	}
	return engine.ResourceSpec{Kind: engine.KindFile, Identifier: path, State: engine.StatePresent, Attributes: attrs}
}

func TestNewEngineBuiltins(t *testing.T) {
	eng := newTestEngine(t)

	var names []string
	for _, p := range eng.Policies() {
		names = append(names, p.Name)
	}
	want := "absolute-paths,file-permissions,notification-targets"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("policies = %s, want %s", got, want)
	}
}

func TestCheck(t *testing.T) {
	svc := engine.ResourceSpec{Kind: engine.KindService, Identifier: "tgt", State: engine.StateEnabled}

	tests := []struct {
		name          string
		specs         []engine.ResourceSpec
		notifications []engine.Notification
		wantErrors    int
		wantWarnings  int
		wantResource  string
	}{
		{
			name:  "clean plan",
			specs: []engine.ResourceSpec{file("/etc/tgt/targets.conf", "0600", false), svc},
			notifications: []engine.Notification{{
				Source: "file[/etc/tgt/targets.conf]", Target: "service[tgt]",
				Action: engine.ActionRestart, Timing: engine.TimingImmediate,
			}},
		},
		{
			name:         "world-readable keyring",
			specs:        []engine.ResourceSpec{file("/etc/ceph/ceph.client.cinder.keyring", "0644", true)},
			wantWarnings: 1,
			wantResource: "file[/etc/ceph/ceph.client.cinder.keyring]",
		},
		{
			name:         "sensitive file with default mode",
			specs:        []engine.ResourceSpec{file("/etc/cinder/cinder_emc_config.xml", "", true)},
			wantWarnings: 1,
		},
		{
			name:         "world-writable file",
			specs:        []engine.ResourceSpec{file("/etc/lvm/lvm.conf", "0666", false)},
			wantErrors:   1,
			wantResource: "file[/etc/lvm/lvm.conf]",
		},
		{
			name:         "relative path",
			specs:        []engine.ResourceSpec{file("etc/cinder/shares.txt", "0600", false)},
			wantErrors:   1,
			wantResource: "file[etc/cinder/shares.txt]",
		},
		{
			name:       "parent reference",
			specs:      []engine.ResourceSpec{file("/etc/cinder/../shadow", "0600", false)},
			wantErrors: 1,
		},
		{
			name:  "undeclared target",
			specs: []engine.ResourceSpec{file("/etc/tgt/targets.conf", "0600", false)},
			notifications: []engine.Notification{{
				Source: "file[/etc/tgt/targets.conf]", Target: "service[iscsitarget]",
				Action: engine.ActionRestart, Timing: engine.TimingDelayed,
			}},
			wantErrors:   1,
			wantResource: "file[/etc/tgt/targets.conf]",
		},
		{
			name: "packages are not inspected",
			specs: []engine.ResourceSpec{
				{Kind: engine.KindPackage, Identifier: "cinder-volume", State: engine.StateUpgraded},
			},
		},
	}

	eng := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := eng.Check(context.Background(), tt.specs, tt.notifications)
			if result == nil {
				t.Fatalf("nil result, err = %v", err)
			}
			if got := len(result.Errors()); got != tt.wantErrors {
				t.Errorf("errors = %d, want %d: %+v", got, tt.wantErrors, result.Violations)
			}
			if got := len(result.Warnings()); got != tt.wantWarnings {
				t.Errorf("warnings = %d, want %d: %+v", got, tt.wantWarnings, result.Violations)
			}
			if result.Allowed() != (tt.wantErrors == 0) {
				t.Errorf("Allowed() = %v", result.Allowed())
			}

			if tt.wantErrors == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
			} else {
				var ee *engine.EngineError
				if !errors.As(err, &ee) || ee.Code != engine.ErrCodePolicyDenied || !engine.IsValidation(err) {
					t.Fatalf("expected POLICY_DENIED validation error, got %v", err)
				}
			}

			if tt.wantResource != "" && (len(result.Violations) == 0 || result.Violations[0].Resource != tt.wantResource) {
				t.Errorf("violations %+v do not name %s", result.Violations, tt.wantResource)
			}
		})
	}
}

func TestKeyringWarningMessage(t *testing.T) {
	eng := newTestEngine(t)
	result, err := eng.Check(context.Background(),
		[]engine.ResourceSpec{file("/etc/ceph/ceph.client.cinder.keyring", "0644", true)}, nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	want := "/etc/ceph/ceph.client.cinder.keyring holds credentials but is world-readable (mode 644)"
	if len(result.Violations) != 1 || result.Violations[0].Message != want {
		t.Fatalf("violations = %+v, want %q", result.Violations, want)
	}
	if result.Violations[0].Policy != "file-permissions" {
		t.Errorf("policy = %s", result.Violations[0].Policy)
	}
}

func TestNewInputWithholdsContent(t *testing.T) {
	in := NewInput([]engine.ResourceSpec{file("/etc/ceph/ceph.client.cinder.keyring", "0600", true)}, nil)

	if len(in.Resources) != 1 {
		t.Fatalf("resources = %d", len(in.Resources))
	}
	r := in.Resources[0]
	if _, ok := r.Attributes[engine.AttrContent]; ok {
		t.Error("content exposed to policies")
	}
	if r.ContentLength != len("secret-material") {
		t.Errorf("content_length = %d", r.ContentLength)
	}
	if r.Mode != 0o600 || !r.Sensitive {
		t.Errorf("mode = %o sensitive = %v", r.Mode, r.Sensitive)
	}
	if in.Notifications == nil {
		t.Error("notifications should be an empty list, not null")
	}
}

func TestAddPolicy(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	frozen := Policy{
		Name:     "upgrade-freeze",
		Severity: SeverityError,
		Rego: `package site.freeze

import rego.v1

deny contains msg if {
	some r in input.resources
	r.kind == "package"
	r.state == "upgraded"
	msg := sprintf("%s: upgrades are frozen", [r.identifier])
}
`,
	}
	if err := eng.AddPolicy(ctx, frozen); err != nil {
		t.Fatalf("AddPolicy: %v", err)
	}

	result, err := eng.Check(ctx, []engine.ResourceSpec{
		{Kind: engine.KindPackage, Identifier: "tgt", State: engine.StateUpgraded},
	}, nil)
	if err == nil {
		t.Fatal("expected denial")
	}
	if len(result.Violations) != 1 {
		t.Fatalf("violations = %+v", result.Violations)
	}
	v := result.Violations[0]
	if v.Message != "tgt: upgrades are frozen" || v.Severity != SeverityError || v.Resource != "" {
		t.Errorf("violation = %+v", v)
	}

	if err := eng.AddPolicy(ctx, Policy{Name: "broken", Rego: "package x\n\ndeny contains if {"}); err == nil {
		t.Error("expected parse error")
	}
}
