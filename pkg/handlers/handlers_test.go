package handlers

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/runner/runnertest"
)

// memFS is an in-memory FileSystem that tracks ownership.
type memFS struct {
	mu    sync.Mutex
	files map[string][]byte
	stats map[string]*FileStat
}

func newMemFS() *memFS {
	return &memFS{files: make(map[string][]byte), stats: make(map[string]*FileStat)}
}

func (m *memFS) Stat(_ context.Context, p string) (*FileStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[p]
	if !ok {
		return nil, &fs.PathError{Op: "stat", Path: p, Err: fs.ErrNotExist}
	}
	cp := *st
	return &cp, nil
}

func (m *memFS) ReadFile(_ context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, &fs.PathError{Op: "open", Path: p, Err: fs.ErrNotExist}
	}
	return data, nil
}

func (m *memFS) WriteFile(_ context.Context, p string, data []byte, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[p] = append([]byte(nil), data...)
	if _, ok := m.stats[p]; !ok {
		m.stats[p] = &FileStat{UID: 0, GID: 0}
	}
	m.stats[p].Mode = perm
	m.stats[p].Size = int64(len(data))
	return nil
}

func (m *memFS) Chmod(_ context.Context, p string, perm os.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats[p].Mode = perm
	return nil
}

func (m *memFS) Chown(_ context.Context, p string, uid, gid int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if uid >= 0 {
		m.stats[p].UID = uid
	}
	if gid >= 0 {
		m.stats[p].GID = gid
	}
	return nil
}

func (m *memFS) Remove(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, p)
	delete(m.stats, p)
	return nil
}

func TestFileHandlerLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	target := filepath.Join(dir, "tgt", "targets.conf")
	h := NewFileHandler(LocalFS{}, runnertest.New(), zerolog.Nop())

	spec := engine.ResourceSpec{
		Kind:       engine.KindFile,
		Identifier: target,
		State:      engine.StatePresent,
		Attributes: map[string]string{
			engine.AttrContent: "include /var/lib/cinder/volumes/*\n",
			engine.AttrMode:    "600",
		},
	}

	state, err := h.Check(ctx, spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if state.InSync || state.Description != "missing" {
		t.Fatalf("unexpected initial state %+v", state)
	}

	action, err := h.Converge(ctx, spec)
	if err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if action != "created 0600" {
		t.Errorf("action = %q", action)
	}

	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != spec.Attributes[engine.AttrContent] {
		t.Errorf("content = %q", data)
	}
	info, _ := os.Stat(target)
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %04o, want 0600", info.Mode().Perm())
	}

	state, err = h.Check(ctx, spec)
	if err != nil {
		t.Fatalf("second Check: %v", err)
	}
	if !state.InSync {
		t.Errorf("file not in sync after converge: %+v", state)
	}

	if err := os.Chmod(target, 0o644); err != nil {
		t.Fatal(err)
	}
	state, _ = h.Check(ctx, spec)
	if state.InSync || !strings.Contains(state.Description, "mode 0644") {
		t.Errorf("mode drift not detected: %+v", state)
	}

	entries, _ := os.ReadDir(filepath.Dir(target))
	if len(entries) != 1 {
		t.Errorf("temporary files left behind: %v", entries)
	}
}

func TestFileHandlerOwnership(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS()
	r := runnertest.New().
		On("id -u cinder", runnertest.Response{Stdout: "117\n"}).
		On("getent group cinder", runnertest.Response{Stdout: "cinder:x:125:\n"})
	h := NewFileHandler(fsys, r, zerolog.Nop())

	spec := engine.ResourceSpec{
		Kind:       engine.KindFile,
		Identifier: "/etc/cinder/nfs_shares",
		State:      engine.StatePresent,
		Attributes: map[string]string{
			engine.AttrContent: "filer01:/vol/cinder\n",
			engine.AttrMode:    "0600",
			engine.AttrOwner:   "cinder",
			engine.AttrGroup:   "cinder",
		},
	}

	if _, err := h.Converge(ctx, spec); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	st, _ := fsys.Stat(ctx, spec.Identifier)
	if st.UID != 117 || st.GID != 125 || st.Mode != 0o600 {
		t.Errorf("stat = %+v", st)
	}

	state, err := h.Check(ctx, spec)
	if err != nil || !state.InSync {
		t.Fatalf("Check = %+v, %v", state, err)
	}

	_ = fsys.Chown(ctx, spec.Identifier, 0, -1)
	state, _ = h.Check(ctx, spec)
	if state.InSync || !strings.Contains(state.Description, "owner uid 0") {
		t.Errorf("ownership drift not detected: %+v", state)
	}
}

func TestFileHandlerAbsent(t *testing.T) {
	ctx := context.Background()
	fsys := newMemFS()
	_ = fsys.WriteFile(ctx, "/etc/old.conf", []byte("x"), 0o644)
	h := NewFileHandler(fsys, runnertest.New(), zerolog.Nop())
	spec := engine.ResourceSpec{Kind: engine.KindFile, Identifier: "/etc/old.conf", State: engine.StateAbsent}

	state, _ := h.Check(ctx, spec)
	if state.InSync {
		t.Fatal("present file reported in sync with absent")
	}
	if _, err := h.Converge(ctx, spec); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	state, _ = h.Check(ctx, spec)
	if !state.InSync {
		t.Error("file still present")
	}
}

func TestFileHandlerRejectsRelativePath(t *testing.T) {
	h := NewFileHandler(newMemFS(), runnertest.New(), zerolog.Nop())
	_, err := h.Check(context.Background(), engine.ResourceSpec{
		Kind: engine.KindFile, Identifier: "etc/cinder.conf", State: engine.StatePresent,
	})
	if err == nil {
		t.Fatal("expected error for relative path")
	}
}

func TestPackageHandlerApt(t *testing.T) {
	ctx := context.Background()
	query := "dpkg-query -W -f=${Status}|${Version} cinder-volume"

	tests := []struct {
		name      string
		state     engine.DesiredState
		responses map[string]runnertest.Response
		inSync    bool
		converge  string
	}{
		{
			name:  "install missing package",
			state: engine.StateInstalled,
			responses: map[string]runnertest.Response{
				query: {ExitCode: 1, Stderr: "no packages found"},
			},
			converge: "apt-get -y install -q cinder-volume",
		},
		{
			name:  "installed package in sync",
			state: engine.StateInstalled,
			responses: map[string]runnertest.Response{
				query: {Stdout: "install ok installed|2:23.0.0-0ubuntu1"},
			},
			inSync: true,
		},
		{
			name:  "upgrade when candidate differs",
			state: engine.StateUpgraded,
			responses: map[string]runnertest.Response{
				query: {Stdout: "install ok installed|2:23.0.0-0ubuntu1"},
				"apt-cache policy cinder-volume": {Stdout: "cinder-volume:\n  Installed: 2:23.0.0-0ubuntu1\n  Candidate: 2:23.0.1-0ubuntu1\n"},
			},
			converge: "apt-get -y install -q --only-upgrade cinder-volume",
		},
		{
			name:  "upgraded package at candidate",
			state: engine.StateUpgraded,
			responses: map[string]runnertest.Response{
				query: {Stdout: "install ok installed|2:23.0.1-0ubuntu1"},
				"apt-cache policy cinder-volume": {Stdout: "cinder-volume:\n  Installed: 2:23.0.1-0ubuntu1\n  Candidate: 2:23.0.1-0ubuntu1\n"},
			},
			inSync: true,
		},
		{
			name:  "config-files only counts as missing",
			state: engine.StateInstalled,
			responses: map[string]runnertest.Response{
				query: {Stdout: "deinstall ok config-files|2:23.0.0-0ubuntu1"},
			},
			converge: "apt-get -y install -q cinder-volume",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := runnertest.New()
			for cmd, resp := range tt.responses {
				r.On(cmd, resp)
			}
			h := NewPackageHandler(r, ManagerApt, zerolog.Nop())
			spec := engine.ResourceSpec{Kind: engine.KindPackage, Identifier: "cinder-volume", State: tt.state}

			state, err := h.Check(ctx, spec)
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if state.InSync != tt.inSync {
				t.Fatalf("InSync = %v, want %v (%s)", state.InSync, tt.inSync, state.Description)
			}
			if tt.inSync {
				return
			}
			if _, err := h.Converge(ctx, spec); err != nil {
				t.Fatalf("Converge: %v", err)
			}
			if !r.Called(tt.converge) {
				t.Errorf("expected %q in %v", tt.converge, r.Calls())
			}
		})
	}
}

func TestPackageHandlerDnfUpgrade(t *testing.T) {
	ctx := context.Background()
	r := runnertest.New().
		On("rpm -q --queryformat %{VERSION}-%{RELEASE} openstack-cinder", runnertest.Response{Stdout: "23.0.0-1.el9"}).
		On("dnf -q check-update openstack-cinder", runnertest.Response{ExitCode: 100})
	h := NewPackageHandler(r, ManagerDnf, zerolog.Nop())
	spec := engine.ResourceSpec{
		Kind: engine.KindPackage, Identifier: "openstack-cinder", State: engine.StateUpgraded,
		Attributes: map[string]string{engine.AttrOptions: "--setopt=tsflags=nodocs"},
	}

	state, err := h.Check(ctx, spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if state.InSync {
		t.Fatal("expected upgrade to be pending")
	}
	if _, err := h.Converge(ctx, spec); err != nil {
		t.Fatalf("Converge: %v", err)
	}
	if !r.Called("dnf -y upgrade --setopt=tsflags=nodocs openstack-cinder") {
		t.Errorf("calls = %v", r.Calls())
	}
}

func TestPackageHandlerInstallFailure(t *testing.T) {
	r := runnertest.New().
		OnPrefix("dpkg-query", runnertest.Response{ExitCode: 1}).
		OnPrefix("apt-get", runnertest.Response{ExitCode: 100, Stderr: "E: Unable to locate package tgt"})
	h := NewPackageHandler(r, ManagerApt, zerolog.Nop())

	_, err := h.Converge(context.Background(), engine.ResourceSpec{
		Kind: engine.KindPackage, Identifier: "tgt", State: engine.StateInstalled,
	})
	if !engine.IsExec(err) {
		t.Fatalf("expected exec error, got %v", err)
	}
	if !strings.Contains(err.Error(), "Unable to locate package") {
		t.Errorf("stderr missing from %v", err)
	}
}

func TestPackageHandlerDetectsManager(t *testing.T) {
	r := runnertest.New().
		On("sh -c command -v apt-get", runnertest.Response{ExitCode: 1}).
		On("sh -c command -v dnf", runnertest.Response{Stdout: "/usr/bin/dnf"})
	h := NewPackageHandler(r, "", zerolog.Nop())

	got, err := h.Manager(context.Background())
	if err != nil {
		t.Fatalf("Manager: %v", err)
	}
	if got != ManagerDnf {
		t.Errorf("manager = %q, want dnf", got)
	}
}

func TestServiceHandler(t *testing.T) {
	ctx := context.Background()
	r := runnertest.New().
		On("systemctl is-enabled tgt", runnertest.Response{ExitCode: 1, Stdout: "disabled\n"}).
		On("systemctl is-enabled tgt", runnertest.Response{Stdout: "enabled\n"})
	h := NewServiceHandler(r, zerolog.Nop())
	spec := engine.ResourceSpec{
		Kind: engine.KindService, Identifier: "iscsitarget", State: engine.StateEnabled,
		Attributes: map[string]string{engine.AttrServiceName: "tgt"},
	}

	state, err := h.Check(ctx, spec)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if state.InSync || state.Description != "disabled" {
		t.Fatalf("state = %+v", state)
	}
	if action, err := h.Converge(ctx, spec); err != nil || action != "enabled" {
		t.Fatalf("Converge = %q, %v", action, err)
	}
	state, _ = h.Check(ctx, spec)
	if !state.InSync {
		t.Errorf("not in sync after enable: %+v", state)
	}

	if err := h.Act(ctx, spec, engine.ActionRestart); err != nil {
		t.Fatalf("Act: %v", err)
	}
	want := []string{
		"systemctl is-enabled tgt",
		"systemctl enable tgt",
		"systemctl is-enabled tgt",
		"systemctl restart tgt",
	}
	if !reflect.DeepEqual(r.Calls(), want) {
		t.Errorf("calls = %v, want %v", r.Calls(), want)
	}
}

func TestServiceHandlerActFailure(t *testing.T) {
	r := runnertest.New().On("systemctl restart cinder-volume", runnertest.Response{ExitCode: 5, Stderr: "Unit cinder-volume.service not found."})
	h := NewServiceHandler(r, zerolog.Nop())
	spec := engine.ResourceSpec{Kind: engine.KindService, Identifier: "cinder-volume", State: engine.StateEnabled}

	err := h.Act(context.Background(), spec, engine.ActionRestart)
	if !engine.IsExec(err) {
		t.Fatalf("expected exec error, got %v", err)
	}
}
