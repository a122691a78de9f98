package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// mockHandler keeps resource state in memory and records every call.
type mockHandler struct {
	kind ResourceKind

	mu      sync.Mutex
	inSync  map[string]bool
	failOn  map[string]bool
	failAct map[string]bool
	calls   *[]string
}

func newMockHandler(kind ResourceKind, calls *[]string) *mockHandler {
	return &mockHandler{
		kind:    kind,
		inSync:  make(map[string]bool),
		failOn:  make(map[string]bool),
		failAct: make(map[string]bool),
		calls:   calls,
	}
}

func (m *mockHandler) Kind() ResourceKind { return m.kind }

func (m *mockHandler) Check(ctx context.Context, spec ResourceSpec) (CurrentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inSync[spec.ID()] {
		return CurrentState{InSync: true, Description: string(spec.State)}, nil
	}
	return CurrentState{Description: "missing"}, nil
}

func (m *mockHandler) Converge(ctx context.Context, spec ResourceSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.calls = append(*m.calls, "converge "+spec.ID())
	if m.failOn[spec.ID()] {
		return "", errors.New("boom")
	}
	m.inSync[spec.ID()] = true
	return "converged", nil
}

func (m *mockHandler) Act(ctx context.Context, spec ResourceSpec, action Action) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	*m.calls = append(*m.calls, fmt.Sprintf("%s %s", action, spec.ID()))
	if m.failAct[spec.ID()] {
		return errors.New("unit failed")
	}
	return nil
}

type testRig struct {
	calls    []string
	packages *mockHandler
	services *mockHandler
	files    *mockHandler
}

func newTestRig() *testRig {
	r := &testRig{}
	r.packages = newMockHandler(KindPackage, &r.calls)
	r.services = newMockHandler(KindService, &r.calls)
	r.files = newMockHandler(KindFile, &r.calls)
	return r
}

func (r *testRig) engine(noop bool) *Engine {
	return New(Config{Noop: noop, Logger: zerolog.Nop()}, r.packages, r.services, r.files)
}

func pkg(name string) ResourceSpec {
	return ResourceSpec{Kind: KindPackage, Identifier: name, State: StateInstalled}
}

func svc(name string) ResourceSpec {
	return ResourceSpec{Kind: KindService, Identifier: name, State: StateEnabled}
}

func file(path string) ResourceSpec {
	return ResourceSpec{Kind: KindFile, Identifier: path, State: StatePresent, Attributes: map[string]string{AttrContent: "x"}}
}

func statuses(report *Report) []ResultStatus {
	out := make([]ResultStatus, 0, len(report.Results))
	for _, r := range report.Results {
		out = append(out, r.Status)
	}
	return out
}

func TestApplyIsIdempotent(t *testing.T) {
	rig := newTestRig()
	specs := []ResourceSpec{pkg("cinder-volume"), svc("cinder-volume"), file("/etc/tgt/targets.conf")}
	notes := []Notification{{
		Source: "file[/etc/tgt/targets.conf]", Target: "service[cinder-volume]",
		Action: ActionRestart, Timing: TimingImmediate,
	}}

	eng := rig.engine(false)
	first, err := eng.Apply(context.Background(), specs, notes)
	if err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	if got := first.Changed(); got != 3 {
		t.Fatalf("first pass changed %d resources, want 3", got)
	}
	if len(first.Fired) != 1 {
		t.Fatalf("first pass fired %d notifications, want 1", len(first.Fired))
	}

	rig.calls = nil
	second, err := eng.Apply(context.Background(), specs, notes)
	if err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	for _, r := range second.Results {
		if r.Status != StatusUnchanged {
			t.Errorf("%s: status %s on second pass, want unchanged", r.ResourceID, r.Status)
		}
	}
	if len(second.Fired) != 0 {
		t.Errorf("second pass fired %v", second.Fired)
	}
	if len(rig.calls) != 0 {
		t.Errorf("second pass made calls %v", rig.calls)
	}
}

func TestDelayedNotificationsAreDeduplicated(t *testing.T) {
	rig := newTestRig()
	specs := []ResourceSpec{file("/etc/a.conf"), file("/etc/b.conf"), svc("cinder-volume"), pkg("tgt")}
	notes := []Notification{
		{Source: "file[/etc/a.conf]", Target: "service[cinder-volume]", Action: ActionRestart, Timing: TimingDelayed},
		{Source: "file[/etc/b.conf]", Target: "service[cinder-volume]", Action: ActionRestart, Timing: TimingDelayed},
	}

	if _, err := rig.engine(false).Apply(context.Background(), specs, notes); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := []string{
		"converge file[/etc/a.conf]",
		"converge file[/etc/b.conf]",
		"converge service[cinder-volume]",
		"converge package[tgt]",
		"restart service[cinder-volume]",
	}
	if !reflect.DeepEqual(rig.calls, want) {
		t.Errorf("calls = %v, want %v", rig.calls, want)
	}
}

func TestImmediateNotificationRunsBeforeNextResource(t *testing.T) {
	rig := newTestRig()
	specs := []ResourceSpec{svc("iscsitarget"), file("/etc/tgt/targets.conf"), pkg("lvm2")}
	notes := []Notification{{
		Source: "file[/etc/tgt/targets.conf]", Target: "service[iscsitarget]",
		Action: ActionRestart, Timing: TimingImmediate,
	}}
	rig.services.inSync["service[iscsitarget]"] = true

	if _, err := rig.engine(false).Apply(context.Background(), specs, notes); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	want := []string{
		"converge file[/etc/tgt/targets.conf]",
		"restart service[iscsitarget]",
		"converge package[lvm2]",
	}
	if !reflect.DeepEqual(rig.calls, want) {
		t.Errorf("calls = %v, want %v", rig.calls, want)
	}
}

func TestUnchangedSourceDoesNotNotify(t *testing.T) {
	rig := newTestRig()
	rig.files.inSync["file[/etc/a.conf]"] = true
	specs := []ResourceSpec{file("/etc/a.conf"), svc("cinder-volume")}
	notes := []Notification{
		{Source: "file[/etc/a.conf]", Target: "service[cinder-volume]", Action: ActionRestart, Timing: TimingDelayed},
	}

	report, err := rig.engine(false).Apply(context.Background(), specs, notes)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if len(report.Fired) != 0 {
		t.Errorf("fired %v, want none", report.Fired)
	}
}

func TestFailureStopsPassWithPartialResults(t *testing.T) {
	rig := newTestRig()
	rig.packages.failOn["package[tgt]"] = true
	specs := []ResourceSpec{pkg("cinder-volume"), pkg("tgt"), svc("cinder-volume")}

	report, err := rig.engine(false).Apply(context.Background(), specs, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsResource(err) {
		t.Fatalf("expected resource error, got %v", err)
	}
	want := []ResultStatus{StatusChanged, StatusFailed}
	if got := statuses(report); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if !rig.packages.inSync["package[cinder-volume]"] {
		t.Error("earlier resource was rolled back")
	}
}

func TestValidationTouchesNothing(t *testing.T) {
	tests := []struct {
		name  string
		specs []ResourceSpec
		notes []Notification
		code  string
	}{
		{
			name:  "duplicate identifier",
			specs: []ResourceSpec{pkg("tgt"), svc("tgt"), pkg("tgt")},
			code:  ErrCodeDuplicateResource,
		},
		{
			name:  "unknown notification target",
			specs: []ResourceSpec{file("/etc/a.conf")},
			notes: []Notification{{Source: "file[/etc/a.conf]", Target: "service[nope]", Action: ActionRestart, Timing: TimingDelayed}},
			code:  ErrCodeUnknownResource,
		},
		{
			name:  "unknown notification action",
			specs: []ResourceSpec{file("/etc/a.conf"), svc("tgt")},
			notes: []Notification{{Source: "file[/etc/a.conf]", Target: "service[tgt]", Action: "bounce", Timing: TimingDelayed}},
			code:  ErrCodeInvalidConfig,
		},
		{
			name:  "invalid state",
			specs: []ResourceSpec{{Kind: KindFile, Identifier: "/etc/a", State: StateEnabled}},
			code:  ErrCodeInvalidConfig,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newTestRig()
			report, err := rig.engine(false).Apply(context.Background(), tt.specs, tt.notes)
			if !IsValidation(err) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if !errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: tt.code}) {
				t.Errorf("expected code %s, got %v", tt.code, err)
			}
			if len(report.Results) != 0 || len(rig.calls) != 0 {
				t.Errorf("resources touched: results=%v calls=%v", report.Results, rig.calls)
			}
		})
	}
}

func TestMissingHandlerIsValidationError(t *testing.T) {
	var calls []string
	eng := New(Config{Logger: zerolog.Nop()}, newMockHandler(KindPackage, &calls))
	_, err := eng.Apply(context.Background(), []ResourceSpec{pkg("a"), svc("b")}, nil)
	if !errors.Is(err, &EngineError{Class: ErrorClassValidation, Code: ErrCodeNoHandler}) {
		t.Fatalf("expected NO_HANDLER validation error, got %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("calls = %v", calls)
	}
}

func TestCancelledContextStopsBetweenResources(t *testing.T) {
	rig := newTestRig()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := rig.engine(false).Apply(ctx, []ResourceSpec{pkg("a"), pkg("b")}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(report.Results) != 0 {
		t.Errorf("results = %v", report.Results)
	}
}

func TestNoopReportsWithoutChanging(t *testing.T) {
	rig := newTestRig()
	rig.packages.inSync["package[a]"] = true
	specs := []ResourceSpec{pkg("a"), file("/etc/a.conf"), svc("cinder-volume")}
	notes := []Notification{
		{Source: "file[/etc/a.conf]", Target: "service[cinder-volume]", Action: ActionRestart, Timing: TimingDelayed},
	}

	report, err := rig.engine(true).Apply(context.Background(), specs, notes)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []ResultStatus{StatusUnchanged, StatusWouldChange, StatusWouldChange}
	if got := statuses(report); !reflect.DeepEqual(got, want) {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if len(rig.calls) != 0 {
		t.Errorf("noop pass made calls %v", rig.calls)
	}
	if len(report.Fired) != 1 {
		t.Errorf("expected 1 would-fire notification, got %v", report.Fired)
	}
}

func TestNotificationFailureIsResourceError(t *testing.T) {
	rig := newTestRig()
	rig.services.inSync["service[iscsitarget]"] = true
	rig.services.failAct["service[iscsitarget]"] = true
	specs := []ResourceSpec{svc("iscsitarget"), file("/etc/tgt/targets.conf"), pkg("after")}
	notes := []Notification{{
		Source: "file[/etc/tgt/targets.conf]", Target: "service[iscsitarget]",
		Action: ActionRestart, Timing: TimingImmediate,
	}}

	report, err := rig.engine(false).Apply(context.Background(), specs, notes)
	if !errors.Is(err, &EngineError{Class: ErrorClassResource, Code: ErrCodeNotificationFailed}) {
		t.Fatalf("expected NOTIFICATION_FAILED, got %v", err)
	}
	if len(report.Results) != 2 {
		t.Errorf("expected pass to stop after the notifying resource, got %d results", len(report.Results))
	}
}

type recordingObserver struct {
	nopObserver
	completed []string
	runs      int
}

func (r *recordingObserver) ResourceCompleted(_ context.Context, _ string, res ApplyResult) {
	r.completed = append(r.completed, res.ResourceID+"="+string(res.Status))
}

func (r *recordingObserver) RunCompleted(context.Context, string, []ApplyResult, time.Duration, error) {
	r.runs++
}

func TestObserverSeesEveryResource(t *testing.T) {
	rig := newTestRig()
	obs := &recordingObserver{}
	eng := New(Config{Logger: zerolog.Nop(), Observer: obs}, rig.packages, rig.services, rig.files)

	if _, err := eng.Apply(context.Background(), []ResourceSpec{pkg("a"), svc("b")}, nil); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	want := []string{"package[a]=changed", "service[b]=changed"}
	if !reflect.DeepEqual(obs.completed, want) {
		t.Errorf("completed = %v, want %v", obs.completed, want)
	}
	if obs.runs != 1 {
		t.Errorf("runs = %d, want 1", obs.runs)
	}
}
