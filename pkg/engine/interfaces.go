package engine

import (
	"context"
	"time"
)

// CurrentState is what a handler observed on the host.
type CurrentState struct {
	// InSync is true when the observed state already matches the spec.
	InSync bool

	// Description is a short human-readable summary, e.g. "installed 1.2-3".
	Description string
}

// Handler converges resources of one kind.
type Handler interface {
	// Kind returns the resource kind this handler manages.
	Kind() ResourceKind

	// Check observes the current state of spec without changing anything.
	Check(ctx context.Context, spec ResourceSpec) (CurrentState, error)

	// Converge brings the resource to its desired state and returns a short
	// description of what was done.
	Converge(ctx context.Context, spec ResourceSpec) (string, error)

	// Act performs a notified action on the resource.
	Act(ctx context.Context, spec ResourceSpec, action Action) error
}

// Observer receives convergence events. Implementations must not block.
type Observer interface {
	RunStarted(ctx context.Context, runID string, resources int, noop bool)
	ResourceStarted(ctx context.Context, runID string, spec ResourceSpec)
	ResourceCompleted(ctx context.Context, runID string, result ApplyResult)
	NotificationFired(ctx context.Context, runID string, n Notification, err error)
	RunCompleted(ctx context.Context, runID string, results []ApplyResult, duration time.Duration, err error)
}

// Observers fans events out to several observers.
type Observers []Observer

func (o Observers) RunStarted(ctx context.Context, runID string, resources int, noop bool) {
	for _, ob := range o {
		ob.RunStarted(ctx, runID, resources, noop)
	}
}

func (o Observers) ResourceStarted(ctx context.Context, runID string, spec ResourceSpec) {
	for _, ob := range o {
		ob.ResourceStarted(ctx, runID, spec)
	}
}

func (o Observers) ResourceCompleted(ctx context.Context, runID string, result ApplyResult) {
	for _, ob := range o {
		ob.ResourceCompleted(ctx, runID, result)
	}
}

func (o Observers) NotificationFired(ctx context.Context, runID string, n Notification, err error) {
	for _, ob := range o {
		ob.NotificationFired(ctx, runID, n, err)
	}
}

func (o Observers) RunCompleted(ctx context.Context, runID string, results []ApplyResult, duration time.Duration, err error) {
	for _, ob := range o {
		ob.RunCompleted(ctx, runID, results, duration, err)
	}
}

type nopObserver struct{}

func (nopObserver) RunStarted(context.Context, string, int, bool) {}
func (nopObserver) ResourceStarted(context.Context, string, ResourceSpec) {}
func (nopObserver) ResourceCompleted(context.Context, string, ApplyResult) {}
func (nopObserver) NotificationFired(context.Context, string, Notification, error) {}
func (nopObserver) RunCompleted(context.Context, string, []ApplyResult, time.Duration, error) {}
