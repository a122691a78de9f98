package engine

import (
	"context"
	"fmt"
	"sync"
)

// DispatchFunc performs a notified action on the target resource.
type DispatchFunc func(ctx context.Context, n Notification) error

// Bus routes change events from source resources to actions on targets.
// Subscriptions are registered before a pass and only read during it.
type Bus struct {
	mu       sync.Mutex
	subs     map[string][]Notification
	pending  []Notification
	queued   map[string]bool
	fired    []Notification
	dispatch DispatchFunc
}

// NewBus creates a bus that hands actions to dispatch.
func NewBus(dispatch DispatchFunc) *Bus {
	return &Bus{
		subs:     make(map[string][]Notification),
		queued:   make(map[string]bool),
		dispatch: dispatch,
	}
}

// Subscribe registers that a change to source triggers action on target.
func (b *Bus) Subscribe(source, target string, action Action, timing Timing) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[source] = append(b.subs[source], Notification{
		Source: source,
		Target: target,
		Action: action,
		Timing: timing,
	})
}

// Publish reports that source finished. When changed is true, immediate
// subscriptions are dispatched before Publish returns and delayed ones are
// queued for Flush.
func (b *Bus) Publish(ctx context.Context, source string, changed bool) error {
	if !changed {
		return nil
	}

	b.mu.Lock()
	subs := append([]Notification(nil), b.subs[source]...)
	b.mu.Unlock()

	for _, n := range subs {
		switch n.Timing {
		case TimingImmediate:
			if err := b.fire(ctx, n); err != nil {
				return err
			}
		default:
			b.enqueue(n)
		}
	}
	return nil
}

// Flush runs queued delayed actions once per (target, action), in the order
// each pair was first triggered. Different actions on one target are not
// merged: a queued reload and a queued restart of the same service both run.
func (b *Bus) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.queued = make(map[string]bool)
	b.mu.Unlock()

	for _, n := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.fire(ctx, n); err != nil {
			return err
		}
	}
	return nil
}

// Pending returns the delayed actions queued so far.
func (b *Bus) Pending() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.pending...)
}

// Fired returns every action dispatched so far, in dispatch order.
func (b *Bus) Fired() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Notification(nil), b.fired...)
}

func (b *Bus) enqueue(n Notification) {
	key := dedupeKey(n)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.queued[key] {
		return
	}
	b.queued[key] = true
	b.pending = append(b.pending, n)
}

func (b *Bus) fire(ctx context.Context, n Notification) error {
	if b.dispatch != nil {
		if err := b.dispatch(ctx, n); err != nil {
			return NewResourceError(fmt.Sprintf("notified %s failed", n.Action), err).
				WithCode(ErrCodeNotificationFailed).
				WithResource(n.Target).
				WithDetail("source", n.Source)
		}
	}
	b.mu.Lock()
	b.fired = append(b.fired, n)
	b.mu.Unlock()
	return nil
}

func dedupeKey(n Notification) string {
	return n.Target + "|" + string(n.Action)
}
