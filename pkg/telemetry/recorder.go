package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Recorder turns engine observer callbacks into spans, metrics and events.
type Recorder struct {
	logger  zerolog.Logger
	host    string
	tracer  *Tracer
	metrics *Metrics
	events  *EventPublisher

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	ctx       context.Context
	span      trace.Span
	noop      bool
	resources map[string]trace.Span
}

var _ engine.Observer = (*Recorder)(nil)

// NewRecorder creates a recorder. host labels spans and events.
func NewRecorder(host string, tracer *Tracer, metrics *Metrics, events *EventPublisher, logger zerolog.Logger) *Recorder {
	return &Recorder{
		logger:  logger.With().Str("component", "telemetry").Logger(),
		host:    host,
		tracer:  tracer,
		metrics: metrics,
		events:  events,
		runs:    make(map[string]*runState),
	}
}

func (r *Recorder) RunStarted(ctx context.Context, runID string, resources int, noop bool) {
	spanCtx, span := r.tracer.Start(ctx, "converge",
		AttrRunID.String(runID),
		AttrRunNoop.Bool(noop),
		AttrTargetHost.String(r.host),
		attribute.Int("run.resources", resources),
	)

	r.mu.Lock()
	r.runs[runID] = &runState{ctx: spanCtx, span: span, noop: noop, resources: make(map[string]trace.Span)}
	r.mu.Unlock()

	r.publish(Event{
		Type:    EventTypeRunStarted,
		RunID:   runID,
		Message: fmt.Sprintf("converge pass started with %d resources", resources),
		Data:    map[string]interface{}{"resources": resources, "noop": noop},
	})
}

func (r *Recorder) ResourceStarted(ctx context.Context, runID string, spec engine.ResourceSpec) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.runs[runID]
	if !ok {
		return
	}
	_, span := r.tracer.Start(run.ctx, spec.ID(),
		AttrResourceID.String(spec.ID()),
		AttrResourceKind.String(string(spec.Kind)),
		attribute.String("resource.state", string(spec.State)),
	)
	run.resources[spec.ID()] = span
}

func (r *Recorder) ResourceCompleted(ctx context.Context, runID string, result engine.ApplyResult) {
	r.metrics.RecordResource(result)

	r.mu.Lock()
	if run, ok := r.runs[runID]; ok {
		if span, ok := run.resources[result.ResourceID]; ok {
			span.SetAttributes(AttrStatus.String(string(result.Status)))
			if result.Err != nil {
				span.SetAttributes(AttrErrorClass.String(string(engine.Class(result.Err))))
				RecordError(span, result.Err)
			}
			span.End()
			delete(run.resources, result.ResourceID)
		}
	}
	r.mu.Unlock()

	switch result.Status {
	case engine.StatusChanged, engine.StatusWouldChange:
		r.publish(Event{
			Type:       EventTypeResourceChanged,
			RunID:      runID,
			ResourceID: result.ResourceID,
			Message:    result.Detail,
			Data:       map[string]interface{}{"status": string(result.Status), "duration": result.Duration.Seconds()},
		})
	case engine.StatusFailed:
		r.metrics.RecordError(result.Err)
		r.publish(Event{
			Type:       EventTypeResourceFailed,
			RunID:      runID,
			ResourceID: result.ResourceID,
			Level:      EventLevelError,
			Message:    errString(result.Err),
		})
	}
}

func (r *Recorder) NotificationFired(ctx context.Context, runID string, n engine.Notification, err error) {
	r.metrics.RecordNotification(n, err)

	r.mu.Lock()
	if run, ok := r.runs[runID]; ok {
		run.span.AddEvent("notification", trace.WithAttributes(
			attribute.String("notification.source", n.Source),
			attribute.String("notification.target", n.Target),
			attribute.String("notification.action", string(n.Action)),
			attribute.String("notification.timing", string(n.Timing)),
		))
	}
	r.mu.Unlock()

	ev := Event{
		Type:       EventTypeNotificationFired,
		RunID:      runID,
		ResourceID: n.Target,
		Message:    n.String(),
		Data:       map[string]interface{}{"source": n.Source, "action": string(n.Action), "timing": string(n.Timing)},
	}
	if err != nil {
		ev.Type = EventTypeNotificationFailed
		ev.Level = EventLevelError
		ev.Data["error"] = err.Error()
	}
	r.publish(ev)
}

func (r *Recorder) RunCompleted(ctx context.Context, runID string, results []engine.ApplyResult, duration time.Duration, err error) {
	r.mu.Lock()
	run, ok := r.runs[runID]
	delete(r.runs, runID)
	r.mu.Unlock()

	noop := false
	if ok {
		noop = run.noop
		for _, span := range run.resources {
			span.End()
		}
		RecordError(run.span, err)
		run.span.End()
	}

	r.metrics.RecordRun(noop, duration, err)
	if werr := r.metrics.WriteTextfile(); werr != nil {
		r.logger.Warn().Err(werr).Msg("Failed to write metrics textfile")
	}

	counts := map[string]interface{}{}
	for _, res := range results {
		key := string(res.Status)
		n, _ := counts[key].(int)
		counts[key] = n + 1
	}
	counts["duration"] = duration.Seconds()

	ev := Event{
		Type:    EventTypeRunCompleted,
		RunID:   runID,
		Message: fmt.Sprintf("converge pass finished in %s", duration.Round(time.Millisecond)),
		Data:    counts,
	}
	if err != nil {
		ev.Type = EventTypeRunFailed
		ev.Level = EventLevelError
		ev.Message = err.Error()
	}
	r.publish(ev)
}

// PolicyViolation publishes a policy finding for a resource.
func (r *Recorder) PolicyViolation(policyName, severity, resourceID, message string) {
	level := EventLevelWarning
	if severity == "error" {
		level = EventLevelError
	}
	r.publish(Event{
		Type:       EventTypePolicyViolation,
		ResourceID: resourceID,
		Level:      level,
		Message:    message,
		Data:       map[string]interface{}{"policy": policyName},
	})
}

func (r *Recorder) publish(ev Event) {
	ev.Host = r.host
	if err := r.events.Publish(ev); err != nil {
		r.logger.Debug().Err(err).Str("event", ev.Type).Msg("Event not published")
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
