package telemetry

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
)

// Telemetry bundles the tracer, metrics and event publisher of one process
// together with the recorder that feeds them from converge passes.
type Telemetry struct {
	Tracer   *Tracer
	Metrics  *Metrics
	Events   *EventPublisher
	Recorder *Recorder
	Config   *Config
}

// New creates the telemetry stack. traceOut receives spans when the stdout
// exporter is selected.
func New(ctx context.Context, cfg *Config, traceOut io.Writer, logger zerolog.Logger) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tracer, err := NewTracer(ctx, cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, traceOut)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics(cfg.Metrics)
	events := NewEventPublisher(cfg.Events)

	return &Telemetry{
		Tracer:   tracer,
		Metrics:  metrics,
		Events:   events,
		Recorder: NewRecorder(cfg.Host, tracer, metrics, events, logger),
		Config:   cfg,
	}, nil
}

// Shutdown drains queued events and flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(
		t.Events.Shutdown(ctx),
		t.Tracer.Shutdown(ctx),
	)
}
