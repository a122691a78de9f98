package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config configures an Engine.
type Config struct {
	// Noop reports what would change without calling Converge or Act.
	Noop bool

	// Logger receives per-resource log lines.
	Logger zerolog.Logger

	// Observer receives convergence events. May be nil.
	Observer Observer
}

// Engine applies resource specs in order, one at a time.
type Engine struct {
	handlers map[ResourceKind]Handler
	noop     bool
	logger   zerolog.Logger
	observer Observer
}

// Report is the outcome of one convergence pass.
type Report struct {
	RunID    string         `json:"run_id"`
	Noop     bool           `json:"noop"`
	Results  []ApplyResult  `json:"results"`
	Fired    []Notification `json:"fired,omitempty"`
	Duration time.Duration  `json:"duration"`
}

// Changed returns the number of resources that changed or would change.
func (r *Report) Changed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status == StatusChanged || res.Status == StatusWouldChange {
			n++
		}
	}
	return n
}

// New creates an engine with one handler per resource kind.
func New(cfg Config, handlers ...Handler) *Engine {
	e := &Engine{
		handlers: make(map[ResourceKind]Handler, len(handlers)),
		noop:     cfg.Noop,
		logger:   cfg.Logger.With().Str("component", "engine").Logger(),
		observer: cfg.Observer,
	}
	if e.observer == nil {
		e.observer = nopObserver{}
	}
	for _, h := range handlers {
		e.handlers[h.Kind()] = h
	}
	return e
}

// Apply converges specs in input order and then runs delayed notifications.
//
// Input is validated before anything is touched. A handler failure stops the
// pass; the returned report holds the results up to and including the failed
// resource. Nothing already applied is rolled back. Cancelling ctx stops the
// pass between resources.
func (e *Engine) Apply(ctx context.Context, specs []ResourceSpec, notifications []Notification) (*Report, error) {
	start := time.Now()
	report := &Report{
		RunID: uuid.New().String(),
		Noop:  e.noop,
	}
	log := e.logger.With().Str("run_id", report.RunID).Logger()

	index, err := e.validate(specs, notifications)
	if err != nil {
		return report, err
	}

	bus := NewBus(e.dispatcher(report.RunID, index))
	for _, n := range notifications {
		bus.Subscribe(n.Source, n.Target, n.Action, n.Timing)
	}

	e.observer.RunStarted(ctx, report.RunID, len(specs), e.noop)
	log.Info().Int("resources", len(specs)).Bool("noop", e.noop).Msg("Convergence started")

	finish := func(err error) (*Report, error) {
		report.Fired = bus.Fired()
		report.Duration = time.Since(start)
		e.observer.RunCompleted(ctx, report.RunID, report.Results, report.Duration, err)
		if err != nil {
			log.Error().Err(err).Int("applied", len(report.Results)).Msg("Convergence failed")
		} else {
			log.Info().Int("changed", report.Changed()).Dur("duration", report.Duration).Msg("Convergence finished")
		}
		return report, err
	}

	for _, spec := range specs {
		if err := ctx.Err(); err != nil {
			return finish(err)
		}

		result := e.applyOne(ctx, report.RunID, spec)
		report.Results = append(report.Results, result)
		if result.Err != nil {
			return finish(result.Err)
		}

		changed := result.Status == StatusChanged || result.Status == StatusWouldChange
		if err := bus.Publish(ctx, spec.ID(), changed); err != nil {
			return finish(err)
		}
	}

	return finish(bus.Flush(ctx))
}

func (e *Engine) applyOne(ctx context.Context, runID string, spec ResourceSpec) ApplyResult {
	start := time.Now()
	h := e.handlers[spec.Kind]
	result := ApplyResult{
		ResourceID: spec.ID(),
		Kind:       spec.Kind,
		Identifier: spec.Identifier,
	}
	log := e.logger.With().Str("run_id", runID).Str("resource", spec.ID()).Logger()

	e.observer.ResourceStarted(ctx, runID, spec)
	defer func() {
		result.Duration = time.Since(start)
		e.observer.ResourceCompleted(ctx, runID, result)
	}()

	current, err := h.Check(ctx, spec)
	if err != nil {
		result.Status = StatusFailed
		result.Err = NewResourceError("check failed", err).WithResource(spec.ID())
		return result
	}
	if current.InSync {
		result.Status = StatusUnchanged
		result.Detail = current.Description
		log.Debug().Str("state", current.Description).Msg("Resource up to date")
		return result
	}

	if e.noop {
		result.Status = StatusWouldChange
		result.Detail = fmt.Sprintf("would converge to %s (currently %s)", spec.State, current.Description)
		log.Info().Str("state", current.Description).Str("desired", string(spec.State)).Msg("Resource would change")
		return result
	}

	detail, err := h.Converge(ctx, spec)
	if err != nil {
		result.Status = StatusFailed
		result.Err = NewResourceError("converge failed", err).WithResource(spec.ID())
		return result
	}
	result.Status = StatusChanged
	result.Detail = detail
	log.Info().Str("action", detail).Msg("Resource changed")
	return result
}

func (e *Engine) dispatcher(runID string, index map[string]ResourceSpec) DispatchFunc {
	return func(ctx context.Context, n Notification) error {
		target := index[n.Target]
		log := e.logger.With().Str("run_id", runID).Str("resource", n.Target).Logger()

		var err error
		if e.noop {
			log.Info().Str("action", string(n.Action)).Str("source", n.Source).Msg("Would notify")
		} else {
			log.Info().Str("action", string(n.Action)).Str("source", n.Source).Msg("Notifying")
			err = e.handlers[target.Kind].Act(ctx, target, n.Action)
		}
		e.observer.NotificationFired(ctx, runID, n, err)
		return err
	}
}

// validate checks the whole input before any resource is touched.
func (e *Engine) validate(specs []ResourceSpec, notifications []Notification) (map[string]ResourceSpec, error) {
	index := make(map[string]ResourceSpec, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if _, dup := index[spec.ID()]; dup {
			return nil, NewValidationError("duplicate resource identifier", nil).
				WithCode(ErrCodeDuplicateResource).
				WithResource(spec.ID())
		}
		if _, ok := e.handlers[spec.Kind]; !ok {
			return nil, NewValidationError(fmt.Sprintf("no handler registered for %s resources", spec.Kind), nil).
				WithCode(ErrCodeNoHandler).
				WithResource(spec.ID())
		}
		index[spec.ID()] = spec
	}

	for _, n := range notifications {
		for _, id := range []string{n.Source, n.Target} {
			if _, ok := index[id]; !ok {
				return nil, NewValidationError(fmt.Sprintf("notification references unknown resource: %s", n), nil).
					WithCode(ErrCodeUnknownResource).
					WithResource(id)
			}
		}
		if !n.Action.Valid() {
			return nil, NewValidationError(fmt.Sprintf("invalid notification action %q", n.Action), nil).
				WithCode(ErrCodeInvalidConfig).
				WithResource(n.Source)
		}
		if n.Timing != TimingImmediate && n.Timing != TimingDelayed {
			return nil, NewValidationError(fmt.Sprintf("invalid notification timing %q", n.Timing), nil).
				WithCode(ErrCodeInvalidConfig).
				WithResource(n.Source)
		}
	}
	return index, nil
}
