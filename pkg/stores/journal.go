package stores

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/cinderhost/pkg/engine"
)

// Journal records converge passes into a Store. It implements
// engine.Observer; write failures are logged and never fail the pass.
type Journal struct {
	store    Store
	host     string
	provider string
	logger   zerolog.Logger

	mu   sync.Mutex
	runs map[string]*journalRun
}

type journalRun struct {
	run     *Run
	results int
	fired   int
}

var _ engine.Observer = (*Journal)(nil)

// NewJournal creates a journal for passes against host using provider.
func NewJournal(store Store, host, provider string, logger zerolog.Logger) *Journal {
	return &Journal{
		store:    store,
		host:     host,
		provider: provider,
		logger:   logger.With().Str("component", "journal").Logger(),
		runs:     make(map[string]*journalRun),
	}
}

func (j *Journal) RunStarted(ctx context.Context, runID string, resources int, noop bool) {
	run := &Run{
		ID:        runID,
		Host:      j.host,
		Provider:  j.provider,
		Noop:      noop,
		Status:    RunStatusRunning,
		Resources: resources,
		StartedAt: time.Now(),
	}

	j.mu.Lock()
	j.runs[runID] = &journalRun{run: run}
	j.mu.Unlock()

	if err := j.store.CreateRun(context.WithoutCancel(ctx), run); err != nil {
		j.logger.Warn().Err(err).Str("run_id", runID).Msg("Failed to record run start")
	}
}

func (j *Journal) ResourceStarted(context.Context, string, engine.ResourceSpec) {}

func (j *Journal) ResourceCompleted(ctx context.Context, runID string, result engine.ApplyResult) {
	j.mu.Lock()
	jr, ok := j.runs[runID]
	if !ok {
		j.mu.Unlock()
		return
	}
	jr.results++
	seq := jr.results
	switch result.Status {
	case engine.StatusChanged, engine.StatusWouldChange:
		jr.run.Changed++
	case engine.StatusFailed:
		jr.run.Failed++
	}
	j.mu.Unlock()

	rec := &ResourceResult{
		RunID:      runID,
		Seq:        seq,
		ResourceID: result.ResourceID,
		Kind:       string(result.Kind),
		Status:     string(result.Status),
		Detail:     result.Detail,
		Duration:   result.Duration,
		Error:      errPtr(result.Err),
	}
	if err := j.store.AppendResult(context.WithoutCancel(ctx), rec); err != nil {
		j.logger.Warn().Err(err).Str("run_id", runID).Str("resource", result.ResourceID).Msg("Failed to record resource result")
	}
}

func (j *Journal) NotificationFired(ctx context.Context, runID string, n engine.Notification, err error) {
	j.mu.Lock()
	jr, ok := j.runs[runID]
	if !ok {
		j.mu.Unlock()
		return
	}
	jr.fired++
	seq := jr.fired
	j.mu.Unlock()

	rec := &NotificationRecord{
		RunID:  runID,
		Seq:    seq,
		Source: n.Source,
		Target: n.Target,
		Action: string(n.Action),
		Timing: string(n.Timing),
		Error:  errPtr(err),
	}
	if werr := j.store.AppendNotification(context.WithoutCancel(ctx), rec); werr != nil {
		j.logger.Warn().Err(werr).Str("run_id", runID).Msg("Failed to record notification")
	}
}

func (j *Journal) RunCompleted(ctx context.Context, runID string, results []engine.ApplyResult, duration time.Duration, err error) {
	j.mu.Lock()
	jr, ok := j.runs[runID]
	delete(j.runs, runID)
	j.mu.Unlock()
	if !ok {
		return
	}

	run := jr.run
	run.Status = RunStatusCompleted
	if err != nil {
		run.Status = RunStatusFailed
	}
	run.Duration = duration
	run.Error = errPtr(err)
	now := time.Now()
	run.FinishedAt = &now

	if werr := j.store.FinishRun(context.WithoutCancel(ctx), run); werr != nil {
		j.logger.Warn().Err(werr).Str("run_id", runID).Msg("Failed to record run completion")
	}
}

func errPtr(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}
