package stores

import (
	"context"
	"time"
)

// RunStatus represents the status of a converge pass.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one recorded converge pass.
type Run struct {
	ID         string        `json:"id"`
	Host       string        `json:"host"`
	Provider   string        `json:"provider"`
	Noop       bool          `json:"noop"`
	Status     RunStatus     `json:"status"`
	Resources  int           `json:"resources"`
	Changed    int           `json:"changed"`
	Failed     int           `json:"failed"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      *string       `json:"error,omitempty"`
}

// ResourceResult is the recorded outcome of one resource within a pass.
type ResourceResult struct {
	RunID      string        `json:"run_id"`
	Seq        int           `json:"seq"`
	ResourceID string        `json:"resource_id"`
	Kind       string        `json:"kind"`
	Status     string        `json:"status"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration"`
	Error      *string       `json:"error,omitempty"`
}

// NotificationRecord is a notification that fired during a pass.
type NotificationRecord struct {
	RunID  string  `json:"run_id"`
	Seq    int     `json:"seq"`
	Source string  `json:"source"`
	Target string  `json:"target"`
	Action string  `json:"action"`
	Timing string  `json:"timing"`
	Error  *string `json:"error,omitempty"`
}

// Store is the persistence layer for converge history.
type Store interface {
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	PruneRuns(ctx context.Context, keep int) (int64, error)

	AppendResult(ctx context.Context, result *ResourceResult) error
	ListResults(ctx context.Context, runID string) ([]*ResourceResult, error)

	AppendNotification(ctx context.Context, n *NotificationRecord) error
	ListNotifications(ctx context.Context, runID string) ([]*NotificationRecord, error)

	HealthCheck(ctx context.Context) error
}
