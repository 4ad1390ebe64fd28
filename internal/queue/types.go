package queue

import (
	"context"
	"time"

	"mediarelay/internal/platform"
	"mediarelay/internal/tier"
	"mediarelay/internal/transfer"
)

type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether a job in this state can still change.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type ItemStatus string

const (
	ItemPending     ItemStatus = "pending"
	ItemTransferred ItemStatus = "transferred"
	ItemFailed      ItemStatus = "failed"
	ItemSkipped     ItemStatus = "skipped"
)

// MediaItem is one element of a submitted media group.
type MediaItem struct {
	Ref      platform.Ref        `json:"ref"`
	Target   platform.Target     `json:"target"`
	Size     int64               `json:"size,omitempty"`
	Hint     string              `json:"hint,omitempty"`
	Status   ItemStatus          `json:"status"`
	Error    string              `json:"error,omitempty"`
	Uploaded platform.MessageRef `json:"uploaded,omitempty"`
}

// Job is a submitted media group and its lifecycle state. Items keep their
// per-item outcome; Summary aggregates it once the job finishes.
type Job struct {
	ID         string           `json:"id"`
	Owner      int64            `json:"owner"`
	Tier       tier.Tier        `json:"tier,omitempty"`
	State      State            `json:"state"`
	Items      []MediaItem      `json:"items"`
	Error      string           `json:"error,omitempty"`
	Summary    transfer.Summary `json:"summary"`
	Requeues   int              `json:"requeues,omitempty"`
	CreatedAt  time.Time        `json:"created_at"`
	StartedAt  time.Time        `json:"started_at,omitzero"`
	FinishedAt time.Time        `json:"finished_at,omitzero"`

	ctx    context.Context
	cancel context.CancelFunc
	// cancelRequested is written under the manager mutex so a cancel aimed
	// at a context the requeue path is about to discard still lands.
	cancelRequested bool
}

// snapshotLocked copies the job for callers outside the manager. The
// manager mutex must be held.
func (j *Job) snapshotLocked() Job {
	snap := *j
	snap.Items = make([]MediaItem, len(j.Items))
	copy(snap.Items, j.Items)
	snap.ctx = nil
	snap.cancel = nil
	return snap
}

// TransferFunc executes the media group of one job against an acquired
// client. Tests inject fakes through Manager.UseTransferFunc.
type TransferFunc func(ctx context.Context, client platform.Client, jobID string, items []transfer.Item) ([]transfer.Result, error)

type Options struct {
	MaxBacklog     int           // queued jobs admitted before ErrQueueFull
	MaxActive      int           // concurrently running jobs, defaults to pool capacity
	AcquireTimeout time.Duration // how long a worker waits for a session
}

// Stats counts jobs by state for the stats endpoint.
type Stats struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

const (
	defaultMaxBacklog     = 64
	defaultAcquireTimeout = 90 * time.Second

	// A job bounced by an exhausted pool is put back at the tail of the
	// backlog this many times before it fails.
	requeueLimit = 1
)
