// Package jobs runs message generation off the request path. A job is submitted,
// identified by an opaque id, and observed by polling or by awaiting its result.
// Every job carries a deadline; a job that is not finished by then is reported as
// expired instead of pending forever.
package jobs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/soaringjerry/persuasion/internal/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusFinished  Status = "finished"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	switch s {
	case StatusFinished, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Priority selects the lane a job is queued on.
type Priority string

const (
	PriorityHigh    Priority = "high"
	PriorityDefault Priority = "default"
	PriorityLow     Priority = "low"
)

// Lanes lists priorities in the order workers drain them.
var Lanes = []Priority{PriorityHigh, PriorityDefault, PriorityLow}

func (p Priority) valid() bool {
	for _, l := range Lanes {
		if l == p {
			return true
		}
	}
	return false
}

// FailureMarker is the opaque error text surfaced to clients for failed jobs.
const FailureMarker = "Error"

// DefaultTimeout bounds a job from enqueue to completion.
const DefaultTimeout = 2 * time.Minute

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobTimeout   = errors.New("job deadline exceeded")
	ErrJobCancelled = errors.New("job cancelled")
	ErrJobFailed    = errors.New("job failed")
	ErrQueueClosed  = errors.New("job queue closed")
)

// Input is the argument triple of one message generation.
type Input struct {
	Attributes  models.Attributes `json:"attributes"`
	IssueStance string            `json:"issue_stance"`
	Condition   models.Condition  `json:"condition"`
}

// Handler executes one job. It must honour ctx cancellation.
type Handler func(ctx context.Context, in Input) (models.MessageResult, error)

// Record is the full persisted state of a job.
type Record struct {
	ID         string                `json:"id"`
	Status     Status                `json:"status"`
	Priority   Priority              `json:"priority"`
	Input      Input                 `json:"input"`
	Result     *models.MessageResult `json:"result,omitempty"`
	Error      string                `json:"error,omitempty"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
	Deadline   time.Time             `json:"deadline"`
	StartedAt  time.Time             `json:"started_at,omitempty"`
	FinishedAt time.Time             `json:"finished_at,omitempty"`
}

// overdue reports whether a non-terminal job has passed its deadline.
func (r *Record) overdue(now time.Time) bool {
	return !r.Status.Terminal() && !r.Deadline.IsZero() && !now.Before(r.Deadline)
}

func (r *Record) finish(status Status, now time.Time) {
	r.Status = status
	r.FinishedAt = now
	if status == StatusFailed && r.Error == "" {
		r.Error = FailureMarker
	}
}

func (r *Record) snapshot() Snapshot {
	s := Snapshot{ID: r.ID, Status: r.Status, Error: r.Error}
	if r.Result != nil {
		res := *r.Result
		s.Result = &res
	}
	return s
}

// Snapshot is what a poll observes.
type Snapshot struct {
	ID     string
	Status Status
	Result *models.MessageResult
	Error  string
}

// Done reports whether the job finished successfully and Result is set.
func (s Snapshot) Done() bool { return s.Status == StatusFinished && s.Result != nil }

// pollError maps terminal non-success states to their sentinel errors.
func pollError(s Status) error {
	switch s {
	case StatusExpired:
		return ErrJobTimeout
	case StatusCancelled:
		return ErrJobCancelled
	}
	return nil
}

// awaitOutcome converts a terminal snapshot into the Await return values.
func awaitOutcome(s Snapshot) (models.MessageResult, error) {
	switch s.Status {
	case StatusFinished:
		if s.Result != nil {
			return *s.Result, nil
		}
		return models.MessageResult{}, nil
	case StatusFailed:
		return models.MessageResult{}, ErrJobFailed
	default:
		if err := pollError(s.Status); err != nil {
			return models.MessageResult{}, err
		}
		return models.MessageResult{}, ErrJobFailed
	}
}

// Queue is the producer side of the job facade.
type Queue interface {
	// Submit enqueues a job and returns its id without waiting for it to run.
	Submit(ctx context.Context, in Input, opts ...SubmitOption) (string, error)
	// Poll returns the current state without blocking. Expired and cancelled
	// jobs return ErrJobTimeout and ErrJobCancelled alongside the snapshot.
	Poll(ctx context.Context, id string) (Snapshot, error)
	// Await blocks until the job reaches a terminal state, ctx ends, or the job
	// deadline passes.
	Await(ctx context.Context, id string) (models.MessageResult, error)
	// Cancel stops a job that has not finished yet.
	Cancel(ctx context.Context, id string) error
	Close() error
}

type submitOptions struct {
	priority Priority
	timeout  time.Duration
}

type SubmitOption func(*submitOptions)

// WithPriority queues the job on lane p. Unknown lanes fall back to default.
func WithPriority(p Priority) SubmitOption {
	return func(o *submitOptions) {
		if p.valid() {
			o.priority = p
		}
	}
}

// WithTimeout overrides the queue's job deadline for one submission.
func WithTimeout(d time.Duration) SubmitOption {
	return func(o *submitOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(timeout time.Duration, opts []SubmitOption) submitOptions {
	o := submitOptions{priority: PriorityDefault, timeout: timeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	return o
}

func newJobID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
