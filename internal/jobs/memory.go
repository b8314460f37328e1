package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soaringjerry/persuasion/internal/models"
)

// MemoryOptions configures an in-process queue.
type MemoryOptions struct {
	Workers   int
	Timeout   time.Duration
	Retention time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
}

type memJob struct {
	rec    Record
	cancel context.CancelFunc
	done   chan struct{}
}

// MemoryQueue runs jobs on a bounded pool of goroutines in the current process.
type MemoryQueue struct {
	handler   Handler
	timeout   time.Duration
	retention time.Duration
	metrics   *Metrics
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string

	mu      sync.Mutex
	jobs    map[string]*memJob
	pending map[Priority][]string
	closed  bool

	notify chan struct{}
	ctx    context.Context
	stop   context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue starts opts.Workers goroutines executing handler.
func NewMemoryQueue(handler Handler, opts MemoryOptions) *MemoryQueue {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	q := &MemoryQueue{
		handler:   handler,
		timeout:   opts.Timeout,
		retention: opts.Retention,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     newJobID,
		jobs:      map[string]*memJob{},
		pending:   map[Priority][]string{},
		notify:    make(chan struct{}, 1),
		ctx:       ctx,
		stop:      stop,
	}
	for i := 0; i < opts.Workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

func (q *MemoryQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Submit(ctx context.Context, in Input, opts ...SubmitOption) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	o := buildOptions(q.timeout, opts)
	now := q.now()
	id := q.newID()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", ErrQueueClosed
	}
	q.sweepLocked(now)
	q.jobs[id] = &memJob{
		rec: Record{
			ID:         id,
			Status:     StatusPending,
			Priority:   o.priority,
			Input:      in,
			EnqueuedAt: now,
			Deadline:   now.Add(o.timeout),
		},
		done: make(chan struct{}),
	}
	q.pending[o.priority] = append(q.pending[o.priority], id)
	q.mu.Unlock()

	q.metrics.observeSubmit(o.priority)
	q.logger.Debug("job submitted", "job", id, "lane", o.priority, "condition", in.Condition)
	q.signal()
	return id, nil
}

// sweepLocked drops terminal jobs older than the retention window.
func (q *MemoryQueue) sweepLocked(now time.Time) {
	cutoff := now.Add(-q.retention)
	for id, j := range q.jobs {
		if j.rec.Status.Terminal() && j.rec.FinishedAt.Before(cutoff) {
			delete(q.jobs, id)
		}
	}
}

// finishLocked moves j to a terminal status exactly once.
func (q *MemoryQueue) finishLocked(j *memJob, status Status) {
	if j.rec.Status.Terminal() {
		return
	}
	j.rec.finish(status, q.now())
	if j.cancel != nil {
		j.cancel()
	}
	close(j.done)
	q.metrics.observeDone(&j.rec)
}

func (q *MemoryQueue) Poll(ctx context.Context, id string) (Snapshot, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return Snapshot{}, ErrJobNotFound
	}
	if j.rec.overdue(q.now()) {
		q.finishLocked(j, StatusExpired)
		q.logger.Warn("job expired", "job", id)
	}
	s := j.rec.snapshot()
	return s, pollError(s.Status)
}

func (q *MemoryQueue) Await(ctx context.Context, id string) (models.MessageResult, error) {
	var res models.MessageResult
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok {
		q.mu.Unlock()
		return res, ErrJobNotFound
	}
	wait := j.rec.Deadline.Sub(q.now())
	done := j.done
	q.mu.Unlock()

	if wait < 0 {
		wait = 0
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return res, ctx.Err()
	}
	s, perr := q.Poll(ctx, id)
	if perr != nil && !errors.Is(perr, ErrJobTimeout) && !errors.Is(perr, ErrJobCancelled) {
		return res, perr
	}
	return awaitOutcome(s)
}

func (q *MemoryQueue) Cancel(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	q.finishLocked(j, StatusCancelled)
	return nil
}

// Close stops the workers and cancels running jobs.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	q.stop()
	q.wg.Wait()
	return nil
}

func (q *MemoryQueue) next() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, lane := range Lanes {
		if ids := q.pending[lane]; len(ids) > 0 {
			q.pending[lane] = ids[1:]
			return ids[0], true
		}
	}
	return "", false
}

func (q *MemoryQueue) work() {
	defer q.wg.Done()
	for {
		id, ok := q.next()
		if !ok {
			select {
			case <-q.ctx.Done():
				return
			case <-q.notify:
				continue
			}
		}
		q.signal()
		q.run(id)
		if q.ctx.Err() != nil {
			return
		}
	}
}

func (q *MemoryQueue) run(id string) {
	q.mu.Lock()
	j, ok := q.jobs[id]
	if !ok || j.rec.Status != StatusPending {
		q.mu.Unlock()
		return
	}
	if j.rec.overdue(q.now()) {
		q.finishLocked(j, StatusExpired)
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithDeadline(q.ctx, j.rec.Deadline)
	j.cancel = cancel
	j.rec.Status = StatusRunning
	j.rec.StartedAt = q.now()
	in := j.rec.Input
	q.mu.Unlock()

	res, err := q.handler(ctx, in)

	q.mu.Lock()
	defer q.mu.Unlock()
	defer cancel()
	if j.rec.Status != StatusRunning {
		return
	}
	switch {
	case err == nil:
		j.rec.Result = &res
		q.finishLocked(j, StatusFinished)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		q.finishLocked(j, StatusExpired)
	default:
		q.logger.Error("job failed", "job", id, "error", err)
		q.finishLocked(j, StatusFailed)
	}
	q.logger.Debug("job done", "job", id, "status", j.rec.Status, "took", since(j.rec.StartedAt, j.rec.FinishedAt))
}

var _ Queue = (*MemoryQueue)(nil)
