package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/soaringjerry/persuasion/internal/models"
)

const (
	// StreamName is the work-queue stream carrying job ids.
	StreamName = "MESSAGE_JOBS"
	// StateBucket holds one Record per job id.
	StateBucket = "MESSAGE_JOB_STATE"

	subjectPrefix = "jobs.message."
	maxCASRetries = 5
)

func laneSubject(p Priority) string { return subjectPrefix + string(p) }

// NATSOptions configures the JetStream backed queue.
type NATSOptions struct {
	Timeout   time.Duration
	Retention time.Duration
	Metrics   *Metrics
	Logger    *slog.Logger
}

// NATSQueue stores job state in a KV bucket and dispatches job ids over a
// work-queue stream, so producers and workers can live in separate processes.
type NATSQueue struct {
	js      jetstream.JetStream
	stream  jetstream.Stream
	kv      jetstream.KeyValue
	timeout time.Duration
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string
}

// NewNATSQueue ensures the stream and bucket exist.
func NewNATSQueue(ctx context.Context, nc *nats.Conn, opts NATSOptions) (*NATSQueue, error) {
	if nc == nil {
		return nil, errors.New("nats connection required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("get jetstream: %w", err)
	}

	subjects := make([]string, 0, len(Lanes))
	for _, l := range Lanes {
		subjects = append(subjects, laneSubject(l))
	}
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Description: "Message generation jobs",
		Subjects:    subjects,
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      opts.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update stream: %w", err)
	}

	// CreateOrUpdateKeyValue is idempotent across producers and workers.
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      StateBucket,
		Description: "Message generation job state",
		TTL:         opts.Retention,
	})
	if err != nil {
		return nil, fmt.Errorf("create/update kv bucket: %w", err)
	}

	return &NATSQueue{
		js:      js,
		stream:  stream,
		kv:      kv,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   newJobID,
	}, nil
}

func (q *NATSQueue) load(ctx context.Context, id string) (*Record, uint64, error) {
	entry, err := q.kv.Get(ctx, id)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, 0, ErrJobNotFound
		}
		return nil, 0, fmt.Errorf("get job: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, 0, fmt.Errorf("unmarshal job: %w", err)
	}
	return &rec, entry.Revision(), nil
}

func isWrongRevision(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

// mutate applies fn to the stored record with compare-and-set, retrying on
// concurrent writes. fn returns false to leave the record untouched.
func (q *NATSQueue) mutate(ctx context.Context, id string, fn func(*Record) bool) (*Record, error) {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		rec, rev, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !fn(rec) {
			return rec, nil
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("marshal job: %w", err)
		}
		if _, err := q.kv.Update(ctx, id, data, rev); err != nil {
			if isWrongRevision(err) {
				continue
			}
			return nil, fmt.Errorf("update job: %w", err)
		}
		if rec.Status.Terminal() {
			q.metrics.observeDone(rec)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("update job %s: too many concurrent writers", id)
}

func (q *NATSQueue) Submit(ctx context.Context, in Input, opts ...SubmitOption) (string, error) {
	o := buildOptions(q.timeout, opts)
	now := q.now()
	rec := Record{
		ID:         q.newID(),
		Status:     StatusPending,
		Priority:   o.priority,
		Input:      in,
		EnqueuedAt: now,
		Deadline:   now.Add(o.timeout),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if _, err := q.kv.Create(ctx, rec.ID, data); err != nil {
		return "", fmt.Errorf("store job: %w", err)
	}
	if _, err := q.js.Publish(ctx, laneSubject(o.priority), []byte(rec.ID), jetstream.WithMsgID(rec.ID)); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	q.metrics.observeSubmit(o.priority)
	q.logger.Debug("job submitted", "job", rec.ID, "lane", o.priority, "condition", in.Condition)
	return rec.ID, nil
}

func (q *NATSQueue) Poll(ctx context.Context, id string) (Snapshot, error) {
	rec, _, err := q.load(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	if rec.overdue(q.now()) {
		rec, err = q.mutate(ctx, id, func(r *Record) bool {
			if !r.overdue(q.now()) {
				return false
			}
			r.finish(StatusExpired, q.now())
			return true
		})
		if err != nil {
			return Snapshot{}, err
		}
		q.logger.Warn("job expired", "job", id)
	}
	s := rec.snapshot()
	return s, pollError(s.Status)
}

// Await watches the job's KV entry until it turns terminal.
func (q *NATSQueue) Await(ctx context.Context, id string) (models.MessageResult, error) {
	rec, _, err := q.load(ctx, id)
	if err != nil {
		return models.MessageResult{}, err
	}
	if rec.Status.Terminal() {
		return awaitOutcome(rec.snapshot())
	}

	wctx, cancel := context.WithDeadline(ctx, rec.Deadline)
	defer cancel()
	watcher, err := q.kv.Watch(wctx, id)
	if err != nil {
		return models.MessageResult{}, fmt.Errorf("watch job: %w", err)
	}
	defer func() { _ = watcher.Stop() }()

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				return q.settle(ctx, id)
			}
			if entry == nil {
				continue
			}
			var cur Record
			if err := json.Unmarshal(entry.Value(), &cur); err != nil {
				continue
			}
			if cur.Status.Terminal() {
				return awaitOutcome(cur.snapshot())
			}
		case <-wctx.Done():
			if ctx.Err() != nil {
				return models.MessageResult{}, ctx.Err()
			}
			return q.settle(ctx, id)
		}
	}
}

// settle polls once more so an overdue job is marked expired.
func (q *NATSQueue) settle(ctx context.Context, id string) (models.MessageResult, error) {
	s, err := q.Poll(ctx, id)
	if err != nil && !errors.Is(err, ErrJobTimeout) && !errors.Is(err, ErrJobCancelled) {
		return models.MessageResult{}, err
	}
	if !s.Status.Terminal() {
		return models.MessageResult{}, ErrJobTimeout
	}
	return awaitOutcome(s)
}

func (q *NATSQueue) Cancel(ctx context.Context, id string) error {
	_, err := q.mutate(ctx, id, func(r *Record) bool {
		if r.Status.Terminal() {
			return false
		}
		r.finish(StatusCancelled, q.now())
		return true
	})
	return err
}

// Close is a no-op; the caller owns the NATS connection.
func (q *NATSQueue) Close() error { return nil }

var _ Queue = (*NATSQueue)(nil)

// NATSWorker consumes job ids from the stream and executes them.
type NATSWorker struct {
	q            *NATSQueue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	consumers    []jetstream.Consumer
	logger       *slog.Logger
}

// NewWorker creates one durable consumer per lane. Unacknowledged jobs are
// redelivered a bounded number of times when a worker dies mid-job.
func (q *NATSQueue) NewWorker(ctx context.Context, handler Handler, concurrency int) (*NATSWorker, error) {
	if handler == nil {
		return nil, errors.New("job handler required")
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	w := &NATSWorker{
		q:            q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: 500 * time.Millisecond,
		logger:       q.logger,
	}
	for _, lane := range Lanes {
		consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       "message-worker-" + string(lane),
			FilterSubject: laneSubject(lane),
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       q.timeout + 30*time.Second,
			MaxDeliver:    3,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", lane, err)
		}
		w.consumers = append(w.consumers, consumer)
	}
	return w, nil
}

// Run processes jobs until ctx is cancelled.
func (w *NATSWorker) Run(ctx context.Context) error {
	w.logger.Info("job worker started", "stream", StreamName, "concurrency", w.concurrency)
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	wg.Wait()
	w.logger.Info("job worker stopped")
	return nil
}

func (w *NATSWorker) consumeLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg := w.next()
		if msg == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
			continue
		}
		w.handleMessage(ctx, msg)
	}
}

// next takes one message, draining lanes in priority order.
func (w *NATSWorker) next() jetstream.Msg {
	for _, c := range w.consumers {
		batch, err := c.FetchNoWait(1)
		if err != nil {
			w.logger.Debug("fetch failed", "error", err)
			continue
		}
		for msg := range batch.Messages() {
			return msg
		}
	}
	return nil
}

func (w *NATSWorker) handleMessage(ctx context.Context, msg jetstream.Msg) {
	id := string(msg.Data())
	q := w.q

	rec, err := q.mutate(ctx, id, func(r *Record) bool {
		switch {
		case r.Status.Terminal():
			return false
		case r.overdue(q.now()):
			r.finish(StatusExpired, q.now())
		default:
			r.Status = StatusRunning
			r.StartedAt = q.now()
		}
		return true
	})
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			_ = msg.Term()
			return
		}
		w.logger.Warn("claim job failed", "job", id, "error", err)
		_ = msg.Nak()
		return
	}
	if rec.Status != StatusRunning {
		if err := msg.Ack(); err != nil {
			w.logger.Warn("ack failed", "job", id, "error", err)
		}
		return
	}

	jctx, cancel := context.WithDeadline(ctx, rec.Deadline)
	res, herr := w.handler(jctx, rec.Input)
	timedOut := errors.Is(jctx.Err(), context.DeadlineExceeded)
	cancel()

	if ctx.Err() != nil {
		// Shutting down: leave the job for redelivery.
		_ = msg.Nak()
		return
	}

	_, err = q.mutate(context.Background(), id, func(r *Record) bool {
		if r.Status != StatusRunning {
			return false
		}
		switch {
		case herr == nil:
			r.Result = &res
			r.finish(StatusFinished, q.now())
		case timedOut:
			r.finish(StatusExpired, q.now())
		default:
			r.finish(StatusFailed, q.now())
		}
		return true
	})
	if err != nil {
		w.logger.Error("store job result failed", "job", id, "error", err)
		_ = msg.Nak()
		return
	}
	if herr != nil {
		w.logger.Error("job failed", "job", id, "error", herr)
	}
	if err := msg.Ack(); err != nil {
		w.logger.Warn("ack failed", "job", id, "error", err)
	}
}
