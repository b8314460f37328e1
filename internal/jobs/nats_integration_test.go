//go:build integration

package jobs

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soaringjerry/persuasion/internal/models"
)

func natsConn(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(url, nats.Timeout(2*time.Second))
	if err != nil {
		t.Skipf("nats not reachable at %s: %v", url, err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func TestNATSQueueRoundTrip(t *testing.T) {
	nc := natsConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q, err := NewNATSQueue(ctx, nc, NATSOptions{Timeout: 10 * time.Second})
	require.NoError(t, err)

	want := models.MessageResult{Prompt: "p", Message: "<p>m</p>", SelectedKeys: []models.AttributeKey{models.AttrAge}, TargetedCount: 1}
	w, err := q.NewWorker(ctx, func(ctx context.Context, in Input) (models.MessageResult, error) {
		if in.IssueStance == "fail" {
			return models.MessageResult{}, errors.New("boom")
		}
		return want, nil
	}, 2)
	require.NoError(t, err)
	wctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		_ = w.Run(wctx)
		close(done)
	}()
	defer func() {
		stop()
		<-done
	}()

	id, err := q.Submit(ctx, Input{IssueStance: "ok", Condition: models.ConditionMicrotargeting}, WithPriority(PriorityHigh))
	require.NoError(t, err)
	got, err := q.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	snap, err := q.Poll(ctx, id)
	require.NoError(t, err)
	assert.True(t, snap.Done())

	id, err = q.Submit(ctx, Input{IssueStance: "fail"})
	require.NoError(t, err)
	_, err = q.Await(ctx, id)
	require.ErrorIs(t, err, ErrJobFailed)
	snap, err = q.Poll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, FailureMarker, snap.Error)
}

func TestNATSQueueExpiresUnclaimedJob(t *testing.T) {
	nc := natsConn(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	q, err := NewNATSQueue(ctx, nc, NATSOptions{Timeout: time.Minute})
	require.NoError(t, err)
	// No worker is running, so the job stays pending until its deadline.
	id, err := q.Submit(ctx, Input{IssueStance: "late"}, WithPriority(PriorityLow), WithTimeout(50*time.Millisecond))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	snap, err := q.Poll(ctx, id)
	require.ErrorIs(t, err, ErrJobTimeout)
	assert.Equal(t, StatusExpired, snap.Status)

	_, err = q.Await(ctx, id)
	require.ErrorIs(t, err, ErrJobTimeout)
	require.ErrorIs(t, q.Cancel(ctx, "missing-"+id), ErrJobNotFound)
}
