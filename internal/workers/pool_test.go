package workers

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"podscribe/internal/queue"
	"podscribe/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type poolFixture struct {
	store *store.Store
	queue *queue.Queue
	feed  *store.Feed
}

func newPoolFixture(t *testing.T) *poolFixture {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &store.Feed{URL: "https://example.com/feed.xml", Title: "Test Show"}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return &poolFixture{store: s, queue: queue.New(s), feed: f}
}

func (fx *poolFixture) claimedJob(t *testing.T, kind queue.Kind) *queue.Job {
	t.Helper()
	ctx := context.Background()
	e := &store.Episode{FeedID: fx.feed.ID, GUID: fmt.Sprintf("guid-%d", time.Now().UnixNano())}
	require.NoError(t, fx.store.CreateEpisode(ctx, e))
	_, err := fx.queue.Enqueue(ctx, e.ID, kind, queue.DefaultPriority)
	require.NoError(t, err)
	job, err := fx.queue.ClaimLocal(ctx, kind)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestRunJobCompletesOnNil(t *testing.T) {
	fx := newPoolFixture(t)
	p := New(fx.queue, time.Millisecond, time.Second)
	job := fx.claimedJob(t, queue.KindEmbed)

	p.runJob(context.Background(), job, func(context.Context, *queue.Job) error { return nil })

	got, err := fx.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestRunJobFailsWithTaggedReason(t *testing.T) {
	fx := newPoolFixture(t)
	p := New(fx.queue, time.Millisecond, time.Second)
	job := fx.claimedJob(t, queue.KindTranscribe)

	p.runJob(context.Background(), job, func(context.Context, *queue.Job) error {
		return Fail(queue.ReasonTranscribeFailed, errors.New("oom"))
	})

	got, err := fx.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status, "attempts remain, so the job requeues")
	assert.Equal(t, queue.ReasonTranscribeFailed, got.FailureReason)
	assert.Contains(t, got.ErrorMessage, "oom")
}

func TestRunJobUntaggedErrorIsUnknown(t *testing.T) {
	fx := newPoolFixture(t)
	p := New(fx.queue, time.Millisecond, time.Second)
	job := fx.claimedJob(t, queue.KindEmbed)

	p.runJob(context.Background(), job, func(context.Context, *queue.Job) error {
		return errors.New("surprise")
	})

	got, err := fx.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.ReasonUnknown, got.FailureReason)
}

func TestRunJobReleasesOnShutdown(t *testing.T) {
	fx := newPoolFixture(t)
	p := New(fx.queue, time.Millisecond, time.Second)
	job := fx.claimedJob(t, queue.KindTranscribe)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.runJob(ctx, job, func(ctx context.Context, _ *queue.Job) error {
		return ctx.Err()
	})

	got, err := fx.queue.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)
	assert.Zero(t, got.Attempts, "shutdown does not burn an attempt")
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	fx := newPoolFixture(t)
	ctx := context.Background()

	e := &store.Episode{FeedID: fx.feed.ID, GUID: "g1"}
	require.NoError(t, fx.store.CreateEpisode(ctx, e))
	job, err := fx.queue.Enqueue(ctx, e.ID, queue.KindEmbed, queue.DefaultPriority)
	require.NoError(t, err)

	done := make(chan int64, 1)
	p := New(fx.queue, time.Millisecond, time.Second)
	p.Register(queue.KindEmbed, 1, func(_ context.Context, j *queue.Job) error {
		done <- j.ID
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	stopped := make(chan struct{})
	go func() {
		p.Run(runCtx)
		close(stopped)
	}()

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("worker never picked up the job")
	}
	cancel()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain after cancel")
	}

	got, err := fx.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusCompleted, got.Status)
}

func TestPoolHonorsGate(t *testing.T) {
	fx := newPoolFixture(t)
	ctx := context.Background()

	e := &store.Episode{FeedID: fx.feed.ID, GUID: "g1"}
	require.NoError(t, fx.store.CreateEpisode(ctx, e))
	job, err := fx.queue.Enqueue(ctx, e.ID, queue.KindEmbed, queue.DefaultPriority)
	require.NoError(t, err)

	done := make(chan struct{}, 1)
	p := New(fx.queue, time.Millisecond, time.Second)
	release := p.Gate(queue.KindEmbed).Pause()
	p.Register(queue.KindEmbed, 1, func(context.Context, *queue.Job) error {
		done <- struct{}{}
		return nil
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go p.Run(runCtx)

	select {
	case <-done:
		t.Fatal("gated pool claimed a job")
	case <-time.After(50 * time.Millisecond):
	}
	got, err := fx.queue.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, got.Status)

	release()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool never resumed after the gate released")
	}
}

func TestGateRefcounts(t *testing.T) {
	var g Gate
	assert.False(t, g.Paused())

	r1 := g.Pause()
	r2 := g.Pause()
	assert.True(t, g.Paused())

	r1()
	assert.True(t, g.Paused())
	r2()
	assert.False(t, g.Paused())

	// Double release is harmless.
	r2()
	assert.False(t, g.Paused())
}

func TestFailureUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := Fail(queue.ReasonDownloadFailed, inner)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, queue.ReasonDownloadFailed, failure.Reason)
	assert.ErrorIs(t, err, inner)
}
