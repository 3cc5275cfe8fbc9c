// Package workers runs the in-process job handlers: bounded per-kind pools
// claiming from the durable queue. Claims are interruptible, shutdown is
// graceful, and in-flight jobs are released back to the queue instead of
// counting a failed attempt.
package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"podscribe/internal/queue"
)

// Failure carries the categorical reason a handler failed with.
type Failure struct {
	Reason queue.FailureReason
	Err    error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail wraps a handler error with its failure reason.
func Fail(reason queue.FailureReason, err error) error {
	return &Failure{Reason: reason, Err: err}
}

// Handler processes one claimed job. A nil return completes the job; a
// context error releases it; anything else fails it with the Failure reason
// (ReasonUnknown when untagged).
type Handler func(ctx context.Context, job *queue.Job) error

type poolEntry struct {
	size    int
	handler Handler
	gate    *Gate
}

// Pool owns one claim loop per worker, grouped by job kind.
type Pool struct {
	queue *queue.Queue
	idle  time.Duration
	grace time.Duration

	mu    sync.Mutex
	kinds map[queue.Kind]*poolEntry
}

// New creates an empty pool. idle is the sleep between empty claims; grace
// bounds the final status writes after shutdown begins.
func New(q *queue.Queue, idle, grace time.Duration) *Pool {
	if idle <= 0 {
		idle = 5 * time.Second
	}
	if grace <= 0 {
		grace = 30 * time.Second
	}
	return &Pool{queue: q, idle: idle, grace: grace, kinds: make(map[queue.Kind]*poolEntry)}
}

// Register adds size workers for a kind. Must be called before Run. A gate
// already handed out for the kind stays attached.
func (p *Pool) Register(kind queue.Kind, size int, h Handler) {
	if size <= 0 {
		size = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.kinds[kind]; ok {
		e.size = size
		e.handler = h
		return
	}
	p.kinds[kind] = &poolEntry{size: size, handler: h, gate: &Gate{}}
}

// Gate returns the pause gate for a kind, registering an empty entry when
// needed so callers can hold the gate before Run.
func (p *Pool) Gate(kind queue.Kind) *Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.kinds[kind]; ok {
		return e.gate
	}
	e := &poolEntry{gate: &Gate{}}
	p.kinds[kind] = e
	return e.gate
}

// Run starts every registered worker and blocks until the context is
// cancelled and all workers have drained.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	p.mu.Lock()
	for kind, entry := range p.kinds {
		if entry.handler == nil {
			continue
		}
		for i := 0; i < entry.size; i++ {
			wg.Add(1)
			go func(kind queue.Kind, entry *poolEntry, n int) {
				defer wg.Done()
				p.worker(ctx, kind, entry, n)
			}(kind, entry, i)
		}
		slog.Info("Worker pool started", "kind", kind, "workers", entry.size)
	}
	p.mu.Unlock()

	wg.Wait()
	slog.Info("All worker pools stopped")
}

func (p *Pool) worker(ctx context.Context, kind queue.Kind, entry *poolEntry, n int) {
	for {
		if ctx.Err() != nil {
			return
		}
		if entry.gate.Paused() {
			if !sleep(ctx, p.idle) {
				return
			}
			continue
		}

		job, err := p.queue.ClaimLocal(ctx, kind)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("Failed to claim job", "kind", kind, "worker", n, "error", err)
			if !sleep(ctx, p.idle) {
				return
			}
			continue
		}
		if job == nil {
			if !sleep(ctx, p.idle) {
				return
			}
			continue
		}

		p.runJob(ctx, job, entry.handler)
	}
}

// runJob executes the handler and settles the job. Final writes run against
// a grace context so shutdown does not strand a claimed job.
func (p *Pool) runJob(ctx context.Context, job *queue.Job, h Handler) {
	err := h(ctx, job)

	finalCtx, cancel := context.WithTimeout(context.Background(), p.grace)
	defer cancel()

	switch {
	case err == nil:
		if cerr := p.queue.Complete(finalCtx, job.ID); cerr != nil {
			slog.Error("Failed to complete job", "job_id", job.ID, "error", cerr)
		}
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		// Interrupted by shutdown: hand the job back without burning an
		// attempt.
		if rerr := p.queue.Release(finalCtx, job.ID); rerr != nil {
			slog.Error("Failed to release job on shutdown", "job_id", job.ID, "error", rerr)
		}
	default:
		reason := queue.ReasonUnknown
		var failure *Failure
		if errors.As(err, &failure) {
			reason = failure.Reason
		}
		if ferr := p.queue.Fail(finalCtx, job.ID, reason, err.Error()); ferr != nil {
			slog.Error("Failed to record job failure", "job_id", job.ID, "error", ferr)
		}
	}
}

// sleep waits for d or until the context is cancelled. Returns false on
// cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
