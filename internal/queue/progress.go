package queue

import (
	"context"
	"sync"
	"time"
)

// ProgressThrottleInterval is the minimum spacing between persisted progress
// updates for one job. 100% always goes through.
const ProgressThrottleInterval = 5 * time.Second

// Progress reports throttled progress for a single job. It bounds write
// pressure on the store: at most one update every ProgressThrottleInterval,
// except the terminal 100%.
type Progress struct {
	queue *Queue
	jobID int64

	mu       sync.Mutex
	lastSent time.Time
	lastPct  int
}

// NewProgress creates a reporter for one claimed job.
func (q *Queue) NewProgress(jobID int64) *Progress {
	return &Progress{queue: q, jobID: jobID}
}

// Report persists the percentage when the throttle window has elapsed or the
// job just finished. Progress never goes backwards.
func (p *Progress) Report(ctx context.Context, percent int) error {
	p.mu.Lock()
	if percent < p.lastPct {
		percent = p.lastPct
	}
	now := time.Now()
	if percent < 100 && now.Sub(p.lastSent) < ProgressThrottleInterval {
		p.mu.Unlock()
		return nil
	}
	p.lastSent = now
	p.lastPct = percent
	p.mu.Unlock()

	return p.queue.UpdateProgress(ctx, p.jobID, percent)
}
