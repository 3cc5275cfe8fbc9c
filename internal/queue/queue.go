// Package queue implements the durable job backlog on top of the sqlite
// store. Every scheduling decision is serialised through a single atomic
// UPDATE against the jobs table; there is no select-then-update anywhere.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"podscribe/internal/store"
)

// Kind identifies the unit of work a job performs.
type Kind string

const (
	KindTranscriptDownload Kind = "transcript_download"
	KindDownload           Kind = "download"
	KindTranscribe         Kind = "transcribe"
	KindEmbed              Kind = "embed"
)

// Valid reports whether the kind is one of the known job kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindTranscriptDownload, KindDownload, KindTranscribe, KindEmbed:
		return true
	default:
		return false
	}
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// FailureReason is the categorical reason attached to a failed or requeued
// job.
type FailureReason string

const (
	ReasonDownloadFailed         FailureReason = "download_failed"
	ReasonTranscriptForbidden    FailureReason = "transcript_forbidden"
	ReasonTranscriptNotFound     FailureReason = "transcript_not_found"
	ReasonTranscriptRequestError FailureReason = "transcript_request_error"
	ReasonTranscribeFailed       FailureReason = "transcribe_failed"
	ReasonUnknown                FailureReason = "unknown"
)

// LocalNode is the assigned_node_id used by the in-process worker pool.
const LocalNode = "local"

// DefaultPriority is the priority of jobs enqueued without an explicit one;
// freshly discovered episodes enqueue at DiscoveryPriority.
const (
	DefaultPriority   = 10
	DiscoveryPriority = 1
)

// Job is one unit of work against an episode.
type Job struct {
	ID              int64         `json:"id"`
	EpisodeID       int64         `json:"episode_id"`
	Kind            Kind          `json:"kind"`
	Priority        int           `json:"priority"`
	Status          Status        `json:"status"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	ScheduledAt     *time.Time    `json:"scheduled_at,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	ProgressPercent int           `json:"progress_percent"`
	ErrorMessage    string        `json:"error_message,omitempty"`
	FailureReason   FailureReason `json:"failure_reason,omitempty"`
	AssignedNodeID  *string       `json:"assigned_node_id,omitempty"`
	ClaimedAt       *time.Time    `json:"claimed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// Queue manages durable jobs. All methods are safe for concurrent use; the
// database serialises claims.
type Queue struct {
	db *sql.DB
}

// New creates a queue over the shared store.
func New(s *store.Store) *Queue {
	return &Queue{db: s.DB()}
}

const jobColumns = `id, episode_id, kind, priority, status, attempts, max_attempts,
	scheduled_at, started_at, completed_at, progress_percent, error_message,
	failure_reason, assigned_node_id, claimed_at, created_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var scheduledAt, startedAt, completedAt, claimedAt sql.NullInt64
	var node sql.NullString
	var kind, status, reason string
	var createdAt int64
	err := row.Scan(&j.ID, &j.EpisodeID, &kind, &j.Priority, &status, &j.Attempts,
		&j.MaxAttempts, &scheduledAt, &startedAt, &completedAt, &j.ProgressPercent,
		&j.ErrorMessage, &reason, &node, &claimedAt, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	j.Kind = Kind(kind)
	j.Status = Status(status)
	j.FailureReason = FailureReason(reason)
	j.ScheduledAt = millis(scheduledAt)
	j.StartedAt = millis(startedAt)
	j.CompletedAt = millis(completedAt)
	j.ClaimedAt = millis(claimedAt)
	if node.Valid {
		j.AssignedNodeID = &node.String
	}
	j.CreatedAt = time.UnixMilli(createdAt).UTC()
	return &j, nil
}

func millis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

// Enqueue inserts a new queued job. When an active (queued or running) job
// of the same kind already exists for the episode, the existing job is
// returned unchanged.
func (q *Queue) Enqueue(ctx context.Context, episodeID int64, kind Kind, priority int) (*Job, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid job kind %q", kind)
	}
	if priority <= 0 {
		priority = DefaultPriority
	}

	existing, err := q.activeJob(ctx, episodeID, kind)
	if err == nil {
		slog.Debug("Job already active, enqueue is a no-op",
			"episode_id", episodeID, "kind", kind, "job_id", existing.ID)
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		INSERT INTO jobs (episode_id, kind, priority, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		episodeID, string(kind), priority, string(StatusQueued), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read job id: %w", err)
	}

	jobsEnqueued.WithLabelValues(string(kind)).Inc()
	slog.Info("Job enqueued", "job_id", id, "episode_id", episodeID, "kind", kind, "priority", priority)
	return q.Get(ctx, id)
}

func (q *Queue) activeJob(ctx context.Context, episodeID int64, kind Kind) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE episode_id = ? AND kind = ? AND status IN (?, ?)
		ORDER BY id LIMIT 1`,
		episodeID, string(kind), string(StatusQueued), string(StatusRunning))
	return scanJob(row)
}

// Get returns a job by id.
func (q *Queue) Get(ctx context.Context, id int64) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// LatestForEpisode returns the most recent job of a kind for an episode.
func (q *Queue) LatestForEpisode(ctx context.Context, episodeID int64, kind Kind) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE episode_id = ? AND kind = ?
		ORDER BY id DESC LIMIT 1`, episodeID, string(kind))
	return scanJob(row)
}

// Claim atomically advances the next queued job of the given kind to
// running on behalf of nodeID. Ordering is (priority, created_at, id); the
// whole read-modify-write is one UPDATE so no two claimers can win the same
// job. A nil job means the queue is empty for that kind.
func (q *Queue) Claim(ctx context.Context, kind Kind, nodeID string) (*Job, error) {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, attempts = attempts + 1,
		    progress_percent = 0, assigned_node_id = ?, claimed_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = ? AND kind = ?
			  AND (scheduled_at IS NULL OR scheduled_at <= ?)
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		string(StatusRunning), now.UnixMilli(), nodeID, now.UnixMilli(),
		string(StatusQueued), string(kind), now.UnixMilli())

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	jobsClaimed.WithLabelValues(string(kind), nodeLabel(nodeID)).Inc()
	slog.Info("Job claimed", "job_id", job.ID, "kind", job.Kind, "node_id", nodeID, "attempt", job.Attempts)
	return job, nil
}

// ClaimLocal claims the next job of the kind for the in-process worker pool.
func (q *Queue) ClaimLocal(ctx context.Context, kind Kind) (*Job, error) {
	return q.Claim(ctx, kind, LocalNode)
}

// UpdateProgress records job progress. Progress is monotonic: a smaller
// value than the stored one is ignored. Callers throttle via a Throttle.
func (q *Queue) UpdateProgress(ctx context.Context, jobID int64, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET progress_percent = MAX(progress_percent, ?)
		WHERE id = ? AND status = ?`,
		percent, jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to update progress: %w", err)
	}
	return nil
}

// Complete transitions a running job to completed. Completed is terminal; a
// second completion is a no-op.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	now := time.Now().UTC()
	row := q.db.QueryRowContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, progress_percent = 100,
		    assigned_node_id = NULL, claimed_at = NULL
		WHERE id = ? AND status = ?
		RETURNING kind`,
		string(StatusCompleted), now.UnixMilli(), jobID, string(StatusRunning))

	var kind string
	if err := row.Scan(&kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Already terminal or not running; keep completion idempotent.
			slog.Debug("Complete was a no-op", "job_id", jobID)
			return nil
		}
		return fmt.Errorf("failed to complete job: %w", err)
	}

	jobsCompleted.WithLabelValues(kind).Inc()
	slog.Info("Job completed", "job_id", jobID, "kind", kind)
	return nil
}

// Fail records a failure. The job returns to queued while attempts remain,
// otherwise it becomes failed. Download retries back off exponentially
// (5, 25, 125 minutes) via scheduled_at.
func (q *Queue) Fail(ctx context.Context, jobID int64, reason FailureReason, message string) error {
	if reason == "" {
		reason = ReasonUnknown
	}
	now := time.Now().UTC()

	// Requeue path: only when attempts remain.
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, failure_reason = ?,
		    assigned_node_id = NULL, claimed_at = NULL,
		    scheduled_at = CASE WHEN kind = ?
			THEN ? + (CASE attempts WHEN 1 THEN 300000 WHEN 2 THEN 1500000 ELSE 7500000 END)
			ELSE scheduled_at END
		WHERE id = ? AND status = ? AND attempts < max_attempts`,
		string(StatusQueued), message, string(reason),
		string(KindDownload), now.UnixMilli(),
		jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		jobsFailed.WithLabelValues(string(reason), "requeued").Inc()
		slog.Warn("Job failed, requeued", "job_id", jobID, "reason", reason, "error", message)
		return nil
	}

	// Terminal path.
	res, err = q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, failure_reason = ?, completed_at = ?,
		    assigned_node_id = NULL, claimed_at = NULL
		WHERE id = ? AND status = ?`,
		string(StatusFailed), message, string(reason), now.UnixMilli(),
		jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		jobsFailed.WithLabelValues(string(reason), "terminal").Inc()
		slog.Error("Job failed permanently", "job_id", jobID, "reason", reason, "error", message)
	}
	return nil
}

// Release returns a running job to the queue without counting an attempt.
// This is the graceful-shutdown and node-restart path.
func (q *Queue) Release(ctx context.Context, jobID int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts - 1, progress_percent = 0,
		    assigned_node_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE id = ? AND status = ?`,
		string(StatusQueued), jobID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Job released", "job_id", jobID)
	}
	return nil
}

// ReleaseAllForNode releases every running job assigned to a node.
func (q *Queue) ReleaseAllForNode(ctx context.Context, nodeID string) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts - 1, progress_percent = 0,
		    assigned_node_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE assigned_node_id = ? AND status = ?`,
		string(StatusQueued), nodeID, string(StatusRunning))
	if err != nil {
		return 0, fmt.Errorf("failed to release jobs for node %s: %w", nodeID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Released jobs for node", "node_id", nodeID, "count", n)
	}
	return n, nil
}

// Reclaim sweeps running jobs whose started_at is older than the timeout.
// Jobs out of attempts become failed; the rest return to queued. The sweep
// keys off started_at, not claimed_at, so claim/fail loops cannot reset the
// deadline.
func (q *Queue) Reclaim(ctx context.Context, timeout time.Duration) error {
	cutoff := time.Now().UTC().Add(-timeout).UnixMilli()
	now := time.Now().UTC().UnixMilli()

	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, failure_reason = ?,
		    error_message = 'max attempts exceeded (timed out repeatedly)',
		    assigned_node_id = NULL, claimed_at = NULL
		WHERE status = ? AND assigned_node_id IS NOT NULL
		  AND started_at IS NOT NULL AND started_at < ?
		  AND attempts >= max_attempts`,
		string(StatusFailed), now, string(ReasonUnknown),
		string(StatusRunning), cutoff)
	if err != nil {
		return fmt.Errorf("failed to reclaim exhausted jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		jobsReclaimed.WithLabelValues("failed").Add(float64(n))
		slog.Warn("Reclaimed exhausted jobs", "count", n)
	}

	res, err = q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, progress_percent = 0, assigned_node_id = NULL, claimed_at = NULL
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`,
		string(StatusQueued), string(StatusRunning), cutoff)
	if err != nil {
		return fmt.Errorf("failed to reclaim timed-out jobs: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		jobsReclaimed.WithLabelValues("requeued").Add(float64(n))
		slog.Warn("Reclaimed timed-out jobs", "count", n)
	}
	return nil
}

// RequeueLocalOnBoot resets running jobs held by the in-process pool (or
// with no assignment at all) back to queued. Jobs assigned to remote nodes
// keep their state; heartbeat resync or the reclaim sweep settles them.
func (q *Queue) RequeueLocalOnBoot(ctx context.Context) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, attempts = attempts - 1, progress_percent = 0,
		    assigned_node_id = NULL, claimed_at = NULL, started_at = NULL
		WHERE status = ? AND (assigned_node_id = ? OR assigned_node_id IS NULL)`,
		string(StatusQueued), string(StatusRunning), LocalNode)
	if err != nil {
		return fmt.Errorf("failed to requeue local jobs on boot: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		slog.Info("Requeued locally-held jobs after restart", "count", n)
	}
	return nil
}

// Resync restores a lost remote assignment: a job the node still claims but
// the store believes is queued or unassigned is handed back to the node. An
// assignment actively held by another owner is never stolen.
func (q *Queue) Resync(ctx context.Context, jobID int64, nodeID string) (bool, error) {
	now := time.Now().UTC()
	res, err := q.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, assigned_node_id = ?, claimed_at = ?,
		    started_at = COALESCE(started_at, ?)
		WHERE id = ? AND status IN (?, ?) AND assigned_node_id IS NULL`,
		string(StatusRunning), nodeID, now.UnixMilli(), now.UnixMilli(),
		jobID, string(StatusQueued), string(StatusRunning))
	if err != nil {
		return false, fmt.Errorf("failed to resync job %d: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		slog.Info("Resynced job assignment", "job_id", jobID, "node_id", nodeID)
	}
	return n > 0, nil
}

// AssignedTo lists running jobs currently assigned to a node.
func (q *Queue) AssignedTo(ctx context.Context, nodeID string) ([]*Job, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE assigned_node_id = ? AND status = ?`, nodeID, string(StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs for node: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Depth returns the number of claimable queued jobs of a kind.
func (q *Queue) Depth(ctx context.Context, kind Kind) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = ? AND kind = ?
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)`,
		string(StatusQueued), string(kind), time.Now().UTC().UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue depth: %w", err)
	}
	return n, nil
}

// StatusCounts aggregates jobs by kind and status for the status endpoint.
func (q *Queue) StatusCounts(ctx context.Context) (map[Kind]map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT kind, status, COUNT(*) FROM jobs GROUP BY kind, status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[Kind]map[Status]int)
	for rows.Next() {
		var kind, status string
		var n int
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan job counts: %w", err)
		}
		if counts[Kind(kind)] == nil {
			counts[Kind(kind)] = make(map[Status]int)
		}
		counts[Kind(kind)][Status(status)] = n
	}
	return counts, rows.Err()
}

// LastErrors returns the newest failed-job error message for each of the
// given episodes. Episodes with no failed jobs are absent from the map.
func (q *Queue) LastErrors(ctx context.Context, episodeIDs []int64) (map[int64]string, error) {
	errs := make(map[int64]string)
	if len(episodeIDs) == 0 {
		return errs, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(episodeIDs)), ",")
	args := []any{string(StatusFailed)}
	for _, id := range episodeIDs {
		args = append(args, id)
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT episode_id, error_message FROM jobs
		WHERE id IN (
			SELECT MAX(id) FROM jobs
			WHERE status = ? AND episode_id IN (`+placeholders+`)
			GROUP BY episode_id
		)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read last job errors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var episodeID int64
		var message string
		if err := rows.Scan(&episodeID, &message); err != nil {
			return nil, fmt.Errorf("failed to scan last job error: %w", err)
		}
		errs[episodeID] = message
	}
	return errs, rows.Err()
}

// OldestQueuedAt returns the creation time of the oldest queued job per
// kind, for the status endpoint's backlog-age readout.
func (q *Queue) OldestQueuedAt(ctx context.Context) (map[Kind]time.Time, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT kind, MIN(created_at) FROM jobs
		WHERE status = ? GROUP BY kind`, string(StatusQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue ages: %w", err)
	}
	defer rows.Close()

	oldest := make(map[Kind]time.Time)
	for rows.Next() {
		var kind string
		var createdAt int64
		if err := rows.Scan(&kind, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue age: %w", err)
		}
		oldest[Kind(kind)] = time.UnixMilli(createdAt).UTC()
	}
	return oldest, rows.Err()
}

func nodeLabel(nodeID string) string {
	if nodeID == LocalNode {
		return "local"
	}
	return "remote"
}
