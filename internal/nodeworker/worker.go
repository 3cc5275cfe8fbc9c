package nodeworker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"podscribe/internal/asr"
	"podscribe/internal/config"
	"podscribe/internal/coordinator"
	"podscribe/internal/queue"
	"podscribe/internal/store"
)

// heartbeatInterval is how often the worker checks in with the server, both
// between jobs and while one is running. Var for tests.
var heartbeatInterval = 30 * time.Second

// Worker is the node-side claim loop.
type Worker struct {
	client  *Client
	backend asr.Backend
	cfg     *config.Config
	workDir string

	persistent bool
	instanceID string

	breaker *gobreaker.CircuitBreaker

	emptyChecks        int
	transcribeFailures int
	lastWork           time.Time

	// lastContact is also written by the in-flight heartbeat goroutine.
	mu          sync.Mutex
	lastContact time.Time
}

// New creates a worker. persistent disables every self-termination rule.
func New(client *Client, backend asr.Backend, cfg *config.Config, workDir, instanceID string, persistent bool) *Worker {
	return &Worker{
		client:     client,
		backend:    backend,
		cfg:        cfg,
		workDir:    workDir,
		persistent: persistent,
		instanceID: instanceID,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "server",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return int(counts.ConsecutiveFailures) >= cfg.NodeMaxConsecutiveFailures
			},
		}),
	}
}

// Register joins the server fleet.
func (w *Worker) Register(ctx context.Context, name string) error {
	return w.client.Register(ctx, coordinator.RegisterRequest{
		Name:       name,
		Model:      w.backend.Model(),
		Backend:    w.backend.Name(),
		Ephemeral:  !w.persistent,
		InstanceID: w.instanceID,
	}, w.cfg.RunpodNetworkSecret)
}

// Run claims and processes jobs until the context ends or a
// self-termination rule fires.
func (w *Worker) Run(ctx context.Context) error {
	w.lastWork = time.Now()
	w.touchContact()

	// Registration alone leaves the node offline server-side; the first
	// heartbeat brings it online.
	w.sendHeartbeat(ctx, nil)

	heartbeats := time.NewTicker(heartbeatInterval)
	defer heartbeats.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-heartbeats.C:
			w.sendHeartbeat(ctx, nil)
			continue
		default:
		}

		if reason := w.shouldTerminate(); reason != "" {
			slog.Info("Self-terminating", "reason", reason)
			w.terminate()
			return nil
		}

		result, err := w.breaker.Execute(func() (any, error) {
			return w.client.Claim(ctx)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("Claim failed", "error", err)
			if !sleep(ctx, w.cfg.NodeEmptyQueueWait) {
				return ctx.Err()
			}
			continue
		}
		w.touchContact()

		job, _ := result.(*queue.Job)
		if job == nil {
			w.emptyChecks++
			if !sleep(ctx, w.cfg.NodeEmptyQueueWait) {
				return ctx.Err()
			}
			continue
		}

		w.emptyChecks = 0
		w.processJob(ctx, job)
		w.lastWork = time.Now()
	}
}

// shouldTerminate evaluates the self-termination rules for ephemeral nodes:
// repeated empty polls, a long idle stretch, or a server that has been
// unreachable too long.
func (w *Worker) shouldTerminate() string {
	if w.persistent {
		return ""
	}
	if w.emptyChecks >= w.cfg.NodeRequiredEmptyChecks {
		return fmt.Sprintf("queue empty for %d consecutive checks", w.emptyChecks)
	}
	if w.transcribeFailures >= w.cfg.NodeMaxConsecutiveFailures {
		return fmt.Sprintf("%d consecutive transcription failures", w.transcribeFailures)
	}
	if time.Since(w.lastWork) > w.cfg.NodeIdleTimeout {
		return fmt.Sprintf("idle for %s", time.Since(w.lastWork).Round(time.Second))
	}
	if since := w.sinceContact(); since > w.cfg.NodeServerUnreachableAfter {
		return fmt.Sprintf("server unreachable for %s", since.Round(time.Second))
	}
	return ""
}

// terminate asks the server to release this node's work and destroy the
// instance. When the server cannot be reached the node just exits; the
// stale sweep reclaims its jobs.
func (w *Worker) terminate() {
	reqCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.client.RequestTermination(reqCtx); err != nil {
		slog.Warn("Termination request failed, exiting anyway", "error", err)
	}
}

func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	slog.Info("Processing job", "job_id", job.ID, "episode_id", job.EpisodeID, "attempt", job.Attempts)
	w.sendHeartbeat(ctx, &job.ID)

	// Transcription can block well past the server's stale timeout, so the
	// heartbeat keeps running beside it for the lifetime of the job.
	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go w.heartbeatWhileBusy(hbCtx, job.ID)

	audioPath := filepath.Join(w.workDir, fmt.Sprintf("job-%d.audio", job.ID))
	defer os.Remove(audioPath)

	if _, err := w.client.DownloadAudio(ctx, job.ID, audioPath); err != nil {
		if ctx.Err() != nil {
			w.releaseJob(job.ID)
			return
		}
		slog.Error("Failed to fetch audio", "job_id", job.ID, "error", err)
		w.reportFailure(ctx, job.ID, err)
		return
	}

	t, err := w.backend.Transcribe(ctx, audioPath, asr.Options{})
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown mid-job: hand the work back without burning an attempt.
			w.releaseJob(job.ID)
			return
		}
		slog.Error("Transcription failed", "job_id", job.ID, "error", err)
		w.transcribeFailures++
		w.reportFailure(ctx, job.ID, err)
		return
	}

	if err := w.client.Complete(ctx, job.ID, t.Segments, w.backend.Name(), w.backend.Model()); err != nil {
		slog.Error("Failed to deliver transcript", "job_id", job.ID, "error", err)
		return
	}
	w.transcribeFailures = 0
	slog.Info("Job delivered", "job_id", job.ID, "segments", len(t.Segments))
}

// heartbeatWhileBusy checks in on the interval until the job's context ends,
// so the stale sweep never mistakes a long transcription for a dead node.
func (w *Worker) heartbeatWhileBusy(ctx context.Context, jobID int64) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(ctx, &jobID)
		}
	}
}

func (w *Worker) releaseJob(jobID int64) {
	reqCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := w.client.Release(reqCtx, jobID); err != nil {
		slog.Warn("Failed to release job on shutdown", "job_id", jobID, "error", err)
	}
}

func (w *Worker) reportFailure(ctx context.Context, jobID int64, cause error) {
	if err := w.client.Fail(ctx, jobID, cause.Error()); err != nil {
		slog.Error("Failed to report job failure", "job_id", jobID, "error", err)
	}
}

func (w *Worker) sendHeartbeat(ctx context.Context, currentJob *int64) {
	status := store.NodeOnline
	var claimed []int64
	if currentJob != nil {
		status = store.NodeBusy
		claimed = []int64{*currentJob}
	}
	err := w.client.Heartbeat(ctx, coordinator.HeartbeatRequest{
		Status:        status,
		CurrentJobID:  currentJob,
		ClaimedJobIDs: claimed,
	})
	if err != nil {
		slog.Warn("Heartbeat failed", "error", err)
		return
	}
	w.touchContact()
}

func (w *Worker) touchContact() {
	w.mu.Lock()
	w.lastContact = time.Now()
	w.mu.Unlock()
}

func (w *Worker) sinceContact() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastContact)
}

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
