// Package coordinator manages remote transcriber nodes: registration, api
// key auth, heartbeats, claim arbitration and result ingestion. Heartbeats
// are absorbed in memory and flushed to the store in batches so a chatty
// fleet does not turn into constant writes.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"podscribe/internal/config"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"
)

// ErrUnauthorized is returned for unknown nodes or bad api keys.
var ErrUnauthorized = errors.New("coordinator: unauthorized")

// ErrNotEligible is returned when a node asks for work but a higher-priority
// node is online.
var ErrNotEligible = errors.New("coordinator: node not eligible to claim")

// InstanceTerminator tears down the cloud instance behind an ephemeral node.
type InstanceTerminator interface {
	Terminate(ctx context.Context, instanceID string) error
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	store      *store.Store
	queue      *queue.Queue
	layout     *storage.Layout
	cfg        *config.Config
	terminator InstanceTerminator

	mu    sync.Mutex
	beats map[string]time.Time
}

// New creates a coordinator. terminator may be nil when no provisioner is
// configured; termination requests then only deregister the node.
func New(s *store.Store, q *queue.Queue, layout *storage.Layout, cfg *config.Config, terminator InstanceTerminator) *Coordinator {
	return &Coordinator{
		store:      s,
		queue:      q,
		layout:     layout,
		cfg:        cfg,
		terminator: terminator,
		beats:      make(map[string]time.Time),
	}
}

// RegisterRequest is the payload a node presents when joining.
type RegisterRequest struct {
	Name          string  `json:"name"`
	URL           string  `json:"url,omitempty"`
	Model         string  `json:"model,omitempty"`
	Backend       string  `json:"backend,omitempty"`
	Priority      int     `json:"priority,omitempty"`
	Ephemeral     bool    `json:"ephemeral,omitempty"`
	InstanceID    string  `json:"instance_id,omitempty"`
	ClaimedJobIDs []int64 `json:"claimed_job_ids,omitempty"`
}

// Register creates the node record and returns it with the one-time
// plaintext api key. Only the sha256 hash is stored. The record starts
// offline with no heartbeat; the node's first check-in brings it online, so
// a registration that never follows up cannot block other claimers. A node
// re-registering for an instance that already has a record replaces the old
// registration.
func (c *Coordinator) Register(ctx context.Context, req RegisterRequest) (*store.Node, string, error) {
	if req.Name == "" {
		return nil, "", fmt.Errorf("node name is required")
	}

	// An instance restart must not leak a stale registration.
	if req.InstanceID != "" {
		if old, err := c.store.GetNodeByInstance(ctx, req.InstanceID); err == nil {
			if _, err := c.queue.ReleaseAllForNode(ctx, old.ID); err != nil {
				return nil, "", err
			}
			if err := c.store.DeleteNode(ctx, old.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, "", err
			}
			c.forget(old.ID)
		}
	}

	apiKey := uuid.NewString()
	node := &store.Node{
		ID:         uuid.NewString(),
		Name:       req.Name,
		URL:        req.URL,
		APIKeyHash: hashKey(apiKey),
		Model:      req.Model,
		Backend:    req.Backend,
		Status:     store.NodeOffline,
		Priority:   req.Priority,
		Ephemeral:  req.Ephemeral,
		InstanceID: req.InstanceID,
	}
	if err := c.store.CreateNode(ctx, node); err != nil {
		return nil, "", err
	}

	c.resync(ctx, node.ID, req.ClaimedJobIDs)

	slog.Info("Node registered", "node_id", node.ID, "name", node.Name,
		"ephemeral", node.Ephemeral, "priority", node.Priority)
	return node, apiKey, nil
}

// Authenticate resolves a node from its api key. Keys are stored hashed, so
// the lookup itself is the comparison.
func (c *Coordinator) Authenticate(ctx context.Context, apiKey string) (*store.Node, error) {
	if apiKey == "" {
		return nil, ErrUnauthorized
	}
	node, err := c.store.GetNodeByKeyHash(ctx, hashKey(apiKey))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return node, nil
}

// HeartbeatRequest is the periodic node check-in.
type HeartbeatRequest struct {
	Status        store.NodeStatus `json:"status"`
	CurrentJobID  *int64           `json:"current_job_id,omitempty"`
	ClaimedJobIDs []int64          `json:"claimed_job_ids,omitempty"`
}

// Heartbeat records a check-in. The timestamp lands in the in-memory batch;
// status and current-job changes write through immediately because the claim
// arbiter reads them.
func (c *Coordinator) Heartbeat(ctx context.Context, node *store.Node, req HeartbeatRequest) error {
	c.touch(node.ID)

	if req.Status != "" && req.Status != node.Status {
		if !validNodeStatus(req.Status) {
			return fmt.Errorf("invalid node status %q", req.Status)
		}
		if err := c.store.UpdateNodeStatus(ctx, node.ID, req.Status); err != nil {
			return err
		}
		node.Status = req.Status
	}
	if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, req.CurrentJobID); err != nil {
		return err
	}

	c.resync(ctx, node.ID, req.ClaimedJobIDs)
	return nil
}

// resync reconciles the jobs a node believes it holds with the store: lost
// assignments are restored, assignments the node dropped are released.
func (c *Coordinator) resync(ctx context.Context, nodeID string, claimed []int64) {
	claimedSet := make(map[int64]bool, len(claimed))
	for _, id := range claimed {
		claimedSet[id] = true
		if _, err := c.queue.Resync(ctx, id, nodeID); err != nil {
			slog.Error("Failed to resync job", "job_id", id, "node_id", nodeID, "error", err)
		}
	}

	assigned, err := c.queue.AssignedTo(ctx, nodeID)
	if err != nil {
		slog.Error("Failed to list node assignments", "node_id", nodeID, "error", err)
		return
	}
	for _, job := range assigned {
		if !claimedSet[job.ID] {
			slog.Warn("Node dropped a claimed job, releasing", "job_id", job.ID, "node_id", nodeID)
			if err := c.queue.Release(ctx, job.ID); err != nil {
				slog.Error("Failed to release dropped job", "job_id", job.ID, "error", err)
			}
		}
	}
}

// Claim hands the node the next transcription job if it is the eligible
// claimer. Remote nodes only transcribe; every other kind stays local.
func (c *Coordinator) Claim(ctx context.Context, node *store.Node) (*queue.Job, error) {
	eligible, err := c.isEligible(ctx, node)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, ErrNotEligible
	}

	job, err := c.queue.Claim(ctx, queue.KindTranscribe, node.ID)
	if err != nil || job == nil {
		return job, err
	}

	if err := c.store.UpdateNodeStatus(ctx, node.ID, store.NodeBusy); err != nil {
		slog.Error("Failed to mark node busy", "node_id", node.ID, "error", err)
	}
	if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, &job.ID); err != nil {
		slog.Error("Failed to record node job", "node_id", node.ID, "error", err)
	}
	return job, nil
}

// isEligible reports whether the node holds the best claim among live nodes:
// lowest priority number wins, ties go to the earliest heartbeat.
func (c *Coordinator) isEligible(ctx context.Context, node *store.Node) (bool, error) {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return false, err
	}
	now := time.Now()
	for _, other := range nodes {
		if other.ID == node.ID || other.Status == store.NodeOffline {
			continue
		}
		beat, ok := c.lastBeat(other)
		if !ok || now.Sub(beat) > c.cfg.NodeHeartbeatTimeout {
			continue
		}
		if other.Priority < node.Priority {
			return false, nil
		}
		if other.Priority == node.Priority {
			selfBeat, _ := c.lastBeat(node)
			if beat.Before(selfBeat) {
				return false, nil
			}
		}
	}
	return true, nil
}

// Release hands a job back to the queue on the node's behalf.
func (c *Coordinator) Release(ctx context.Context, node *store.Node, jobID int64) error {
	job, err := c.queue.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.AssignedNodeID == nil || *job.AssignedNodeID != node.ID {
		return fmt.Errorf("job %d is not assigned to node %s", jobID, node.ID)
	}
	if err := c.queue.Release(ctx, jobID); err != nil {
		return err
	}
	if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, nil); err != nil {
		slog.Error("Failed to clear node job", "node_id", node.ID, "error", err)
	}
	return c.store.UpdateNodeStatus(ctx, node.ID, store.NodeOnline)
}

// JobForNode returns the job only when it is running and assigned to the
// node; the audio streaming endpoint gates on this.
func (c *Coordinator) JobForNode(ctx context.Context, node *store.Node, jobID int64) (*queue.Job, error) {
	job, err := c.queue.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != queue.StatusRunning || job.AssignedNodeID == nil || *job.AssignedNodeID != node.ID {
		return nil, ErrUnauthorized
	}
	return job, nil
}

// Deregister releases the node's jobs, deletes its record and, for
// ephemeral nodes, tears down the backing instance and its setup state.
func (c *Coordinator) Deregister(ctx context.Context, node *store.Node) error {
	if _, err := c.queue.ReleaseAllForNode(ctx, node.ID); err != nil {
		return err
	}
	if err := c.store.DeleteNode(ctx, node.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	c.forget(node.ID)

	if node.Ephemeral && node.InstanceID != "" {
		if c.terminator != nil {
			if err := c.terminator.Terminate(ctx, node.InstanceID); err != nil {
				return fmt.Errorf("failed to terminate instance %s: %w", node.InstanceID, err)
			}
		}
		if err := c.store.DeleteSetupState(ctx, node.InstanceID); err != nil {
			slog.Error("Failed to delete setup state", "instance_id", node.InstanceID, "error", err)
		}
	}

	slog.Info("Node deregistered", "node_id", node.ID, "name", node.Name, "ephemeral", node.Ephemeral)
	return nil
}

// Flush writes the buffered heartbeats to the store.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	batch := c.beats
	c.beats = make(map[string]time.Time)
	c.mu.Unlock()

	if err := c.store.FlushHeartbeats(ctx, batch); err != nil {
		// Put the batch back so the next flush retries it.
		c.mu.Lock()
		for id, at := range batch {
			if _, ok := c.beats[id]; !ok {
				c.beats[id] = at
			}
		}
		c.mu.Unlock()
		return err
	}
	return nil
}

// RunFlushLoop flushes heartbeats on a timer and once more on shutdown.
func (c *Coordinator) RunFlushLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatFlushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.Flush(flushCtx); err != nil {
				slog.Error("Final heartbeat flush failed", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			if err := c.Flush(ctx); err != nil {
				slog.Error("Heartbeat flush failed", "error", err)
			}
		}
	}
}

// RunStaleSweep periodically marks silent nodes offline and releases their
// jobs back to the queue.
func (c *Coordinator) RunStaleSweep(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.StaleSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sweepStale(ctx); err != nil {
				slog.Error("Stale node sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) sweepStale(ctx context.Context) error {
	nodes, err := c.store.ListNodes(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, node := range nodes {
		if node.Status == store.NodeOffline {
			continue
		}
		beat, ok := c.lastBeat(node)
		if ok && now.Sub(beat) <= c.cfg.NodeHeartbeatTimeout {
			continue
		}
		slog.Warn("Node went silent, marking offline", "node_id", node.ID, "name", node.Name)
		if err := c.store.UpdateNodeStatus(ctx, node.ID, store.NodeOffline); err != nil {
			slog.Error("Failed to mark node offline", "node_id", node.ID, "error", err)
			continue
		}
		if _, err := c.queue.ReleaseAllForNode(ctx, node.ID); err != nil {
			slog.Error("Failed to release jobs of offline node", "node_id", node.ID, "error", err)
		}
		if err := c.store.UpdateNodeCurrentJob(ctx, node.ID, nil); err != nil {
			slog.Error("Failed to clear job of offline node", "node_id", node.ID, "error", err)
		}
	}
	return nil
}

// lastBeat returns the freshest known heartbeat for a node, preferring the
// in-memory batch over the persisted column.
func (c *Coordinator) lastBeat(node *store.Node) (time.Time, bool) {
	c.mu.Lock()
	beat, ok := c.beats[node.ID]
	c.mu.Unlock()
	if ok {
		return beat, true
	}
	if node.LastHeartbeat != nil {
		return *node.LastHeartbeat, true
	}
	return time.Time{}, false
}

func (c *Coordinator) touch(nodeID string) {
	c.mu.Lock()
	c.beats[nodeID] = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Coordinator) forget(nodeID string) {
	c.mu.Lock()
	delete(c.beats, nodeID)
	c.mu.Unlock()
}

func validNodeStatus(s store.NodeStatus) bool {
	switch s {
	case store.NodeOnline, store.NodeBusy, store.NodeOffline:
		return true
	default:
		return false
	}
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
