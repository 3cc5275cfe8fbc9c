package provision

import (
	"context"
	"log/slog"
	"time"

	"podscribe/internal/config"
	"podscribe/internal/queue"
	"podscribe/internal/store"
)

// autoscaleInterval is how often the backlog is checked.
const autoscaleInterval = time.Minute

// Autoscaler provisions ephemeral instances when the transcription backlog
// grows past the configured threshold, up to the pod cap. Scale-down is the
// nodes' own job: idle ephemeral nodes terminate themselves.
type Autoscaler struct {
	provisioner *Provisioner
	store       *store.Store
	queue       *queue.Queue
	cfg         *config.Config
}

// NewAutoscaler creates the autoscaler.
func NewAutoscaler(p *Provisioner, s *store.Store, q *queue.Queue, cfg *config.Config) *Autoscaler {
	return &Autoscaler{provisioner: p, store: s, queue: q, cfg: cfg}
}

// Run checks the backlog on a timer until the context ends.
func (a *Autoscaler) Run(ctx context.Context) {
	if !a.cfg.AutoScaleEnabled {
		return
	}
	ticker := time.NewTicker(autoscaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.check(ctx); err != nil {
				slog.Error("Autoscale check failed", "error", err)
			}
		}
	}
}

func (a *Autoscaler) check(ctx context.Context) error {
	depth, err := a.queue.Depth(ctx, queue.KindTranscribe)
	if err != nil {
		return err
	}
	if depth < a.cfg.AutoScaleThreshold {
		return nil
	}

	active, err := a.activeInstances(ctx)
	if err != nil {
		return err
	}
	if active >= a.cfg.AutoScaleMaxPods {
		return nil
	}

	slog.Info("Backlog exceeds threshold, provisioning instance",
		"depth", depth, "active", active, "max", a.cfg.AutoScaleMaxPods)
	_, err = a.provisioner.Provision(ctx, false)
	return err
}

// activeInstances counts ephemeral capacity that exists or is being built.
func (a *Autoscaler) activeInstances(ctx context.Context) (int, error) {
	n := 0

	nodes, err := a.store.ListNodes(ctx)
	if err != nil {
		return 0, err
	}
	instances := make(map[string]bool)
	for _, node := range nodes {
		if node.Ephemeral && node.Status != store.NodeOffline {
			n++
			instances[node.InstanceID] = true
		}
	}

	states, err := a.store.ListSetupStates(ctx)
	if err != nil {
		return 0, err
	}
	for _, st := range states {
		if !st.Phase.Terminal() && !instances[st.InstanceID] {
			n++
		}
	}
	return n, nil
}
