package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"podscribe/internal/config"
	"podscribe/internal/store"
)

// setupTimeout bounds the whole provisioning pipeline for one instance.
const setupTimeout = 20 * time.Minute

// pollInterval is the wait between provider and health polls during setup.
var pollInterval = 10 * time.Second

// gpuFallbackOrder is tried after the configured GPU type when capacity runs
// out, minus anything on the blocklist.
var gpuFallbackOrder = []string{
	"NVIDIA RTX A5000",
	"NVIDIA RTX A4500",
	"NVIDIA RTX A4000",
	"NVIDIA L4",
	"NVIDIA RTX 3090",
}

// PodAPI is the provider surface the provisioner needs.
type PodAPI interface {
	CreatePod(ctx context.Context, req *PodRequest) (*Pod, error)
	GetPod(ctx context.Context, id string) (*Pod, error)
	TerminatePod(ctx context.Context, id string) error
}

// Provisioner drives the phased setup of ephemeral transcriber instances
// and records every phase in the store so the UI (and a restarted server)
// can see where each instance is.
type Provisioner struct {
	api    PodAPI
	store  *store.Store
	cfg    *config.Config
	client *http.Client
}

// New creates a provisioner.
func New(api PodAPI, s *store.Store, cfg *config.Config, client *http.Client) *Provisioner {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Provisioner{api: api, store: s, cfg: cfg, client: client}
}

// Provision starts the async setup pipeline and returns the instance id
// immediately. Progress is observable through the pod setup state.
func (p *Provisioner) Provision(ctx context.Context, persistent bool) (string, error) {
	instanceID := uuid.NewString()
	state := &store.PodSetupState{
		InstanceID: instanceID,
		Persistent: persistent,
		Phase:      store.PhaseCreating,
	}
	if err := p.record(ctx, state, store.PhaseCreating, "requesting instance"); err != nil {
		return "", err
	}

	go p.runSetup(instanceID, persistent)

	slog.Info("Provisioning started", "instance_id", instanceID, "persistent", persistent)
	return instanceID, nil
}

// Terminate implements the coordinator's instance teardown.
func (p *Provisioner) Terminate(ctx context.Context, instanceID string) error {
	state, err := p.store.GetSetupState(ctx, instanceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	if state.PodID == "" {
		return nil
	}
	return p.api.TerminatePod(ctx, state.PodID)
}

// runSetup walks the instance through every phase. It owns its own context:
// provisioning outlives the HTTP request that triggered it.
func (p *Provisioner) runSetup(instanceID string, persistent bool) {
	ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
	defer cancel()

	state := &store.PodSetupState{
		InstanceID: instanceID,
		Persistent: persistent,
		Phase:      store.PhaseCreating,
	}

	pod, err := p.createPod(ctx, state)
	if err != nil {
		p.fail(state, err)
		return
	}
	state.PodID = pod.ID

	if err := p.record(ctx, state, store.PhaseStarting, "waiting for instance to start"); err != nil {
		p.fail(state, err)
		return
	}
	pod, err = p.waitRunning(ctx, pod.ID)
	if err != nil {
		p.abort(state, err)
		return
	}

	base := p.podBaseURL(pod)
	if err := p.record(ctx, state, store.PhaseBooting, "waiting for service to answer"); err != nil {
		p.fail(state, err)
		return
	}
	if err := p.waitHealthy(ctx, base, false); err != nil {
		p.abort(state, err)
		return
	}

	if err := p.record(ctx, state, store.PhaseInstalling, "waiting for model load"); err != nil {
		p.fail(state, err)
		return
	}
	if err := p.waitHealthy(ctx, base, true); err != nil {
		p.abort(state, err)
		return
	}

	if err := p.record(ctx, state, store.PhaseSmokeTesting, "running smoke transcription"); err != nil {
		p.fail(state, err)
		return
	}
	if err := p.smokeTest(ctx, base); err != nil {
		p.abort(state, err)
		return
	}

	if err := p.record(ctx, state, store.PhaseRegistering, "waiting for node registration"); err != nil {
		p.fail(state, err)
		return
	}
	if err := p.waitRegistered(ctx, instanceID); err != nil {
		p.abort(state, err)
		return
	}

	if err := p.record(ctx, state, store.PhaseReady, "instance serving"); err != nil {
		p.fail(state, err)
		return
	}
	slog.Info("Instance ready", "instance_id", instanceID, "pod_id", pod.ID, "gpu", pod.GPUTypeID)
}

// createPod tries the configured GPU type, then the fallback order, skipping
// blocklisted types. The provider picks the first type with capacity.
func (p *Provisioner) createPod(ctx context.Context, state *store.PodSetupState) (*Pod, error) {
	blocked := make(map[string]bool, len(p.cfg.RunpodGPUBlocklist))
	for _, g := range p.cfg.RunpodGPUBlocklist {
		blocked[g] = true
	}
	var gpus []string
	for _, g := range append([]string{p.cfg.RunpodGPUType}, gpuFallbackOrder...) {
		if g == "" || blocked[g] || contains(gpus, g) {
			continue
		}
		gpus = append(gpus, g)
	}
	if len(gpus) == 0 {
		return nil, fmt.Errorf("gpu blocklist leaves no usable type")
	}

	pod, err := p.api.CreatePod(ctx, &PodRequest{
		Name:       "podscribe-" + state.InstanceID[:8],
		ImageName:  p.cfg.RunpodImage,
		GPUTypeIDs: gpus,
		GPUCount:   1,
		DockerArgs: p.cfg.RunpodStartupScript,
		Ports:      []string{"8000/http"},
		CloudType:  "SECURE",
		Env: map[string]string{
			"SERVER_URL":     p.cfg.ServerURL,
			"INSTANCE_ID":    state.InstanceID,
			"NETWORK_SECRET": p.cfg.RunpodNetworkSecret,
			"WHISPER_MODEL":  p.cfg.WhisperModel,
		},
	})
	if err != nil {
		return nil, err
	}
	return pod, nil
}

func (p *Provisioner) waitRunning(ctx context.Context, podID string) (*Pod, error) {
	for {
		pod, err := p.api.GetPod(ctx, podID)
		if err == nil && pod.Running() {
			return pod, nil
		}
		if err != nil {
			slog.Warn("Instance status poll failed", "pod_id", podID, "error", err)
		}
		if !wait(ctx, pollInterval) {
			return nil, fmt.Errorf("timed out waiting for pod %s to run", podID)
		}
	}
}

// waitHealthy polls the instance health endpoint. deep additionally requires
// the model to be loaded.
func (p *Provisioner) waitHealthy(ctx context.Context, base string, deep bool) error {
	url := base + "/health"
	if deep {
		url += "?deep=1"
	}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := p.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		if !wait(ctx, pollInterval) {
			return fmt.Errorf("timed out waiting for %s", url)
		}
	}
}

// smokeTest asks the instance to transcribe its built-in sample. A backend
// that cannot survive this is torn down before it ever claims real work.
func (p *Provisioner) smokeTest(ctx context.Context, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/smoke-test", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("smoke test failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("smoke test returned %d", resp.StatusCode)
	}
	return nil
}

func (p *Provisioner) waitRegistered(ctx context.Context, instanceID string) error {
	for {
		if _, err := p.store.GetNodeByInstance(ctx, instanceID); err == nil {
			return nil
		}
		if !wait(ctx, pollInterval) {
			return fmt.Errorf("node for instance %s never registered", instanceID)
		}
	}
}

func (p *Provisioner) podBaseURL(pod *Pod) string {
	port := pod.PortMappings["8000"]
	if port == 0 {
		port = 8000
	}
	return fmt.Sprintf("http://%s:%d", pod.PublicIP, port)
}

// record advances the phase and appends a step.
func (p *Provisioner) record(ctx context.Context, state *store.PodSetupState, phase store.SetupPhase, message string) error {
	state.Phase = phase
	state.Steps = append(state.Steps, store.SetupStep{
		Phase:   phase,
		Message: message,
		At:      time.Now().UTC(),
	})
	return p.store.SaveSetupState(ctx, state)
}

// fail marks the state failed when only the bookkeeping broke.
func (p *Provisioner) fail(state *store.PodSetupState, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	state.Error = cause.Error()
	if err := p.record(ctx, state, store.PhaseFailed, cause.Error()); err != nil {
		slog.Error("Failed to persist setup failure", "instance_id", state.InstanceID, "error", err)
	}
	slog.Error("Provisioning failed", "instance_id", state.InstanceID, "error", cause)
}

// abort is fail plus best-effort teardown of the half-built pod.
func (p *Provisioner) abort(state *store.PodSetupState, cause error) {
	p.fail(state, cause)
	if state.PodID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.api.TerminatePod(ctx, state.PodID); err != nil {
		slog.Error("Failed to terminate half-built pod", "pod_id", state.PodID, "error", err)
	}
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
