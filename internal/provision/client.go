// Package provision creates and tears down ephemeral GPU instances for
// transcription. The cloud API is wrapped in a circuit breaker so a broken
// provider cannot stall the autoscaler loop.
package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// DefaultBaseURL is the RunPod REST endpoint.
const DefaultBaseURL = "https://rest.runpod.io/v1"

// PodRequest describes the instance to create.
type PodRequest struct {
	Name         string            `json:"name"`
	ImageName    string            `json:"imageName"`
	GPUTypeIDs   []string          `json:"gpuTypeIds"`
	GPUCount     int               `json:"gpuCount"`
	VolumeInGB   int               `json:"volumeInGb,omitempty"`
	DockerArgs   string            `json:"dockerStartCmd,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Ports        []string          `json:"ports,omitempty"`
	CloudType    string            `json:"cloudType,omitempty"`
	Interruptible bool             `json:"interruptible,omitempty"`
}

// Pod is the subset of the instance record the provisioner reads.
type Pod struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	DesiredStatus string `json:"desiredStatus"`
	GPUTypeID     string `json:"gpuTypeId"`
	PublicIP      string `json:"publicIp"`
	CostPerHr     float64 `json:"costPerHr"`
	PortMappings  map[string]int `json:"portMappings"`
}

// Running reports whether the provider considers the pod up.
func (p *Pod) Running() bool { return p.DesiredStatus == "RUNNING" }

// Client talks to the pod provider's REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewClient creates a provider client. The breaker opens after repeated
// consecutive failures and lets a trial request through half a minute later.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pod-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Client{baseURL: baseURL, apiKey: apiKey, http: httpClient, breaker: breaker}
}

// CreatePod provisions a new instance.
func (c *Client) CreatePod(ctx context.Context, req *PodRequest) (*Pod, error) {
	var pod Pod
	if err := c.do(ctx, http.MethodPost, "/pods", req, &pod); err != nil {
		return nil, fmt.Errorf("failed to create pod: %w", err)
	}
	return &pod, nil
}

// GetPod fetches the current instance state.
func (c *Client) GetPod(ctx context.Context, id string) (*Pod, error) {
	var pod Pod
	if err := c.do(ctx, http.MethodGet, "/pods/"+id, nil, &pod); err != nil {
		return nil, fmt.Errorf("failed to get pod %s: %w", id, err)
	}
	return &pod, nil
}

// TerminatePod destroys the instance. Terminating an already-gone pod is
// not an error.
func (c *Client) TerminatePod(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/pods/"+id, nil, nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("failed to terminate pod %s: %w", id, err)
	}
	return nil
}

// APIError is a non-2xx provider response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider returned %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		var reader io.Reader
		if body != nil {
			encoded, err := json.Marshal(body)
			if err != nil {
				return nil, fmt.Errorf("failed to encode request: %w", err)
			}
			reader = bytes.NewReader(encoded)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to call provider: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
			return nil, &APIError{Status: resp.StatusCode, Body: string(raw)}
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return nil, nil
	})
	return err
}
