// Package nodeworker is the remote transcriber: it registers with the
// server, claims transcription jobs over HTTP, streams audio down, runs the
// local ASR backend and posts segments back. Ephemeral instances terminate
// themselves when the queue stays empty.
package nodeworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"podscribe/internal/coordinator"
	"podscribe/internal/queue"
	"podscribe/internal/transcripts"
)

// KeyHeader carries the node api key on every authenticated request.
const KeyHeader = "X-Transcriber-Key"

// Client talks to the server's node API.
type Client struct {
	baseURL string
	nodeID  string
	apiKey  string
	http    *http.Client
	stream  *http.Client
}

// NewClient creates an unauthenticated client; Register fills in the
// credentials. httpClient's total timeout bounds the control-plane calls
// only: audio downloads run on a copy without it, since a multi-hour episode
// legitimately takes longer to stream than any sane request timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	stream := *httpClient
	stream.Timeout = 0
	return &Client{baseURL: baseURL, http: httpClient, stream: &stream}
}

type registerResponse struct {
	NodeID string `json:"node_id"`
	APIKey string `json:"api_key"`
}

// Register joins the server and stores the returned credentials on the
// client.
func (c *Client) Register(ctx context.Context, req coordinator.RegisterRequest, networkSecret string) error {
	var out registerResponse
	if err := c.post(ctx, "/api/nodes/register", req, &out, func(r *http.Request) {
		if networkSecret != "" {
			r.Header.Set("X-Network-Secret", networkSecret)
		}
	}); err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	c.nodeID = out.NodeID
	c.apiKey = out.APIKey
	return nil
}

// NodeID returns the server-assigned node id.
func (c *Client) NodeID() string { return c.nodeID }

// Heartbeat sends the periodic check-in.
func (c *Client) Heartbeat(ctx context.Context, req coordinator.HeartbeatRequest) error {
	return c.post(ctx, "/api/nodes/"+c.nodeID+"/heartbeat", req, nil, c.auth)
}

// Claim asks for the next transcription job. A nil job means the queue is
// empty; ErrNotEligible surfaces as (nil, nil) because waiting is the only
// response either way.
func (c *Client) Claim(ctx context.Context) (*queue.Job, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/nodes/"+c.nodeID+"/claim", nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var job queue.Job
		if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
			return nil, fmt.Errorf("failed to decode claimed job: %w", err)
		}
		return &job, nil
	case http.StatusNoContent, http.StatusConflict:
		// Empty queue, or a higher-priority node is up.
		return nil, nil
	default:
		return nil, fmt.Errorf("claim returned %d", resp.StatusCode)
	}
}

// DownloadAudio streams the job's audio into path. The server authorises the
// stream against the job assignment. The body read is bounded by ctx, not by
// the control-plane request timeout.
func (c *Client) DownloadAudio(ctx context.Context, jobID int64, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/nodes/jobs/%d/audio", c.baseURL, jobID), nil)
	if err != nil {
		return 0, err
	}
	c.auth(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("audio download returned %d", resp.StatusCode)
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	written, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return 0, fmt.Errorf("failed to write audio: %w", err)
	}
	if resp.ContentLength > 0 && written != resp.ContentLength {
		os.Remove(path)
		return 0, fmt.Errorf("audio truncated: got %d of %d bytes", written, resp.ContentLength)
	}
	return written, nil
}

// Complete posts the finished transcript.
func (c *Client) Complete(ctx context.Context, jobID int64, segments []transcripts.Segment, backend, model string) error {
	body := coordinator.CompletionRequest{Segments: segments, Backend: backend, Model: model}
	return c.post(ctx, fmt.Sprintf("/api/nodes/jobs/%d/complete", jobID), body, nil, c.auth)
}

// Fail reports a failed transcription attempt.
func (c *Client) Fail(ctx context.Context, jobID int64, message string) error {
	body := map[string]string{"error": message}
	return c.post(ctx, fmt.Sprintf("/api/nodes/jobs/%d/fail", jobID), body, nil, c.auth)
}

// Release hands an unfinished job back to the queue, used on graceful
// shutdown.
func (c *Client) Release(ctx context.Context, jobID int64) error {
	return c.post(ctx, fmt.Sprintf("/api/nodes/jobs/%d/release", jobID), nil, nil, c.auth)
}

// RequestTermination asks the server to release this node's jobs and tear
// the instance down.
func (c *Client) RequestTermination(ctx context.Context) error {
	return c.post(ctx, "/api/nodes/"+c.nodeID+"/request-termination", nil, nil, c.auth)
}

func (c *Client) auth(r *http.Request) {
	r.Header.Set(KeyHeader, c.apiKey)
}

func (c *Client) post(ctx context.Context, path string, body, out any, decorate func(*http.Request)) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if decorate != nil {
		decorate(req)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(raw))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
