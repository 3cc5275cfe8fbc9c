package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"podscribe/internal/transcripts"
)

// HTTPBackend speaks the whisper-server style HTTP API: multipart upload of
// the audio file, JSON segments back. Both local whisper containers and GPU
// pods expose this surface.
type HTTPBackend struct {
	baseURL string
	name    string
	model   string
	client  *http.Client
}

// NewHTTPBackend creates a backend talking to an ASR HTTP service.
func NewHTTPBackend(baseURL, name, model string, client *http.Client) *HTTPBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPBackend{baseURL: baseURL, name: name, model: model, client: client}
}

func (b *HTTPBackend) Name() string  { return b.name }
func (b *HTTPBackend) Model() string { return b.model }

type httpSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

type httpResponse struct {
	Segments []httpSegment `json:"segments"`
}

// Transcribe uploads the audio file and decodes the segment list. There is
// no read deadline beyond the context: long episodes take as long as they
// take.
func (b *HTTPBackend) Transcribe(ctx context.Context, path string, opts Options) (*transcripts.Transcript, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		defer pw.Close()
		part, err := mw.CreateFormFile("file", filepath.Base(path))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, f); err != nil {
			pw.CloseWithError(err)
			return
		}
		if opts.ChunkHint > 0 {
			_ = mw.WriteField("chunk_seconds", fmt.Sprintf("%d", int(opts.ChunkHint/time.Second)))
		}
		if opts.Language != "" {
			_ = mw.WriteField("language", opts.Language)
		}
		_ = mw.WriteField("model", b.model)
		pw.CloseWithError(mw.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/transcribe", pr)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call asr backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("asr backend returned %d: %s", resp.StatusCode, string(body))
	}

	var decoded httpResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode asr response: %w", err)
	}

	t := &transcripts.Transcript{
		Source: SourceTag(b),
		Model:  b.model,
	}
	for _, s := range decoded.Segments {
		t.Segments = append(t.Segments, transcripts.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	if opts.Progress != nil {
		opts.Progress(100)
	}
	return t, nil
}
