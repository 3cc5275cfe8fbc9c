package asr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"podscribe/internal/transcripts"
)

// Fake is a deterministic in-memory backend for tests. It records the paths
// it was asked to transcribe and can be programmed to fail or to block for
// Delay, as a stand-in for slow real transcriptions.
type Fake struct {
	mu     sync.Mutex
	Paths  []string
	Err    error
	Delay  time.Duration
	Result *transcripts.Transcript
}

// NewFake creates a fake backend with a one-segment default result.
func NewFake() *Fake {
	return &Fake{
		Result: &transcripts.Transcript{
			Segments: []transcripts.Segment{{Start: 0, End: 2.5, Text: "hello world"}},
		},
	}
}

func (f *Fake) Name() string  { return "fake" }
func (f *Fake) Model() string { return "fake-1" }

func (f *Fake) Transcribe(ctx context.Context, path string, opts Options) (*transcripts.Transcript, error) {
	f.mu.Lock()
	f.Paths = append(f.Paths, path)
	err := f.Err
	delay := f.Delay
	result := f.Result
	f.mu.Unlock()

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, fmt.Errorf("fake backend has no result")
	}
	if opts.Progress != nil {
		opts.Progress(50)
		opts.Progress(100)
	}
	out := *result
	out.Source = SourceTag(f)
	out.Model = f.Model()
	return &out, nil
}

// Calls returns how many transcriptions were requested.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Paths)
}
