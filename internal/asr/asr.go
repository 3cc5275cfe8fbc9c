// Package asr abstracts speech-to-text backends. The server runs one local
// backend for the in-process transcribe worker; remote transcriber nodes run
// their own and only the results flow back.
package asr

import (
	"context"
	"time"

	"podscribe/internal/transcripts"
)

// Options tunes a single transcription request.
type Options struct {
	// ChunkHint asks the backend to split audio longer than this before
	// transcribing. Zero means no hint.
	ChunkHint time.Duration
	// Language is an optional ISO 639-1 hint.
	Language string
	// Progress, when non-nil, receives coarse percentages in [0,100].
	Progress func(percent int)
}

// Backend converts an audio file into a timestamped transcript.
type Backend interface {
	// Name is the backend identifier used in transcript source tags,
	// e.g. "whisper" or "parakeet".
	Name() string
	// Model is the loaded model identifier, e.g. "large-v3".
	Model() string
	// Transcribe processes the audio file at path.
	Transcribe(ctx context.Context, path string, opts Options) (*transcripts.Transcript, error)
}

// SourceTag is the transcript source recorded for backend output: the bare
// backend name, e.g. "whisper" or "parakeet".
func SourceTag(b Backend) string {
	return b.Name()
}
