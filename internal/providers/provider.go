// Package providers implements the external transcript provider chain.
// Providers are tried in priority order; the first hit wins, soft failures
// feed the retry policy.
package providers

import (
	"context"

	"podscribe/internal/queue"
	"podscribe/internal/store"
	"podscribe/internal/transcripts"
)

// Outcome discriminates a fetch result.
type Outcome int

const (
	// OutcomeNotApplicable means the provider has nothing for this episode.
	OutcomeNotApplicable Outcome = iota
	// OutcomeFound means the provider returned a transcript.
	OutcomeFound
	// OutcomeTemporary means the provider failed in a way worth retrying
	// later (not published yet, rate limited, transient network error).
	OutcomeTemporary
)

// Result is the tagged outcome of one provider attempt.
type Result struct {
	Outcome    Outcome
	Transcript *transcripts.Transcript // set when Outcome is OutcomeFound
	SourceTag  string                  // e.g. "podcast2.0:vtt", "pocketcasts"
	Reason     queue.FailureReason     // set when Outcome is OutcomeTemporary
	Err        error                   // underlying error for logging
}

// Found builds a successful result.
func Found(t *transcripts.Transcript, sourceTag string) Result {
	return Result{Outcome: OutcomeFound, Transcript: t, SourceTag: sourceTag}
}

// Temporary builds a retryable failure result.
func Temporary(reason queue.FailureReason, err error) Result {
	return Result{Outcome: OutcomeTemporary, Reason: reason, Err: err}
}

// NotApplicable builds a skip result.
func NotApplicable() Result {
	return Result{Outcome: OutcomeNotApplicable}
}

// Provider is one source of externally-published transcripts.
type Provider interface {
	// Name identifies the provider in logs.
	Name() string
	// CanProvide reports whether the provider could have a transcript for
	// the episode without performing network I/O.
	CanProvide(episode *store.Episode, feed *store.Feed) bool
	// Fetch attempts to retrieve the transcript.
	Fetch(ctx context.Context, episode *store.Episode, feed *store.Feed) Result
}

// Chain is the immutable, ordered provider list. It is the single source of
// truth for provider priority.
type Chain struct {
	providers []Provider
}

// NewChain builds a chain in the given priority order.
func NewChain(providers ...Provider) *Chain {
	return &Chain{providers: providers}
}

// Fetch walks the chain. The first Found wins. When no provider finds a
// transcript, the most severe temporary outcome is returned so the caller
// can apply the retry policy; all-NotApplicable propagates as such.
func (c *Chain) Fetch(ctx context.Context, episode *store.Episode, feed *store.Feed) Result {
	result := NotApplicable()
	for _, p := range c.providers {
		if !p.CanProvide(episode, feed) {
			continue
		}
		r := p.Fetch(ctx, episode, feed)
		switch r.Outcome {
		case OutcomeFound:
			return r
		case OutcomeTemporary:
			if result.Outcome == OutcomeNotApplicable {
				result = r
			}
		}
	}
	return result
}
