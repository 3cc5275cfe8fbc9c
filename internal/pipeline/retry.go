package pipeline

import "time"

// RetryDecision is the outcome of applying the transcript retry policy after
// a soft provider error.
type RetryDecision struct {
	Status      Status
	NextRetryAt *time.Time // set only when Status is awaiting_transcript
}

// DecideTranscriptRetry applies the retry policy for external transcripts:
// recent episodes wait another day for the provider to publish, older ones
// give up and fall back to audio.
func DecideTranscriptRetry(publishedAt *time.Time, now time.Time, retryDays int) RetryDecision {
	if publishedAt != nil && now.Sub(*publishedAt) < time.Duration(retryDays)*24*time.Hour {
		next := now.Add(24 * time.Hour)
		return RetryDecision{Status: StatusAwaitingTranscript, NextRetryAt: &next}
	}
	return RetryDecision{Status: StatusNeedsAudio}
}

// AgedOut reports whether an episode waiting on an external transcript has
// exceeded the retry window and should move to needs_audio.
func AgedOut(publishedAt *time.Time, now time.Time, retryDays int) bool {
	if publishedAt == nil {
		return true
	}
	return now.Sub(*publishedAt) >= time.Duration(retryDays)*24*time.Hour
}
