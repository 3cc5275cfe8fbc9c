// Package pipeline defines the transcript-first episode state machine:
// which statuses exist, which transitions are legal, and how external
// transcript retries age out into audio downloads.
package pipeline

// Status is the lifecycle state of an episode.
type Status string

const (
	StatusNew                 Status = "new"
	StatusAwaitingTranscript  Status = "awaiting_transcript"
	StatusNeedsAudio          Status = "needs_audio"
	StatusDownloading         Status = "downloading"
	StatusAudioReady          Status = "audio_ready"
	StatusTranscribing        Status = "transcribing"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
)

// Valid reports whether the status is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAwaitingTranscript, StatusNeedsAudio, StatusDownloading,
		StatusAudioReady, StatusTranscribing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string value of the status.
func (s Status) String() string { return string(s) }

// transitions enumerates every legal edge in the state machine. A completed
// episode may only move back through an explicit re-transcription.
var transitions = map[Status][]Status{
	StatusNew:                {StatusCompleted, StatusAwaitingTranscript, StatusNeedsAudio, StatusDownloading},
	StatusAwaitingTranscript: {StatusCompleted, StatusNeedsAudio, StatusDownloading},
	StatusNeedsAudio:         {StatusDownloading},
	StatusDownloading:        {StatusAudioReady, StatusFailed},
	StatusAudioReady:         {StatusTranscribing},
	StatusTranscribing:       {StatusCompleted, StatusFailed},
	StatusCompleted:          {StatusTranscribing},
	StatusFailed:             {StatusDownloading},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
