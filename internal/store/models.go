package store

import (
	"time"

	"podscribe/internal/pipeline"
)

// Feed is a subscription source, identified by its URL.
type Feed struct {
	ID              int64      `json:"id"`
	URL             string     `json:"url"`
	Title           string     `json:"title"`
	TitleOverride   string     `json:"title_override,omitempty"`
	Author          string     `json:"author,omitempty"`
	Link            string     `json:"link,omitempty"`
	Categories      string     `json:"categories,omitempty"`
	ITunesID        *int64     `json:"itunes_id,omitempty"`
	PocketCastsUUID string     `json:"pocketcasts_uuid,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// DisplayTitle returns the override title when present, the original
// otherwise.
func (f *Feed) DisplayTitle() string {
	if f.TitleOverride != "" {
		return f.TitleOverride
	}
	return f.Title
}

// Episode is one item in a feed, unique per (feed, guid).
type Episode struct {
	ID                      int64           `json:"id"`
	FeedID                  int64           `json:"feed_id"`
	GUID                    string          `json:"guid"`
	Title                   string          `json:"title"`
	AudioURL                string          `json:"audio_url"`
	TranscriptURL           string          `json:"transcript_url,omitempty"`
	TranscriptMIME          string          `json:"transcript_mime,omitempty"`
	ExternalTranscriptURL   string          `json:"external_transcript_url,omitempty"`
	PublishedAt             *time.Time      `json:"published_at,omitempty"`
	DurationSeconds         int             `json:"duration_seconds"`
	AudioPath               string          `json:"audio_path,omitempty"`
	TranscriptPath          string          `json:"transcript_path,omitempty"`
	TranscriptSource        string          `json:"transcript_source,omitempty"`
	TranscriptModel         string          `json:"transcript_model,omitempty"`
	Status                  pipeline.Status `json:"status"`
	TranscriptCheckedAt     *time.Time      `json:"transcript_checked_at,omitempty"`
	NextTranscriptRetryAt   *time.Time      `json:"next_transcript_retry_at,omitempty"`
	TranscriptFailureReason string          `json:"transcript_failure_reason,omitempty"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// NodeStatus is the liveness state of a registered transcriber node.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeBusy    NodeStatus = "busy"
	NodeOffline NodeStatus = "offline"
)

// Node is a remote transcription worker registration. The api key is kept
// hashed at rest and never logged.
type Node struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url,omitempty"`
	APIKeyHash    string     `json:"-"`
	Model         string     `json:"model,omitempty"`
	Backend       string     `json:"backend,omitempty"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CurrentJobID  *int64     `json:"current_job_id,omitempty"`
	Priority      int        `json:"priority"`
	Ephemeral     bool       `json:"ephemeral"`
	InstanceID    string     `json:"instance_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// SetupPhase is the lifecycle phase of an ephemeral pod being provisioned.
type SetupPhase string

const (
	PhaseCreating     SetupPhase = "creating"
	PhaseStarting     SetupPhase = "starting"
	PhaseBooting      SetupPhase = "booting"
	PhaseInstalling   SetupPhase = "installing"
	PhaseSmokeTesting SetupPhase = "smoke_testing"
	PhaseRegistering  SetupPhase = "registering"
	PhaseReady        SetupPhase = "ready"
	PhaseFailed       SetupPhase = "failed"
)

// Valid reports whether the phase is one of the known setup phases.
func (p SetupPhase) Valid() bool {
	switch p {
	case PhaseCreating, PhaseStarting, PhaseBooting, PhaseInstalling,
		PhaseSmokeTesting, PhaseRegistering, PhaseReady, PhaseFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether the setup pipeline has finished.
func (p SetupPhase) Terminal() bool {
	return p == PhaseReady || p == PhaseFailed
}

// SetupStep is one structured entry in a pod's setup log.
type SetupStep struct {
	Phase   SetupPhase `json:"phase"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

// PodSetupState tracks an ephemeral instance through its provisioning
// pipeline. It is persisted so a server restart does not orphan visibility.
type PodSetupState struct {
	InstanceID string      `json:"instance_id"`
	PodID      string      `json:"pod_id,omitempty"`
	Persistent bool        `json:"persistent"`
	Phase      SetupPhase  `json:"phase"`
	Steps      []SetupStep `json:"steps"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// EmbeddingRecord associates a contiguous transcript span with a dense
// vector, keyed by (episode, start, end).
type EmbeddingRecord struct {
	EpisodeID    int64     `json:"episode_id"`
	SegmentStart float64   `json:"segment_start"`
	SegmentEnd   float64   `json:"segment_end"`
	TextHash     string    `json:"text_hash"`
	ModelName    string    `json:"model_name"`
	Vector       []float32 `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}
