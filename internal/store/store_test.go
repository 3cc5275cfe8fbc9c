package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"podscribe/internal/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestFeed(t *testing.T, s *Store) *Feed {
	t.Helper()
	f := &Feed{URL: "https://example.com/feed-" + t.Name() + ".xml", Title: "Test Show"}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return f
}

func createTestEpisode(t *testing.T, s *Store, feedID int64, guid string) *Episode {
	t.Helper()
	e := &Episode{FeedID: feedID, GUID: guid, Title: "Ep " + guid, AudioURL: "https://example.com/" + guid + ".mp3"}
	require.NoError(t, s.CreateEpisode(context.Background(), e))
	return e
}

func TestFeedCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := createTestFeed(t, s)
	assert.NotZero(t, f.ID)

	got, err := s.GetFeedByURL(ctx, f.URL)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)

	got.TitleOverride = "My Title"
	require.NoError(t, s.UpdateFeed(ctx, got))
	got, err = s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "My Title", got.DisplayTitle())

	require.NoError(t, s.DeleteFeed(ctx, f.ID))
	_, err = s.GetFeed(ctx, f.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteFeed(ctx, f.ID), ErrNotFound)
}

func TestFeedDeleteCascadesEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	require.NoError(t, s.DeleteFeed(ctx, f.ID))
	_, err := s.GetEpisode(ctx, ep.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEpisodeGUIDUnique(t *testing.T) {
	s := newTestStore(t)
	f := createTestFeed(t, s)
	createTestEpisode(t, s, f.ID, "dup")

	err := s.CreateEpisode(context.Background(), &Episode{FeedID: f.ID, GUID: "dup"})
	assert.Error(t, err)
}

func TestTransitionEpisode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	require.NoError(t, s.TransitionEpisode(ctx, ep, pipeline.StatusNeedsAudio))
	assert.Equal(t, pipeline.StatusNeedsAudio, ep.Status)

	// Illegal edge is rejected before any write.
	err := s.TransitionEpisode(ctx, ep, pipeline.StatusCompleted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	// A concurrent move invalidates the compare-and-set.
	stale := *ep
	require.NoError(t, s.TransitionEpisode(ctx, ep, pipeline.StatusDownloading))
	err = s.TransitionEpisode(ctx, &stale, pipeline.StatusDownloading)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestTransitionCarriesColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	ep.TranscriptPath = "/tmp/x.md"
	ep.TranscriptSource = "podcast2.0:vtt"
	require.NoError(t, s.TransitionEpisode(ctx, ep, pipeline.StatusCompleted))

	got, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, got.Status)
	assert.Equal(t, "/tmp/x.md", got.TranscriptPath)
	assert.Equal(t, "podcast2.0:vtt", got.TranscriptSource)
}

func TestClearEpisodeAudio(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	// Not completed yet: refused.
	err := s.ClearEpisodeAudio(ctx, ep.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	ep.AudioPath = "/tmp/a.mp3"
	require.NoError(t, s.TransitionEpisode(ctx, ep, pipeline.StatusCompleted))
	require.NoError(t, s.ClearEpisodeAudio(ctx, ep.ID))

	got, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AudioPath)
	assert.NotEmpty(t, got.AudioURL, "audio_url survives audio deletion")
}

func TestListTranscriptRetryDue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	now := time.Now().UTC()

	due := createTestEpisode(t, s, f.ID, "due")
	past := now.Add(-time.Hour)
	due.NextTranscriptRetryAt = &past
	require.NoError(t, s.TransitionEpisode(ctx, due, pipeline.StatusAwaitingTranscript))

	notYet := createTestEpisode(t, s, f.ID, "later")
	future := now.Add(time.Hour)
	notYet.NextTranscriptRetryAt = &future
	require.NoError(t, s.TransitionEpisode(ctx, notYet, pipeline.StatusAwaitingTranscript))

	got, err := s.ListTranscriptRetryDue(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestRecordTranscriptCheck(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")
	require.NoError(t, s.TransitionEpisode(ctx, ep, pipeline.StatusAwaitingTranscript))

	checked := time.Now().UTC().Truncate(time.Millisecond)
	retry := checked.Add(24 * time.Hour)
	ep.TranscriptCheckedAt = &checked
	ep.NextTranscriptRetryAt = &retry
	ep.TranscriptFailureReason = "transcript_not_found"
	require.NoError(t, s.RecordTranscriptCheck(ctx, ep))

	got, err := s.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusAwaitingTranscript, got.Status, "status untouched")
	assert.Equal(t, "transcript_not_found", got.TranscriptFailureReason)
	require.NotNil(t, got.NextTranscriptRetryAt)
	assert.Equal(t, retry.UnixMilli(), got.NextTranscriptRetryAt.UnixMilli())
}

func TestNodeKeyHashLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &Node{ID: "node-1", Name: "gpu-1", APIKeyHash: "abc123", Status: NodeOnline}
	require.NoError(t, s.CreateNode(ctx, n))

	got, err := s.GetNodeByKeyHash(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "node-1", got.ID)

	_, err = s.GetNodeByKeyHash(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNodeCurrentJobAndHeartbeatFlush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := &Node{ID: "node-1", Name: "gpu-1", APIKeyHash: "h", Status: NodeOnline}
	require.NoError(t, s.CreateNode(ctx, n))

	jobID := int64(42)
	require.NoError(t, s.UpdateNodeCurrentJob(ctx, n.ID, &jobID))
	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CurrentJobID)
	assert.Equal(t, int64(42), *got.CurrentJobID)

	beat := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.FlushHeartbeats(ctx, map[string]time.Time{n.ID: beat}))
	got, err = s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastHeartbeat)
	assert.Equal(t, beat.UnixMilli(), got.LastHeartbeat.UnixMilli())
}

func TestSetupStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := &PodSetupState{InstanceID: "inst-1", Phase: PhaseCreating}
	require.NoError(t, s.SaveSetupState(ctx, st))

	st.Phase = PhaseBooting
	st.PodID = "pod-9"
	st.Steps = append(st.Steps, SetupStep{Phase: PhaseBooting, Message: "waiting", At: time.Now().UTC()})
	require.NoError(t, s.SaveSetupState(ctx, st))

	got, err := s.GetSetupState(ctx, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, PhaseBooting, got.Phase)
	assert.Equal(t, "pod-9", got.PodID)
	assert.Len(t, got.Steps, 1)

	require.NoError(t, s.DeleteSetupState(ctx, "inst-1"))
	_, err = s.GetSetupState(ctx, "inst-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSearchEpisodes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	require.NoError(t, s.IndexEpisodeText(ctx, ep.ID, "Deep Sea Mining", "today we discuss the ocean floor"))

	hits, err := s.SearchEpisodes(ctx, "ocean", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, ep.ID, hits[0].EpisodeID)
	assert.Equal(t, "Deep Sea Mining", hits[0].Title)

	// Re-indexing replaces, not duplicates.
	require.NoError(t, s.IndexEpisodeText(ctx, ep.ID, "Deep Sea Mining", "revised transcript about whales"))
	hits, err = s.SearchEpisodes(ctx, "whales", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = s.SearchEpisodes(ctx, "ocean", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestEmbeddingsUpsertAndNearest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createTestFeed(t, s)
	ep := createTestEpisode(t, s, f.ID, "g1")

	a := &EmbeddingRecord{EpisodeID: ep.ID, SegmentStart: 0, SegmentEnd: 5,
		TextHash: "h1", ModelName: "m", Vector: []float32{1, 0, 0}}
	b := &EmbeddingRecord{EpisodeID: ep.ID, SegmentStart: 5, SegmentEnd: 10,
		TextHash: "h2", ModelName: "m", Vector: []float32{0, 1, 0}}
	require.NoError(t, s.UpsertEmbedding(ctx, a))
	require.NoError(t, s.UpsertEmbedding(ctx, b))

	n, err := s.CountEmbeddings(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	matches, err := s.NearestEmbeddings(ctx, []float32{0.9, 0.1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "h1", matches[0].Record.TextHash)
	assert.Greater(t, matches[0].Score, 0.9)

	require.NoError(t, s.DeleteEmbeddings(ctx, ep.ID))
	n, err = s.CountEmbeddings(ctx, ep.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
}
