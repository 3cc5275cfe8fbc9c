package nodeworker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"podscribe/internal/asr"
	"podscribe/internal/config"
	"podscribe/internal/coordinator"
	"podscribe/internal/endpoints"
	"podscribe/internal/pipeline"
	"podscribe/internal/queue"
	"podscribe/internal/storage"
	"podscribe/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serverFixture runs the real API over httptest so the client and worker are
// exercised against the exact routes they will see in production.
type serverFixture struct {
	srv        *httptest.Server
	store      *store.Store
	queue      *queue.Queue
	feed       *store.Feed
	heartbeats atomic.Int64
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	layout, err := storage.NewLayout(filepath.Join(t.TempDir(), "storage"), filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)

	cfg := &config.Config{NodeHeartbeatTimeout: time.Minute}
	q := queue.New(s)
	coord := coordinator.New(s, q, layout, cfg, nil)

	fx := &serverFixture{store: s, queue: q}
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if strings.HasSuffix(c.Request.URL.Path, "/heartbeat") {
			fx.heartbeats.Add(1)
		}
	})
	endpoints.SetupRoutes(router, endpoints.Deps{
		Store: s, Queue: q, Coordinator: coord, Layout: layout, Cfg: cfg,
	})
	fx.srv = httptest.NewServer(router)
	t.Cleanup(fx.srv.Close)

	fx.feed = &store.Feed{URL: "https://example.com/feed.xml", Title: "Test Show"}
	require.NoError(t, s.CreateFeed(context.Background(), fx.feed))
	return fx
}

// transcribableEpisode creates an audio_ready episode with a real audio file
// and a queued transcription job.
func (fx *serverFixture) transcribableEpisode(t *testing.T, guid string) *store.Episode {
	t.Helper()
	ctx := context.Background()
	audio := filepath.Join(t.TempDir(), guid+".mp3")
	require.NoError(t, os.WriteFile(audio, []byte("fake-audio-bytes"), 0o644))

	e := &store.Episode{FeedID: fx.feed.ID, GUID: guid, Title: "Ep " + guid,
		AudioURL: "https://example.com/" + guid + ".mp3"}
	require.NoError(t, fx.store.CreateEpisode(ctx, e))
	e.AudioPath = audio
	require.NoError(t, fx.store.TransitionEpisode(ctx, e, pipeline.StatusNeedsAudio))
	require.NoError(t, fx.store.TransitionEpisode(ctx, e, pipeline.StatusDownloading))
	require.NoError(t, fx.store.TransitionEpisode(ctx, e, pipeline.StatusAudioReady))

	_, err := fx.queue.Enqueue(ctx, e.ID, queue.KindTranscribe, queue.DefaultPriority)
	require.NoError(t, err)
	return e
}

func registeredClient(t *testing.T, fx *serverFixture, name string) *Client {
	t.Helper()
	c := NewClient(fx.srv.URL, fx.srv.Client())
	require.NoError(t, c.Register(context.Background(), coordinator.RegisterRequest{Name: name}, ""))
	require.NotEmpty(t, c.NodeID())
	return c
}

func TestClientClaimLifecycle(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	c := registeredClient(t, fx, "gpu-1")

	// Nothing queued yet.
	job, err := c.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, job)

	ep := fx.transcribableEpisode(t, "g1")
	job, err = c.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, ep.ID, job.EpisodeID)
	assert.Equal(t, queue.KindTranscribe, job.Kind)

	// Stream the audio down and verify byte fidelity.
	dst := filepath.Join(t.TempDir(), "job.audio")
	n, err := c.DownloadAudio(ctx, job.ID, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("fake-audio-bytes")), n)
	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "fake-audio-bytes", string(data))

	require.NoError(t, c.Complete(ctx, job.ID,
		asr.NewFake().Result.Segments, "fake", "fake-1"))

	got, err := fx.store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, got.Status)
	assert.Equal(t, "fake", got.TranscriptSource)
}

func TestClientFailAndRelease(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	c := registeredClient(t, fx, "gpu-1")
	ep := fx.transcribableEpisode(t, "g1")

	job, err := c.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, c.Fail(ctx, job.ID, "cuda out of memory"))

	requeued, err := fx.queue.LatestForEpisode(ctx, ep.ID, queue.KindTranscribe)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, requeued.Status)
	assert.Equal(t, 1, requeued.Attempts)

	job, err = c.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, c.Release(ctx, job.ID))

	released, err := fx.queue.LatestForEpisode(ctx, ep.ID, queue.KindTranscribe)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusQueued, released.Status)
	assert.Equal(t, 1, released.Attempts, "release does not burn the attempt")
}

func TestClientHeartbeat(t *testing.T) {
	fx := newServerFixture(t)
	c := registeredClient(t, fx, "gpu-1")

	err := c.Heartbeat(context.Background(), coordinator.HeartbeatRequest{Status: store.NodeOnline})
	require.NoError(t, err)

	err = c.Heartbeat(context.Background(), coordinator.HeartbeatRequest{Status: "sleeping"})
	assert.Error(t, err, "unknown statuses are rejected server-side")
}

func TestClientRegisterRejectedWithoutSecret(t *testing.T) {
	fx := newServerFixture(t)

	// Re-wire the server with a network secret configured.
	s := fx.store
	layout, err := storage.NewLayout(filepath.Join(t.TempDir(), "storage"), filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)
	cfg := &config.Config{NodeHeartbeatTimeout: time.Minute, RunpodNetworkSecret: "s3cret"}
	q := queue.New(s)
	router := gin.New()
	endpoints.SetupRoutes(router, endpoints.Deps{
		Store: s, Queue: q, Coordinator: coordinator.New(s, q, layout, cfg, nil),
		Layout: layout, Cfg: cfg,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client())
	err = c.Register(context.Background(), coordinator.RegisterRequest{Name: "gpu-1"}, "")
	assert.Error(t, err)

	err = c.Register(context.Background(), coordinator.RegisterRequest{Name: "gpu-1"}, "s3cret")
	assert.NoError(t, err)
}

func TestClientErrorBodiesSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		json.NewEncoder(w).Encode(map[string]string{"error": "upstream melted"})
	}))
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, srv.Client())
	err := c.Register(context.Background(), coordinator.RegisterRequest{Name: "gpu-1"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream melted")
}

func workerConfig(base *config.Config) *config.Config {
	cfg := *base
	cfg.NodeRequiredEmptyChecks = 2
	cfg.NodeEmptyQueueWait = time.Millisecond
	cfg.NodeIdleTimeout = time.Minute
	cfg.NodeServerUnreachableAfter = time.Minute
	cfg.NodeMaxConsecutiveFailures = 3
	return &cfg
}

func TestWorkerProcessesJobThenSelfTerminates(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	ep := fx.transcribableEpisode(t, "g1")

	c := registeredClient(t, fx, "gpu-1")
	nodeID := c.NodeID()
	backend := asr.NewFake()
	w := New(c, backend, workerConfig(&config.Config{}), t.TempDir(), "inst-1", false)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	assert.Equal(t, 1, backend.Calls())

	got, err := fx.store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, got.Status)
	assert.Equal(t, "fake", got.TranscriptSource)

	// The empty-queue rule fired and the node deregistered itself.
	_, err = fx.store.GetNode(ctx, nodeID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWorkerReportsBackendFailure(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	ep := fx.transcribableEpisode(t, "g1")

	c := registeredClient(t, fx, "gpu-1")
	backend := asr.NewFake()
	backend.Err = assert.AnError
	w := New(c, backend, workerConfig(&config.Config{}), t.TempDir(), "inst-1", false)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	// The worker retries until the attempts run out, then the job and the
	// episode are marked failed.
	job, err := fx.queue.LatestForEpisode(ctx, ep.ID, queue.KindTranscribe)
	require.NoError(t, err)
	assert.Equal(t, queue.StatusFailed, job.Status)
	assert.Equal(t, job.MaxAttempts, job.Attempts)
	assert.Contains(t, job.ErrorMessage, assert.AnError.Error())

	got, err := fx.store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusFailed, got.Status)
}

func TestWorkerHeartbeatsThroughLongTranscription(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	ep := fx.transcribableEpisode(t, "g1")

	restore := heartbeatInterval
	heartbeatInterval = 10 * time.Millisecond
	t.Cleanup(func() { heartbeatInterval = restore })

	c := registeredClient(t, fx, "gpu-1")
	backend := asr.NewFake()
	backend.Delay = 150 * time.Millisecond
	w := New(c, backend, workerConfig(&config.Config{}), t.TempDir(), "inst-1", false)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	got, err := fx.store.GetEpisode(ctx, ep.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StatusCompleted, got.Status)

	// The claim loop blocks in the backend for the whole transcription, so
	// these check-ins can only come from the in-flight heartbeat.
	assert.GreaterOrEqual(t, fx.heartbeats.Load(), int64(5),
		"the node keeps checking in while the backend grinds")
}

func TestWorkerSelfTerminatesAfterConsecutiveTranscribeFailures(t *testing.T) {
	fx := newServerFixture(t)
	ctx := context.Background()
	fx.transcribableEpisode(t, "g1")
	fx.transcribableEpisode(t, "g2")

	c := registeredClient(t, fx, "gpu-1")
	nodeID := c.NodeID()
	backend := asr.NewFake()
	backend.Err = assert.AnError
	cfg := workerConfig(&config.Config{})
	cfg.NodeMaxConsecutiveFailures = 2
	cfg.NodeRequiredEmptyChecks = 100
	w := New(c, backend, cfg, t.TempDir(), "inst-1", false)

	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	require.NoError(t, w.Run(runCtx))

	// The failure rule fired before the queue ran dry.
	assert.Equal(t, 2, backend.Calls())
	_, err := fx.store.GetNode(ctx, nodeID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDownloadAudioOutlivesControlTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		require.True(t, ok)
		for i := 0; i < 5; i++ {
			w.Write([]byte("chunk"))
			flusher.Flush()
			time.Sleep(30 * time.Millisecond)
		}
	}))
	t.Cleanup(srv.Close)

	// The whole transfer takes ~150ms against a 50ms control timeout; only
	// the streaming client survives it.
	c := NewClient(srv.URL, &http.Client{Timeout: 50 * time.Millisecond})
	dst := filepath.Join(t.TempDir(), "job.audio")
	n, err := c.DownloadAudio(context.Background(), 1, dst)
	require.NoError(t, err)
	assert.Equal(t, int64(len("chunk")*5), n)
}

func TestWorkerPersistentIgnoresTerminationRules(t *testing.T) {
	fx := newServerFixture(t)
	c := registeredClient(t, fx, "gpu-1")
	w := New(c, asr.NewFake(), workerConfig(&config.Config{}), t.TempDir(), "", true)

	runCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := w.Run(runCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "persistent workers only stop when told to")

	_, err = fx.store.GetNode(context.Background(), c.NodeID())
	assert.NoError(t, err, "the node record survives")
}
