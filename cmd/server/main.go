// Command server runs the orchestration core: feed discovery, the durable
// job queue, the local worker pools, the remote node coordinator and the
// HTTP API, all in one process.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"podscribe/internal/asr"
	"podscribe/internal/cache"
	"podscribe/internal/config"
	"podscribe/internal/coordinator"
	"podscribe/internal/discovery"
	"podscribe/internal/embeddings"
	"podscribe/internal/endpoints"
	"podscribe/internal/providers"
	"podscribe/internal/provision"
	"podscribe/internal/queue"
	"podscribe/internal/scheduler"
	"podscribe/internal/server"
	"podscribe/internal/storage"
	"podscribe/internal/store"
	"podscribe/internal/workers"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, cfg.PoolMaxSize)
	if err != nil {
		slog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	layout, err := storage.NewLayout(cfg.StoragePath, cfg.TempDownloadPath)
	if err != nil {
		slog.Error("Failed to prepare storage layout", "error", err)
		os.Exit(1)
	}

	q := queue.New(st)

	// Boot recovery: locally-held jobs go back to queued, expired trash and
	// stale temp downloads are swept.
	if err := q.RequeueLocalOnBoot(ctx); err != nil {
		slog.Error("Failed to requeue local jobs", "error", err)
		os.Exit(1)
	}
	now := time.Now()
	if err := layout.SweepTrash(now); err != nil {
		slog.Warn("Trash sweep failed", "error", err)
	}
	if err := layout.SweepTemp(now); err != nil {
		slog.Warn("Temp sweep failed", "error", err)
	}

	httpClient := &http.Client{Timeout: cfg.HTTPRequestTimeout}
	lookupCache := cache.New(ctx, cfg.RedisAddr, cfg.LookupCacheTTL)
	defer lookupCache.Close()

	// Provisioning is optional; without credentials the coordinator still
	// manages self-hosted nodes.
	var provisioner *provision.Provisioner
	var terminator coordinator.InstanceTerminator
	if cfg.RunpodAPIKey != "" {
		podAPI := provision.NewClient(provision.DefaultBaseURL, cfg.RunpodAPIKey, nil)
		provisioner = provision.New(podAPI, st, cfg, nil)
		terminator = provisioner
	}

	coord := coordinator.New(st, q, layout, cfg, terminator)

	chain := providers.NewChain(
		providers.NewPodcasting20(httpClient),
		providers.NewPocketCasts(httpClient),
	)
	// The local transcribe slot talks to an ASR service; downloads stream
	// directly. Transcription gets no client timeout: episodes take as long
	// as they take.
	backend := asr.NewHTTPBackend(cfg.ASRServerURL, cfg.ASRBackend, cfg.WhisperModel, &http.Client{})
	embedder := embeddings.NewHashEmbedder(0)

	pool := workers.New(q, cfg.WorkerIdleSleep, cfg.ShutdownGrace)
	runner := workers.NewRunner(st, q, layout, chain, backend, embedder, nil, cfg)
	runner.Register(pool)

	disco := discovery.New(st, q, lookupCache, httpClient, cfg,
		pool.Gate(queue.KindTranscriptDownload))
	retries := scheduler.New(st, q, cfg)

	var wg sync.WaitGroup
	run := func(f func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f(ctx)
		}()
	}

	run(pool.Run)
	run(coord.RunFlushLoop)
	run(coord.RunStaleSweep)
	run(retries.Run)
	run(func(ctx context.Context) { runReclaimLoop(ctx, q, cfg) })
	if provisioner != nil {
		autoscaler := provision.NewAutoscaler(provisioner, st, q, cfg)
		run(autoscaler.Run)
	}

	deps := endpoints.Deps{
		Store:       st,
		Queue:       q,
		Coordinator: coord,
		Discovery:   disco,
		Layout:      layout,
		Cfg:         cfg,
	}
	if provisioner != nil {
		deps.Provisioner = provisioner
	}
	srv := server.NewServer(cfg.Port, deps)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}

	// Background loops observe ctx; wait for workers to release their jobs.
	wg.Wait()
	slog.Info("Server stopped")
}

// runReclaimLoop sweeps stuck jobs: local jobs past the stuck threshold and
// remote jobs past the remote timeout return to the queue or fail out.
func runReclaimLoop(ctx context.Context, q *queue.Queue, cfg *config.Config) {
	ticker := time.NewTicker(cfg.ReclaimSweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			timeout := cfg.StuckThreshold
			if cfg.RemoteJobTimeout < timeout {
				timeout = cfg.RemoteJobTimeout
			}
			if err := q.Reclaim(ctx, timeout); err != nil {
				slog.Error("Reclaim sweep failed", "error", err)
			}
		}
	}
}
