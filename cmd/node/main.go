// Command node runs a remote transcriber: it registers with the server,
// claims transcription jobs, runs them through the local ASR service and
// posts the segments back. Ephemeral instances terminate themselves when the
// queue stays empty.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"podscribe/internal/asr"
	"podscribe/internal/config"
	"podscribe/internal/nodeworker"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	cfg := config.Load()

	if cfg.ServerURL == "" {
		slog.Error("SERVER_URL is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The request timeout bounds control-plane calls only; the client
	// streams audio and the ASR adapter runs transcription without one.
	client := nodeworker.NewClient(cfg.ServerURL, &http.Client{Timeout: cfg.HTTPRequestTimeout})
	backend := asr.NewHTTPBackend(cfg.ASRServerURL, cfg.ASRBackend, cfg.WhisperModel, &http.Client{})

	worker := nodeworker.New(client, backend, cfg, cfg.NodeWorkDir, cfg.InstanceID, cfg.NodePersistent)

	registerCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	if err := worker.Register(registerCtx, cfg.NodeName); err != nil {
		cancel()
		slog.Error("Failed to register with server", "error", err)
		os.Exit(1)
	}
	cancel()
	slog.Info("Registered with server", "node_id", client.NodeID(), "name", cfg.NodeName,
		"persistent", cfg.NodePersistent)

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("Worker stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Node stopped")
}
