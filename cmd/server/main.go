// Command server is the single-process entrypoint: HTTP API, feed
// discovery driver, four worker pools, node coordinator, provisioner,
// and retry scheduler all running together against one sqlite store.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"forgecast/internal/applelookup"
	"forgecast/internal/asr"
	"forgecast/internal/audioprobe"
	"forgecast/internal/auth"
	"forgecast/internal/config"
	"forgecast/internal/discovery"
	"forgecast/internal/embedder"
	"forgecast/internal/episode"
	"forgecast/internal/feedparser"
	"forgecast/internal/httpclient"
	"forgecast/internal/node"
	"forgecast/internal/notify"
	"forgecast/internal/offsite"
	"forgecast/internal/pocketcastslookup"
	"forgecast/internal/provision"
	"forgecast/internal/retryscheduler"
	"forgecast/internal/server"
	"forgecast/internal/storagefs"
	"forgecast/internal/store"
	"forgecast/internal/transcript"
	"forgecast/internal/transcriptfmt"
	"forgecast/internal/worker"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const shutdownGrace = 30 * time.Second

func newID() string { return uuid.New().String() }

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DBPath, cfg.PoolMinSize, cfg.PoolMaxSize)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	layout := storagefs.New(cfg.StoragePath, cfg.TempDownloadPath)
	if err := layout.SweepTempDownloads(); err != nil {
		slog.Warn("sweep temp downloads at boot failed", "error", err)
	}
	if err := layout.SweepTrash(cfg.TrashRetainDays); err != nil {
		slog.Warn("sweep trash at boot failed", "error", err)
	}
	if reset, err := db.ResetOnBoot(ctx); err != nil {
		slog.Warn("reset stale running jobs at boot failed", "error", err)
	} else if reset > 0 {
		slog.Info("reset locally-running jobs orphaned by a previous crash", "count", reset)
	}

	httpOpts := httpclient.DefaultOptions()
	httpOpts.Timeout = cfg.HTTPRequestTimeout
	httpClient := httpclient.New(httpOpts)

	machine := episode.New(db, episode.Policy{
		UnavailableAgeDays: cfg.TranscriptUnavailableAgeDays,
		RetryDays:          cfg.TranscriptRetryDays,
	})

	mirror, err := offsite.New(ctx, cfg.OffsiteBackend, offsite.S3Config{
		Region:      cfg.S3Region,
		Bucket:      cfg.S3Bucket,
		AccessKey:   cfg.S3AccessKey,
		SecretKey:   cfg.S3SecretKey,
		EndpointURL: cfg.S3EndpointURL,
		PublicRead:  cfg.S3PublicRead,
	}, cfg.GDriveFolderID)
	if err != nil {
		slog.Warn("offsite mirror unavailable, continuing without one", "error", err)
		mirror = nil
	}

	transcriptChain := transcript.NewChain(
		transcript.NewPodcasting2Provider(httpClient),
		transcript.NewPocketCastsProvider(httpClient),
	)

	feeds := feedparser.New(httpClient)
	apple := applelookup.New(httpClient)
	pocketCasts := pocketcastslookup.New(httpClient)

	pausePool := worker.NewPausePool()

	driver := &discovery.Driver{
		Store:       db,
		Parser:      feeds,
		Apple:       apple,
		PocketCasts: pocketCasts,
		Layout:      layout,
		Pause:       pausePool,
		NewID:       newID,
		MaxAttempts: cfg.DefaultMaxAttempts,
	}

	bus := notify.New(cfg.ValkeyHost, cfg.ValkeyPort)
	defer bus.Close()
	db.SetEnqueueNotifier(func(kind string) {
		bus.PublishWake(ctx, kind)
	})

	runpodClient := resty.New().
		SetBaseURL("https://api.runpod.io/v2").
		SetTimeout(cfg.HTTPRequestTimeout)
	provisioner := provision.New(db, runpodClient, provision.Options{
		APIKey:              cfg.RunpodAPIKey,
		TemplateID:          cfg.RunpodTemplateID,
		PreferredGPU:        cfg.RunpodPreferredGPU,
		BlockedGPUs:         cfg.RunpodBlockedGPUs,
		MaxPods:             cfg.RunpodMaxPods,
		ScaleThreshold:      cfg.RunpodScaleThreshold,
		AutoScaleEnabled:    cfg.RunpodAutoScaleEnabled,
		PollInterval:        time.Duration(cfg.RunpodPollIntervalMs) * time.Millisecond,
		PublicURL:           cfg.PublicURL,
		NetworkingSecretRef: cfg.NetworkingSecretRef,
	})

	coordinator := node.New(db, machine, layout, provisioner, node.Options{
		MaxAttempts:   cfg.DefaultMaxAttempts,
		StaleTimeout:  time.Duration(cfg.NodeHeartbeatTimeoutSeconds) * time.Second,
		FlushInterval: time.Duration(cfg.NodeHeartbeatFlushIntervalSec) * time.Second,
	})
	coordinator.SetMirror(mirror)

	retryScheduler := retryscheduler.New(db, machine, newID, retryscheduler.Options{
		UnavailableAgeDays: cfg.TranscriptUnavailableAgeDays,
		MaxAttempts:        cfg.DefaultMaxAttempts,
		Interval:           cfg.RetrySchedulerInterval,
	})

	asrBackend := asr.New(httpClient, cfg.ASRBackendURL, cfg.ASREngine, cfg.ASRModelName)
	embedBackend := embedder.New(httpClient, cfg.EmbedBackendURL, cfg.EmbedModelName)

	segmentsFromTranscript := func(ctx context.Context, episodeID string) ([]worker.Segment, error) {
		ep, err := db.GetEpisode(ctx, episodeID)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(ep.TranscriptPath.String)
		if err != nil {
			return nil, err
		}
		_, parsed, err := transcriptfmt.Parse(string(raw))
		if err != nil {
			return nil, err
		}
		segments := make([]worker.Segment, 0, len(parsed))
		for _, s := range parsed {
			segments = append(segments, worker.Segment{Start: s.Start, End: s.End, Text: s.Text})
		}
		return segments, nil
	}

	downloadExhausted := func(ctx context.Context, job *store.Job, reason store.FailureReason, msg string) {
		if err := machine.DownloadFailed(ctx, job.EpisodeID, string(reason)); err != nil {
			slog.Warn("mark episode failed after download retries", "episode_id", job.EpisodeID, "error", err)
		}
	}
	transcribeExhausted := func(ctx context.Context, job *store.Job, reason store.FailureReason, msg string) {
		if err := machine.TranscribeFailed(ctx, job.EpisodeID, string(reason)); err != nil {
			slog.Warn("mark episode failed after transcribe retries", "episode_id", job.EpisodeID, "error", err)
		}
	}

	pools := []*worker.Pool{
		{
			Kind:  store.JobKindTranscriptDownload,
			Slots: cfg.MaxTranscriptDownloadWorkers,
			Queue: db,
			Handler: &worker.TranscriptDownloadHandler{
				Store:       db,
				Chain:       transcriptChain,
				Machine:     machine,
				Layout:      layout,
				NewID:       newID,
				MaxAttempts: cfg.DefaultMaxAttempts,
			},
			Pause: pausePool,
			Waker: bus,
		},
		{
			Kind:  store.JobKindDownload,
			Slots: cfg.MaxConcurrentDownloads,
			Queue: db,
			Handler: &worker.DownloadHandler{
				Store:       db,
				Client:      httpClient,
				Resolver:    feeds,
				Machine:     machine,
				Layout:      layout,
				Mirror:      mirror,
				NewID:       newID,
				MaxAttempts: cfg.DefaultMaxAttempts,
			},
			Pause:      pausePool,
			Waker:      bus,
			OnTerminal: downloadExhausted,
		},
		{
			Kind:  store.JobKindTranscribe,
			Slots: 1,
			Queue: db,
			Handler: &worker.TranscribeHandler{
				Store:          db,
				Queue:          db,
				Backend:        asrBackend,
				Machine:        machine,
				Layout:         layout,
				NewID:          newID,
				MaxAttempts:    cfg.DefaultMaxAttempts,
				ChunkThreshold: time.Duration(cfg.WhisperChunkThresholdMinutes) * time.Minute,
				ChunkSize:      time.Duration(cfg.WhisperChunkSizeMinutes) * time.Minute,
				AudioDuration:  audioprobe.Duration,
			},
			Pause:      pausePool,
			Waker:      bus,
			OnTerminal: transcribeExhausted,
		},
		{
			Kind:  store.JobKindEmbed,
			Slots: 1,
			Queue: db,
			Handler: &worker.EmbedHandler{
				Segments:   segmentsFromTranscript,
				Embeddings: db,
				Embedder:   embedBackend,
			},
			Pause: pausePool,
			Waker: bus,
		},
	}

	for _, p := range pools {
		go p.Run(ctx, shutdownGrace)
	}

	go coordinator.Run(ctx)
	go retryScheduler.Run(ctx)
	go runReclaimLoop(ctx, db, cfg.ReclaimInterval, time.Duration(cfg.StuckThresholdMinutes)*time.Minute)
	go runFeedPollLoop(ctx, driver, cfg.FeedPollInterval)
	if cfg.RunpodAutoScaleEnabled {
		go runAutoScaleLoop(ctx, provisioner, cfg.ReclaimInterval)
	}

	deps := server.Deps{
		Store:              db,
		Discovery:          driver,
		Episode:            machine,
		Node:               coordinator,
		Provisioner:        provisioner,
		Layout:             layout,
		DefaultMaxAttempts: cfg.DefaultMaxAttempts,
		AdminAuthEnabled:   cfg.AdminAuthEnabled,
	}
	if cfg.AdminAuthEnabled {
		handler, err := auth.Auth0Middleware(auth.Config{Domain: cfg.Auth0Domain, Audience: cfg.Auth0Audience})
		if err != nil {
			slog.Error("failed to build auth0 middleware", "error", err)
			os.Exit(1)
		}
		deps.Auth0 = handler
	}

	router := server.NewRouter(deps)
	httpServer := server.New(cfg.Port, router)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := httpServer.Start(); err != nil {
			slog.Error("http server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("forgecast server started", "port", cfg.Port)

	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	} else {
		slog.Info("server exited gracefully")
	}
}

func runReclaimLoop(ctx context.Context, db *store.Store, interval, stuckThreshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().UTC().Add(-stuckThreshold)
			requeued, failed, err := db.ReclaimStuck(ctx, deadline)
			if err != nil {
				slog.Error("reclaim sweep failed", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				slog.Info("reclaimed stuck jobs", "requeued", requeued, "failed", failed)
			}
		}
	}
}

func runFeedPollLoop(ctx context.Context, driver *discovery.Driver, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			driver.PollAll(ctx)
		}
	}
}

func runAutoScaleLoop(ctx context.Context, p *provision.Provisioner, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.MaybeAutoScale(ctx)
		}
	}
}
