// Command node is the remote transcription worker agent: it registers
// with the server (or reuses pre-issued credentials), polls for
// Transcribe jobs, streams audio down, drives a local ASR backend, and
// submits results back. It watches its own idle/unreachable/failure
// signals and politely requests its own termination when any trips,
// unless started with NODE_PERSISTENT=true.
package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"forgecast/internal/asr"
	"forgecast/internal/audioprobe"
	"forgecast/internal/httpclient"
	"forgecast/internal/worker"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
)

type nodeConfig struct {
	ServerURL     string
	DisplayName   string
	DeclaredModel string
	NodeID        string
	APIKey        string
	Persistent    bool

	RequiredEmptyChecks      int
	EmptyQueueWaitSeconds    int
	IdleTimeoutMinutes       int
	ServerUnreachableMinutes int
	MaxConsecutiveFailures   int
	HeartbeatIntervalSeconds int

	ASRBackendURL string
	ASREngine     string
	ASRModelName  string

	ChunkThresholdMinutes int
	ChunkSizeMinutes      int
}

func loadNodeConfig() nodeConfig {
	return nodeConfig{
		ServerURL:     getEnv("SERVER_URL", "http://localhost:8080"),
		DisplayName:   getEnv("NODE_DISPLAY_NAME", "node-"+strconv.FormatInt(time.Now().UnixNano(), 36)),
		DeclaredModel: getEnv("NODE_DECLARED_MODEL", "whisper"),
		NodeID:        os.Getenv("NODE_ID"),
		APIKey:        os.Getenv("NODE_API_KEY"),
		Persistent:    getEnv("NODE_PERSISTENT", "false") == "true",

		RequiredEmptyChecks:      getEnvInt("NODE_REQUIRED_EMPTY_CHECKS", 2),
		EmptyQueueWaitSeconds:    getEnvInt("NODE_EMPTY_QUEUE_WAIT_SECONDS", 60),
		IdleTimeoutMinutes:       getEnvInt("NODE_IDLE_TIMEOUT_MINUTES", 10),
		ServerUnreachableMinutes: getEnvInt("NODE_SERVER_UNREACHABLE_MINUTES", 5),
		MaxConsecutiveFailures:   getEnvInt("NODE_MAX_CONSECUTIVE_FAILURES", 3),
		HeartbeatIntervalSeconds: getEnvInt("NODE_HEARTBEAT_INTERVAL_SECONDS", 30),

		ASRBackendURL: getEnv("ASR_BACKEND_URL", "http://localhost:8000"),
		ASREngine:     getEnv("ASR_ENGINE", "whisper"),
		ASRModelName:  getEnv("ASR_MODEL_NAME", "large-v3"),

		ChunkThresholdMinutes: getEnvInt("WHISPER_CHUNK_THRESHOLD_MINUTES", 30),
		ChunkSizeMinutes:      getEnvInt("WHISPER_CHUNK_SIZE_MINUTES", 30),
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// agent holds the running node's credentials and self-termination
// bookkeeping.
type agent struct {
	cfg     nodeConfig
	http    *resty.Client
	backend *asr.Client

	mu            sync.Mutex // guards claimedJobIDs (poll loop vs heartbeat loop)
	claimedJobIDs []string

	consecutiveEmpty int
	lastCompletedAt  time.Time
	lastReachedAt    time.Time
	breaker          *gobreaker.CircuitBreaker
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg := loadNodeConfig()
	httpClient := httpclient.New(httpclient.DefaultOptions()).SetBaseURL(cfg.ServerURL)

	a := &agent{
		cfg:             cfg,
		http:            httpClient,
		backend:         asr.New(httpClient, cfg.ASRBackendURL, cfg.ASREngine, cfg.ASRModelName),
		lastCompletedAt: time.Now(),
		lastReachedAt:   time.Now(),
	}
	a.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "transcribe",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.MaxConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("node: circuit breaker state change", "name", name, "from", from, "to", to)
		},
	})

	if cfg.NodeID == "" || cfg.APIKey == "" {
		id, key, err := a.register(context.Background())
		if err != nil {
			slog.Error("node: registration failed", "error", err)
			os.Exit(1)
		}
		a.cfg.NodeID = id
		a.cfg.APIKey = key
		slog.Info("node: registered", "node_id", id)
	}
	a.http.SetHeaders(map[string]string{
		"X-Node-Id":         a.cfg.NodeID,
		"X-Transcriber-Key": a.cfg.APIKey,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("node: received shutdown signal")
		cancel()
	}()

	go a.heartbeatLoop(ctx)
	a.pollLoop(ctx)
}

func (a *agent) pollLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := a.claim(ctx)
		if err != nil {
			a.checkUnreachable(ctx)
			time.Sleep(time.Duration(a.cfg.EmptyQueueWaitSeconds) * time.Second)
			continue
		}
		a.lastReachedAt = time.Now()

		if job == nil {
			a.consecutiveEmpty++
			if a.shouldTerminateEmptyQueue() || a.shouldTerminateIdle() {
				a.requestTermination(ctx, "no work / idle timeout")
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(a.cfg.EmptyQueueWaitSeconds) * time.Second):
			}
			continue
		}

		a.consecutiveEmpty = 0
		a.setClaimed(job.ID, true)
		a.runJob(ctx, job)
		a.setClaimed(job.ID, false)

		if a.shouldTerminateCircuitOpen() {
			a.requestTermination(ctx, "circuit breaker open")
			return
		}
	}
}

func (a *agent) shouldTerminateEmptyQueue() bool {
	return !a.cfg.Persistent && a.consecutiveEmpty >= a.cfg.RequiredEmptyChecks
}

func (a *agent) shouldTerminateIdle() bool {
	if a.cfg.Persistent {
		return false
	}
	return time.Since(a.lastCompletedAt) > time.Duration(a.cfg.IdleTimeoutMinutes)*time.Minute
}

func (a *agent) shouldTerminateCircuitOpen() bool {
	return !a.cfg.Persistent && a.breaker.State() == gobreaker.StateOpen
}

func (a *agent) checkUnreachable(ctx context.Context) {
	if a.cfg.Persistent {
		return
	}
	if time.Since(a.lastReachedAt) > time.Duration(a.cfg.ServerUnreachableMinutes)*time.Minute {
		slog.Error("node: server unreachable past threshold, exiting")
		a.requestTermination(ctx, "server unreachable")
		os.Exit(1)
	}
}

func (a *agent) setClaimed(jobID string, held bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if held {
		a.claimedJobIDs = append(a.claimedJobIDs, jobID)
		return
	}
	out := a.claimedJobIDs[:0]
	for _, id := range a.claimedJobIDs {
		if id != jobID {
			out = append(out, id)
		}
	}
	a.claimedJobIDs = out
}

func (a *agent) snapshotClaimed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.claimedJobIDs...)
}

// jobDTO mirrors store.Job's wire shape. store.Job carries no json tags,
// so gin marshals it under its Go field names verbatim.
type jobDTO struct {
	ID        string
	EpisodeID string
	Kind      string
}

func (a *agent) register(ctx context.Context) (string, string, error) {
	var result struct {
		ID     string `json:"id"`
		APIKey string `json:"api_key"`
	}
	resp, err := a.http.R().SetContext(ctx).
		SetBody(map[string]any{
			"display_name":   a.cfg.DisplayName,
			"declared_model": a.cfg.DeclaredModel,
		}).
		SetResult(&result).
		Post("/api/nodes/register")
	if err != nil {
		return "", "", fmt.Errorf("register request failed: %w", err)
	}
	if resp.IsError() {
		return "", "", fmt.Errorf("register: status %d", resp.StatusCode())
	}
	return result.ID, result.APIKey, nil
}

func (a *agent) claim(ctx context.Context) (*jobDTO, error) {
	var job jobDTO
	resp, err := a.http.R().SetContext(ctx).
		SetBody(map[string]string{"kind": "Transcribe"}).
		SetResult(&job).
		Post(fmt.Sprintf("/api/nodes/%s/claim", a.cfg.NodeID))
	if err != nil {
		return nil, fmt.Errorf("claim request failed: %w", err)
	}
	if resp.StatusCode() == 204 {
		return nil, nil
	}
	if resp.IsError() {
		return nil, fmt.Errorf("claim: status %d", resp.StatusCode())
	}
	return &job, nil
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(a.cfg.HeartbeatIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			resp, err := a.http.R().SetContext(ctx).
				SetBody(map[string]any{"claimed_job_ids": a.snapshotClaimed()}).
				Post(fmt.Sprintf("/api/nodes/%s/heartbeat", a.cfg.NodeID))
			if err != nil || resp.IsError() {
				slog.Warn("node: heartbeat failed", "error", err)
				continue
			}
			a.lastReachedAt = time.Now()
		}
	}
}

func (a *agent) runJob(ctx context.Context, job *jobDTO) {
	_, err := a.breaker.Execute(func() (interface{}, error) {
		return nil, a.transcribeAndSubmit(ctx, job)
	})
	if err != nil {
		slog.Error("node: job failed", "job_id", job.ID, "error", err)
		return
	}
	a.lastCompletedAt = time.Now()
}

func (a *agent) transcribeAndSubmit(ctx context.Context, job *jobDTO) error {
	audioPath, err := a.downloadAudio(ctx, job.ID)
	if err != nil {
		a.fail(ctx, job.ID, "download_failed", err.Error())
		return err
	}
	defer os.Remove(audioPath)

	duration, err := audioprobe.Duration(audioPath)
	if err != nil {
		a.fail(ctx, job.ID, "transcribe_failed", err.Error())
		return err
	}

	var allSegments []worker.Segment
	for _, c := range planChunks(duration, time.Duration(a.cfg.ChunkThresholdMinutes)*time.Minute, time.Duration(a.cfg.ChunkSizeMinutes)*time.Minute) {
		segs, err := a.backend.TranscribeChunk(ctx, audioPath, c.start, c.end)
		if err != nil {
			a.fail(ctx, job.ID, "transcribe_failed", err.Error())
			return err
		}
		allSegments = append(allSegments, segs...)
	}

	content := renderTranscript(a.backend.Engine(), a.backend.ModelName(), allSegments)
	return a.complete(ctx, job.ID, content)
}

type chunkWindow struct {
	start, end time.Duration
}

// planChunks duplicates worker.planChunks: the server-side handler's
// version is unexported, and a remote node runs in its own process.
func planChunks(duration, threshold, size time.Duration) []chunkWindow {
	if duration <= threshold {
		return []chunkWindow{{0, duration}}
	}
	var out []chunkWindow
	for start := time.Duration(0); start < duration; start += size {
		end := start + size
		if end > duration {
			end = duration
		}
		out = append(out, chunkWindow{start, end})
	}
	return out
}

func (a *agent) downloadAudio(ctx context.Context, jobID string) (string, error) {
	f, err := os.CreateTemp("", "forgecast-node-audio-*")
	if err != nil {
		return "", err
	}
	defer f.Close()

	resp, err := a.http.R().SetContext(ctx).SetOutput(f.Name()).
		Get(fmt.Sprintf("/api/nodes/jobs/%s/audio", jobID))
	if err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("stream audio: %w", err)
	}
	if resp.IsError() {
		os.Remove(f.Name())
		return "", fmt.Errorf("stream audio: status %d", resp.StatusCode())
	}
	return f.Name(), nil
}

func (a *agent) complete(ctx context.Context, jobID, content string) error {
	resp, err := a.http.R().SetContext(ctx).
		SetBody(map[string]string{
			"content": content,
			"source":  a.backend.Engine(),
			"model":   a.backend.ModelName(),
		}).
		Post(fmt.Sprintf("/api/nodes/jobs/%s/complete", jobID))
	if err != nil {
		return fmt.Errorf("complete request failed: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("complete: status %d", resp.StatusCode())
	}
	return nil
}

func (a *agent) fail(ctx context.Context, jobID, reason, message string) {
	_, err := a.http.R().SetContext(ctx).
		SetBody(map[string]string{"reason": reason, "message": message}).
		Post(fmt.Sprintf("/api/nodes/jobs/%s/fail", jobID))
	if err != nil {
		slog.Warn("node: report failure failed", "job_id", jobID, "error", err)
	}
}

func (a *agent) requestTermination(ctx context.Context, reason string) {
	slog.Info("node: requesting self-termination", "reason", reason)
	resp, err := a.http.R().SetContext(ctx).
		Post(fmt.Sprintf("/api/nodes/%s/request-termination", a.cfg.NodeID))
	if err != nil || resp.IsError() {
		slog.Error("node: termination request failed", "error", err)
	}
}

func renderTranscript(source, model string, segments []worker.Segment) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "---\ntitle: \nsource: %s\nmodel: %s\n---\n\n", source, model)
	for _, s := range segments {
		d := time.Duration(s.Start * float64(time.Second))
		fmt.Fprintf(&buf, "[%02d:%02d:%02d] %s\n", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60, s.Text)
	}
	return buf.String()
}
