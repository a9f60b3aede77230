// Package asr implements worker.ASRBackend against an HTTP speech-to-text
// service (a local whisper.cpp/faster-whisper/parakeet server, or the
// RunPod-provisioned node's own copy of the same service). The engine
// stays external; this is the thin client both the in-process worker
// pool and a remote node use to drive it, built the same resty-with-retry
// way as internal/feedparser and internal/applelookup.
package asr

import (
	"context"
	"fmt"
	"time"

	"forgecast/internal/worker"

	"github.com/go-resty/resty/v2"
)

// Client drives a remote ASR HTTP service.
type Client struct {
	http      *resty.Client
	baseURL   string
	engine    string
	modelName string
}

// New builds a Client pointed at baseURL (e.g. ASR_BACKEND_URL). engine
// is the engine family ("whisper" or "parakeet"), recorded as the
// episode's transcript_source; modelName is the specific checkpoint
// (e.g. "large-v3"), recorded as transcript_model and sent to the
// service with each request.
func New(client *resty.Client, baseURL, engine, modelName string) *Client {
	return &Client{http: client, baseURL: baseURL, engine: engine, modelName: modelName}
}

// Engine implements worker.ASRBackend.
func (c *Client) Engine() string {
	return c.engine
}

// ModelName implements worker.ASRBackend.
func (c *Client) ModelName() string {
	return c.modelName
}

type transcribeRequest struct {
	ChunkStartSeconds float64 `json:"chunk_start_seconds"`
	ChunkEndSeconds   float64 `json:"chunk_end_seconds"`
}

type transcribeResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
	} `json:"segments"`
}

// TranscribeChunk implements worker.ASRBackend: uploads the audio file
// plus the requested chunk window and returns the word/phrase-level
// segments the service transcribed within it.
func (c *Client) TranscribeChunk(ctx context.Context, audioPath string, chunkStart, chunkEnd time.Duration) ([]worker.Segment, error) {
	var result transcribeResponse
	resp, err := c.http.R().SetContext(ctx).
		SetFile("audio", audioPath).
		SetFormData(map[string]string{
			"chunk_start_seconds": fmt.Sprintf("%f", chunkStart.Seconds()),
			"chunk_end_seconds":   fmt.Sprintf("%f", chunkEnd.Seconds()),
			"model":               c.modelName,
		}).
		SetResult(&result).
		Post(c.baseURL + "/transcribe")
	if err != nil {
		return nil, fmt.Errorf("asr: request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("asr: status %d", resp.StatusCode())
	}

	segments := make([]worker.Segment, 0, len(result.Segments))
	for _, s := range result.Segments {
		segments = append(segments, worker.Segment{Start: s.Start, End: s.End, Text: s.Text})
	}
	return segments, nil
}

var _ worker.ASRBackend = (*Client)(nil)
