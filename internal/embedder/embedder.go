// Package embedder implements worker.Embedder against an HTTP
// embeddings service (a local sentence-transformers/bge server). The
// embedding model stays external; this is the thin resty client the
// Embed worker drives, built the same way as internal/asr.
package embedder

import (
	"context"
	"fmt"

	"forgecast/internal/worker"

	"github.com/go-resty/resty/v2"
)

// Client drives a remote embeddings HTTP service.
type Client struct {
	http      *resty.Client
	baseURL   string
	modelName string
}

// New builds a Client pointed at baseURL (e.g. EMBED_BACKEND_URL),
// reporting modelName as the model_name tag stored with each vector.
func New(client *resty.Client, baseURL, modelName string) *Client {
	return &Client{http: client, baseURL: baseURL, modelName: modelName}
}

// ModelName implements worker.Embedder.
func (c *Client) ModelName() string {
	return c.modelName
}

type embedRequest struct {
	Model string `json:"model"`
	Text  string `json:"text"`
}

type embedResponse struct {
	Vector []float32 `json:"vector"`
}

// Embed implements worker.Embedder.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var result embedResponse
	resp, err := c.http.R().SetContext(ctx).
		SetBody(embedRequest{Model: c.modelName, Text: text}).
		SetResult(&result).
		Post(c.baseURL + "/embed")
	if err != nil {
		return nil, fmt.Errorf("embedder: request failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("embedder: status %d", resp.StatusCode())
	}
	if len(result.Vector) == 0 {
		return nil, fmt.Errorf("embedder: empty vector returned")
	}
	return result.Vector, nil
}

var _ worker.Embedder = (*Client)(nil)
