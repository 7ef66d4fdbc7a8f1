// Package embedding provides legal.Embedder adapters for OpenAI-compatible
// and Gemini embedding APIs. Every HTTP call passes through the shared
// rate limiter and errors are classified like model calls.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/llm"
)

var _ legal.Embedder = (*OpenAI)(nil)

const maxResponseSize = 32 * 1024 * 1024

// OpenAI implements legal.Embedder against an OpenAI-compatible /embeddings
// endpoint. Ollama and the offline mock server speak the same protocol.
type OpenAI struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	limiter llm.Waiter
}

// Option configures an embedder.
type Option func(*options)

type options struct {
	client  *http.Client
	limiter llm.Waiter
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.client = c
	}
}

// WithLimiter paces every request through w.
func WithLimiter(w llm.Waiter) Option {
	return func(o *options) {
		o.limiter = w
	}
}

func buildOptions(opts []Option) options {
	o := options{client: &http.Client{Timeout: 60 * time.Second}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewOpenAI creates an OpenAI-compatible embedder. An empty apiKey sends no
// Authorization header.
func NewOpenAI(apiKey, model, baseURL string, opts ...Option) *OpenAI {
	if model == "" {
		model = "text-embedding-3-small"
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	o := buildOptions(opts)
	return &OpenAI{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  o.client,
		limiter: o.limiter,
	}
}

// embeddingRequest is the request body for the embeddings API
type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

// embeddingResponse is the response from the embeddings API
type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Embed generates embeddings for multiple texts
func (e *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: "float",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}

	respBody, err := post(ctx, e.client, e.limiter, e.baseURL+"/embeddings", headers, body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("failed to parse response: %w", err))
	}
	if resp.Error != nil {
		return nil, llm.NewFatalError(fmt.Errorf("embedding API error: %s (type: %s)", resp.Error.Message, resp.Error.Type))
	}

	// Sort by index to ensure order matches input
	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, v := range embeddings {
		if len(v) == 0 {
			return nil, llm.NewTransientError(fmt.Errorf("no embedding returned for input %d", i))
		}
	}
	return embeddings, nil
}

// Model returns the model name being used
func (e *OpenAI) Model() string {
	return e.model
}

// post sends one JSON request after waiting on the limiter and returns the
// body of a 200 response. Other statuses are classified as transient or fatal.
func post(ctx context.Context, client *http.Client, limiter llm.Waiter, url string, headers map[string]string, body []byte) ([]byte, error) {
	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, llm.NewFatalError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, llm.NewTransientError(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		snippet := string(respBody)
		if len(snippet) > 200 {
			snippet = snippet[:200] + "..."
		}
		err := fmt.Errorf("embedding API returned status %d: %s", resp.StatusCode, snippet)
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode >= 500 {
			return nil, llm.NewTransientError(err)
		}
		return nil, llm.NewFatalError(err)
	}
	return respBody, nil
}
