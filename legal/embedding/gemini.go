package embedding

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/llm"
)

var _ legal.Embedder = (*Gemini)(nil)

// Gemini implements legal.Embedder with the Generative Language
// batchEmbedContents API.
type Gemini struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	limiter llm.Waiter
}

// NewGemini creates a Gemini embedder. apiKey is required by the service but
// not checked here; the CLI validates credentials at startup.
func NewGemini(apiKey, model, baseURL string, opts ...Option) *Gemini {
	if model == "" {
		model = "text-embedding-004"
	}
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	o := buildOptions(opts)
	return &Gemini{
		apiKey:  apiKey,
		model:   strings.TrimPrefix(model, "models/"),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  o.client,
		limiter: o.limiter,
	}
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedRequest struct {
	Model   string `json:"model"`
	Content struct {
		Parts []geminiPart `json:"parts"`
	} `json:"content"`
}

type geminiBatchRequest struct {
	Requests []geminiEmbedRequest `json:"requests"`
}

type geminiBatchResponse struct {
	Embeddings []struct {
		Values []float32 `json:"values"`
	} `json:"embeddings"`
}

func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batch := geminiBatchRequest{Requests: make([]geminiEmbedRequest, len(texts))}
	for i, t := range texts {
		r := geminiEmbedRequest{Model: "models/" + g.model}
		r.Content.Parts = []geminiPart{{Text: t}}
		batch.Requests[i] = r
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:batchEmbedContents", g.baseURL, g.model)
	respBody, err := post(ctx, g.client, g.limiter, url, map[string]string{"x-goog-api-key": g.apiKey}, body)
	if err != nil {
		return nil, err
	}

	var resp geminiBatchResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, llm.NewTransientError(fmt.Errorf("failed to parse response: %w", err))
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, llm.NewTransientError(fmt.Errorf("got %d embeddings for %d texts", len(resp.Embeddings), len(texts)))
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (g *Gemini) Model() string {
	return g.model
}
