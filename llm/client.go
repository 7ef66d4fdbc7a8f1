// Package llm provides a provider-agnostic LLM client with retry and fallback support.
// It integrates with the model.Registry for role-based model selection.
package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/c360studio/eiaudit/model"
	"github.com/google/uuid"
)

// maxResponseSize limits the LLM response body to prevent memory exhaustion.
const maxResponseSize = 10 * 1024 * 1024 // 10MB

// Waiter paces outgoing calls. ratelimit.Limiter implements it.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Client is a provider-agnostic LLM client with retry and fallback support.
type Client struct {
	registry    *model.Registry
	httpClient  *http.Client
	retryConfig RetryConfig
	logger      *slog.Logger
	limiter     Waiter
	getenv      func(string) string
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`    // "system", "user", or "assistant"
	Content string `json:"content"` // Message content
}

// Request defines an LLM completion request.
type Request struct {
	// Role names the pipeline stage issuing the call.
	// The registry resolves it to an endpoint chain and default sampling settings.
	Role model.Role

	// Messages is the chat history to send to the LLM.
	Messages []Message

	// Temperature controls randomness. nil uses the role default, 0 is deterministic.
	Temperature *float64

	// MaxTokens limits response length. 0 uses the role default.
	MaxTokens int

	// JSONMode asks the provider to constrain output to a JSON document
	// where the API supports it.
	JSONMode bool
}

// TokenUsage represents token consumption details for an LLM call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response contains the LLM completion result.
type Response struct {
	// RequestID uniquely identifies this LLM call for log correlation.
	RequestID string

	// Content is the generated text.
	Content string

	// Model is the configured model identifier of the endpoint that answered.
	// Pricing is keyed on this value.
	Model string

	// ServedModel is the model name reported by the provider, if any.
	ServedModel string

	// Endpoint is the registry endpoint name that answered.
	Endpoint string

	// Usage contains detailed token consumption metrics.
	Usage TokenUsage

	// FinishReason indicates why generation stopped.
	FinishReason string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(client *Client) {
		client.httpClient = c
	}
}

// WithRetryConfig sets the retry configuration.
func WithRetryConfig(cfg RetryConfig) ClientOption {
	return func(client *Client) {
		client.retryConfig = cfg
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(client *Client) {
		client.logger = logger
	}
}

// WithLimiter paces every HTTP attempt, retries included, through w.
func WithLimiter(w Waiter) ClientOption {
	return func(client *Client) {
		client.limiter = w
	}
}

// WithEnv replaces the environment lookup used to resolve endpoint credentials.
func WithEnv(getenv func(string) string) ClientOption {
	return func(client *Client) {
		client.getenv = getenv
	}
}

// NewClient creates a new LLM client with the given model registry.
func NewClient(registry *model.Registry, opts ...ClientOption) *Client {
	c := &Client{
		registry:    registry,
		retryConfig: DefaultRetryConfig(),
		httpClient: &http.Client{
			Timeout: 180 * time.Second, // Allow time for long audit responses
		},
		logger: slog.Default(),
		getenv: os.Getenv,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Registry returns the model registry backing the client.
func (c *Client) Registry() *model.Registry {
	return c.registry
}

// Complete sends a completion request, handling retry and fallback logic.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	if req.Role == "" {
		return nil, fmt.Errorf("role is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("at least one message is required")
	}

	requestID := uuid.New().String()
	req = c.applyRoleDefaults(req)

	chain := c.registry.GetAvailableFallbackChain(req.Role)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no models configured for role %s", req.Role)
	}

	var lastErr error
	for _, name := range chain {
		endpoint := c.registry.GetEndpoint(name)
		if endpoint == nil {
			c.logger.Debug("No endpoint for model, skipping", "endpoint", name)
			continue
		}

		resp, attempts, err := c.tryEndpointWithRetry(ctx, endpoint, name, req)
		if err == nil {
			resp.RequestID = requestID
			resp.Endpoint = name
			c.logger.Debug("LLM call completed",
				"request_id", requestID,
				"role", req.Role,
				"endpoint", name,
				"attempts", attempts,
				"prompt_tokens", resp.Usage.PromptTokens,
				"completion_tokens", resp.Usage.CompletionTokens)
			return resp, nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.logger.Warn("Endpoint failed, trying fallback",
			"request_id", requestID,
			"endpoint", name,
			"provider", endpoint.Provider,
			"error", err)

		if IsFatal(err) {
			c.logger.Warn("Fatal error, not trying fallbacks", "request_id", requestID, "error", err)
			return nil, err
		}
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no usable endpoint for role %s", req.Role)
	}
	return nil, fmt.Errorf("all endpoints failed for role %s: %w", req.Role, lastErr)
}

// applyRoleDefaults fills unset sampling settings from the role configuration.
func (c *Client) applyRoleDefaults(req Request) Request {
	settings, ok := c.registry.RoleSettings(req.Role)
	if !ok {
		return req
	}
	if req.Temperature == nil && settings.Temperature != nil {
		req.Temperature = model.Float64(*settings.Temperature)
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = settings.MaxTokens
	}
	return req
}

// tryEndpointWithRetry attempts a request with retry logic and returns the attempt count.
func (c *Client) tryEndpointWithRetry(ctx context.Context, ep *model.EndpointConfig, name string, req Request) (*Response, int, error) {
	var lastErr error

	for attempt := 1; attempt <= c.retryConfig.MaxAttempts; attempt++ {
		resp, err := c.doRequest(ctx, ep, req)
		if err == nil {
			c.registry.MarkEndpointSuccess(name)
			return resp, attempt, nil
		}

		lastErr = err

		// Fatal errors indicate config issues, not endpoint health.
		if IsFatal(err) {
			return nil, attempt, err
		}

		if attempt < c.retryConfig.MaxAttempts {
			backoff := c.calculateBackoff(attempt)
			c.logger.Debug("Request failed, retrying",
				"attempt", attempt,
				"max_attempts", c.retryConfig.MaxAttempts,
				"backoff", backoff,
				"error", err)

			select {
			case <-ctx.Done():
				return nil, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	c.registry.MarkEndpointFailure(name)

	return nil, c.retryConfig.MaxAttempts, lastErr
}

// calculateBackoff computes exponential backoff duration with jitter.
func (c *Client) calculateBackoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.retryConfig.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.retryConfig.BackoffBase) * multiplier)
	if backoff > c.retryConfig.MaxBackoff {
		backoff = c.retryConfig.MaxBackoff
	}

	// +/- 25%
	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}

// doRequest executes a single HTTP request to the LLM endpoint.
func (c *Client) doRequest(ctx context.Context, ep *model.EndpointConfig, req Request) (*Response, error) {
	provider := GetProvider(ep.Provider)
	if provider == nil {
		return nil, NewFatalError(fmt.Errorf("unknown provider: %s", ep.Provider))
	}

	var apiKey string
	if ep.APIKeyEnv != "" {
		apiKey = c.getenv(ep.APIKeyEnv)
		if apiKey == "" {
			return nil, NewFatalError(fmt.Errorf("credential %s is not set", ep.APIKeyEnv))
		}
	}

	url := provider.BuildURL(ep.URL, ep.Model)

	body, err := provider.BuildRequestBody(ep.Model, req)
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("build request body: %w", err))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	c.logger.Debug("Sending LLM request",
		"provider", ep.Provider,
		"model", ep.Model,
		"role", req.Role,
		"messages", len(req.Messages))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, NewFatalError(fmt.Errorf("create HTTP request: %w", err))
	}

	httpReq.Header.Set("Content-Type", "application/json")
	provider.SetHeaders(httpReq, apiKey)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, NewTransientError(fmt.Errorf("HTTP request failed: %w", err))
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("read response body: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, classifyHTTPError(httpResp.StatusCode, respBody)
	}

	resp, err := provider.ParseResponse(respBody, ep.Model)
	if err != nil {
		return nil, NewTransientError(err)
	}
	resp.ServedModel = resp.Model
	resp.Model = ep.Model
	return resp, nil
}

// classifyHTTPError determines if an HTTP error is transient or fatal.
func classifyHTTPError(statusCode int, body []byte) error {
	bodyStr := string(body)
	if len(bodyStr) > 200 {
		bodyStr = bodyStr[:200] + "..."
	}

	err := fmt.Errorf("LLM API error (status %d): %s", statusCode, bodyStr)

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewTransientError(err)
	case statusCode == http.StatusRequestTimeout:
		return NewTransientError(err)
	case statusCode >= 500:
		return NewTransientError(err)
	default:
		// Auth, bad request and anything unrecognised will not improve on retry.
		return NewFatalError(err)
	}
}
