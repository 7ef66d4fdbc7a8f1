package llm_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/c360studio/eiaudit/llm"
	_ "github.com/c360studio/eiaudit/llm/providers" // Register providers
	"github.com/c360studio/eiaudit/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chatResponse(model, content string) map[string]any {
	return map[string]any{
		"id":    "chatcmpl-123",
		"model": model,
		"choices": []map[string]any{
			{
				"index": 0,
				"message": map[string]string{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
		},
	}
}

func singleEndpointRegistry(url string) *model.Registry {
	return model.NewRegistry(
		map[model.Role]*model.RoleConfig{
			model.RoleRouter: {
				Preferred: []string{"test-model"},
			},
		},
		map[string]*model.EndpointConfig{
			"test-model": {
				Provider: "ollama",
				URL:      url,
				Model:    "test-model",
			},
		},
	)
}

func fastRetry(attempts int) llm.ClientOption {
	return llm.WithRetryConfig(llm.RetryConfig{
		MaxAttempts:       attempts,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        10 * time.Millisecond,
	})
}

type countingLimiter struct {
	calls atomic.Int32
}

func (l *countingLimiter) Wait(ctx context.Context) error {
	l.calls.Add(1)
	return ctx.Err()
}

func TestClient_Complete_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(chatResponse("served-model-v2", `{"selected_filenames": []}`))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL))

	resp, err := client.Complete(context.Background(), llm.Request{
		Role: model.RoleRouter,
		Messages: []llm.Message{
			{Role: "user", Content: "Route"},
		},
	})

	require.NoError(t, err)
	assert.Equal(t, `{"selected_filenames": []}`, resp.Content)
	assert.Equal(t, "test-model", resp.Model, "pricing key is the configured model")
	assert.Equal(t, "served-model-v2", resp.ServedModel)
	assert.Equal(t, "test-model", resp.Endpoint)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 10, resp.Usage.PromptTokens)
	assert.Equal(t, 8, resp.Usage.CompletionTokens)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestClient_Complete_AppliesRoleDefaults(t *testing.T) {
	var body map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		json.NewEncoder(w).Encode(chatResponse("m", "ok"))
	}))
	defer server.Close()

	registry := singleEndpointRegistry(server.URL)
	registry.SetRole(model.RoleRouter, &model.RoleConfig{
		Preferred:   []string{"test-model"},
		Temperature: model.Float64(0),
		MaxTokens:   512,
	})
	client := llm.NewClient(registry)

	_, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Route"}},
	})
	require.NoError(t, err)
	assert.Equal(t, float64(0), body["temperature"])
	assert.Equal(t, float64(512), body["max_tokens"])

	// Explicit request values win over role defaults.
	_, err = client.Complete(context.Background(), llm.Request{
		Role:        model.RoleRouter,
		Messages:    []llm.Message{{Role: "user", Content: "Route"}},
		Temperature: model.Float64(0.5),
		MaxTokens:   64,
	})
	require.NoError(t, err)
	assert.Equal(t, 0.5, body["temperature"])
	assert.Equal(t, float64(64), body["max_tokens"])
}

func TestClient_Complete_RetryOnTransientError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Service temporarily unavailable"))
			return
		}
		json.NewEncoder(w).Encode(chatResponse("test-model", "Success after retries"))
	}))
	defer server.Close()

	limiter := &countingLimiter{}
	client := llm.NewClient(singleEndpointRegistry(server.URL), fastRetry(3), llm.WithLimiter(limiter))

	resp, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success after retries", resp.Content)
	assert.Equal(t, int32(3), attempts.Load())
	assert.Equal(t, int32(3), limiter.calls.Load(), "every attempt is paced")
}

func TestClient_Complete_NoRetryOnFatalError(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte("Invalid API key"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL))

	_, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Equal(t, int32(1), attempts.Load())
}

func TestClient_Complete_MissingCredential(t *testing.T) {
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
	}))
	defer server.Close()

	registry := singleEndpointRegistry(server.URL)
	registry.SetEndpoint("test-model", &model.EndpointConfig{
		Provider:  "ollama",
		URL:       server.URL,
		Model:     "test-model",
		APIKeyEnv: "EIAUDIT_TEST_KEY",
	})
	client := llm.NewClient(registry, llm.WithEnv(func(string) string { return "" }))

	_, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsFatal(err))
	assert.Contains(t, err.Error(), "EIAUDIT_TEST_KEY")
	assert.Equal(t, int32(0), attempts.Load())
}

func TestClient_Complete_SendsCredential(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(chatResponse("m", "ok"))
	}))
	defer server.Close()

	registry := singleEndpointRegistry(server.URL)
	registry.SetEndpoint("test-model", &model.EndpointConfig{
		Provider:  "openai",
		URL:       server.URL,
		Model:     "test-model",
		APIKeyEnv: "EIAUDIT_TEST_KEY",
	})
	client := llm.NewClient(registry, llm.WithEnv(func(name string) string {
		if name == "EIAUDIT_TEST_KEY" {
			return "sk-test"
		}
		return ""
	}))

	_, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})
	require.NoError(t, err)
}

func TestClient_Complete_Fallback(t *testing.T) {
	var primaryAttempts, fallbackAttempts atomic.Int32

	primaryServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		primaryAttempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("Primary down"))
	}))
	defer primaryServer.Close()

	fallbackServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackAttempts.Add(1)
		json.NewEncoder(w).Encode(chatResponse("fallback-model", "From fallback"))
	}))
	defer fallbackServer.Close()

	registry := model.NewRegistry(
		map[model.Role]*model.RoleConfig{
			model.RoleAuditor: {
				Preferred: []string{"primary"},
				Fallback:  []string{"fallback"},
			},
		},
		map[string]*model.EndpointConfig{
			"primary": {
				Provider: "ollama",
				URL:      primaryServer.URL,
				Model:    "primary-model",
			},
			"fallback": {
				Provider: "ollama",
				URL:      fallbackServer.URL,
				Model:    "fallback-model",
			},
		},
	)

	client := llm.NewClient(registry, fastRetry(2))

	resp, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleAuditor,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "From fallback", resp.Content)
	assert.Equal(t, "fallback-model", resp.Model)
	assert.Equal(t, "fallback", resp.Endpoint)
	assert.Equal(t, int32(2), primaryAttempts.Load())
	assert.Equal(t, int32(1), fallbackAttempts.Load())

	health := registry.GetEndpointHealth("primary")
	require.NotNil(t, health)
	assert.Equal(t, 1, health.FailureCount)
}

func TestClient_Complete_AllEndpointsFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), fastRetry(2))

	_, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsTransient(err))
	assert.Contains(t, err.Error(), "all endpoints failed for role router")
}

func TestClient_Complete_RateLimitRetry(t *testing.T) {
	var attempts atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte("Rate limited"))
			return
		}
		json.NewEncoder(w).Encode(chatResponse("test-model", "Success"))
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL), fastRetry(3))

	resp, err := client.Complete(context.Background(), llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "Success", resp.Content)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestClient_Complete_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := llm.NewClient(singleEndpointRegistry(server.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Complete(ctx, llm.Request{
		Role:     model.RoleRouter,
		Messages: []llm.Message{{Role: "user", Content: "Test"}},
	})

	require.Error(t, err)
	assert.True(t, llm.IsCanceled(err))
}

func TestClient_Complete_ValidationErrors(t *testing.T) {
	client := llm.NewClient(model.NewDefaultRegistry())

	tests := []struct {
		name    string
		req     llm.Request
		wantErr string
	}{
		{
			name:    "empty role",
			req:     llm.Request{Messages: []llm.Message{{Role: "user", Content: "hi"}}},
			wantErr: "role is required",
		},
		{
			name:    "no messages",
			req:     llm.Request{Role: model.RoleRouter},
			wantErr: "at least one message is required",
		},
		{
			name:    "unconfigured role",
			req:     llm.Request{Role: model.Role("planner"), Messages: []llm.Message{{Role: "user", Content: "hi"}}},
			wantErr: "no models configured for role planner",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.Complete(context.Background(), tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
