// Package testutil provides test utilities for the llm package.
// It includes mock implementations for testing LLM client interactions.
package testutil

import (
	"context"
	"sync"

	"github.com/c360studio/eiaudit/llm"
)

// MockLLMClient is a thread-safe mock LLM client for testing.
// It records every request passed to Complete() and returns configured responses.
//
// Usage:
//
//	// Scripted responses, returned in sequence
//	mock := &MockLLMClient{
//	    Responses: []*llm.Response{
//	        {Content: `{"selected_filenames": ["Chapter_3.pdf"]}`, Model: "gemini-1.5-flash"},
//	        {Content: `{"status": "CUMPLE", ...}`, Model: "gemini-1.5-pro"},
//	    },
//	}
//
//	// Answer by role
//	mock := &MockLLMClient{
//	    Handler: func(req llm.Request) (*llm.Response, error) {
//	        if req.Role == model.RoleRouter { ... }
//	    },
//	}
//
//	// Error response
//	mock := &MockLLMClient{
//	    Err: errors.New("connection failed"),
//	}
type MockLLMClient struct {
	mu              sync.Mutex
	capturedContext context.Context
	requests        []llm.Request
	Responses       []*llm.Response // Responses to return in sequence
	Err             error           // Error to return (takes precedence over Responses)

	// Handler, when set, answers every call and takes precedence over
	// Responses. Err still wins over Handler.
	Handler       func(req llm.Request) (*llm.Response, error)
	responseIndex int
}

// Complete returns the next scripted response, the Handler result, or Err.
func (m *MockLLMClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.capturedContext = ctx
	m.requests = append(m.requests, req)

	if m.Err != nil {
		return nil, m.Err
	}

	if m.Handler != nil {
		return m.Handler(req)
	}

	if m.responseIndex < len(m.Responses) {
		resp := m.Responses[m.responseIndex]
		m.responseIndex++
		return resp, nil
	}

	// Default response if no responses configured
	return &llm.Response{Content: "", Model: "test-model"}, nil
}

// GetCapturedContext returns the last context passed to Complete().
func (m *MockLLMClient) GetCapturedContext() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capturedContext
}

// GetCallCount returns the number of times Complete() was called.
func (m *MockLLMClient) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Requests returns a copy of every request received, in call order.
func (m *MockLLMClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.requests...)
}

// CallsFor counts calls made with the given role.
func (m *MockLLMClient) CallsFor(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if string(r.Role) == role {
			n++
		}
	}
	return n
}

// Reset resets the mock's state (recorded calls and response index).
// Useful for reusing the same mock instance across multiple test cases.
func (m *MockLLMClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.responseIndex = 0
	m.capturedContext = nil
}
