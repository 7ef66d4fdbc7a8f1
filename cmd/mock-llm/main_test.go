package main

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "mock-router.json", `{"selected_filenames":["Chapter_3.pdf"]}`)
	writeFixture(t, dir, "mock-auditor.json", `{"status":"CUMPLE"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 models, got %d", len(fixtures))
	}

	// Each model should have exactly 1 fixture (the base)
	for model, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("model %q: expected 1 fixture, got %d", model, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()

	// Numbered fixtures for the auditor (NO CUMPLE then CUMPLE)
	writeFixture(t, dir, "mock-auditor.1.json", `{"status":"NO CUMPLE"}`)
	writeFixture(t, dir, "mock-auditor.2.json", `{"status":"CUMPLE","summary":"fixed"}`)
	// Base fallback
	writeFixture(t, dir, "mock-auditor.json", `{"status":"CUMPLE","summary":"fallback"}`)

	// Non-sequential model
	writeFixture(t, dir, "mock-router.json", `{"selected_filenames":[]}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	// Auditor should have 3 entries: .1, .2, base
	auditorSeq := fixtures["mock-auditor"]
	if len(auditorSeq) != 3 {
		t.Fatalf("mock-auditor: expected 3 fixtures, got %d", len(auditorSeq))
	}

	// Verify order: numbered first (sorted), then base
	if !strings.Contains(auditorSeq[0], "NO CUMPLE") {
		t.Errorf("fixture[0] should be NO CUMPLE, got: %s", auditorSeq[0])
	}
	if !strings.Contains(auditorSeq[1], "fixed") {
		t.Errorf("fixture[1] should be CUMPLE/fixed, got: %s", auditorSeq[1])
	}
	if !strings.Contains(auditorSeq[2], "fallback") {
		t.Errorf("fixture[2] should be CUMPLE/fallback, got: %s", auditorSeq[2])
	}

	// Router should have 1 entry
	routerSeq := fixtures["mock-router"]
	if len(routerSeq) != 1 {
		t.Fatalf("mock-router: expected 1 fixture, got %d", len(routerSeq))
	}
}

func TestLoadFixtures_NumberedOnly(t *testing.T) {
	dir := t.TempDir()

	// Only numbered, no base file
	writeFixture(t, dir, "mock-auditor.1.json", `{"status":"NO CUMPLE"}`)
	writeFixture(t, dir, "mock-auditor.2.json", `{"status":"CUMPLE"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["mock-auditor"]
	if len(seq) != 2 {
		t.Fatalf("expected 2 fixtures, got %d", len(seq))
	}
}

func TestLoadFixtures_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	_, err := loadFixtures(dir)
	if err == nil {
		t.Fatal("expected error for empty directory")
	}
}

func TestSequentialFixtureSelection(t *testing.T) {
	fixtures := map[string][]string{
		"mock-auditor": {
			`{"status":"NO CUMPLE"}`,
			`{"status":"CUMPLE"}`,
		},
		"mock-router": {
			`{"selected_filenames":["Chapter_3.pdf"]}`,
		},
	}

	s := newServer(fixtures, nil)

	// First call to mock-auditor → NO CUMPLE
	resp1 := doCompletion(t, s, "mock-auditor")
	if !strings.Contains(resp1, "NO CUMPLE") {
		t.Errorf("call 1: expected NO CUMPLE, got: %s", resp1)
	}

	// Second call to mock-auditor → CUMPLE
	resp2 := doCompletion(t, s, "mock-auditor")
	if resp2 != `{"status":"CUMPLE"}` {
		t.Errorf("call 2: expected CUMPLE, got: %s", resp2)
	}

	// Third call (beyond sequence) → repeats last (CUMPLE)
	resp3 := doCompletion(t, s, "mock-auditor")
	if resp3 != `{"status":"CUMPLE"}` {
		t.Errorf("call 3: expected CUMPLE (repeat last), got: %s", resp3)
	}

	// Router calls are independent
	routeResp := doCompletion(t, s, "mock-router")
	if !strings.Contains(routeResp, "Chapter_3.pdf") {
		t.Errorf("router: expected Chapter_3.pdf, got: %s", routeResp)
	}
}

func TestStatsEndpoint(t *testing.T) {
	fixtures := map[string][]string{
		"mock-auditor": {`{"status":"CUMPLE"}`},
		"mock-router":  {`{"selected_filenames":[]}`},
	}

	s := newServer(fixtures, nil)

	// Make some calls
	doCompletion(t, s, "mock-auditor")
	doCompletion(t, s, "mock-auditor")
	doCompletion(t, s, "mock-router")

	// Query stats
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	w := httptest.NewRecorder()
	s.handleStats(w, req)

	var stats struct {
		TotalCalls   int64            `json:"total_calls"`
		CallsByModel map[string]int64 `json:"calls_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls: expected 3, got %d", stats.TotalCalls)
	}
	if stats.CallsByModel["mock-auditor"] != 2 {
		t.Errorf("mock-auditor calls: expected 2, got %d", stats.CallsByModel["mock-auditor"])
	}
	if stats.CallsByModel["mock-router"] != 1 {
		t.Errorf("mock-router calls: expected 1, got %d", stats.CallsByModel["mock-router"])
	}
}

func TestStripMockPrefix(t *testing.T) {
	fixtures := map[string][]string{
		"router": {`{"selected_filenames":[]}`},
	}

	s := newServer(fixtures, nil)

	// Request with "mock-" prefix should resolve to "router"
	resp := doCompletion(t, s, "mock-router")
	if !strings.Contains(resp, "selected_filenames") {
		t.Errorf("expected mock-prefix stripping to resolve, got: %s", resp)
	}
}

func TestNumberedFileRegex(t *testing.T) {
	tests := []struct {
		filename string
		wantBase string
		wantNum  string
		match    bool
	}{
		{"mock-auditor.1.json", "mock-auditor", "1", true},
		{"mock-auditor.2.json", "mock-auditor", "2", true},
		{"mock-auditor.10.json", "mock-auditor", "10", true},
		{"mock-auditor.json", "", "", false},
		{"mock-fast.json", "", "", false},
	}

	for _, tt := range tests {
		matches := numberedFileRe.FindStringSubmatch(tt.filename)
		if tt.match {
			if matches == nil {
				t.Errorf("%s: expected match, got nil", tt.filename)
				continue
			}
			if matches[1] != tt.wantBase {
				t.Errorf("%s: base=%q, want %q", tt.filename, matches[1], tt.wantBase)
			}
			if matches[2] != tt.wantNum {
				t.Errorf("%s: num=%q, want %q", tt.filename, matches[2], tt.wantNum)
			}
		} else {
			if matches != nil {
				t.Errorf("%s: expected no match, got %v", tt.filename, matches)
			}
		}
	}
}

func TestEmbeddingsDeterministic(t *testing.T) {
	s := newServer(map[string][]string{"mock-auditor": {`{}`}}, nil)

	first := doEmbeddings(t, s, `["Art. 45 ruido 75 dB", "Art. 45 ruido 75 dB", "manejo de residuos"]`)
	if len(first.Data) != 3 {
		t.Fatalf("expected 3 vectors, got %d", len(first.Data))
	}
	for i, d := range first.Data {
		if d.Index != i {
			t.Errorf("data[%d].index = %d", i, d.Index)
		}
		if len(d.Embedding) != DefaultDimensions {
			t.Errorf("data[%d]: expected %d dimensions, got %d", i, DefaultDimensions, len(d.Embedding))
		}
	}

	if sim := dot(first.Data[0].Embedding, first.Data[1].Embedding); math.Abs(sim-1) > 1e-5 {
		t.Errorf("identical texts: expected similarity 1, got %f", sim)
	}
	if sim := dot(first.Data[0].Embedding, first.Data[2].Embedding); sim >= 0.99 {
		t.Errorf("different texts: expected lower similarity, got %f", sim)
	}

	second := doEmbeddings(t, s, `["Art. 45 ruido 75 dB"]`)
	for i := range second.Data[0].Embedding {
		if second.Data[0].Embedding[i] != first.Data[0].Embedding[i] {
			t.Fatalf("vector differs between calls at %d", i)
		}
	}
}

func TestEmbeddingsEmptyText(t *testing.T) {
	v := embed("", 8)
	if len(v) != 8 || v[0] != 1 {
		t.Errorf("empty text: expected unit vector, got %v", v)
	}
}

func TestEmbeddingsRejectsEmptyInput(t *testing.T) {
	s := newServer(map[string][]string{"mock-auditor": {`{}`}}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", strings.NewReader(`{"model":"mock-embed","input":[]}`))
	w := httptest.NewRecorder()
	s.handleEmbeddings(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUsageEstimateCountsPrompt(t *testing.T) {
	s := newServer(map[string][]string{"mock-router": {`{"selected_filenames":[],"reasoning":"none"}`}}, nil)

	resp := doCompletionFull(t, s, "mock-router", `[{"role":"user","content":"`+strings.Repeat("x", 400)+`"}]`)
	if resp.Usage.PromptTokens != 100 {
		t.Errorf("prompt_tokens: expected 100, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens == 0 {
		t.Error("completion_tokens: expected non-zero")
	}
}

func TestCapturedRequests(t *testing.T) {
	s := newServer(map[string][]string{"mock-auditor": {`{"status":"CUMPLE"}`}}, nil)

	doCompletionFull(t, s, "mock-auditor", `[{"role":"system","content":"auditor"},{"role":"user","content":"REQ-001"}]`)

	req := httptest.NewRequest(http.MethodGet, "/requests?model=mock-auditor&call=1", nil)
	w := httptest.NewRecorder()
	s.handleRequests(w, req)

	var captured struct {
		RequestsByModel map[string][]capturedRequest `json:"requests_by_model"`
	}
	if err := json.NewDecoder(w.Body).Decode(&captured); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reqs := captured.RequestsByModel["mock-auditor"]
	if len(reqs) != 1 {
		t.Fatalf("expected 1 captured request, got %d", len(reqs))
	}
	if len(reqs[0].Messages) != 2 || reqs[0].Messages[1].Content != "REQ-001" {
		t.Errorf("unexpected captured messages: %+v", reqs[0].Messages)
	}
}

func TestRoutes(t *testing.T) {
	s := newServer(map[string][]string{"mock-cataloger": {`{}`}}, nil)
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status %d", resp.StatusCode)
	}

	resp, err = http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"model":"unknown","messages":[]}`))
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown model: expected 404, got %d", resp.StatusCode)
	}
}

// --- helpers ---

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func doCompletion(t *testing.T, s *server, model string) string {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":[{"role":"user","content":"test"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}

	return resp.Choices[0].Message.Content
}

func doCompletionFull(t *testing.T, s *server, model, messagesJSON string) chatResponse {
	t.Helper()
	body := strings.NewReader(`{"model":"` + model + `","messages":` + messagesJSON + `}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", body)
	w := httptest.NewRecorder()
	s.handleChatCompletions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("model %s: status %d, body: %s", model, w.Code, w.Body.String())
	}

	var resp chatResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}

	if len(resp.Choices) == 0 {
		t.Fatalf("no choices in response")
	}

	return resp
}

func doEmbeddings(t *testing.T, s *server, inputJSON string) embeddingResponse {
	t.Helper()
	body := strings.NewReader(`{"model":"mock-embed","input":` + inputJSON + `}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/embeddings", body)
	w := httptest.NewRecorder()
	s.handleEmbeddings(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("embeddings: status %d, body: %s", w.Code, w.Body.String())
	}

	var resp embeddingResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
