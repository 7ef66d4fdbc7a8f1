package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/c360studio/eiaudit/checklist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// execute runs the CLI with args and returns its stdout.
func execute(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := rootCmd(&stdout, &stderr, func(k string) string { return env[k] })
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, nil, "version")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("eiaudit version %s (build: %s)\n", Version, BuildTime), out)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, "WARN")
	logger.Info("hidden")
	logger.Warn("shown", "req_id", "REQ-001")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "req_id=REQ-001")
}

func TestChecklistConvert(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "checklist.csv")
	out := filepath.Join(dir, "audit_checklist.json")
	csv := "Capítulo y Sección,Requisito,Criterio de Cumplimiento,Evidencia\n" +
		"3.1 Línea Base,Verificar el monitoreo de ruido,Límites del Art. 45,Tabla de mediciones\n" +
		",Verificar el plan de cierre,,\n"
	require.NoError(t, os.WriteFile(in, []byte(csv), 0o644))

	stdout, err := execute(t, nil, "checklist", "convert", "--in", in, "--out", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "Wrote 2 requirements")

	items, err := checklist.Load(out)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "REQ-001", items[0].ID)
	assert.Equal(t, "Línea Base", items[1].Chapter, "chapter carried forward")
}

func TestChecklistConvert_Errors(t *testing.T) {
	_, err := execute(t, nil, "checklist", "convert", "--in", "only.csv")
	assert.Error(t, err, "--out is required")

	dir := t.TempDir()
	_, err = execute(t, nil, "checklist", "convert", "--in", filepath.Join(dir, "missing.csv"), "--out", filepath.Join(dir, "x.json"))
	assert.Error(t, err)
}

func TestConfigInit(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	_, err := execute(t, nil, "config", "init")
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(home, ".config", "eiaudit", "config.yaml"))
}

func TestConfigShow(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "eiaudit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("paths:\n  evidence_dir: /srv/eia\n"), 0o644))

	out, err := execute(t, nil, "config", "show", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "evidence_dir: /srv/eia")
	assert.Contains(t, out, "calls_per_minute: 20")
}

func TestConfigModels(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	out, err := execute(t, nil, "config", "models")
	require.NoError(t, err)
	assert.Contains(t, out, "auditor")
	assert.Contains(t, out, "gemini-1.5-pro")
}

func TestRun_MissingCredential(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	_, err := execute(t, map[string]string{}, "run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GOOGLE_API_KEY")
}

// newModelServer answers chat completions by model name, the way the
// offline mock server does.
func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		prompt := req.Messages[len(req.Messages)-1].Content

		var content string
		switch req.Model {
		case "mock-cataloger":
			content = `{"filename":"x.pdf","topics_detected":["Línea Base"],"tables_and_figures":[],"content_summary":"Estudio","page_ranges":{}}`
		case "mock-router":
			selected := `[]`
			if strings.Contains(prompt, "límites de ruido") {
				selected = `["Chapter_3.txt"]`
			}
			content = `{"selected_filenames":` + selected + `,"reasoning":"routing"}`
		case "mock-auditor":
			content = `{"status":"CUMPLE","reasoning":"Bajo el límite","legal_base":"Art. 45","evidence_location":"Chapter_3.txt"}`
		default:
			http.Error(w, "no fixture", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "mock-1",
			"object": "chat.completion",
			"model":  req.Model,
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 1000, "completion_tokens": 100, "total_tokens": 1100},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRun_EndToEnd(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	srv := newModelServer(t)
	dir := t.TempDir()

	evidence := filepath.Join(dir, "proyecto_eia")
	legalDir := filepath.Join(dir, "leyes")
	require.NoError(t, os.MkdirAll(evidence, 0o755))
	require.NoError(t, os.MkdirAll(legalDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(evidence, "Chapter_3.txt"), []byte("Mediciones de ruido: 72 dB en N1."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(evidence, "Annex_Data.txt"), []byte("Tabla 1 del Anexo Q."), 0o644))

	checklistPath := filepath.Join(dir, "audit_checklist.json")
	require.NoError(t, checklist.Save(checklistPath, []checklist.Item{
		{ID: "REQ-002", Requirement: "Verificar el plan de cierre"},
		{ID: "REQ-001", Requirement: "Verificar los límites de ruido"},
	}))

	logs := filepath.Join(dir, "logs")
	cfgPath := filepath.Join(dir, "eiaudit.yaml")
	cfg := fmt.Sprintf(`paths:
  evidence_dir: %[2]s
  evidence_glob: "*.txt"
  legal_dir: %[3]s
  index_file: %[4]s
  checklist: %[5]s
  logs_dir: %[6]s
models:
  roles:
    cataloger: {preferred: [mock-cataloger]}
    router: {preferred: [mock-router]}
    auditor: {preferred: [mock-auditor]}
  endpoints:
    mock-cataloger: {provider: openai, url: %[1]s/v1, model: mock-cataloger}
    mock-router: {provider: openai, url: %[1]s/v1, model: mock-router}
    mock-auditor: {provider: openai, url: %[1]s/v1, model: mock-auditor}
legal:
  store: {backend: file, dir: %[7]s}
  embedding: {provider: ollama, url: %[1]s/v1, model: mock-embed}
rate_limit:
  calls_per_minute: 6000
pricing:
  mock-cataloger: {input: 0.30, output: 2.50}
  mock-router: {input: 0.30, output: 2.50}
  mock-auditor: {input: 1.25, output: 10.00}
`, srv.URL, evidence, legalDir, filepath.Join(dir, "project_index.json"), checklistPath, logs, filepath.Join(dir, "db"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0o644))

	out, err := execute(t, map[string]string{}, "run", "--config", cfgPath)
	require.NoError(t, err)

	assert.Contains(t, out, "2 requirements audited")
	assert.Regexp(t, `CUMPLE\s+1`, out)
	assert.Regexp(t, `SKIPPED\s+1`, out)
	// Catalog 2 x 0.00055, router 2 x 0.00055, auditor 0.00225.
	assert.Contains(t, out, "Estimated cost: $0.004450")

	reports, err := filepath.Glob(filepath.Join(logs, "audit_report_USER_*.csv"))
	require.NoError(t, err)
	require.Len(t, reports, 1)
	data, err := os.ReadFile(reports[0])
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "REQ-001,"), "results in id order")
	assert.Contains(t, lines[1], "Chapter_3.txt")
	assert.Contains(t, lines[2], "SKIPPED")

	prom, err := filepath.Glob(filepath.Join(logs, "audit_metrics_*.prom"))
	require.NoError(t, err)
	assert.Len(t, prom, 1)
	assert.FileExists(t, filepath.Join(dir, "project_index.json"))

	// Second run is served from the catalog cache.
	out, err = execute(t, map[string]string{}, "catalog", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Indexed 2 documents (0 cataloged, 2 cached, 0 failed)")
}
