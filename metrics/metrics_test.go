package metrics

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	m := New()
	m.ObserveStage(StageRouter, OutcomeOK, 100, 20, 0.5)
	m.ObserveStage(StageRouter, OutcomeOK, 50, 0, 0)
	m.ObserveStage(StageAuditor, OutcomeError, 0, 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stageCalls.WithLabelValues(StageRouter, OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageCalls.WithLabelValues(StageAuditor, OutcomeError)))
	assert.Equal(t, 150.0, testutil.ToFloat64(m.stageTokens.WithLabelValues(StageRouter, "input")))
	assert.Equal(t, 20.0, testutil.ToFloat64(m.stageTokens.WithLabelValues(StageRouter, "output")))
	assert.Equal(t, 0.5, testutil.ToFloat64(m.stageCost.WithLabelValues(StageRouter)))
}

func TestObserveRequirement(t *testing.T) {
	m := New()
	m.ObserveRequirement("CUMPLE", 2*time.Second)
	m.ObserveRequirement("SKIPPED", time.Second)
	m.ObserveRequirement("CUMPLE", time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requirements.WithLabelValues("CUMPLE")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.reqDuration))

	expected := `
# HELP eiaudit_requirements_total Audited requirements by final status.
# TYPE eiaudit_requirements_total counter
eiaudit_requirements_total{status="CUMPLE"} 2
eiaudit_requirements_total{status="SKIPPED"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.requirements, strings.NewReader(expected)))
}

func TestAddLegalChunks(t *testing.T) {
	m := New()
	m.AddLegalChunks(12)
	m.AddLegalChunks(0)
	m.AddLegalChunks(-3)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.legalIngested))
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	m.ObserveStage(StageRouter, OutcomeOK, 1, 1, 1)
	m.ObserveRequirement("CUMPLE", time.Second)
	m.AddLegalChunks(1)
}

func TestHandler(t *testing.T) {
	m := New()
	m.AddLegalChunks(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "eiaudit_legal_chunks_ingested_total 3")
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.ObserveStage(StageCataloger, OutcomeCached, 0, 0, 0)
	path := filepath.Join(t.TempDir(), "eiaudit.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `eiaudit_stage_calls_total{outcome="cached",stage="cataloger"} 1`)
}

func TestServe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx, addr, nil) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/metrics")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop")
	}
}
