// Package metrics instruments the audit pipeline with Prometheus collectors
// on a private registry.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stage names used as label values.
const (
	StageCataloger = "cataloger"
	StageRouter    = "router"
	StageAuditor   = "auditor"
	StageEmbedding = "embedding"
)

// Call outcomes used as label values.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeCached = "cached"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	stageCalls    *prometheus.CounterVec
	stageTokens   *prometheus.CounterVec
	stageCost     *prometheus.CounterVec
	requirements  *prometheus.CounterVec
	reqDuration   prometheus.Histogram
	legalIngested prometheus.Counter
}

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stageCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eiaudit",
			Name:      "stage_calls_total",
			Help:      "Pipeline stage invocations by outcome.",
		}, []string{"stage", "outcome"}),
		stageTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eiaudit",
			Name:      "stage_tokens_total",
			Help:      "Model tokens consumed per stage and direction.",
		}, []string{"stage", "direction"}),
		stageCost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eiaudit",
			Name:      "stage_cost_usd_total",
			Help:      "Estimated model cost in USD per stage.",
		}, []string{"stage"}),
		requirements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eiaudit",
			Name:      "requirements_total",
			Help:      "Audited requirements by final status.",
		}, []string{"status"}),
		reqDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eiaudit",
			Name:      "requirement_duration_seconds",
			Help:      "Wall time to route and audit one requirement.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		legalIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "eiaudit",
			Name:      "legal_chunks_ingested_total",
			Help:      "Legal chunks embedded and stored.",
		}),
	}
	m.registry.MustRegister(
		m.stageCalls,
		m.stageTokens,
		m.stageCost,
		m.requirements,
		m.reqDuration,
		m.legalIngested,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStage records one stage call with its token usage and cost.
func (m *Metrics) ObserveStage(stage, outcome string, inputTokens, outputTokens int, cost float64) {
	if m == nil {
		return
	}
	m.stageCalls.WithLabelValues(stage, outcome).Inc()
	if inputTokens > 0 {
		m.stageTokens.WithLabelValues(stage, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.stageTokens.WithLabelValues(stage, "output").Add(float64(outputTokens))
	}
	if cost > 0 {
		m.stageCost.WithLabelValues(stage).Add(cost)
	}
}

// ObserveRequirement records a requirement's final status and duration.
func (m *Metrics) ObserveRequirement(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.requirements.WithLabelValues(status).Inc()
	m.reqDuration.Observe(d.Seconds())
}

// AddLegalChunks counts stored legal chunks.
func (m *Metrics) AddLegalChunks(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.legalIngested.Add(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics server started", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// WriteTextfile writes the current values for the node exporter textfile
// collector.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.registry)
}
