// Package pipeline orchestrates an audit run: legal ingestion, evidence
// cataloging, then routing and auditing every checklist requirement in id
// order. Stage failures degrade the affected requirement to SKIPPED; only
// missing evidence or an empty index stop a run.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/checklist"
	"github.com/c360studio/eiaudit/metrics"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/pricing"
	"github.com/c360studio/eiaudit/runlog"
)

var (
	// ErrNoEvidence is returned when the evidence folder is missing or holds
	// no matching files.
	ErrNoEvidence = errors.New("no evidence files")

	// ErrEmptyIndex is returned when no evidence file could be cataloged.
	ErrEmptyIndex = errors.New("project index is empty")
)

// Outcome explains how a requirement reached its final status.
type Outcome string

// Requirement outcomes.
const (
	OutcomeAudited            Outcome = "audited"
	OutcomeNoEvidence         Outcome = "no_evidence"
	OutcomeRouterFailed       Outcome = "router_failed"
	OutcomeEvidenceUnreadable Outcome = "evidence_unreadable"
	OutcomeAuditorFailed      Outcome = "auditor_failed"
)

// Cataloger builds the index entry of one evidence file.
type Cataloger interface {
	Analyze(ctx context.Context, path string) (*audit.FileIndex, audit.Usage, error)
}

// Router selects the evidence relevant to a requirement.
type Router interface {
	Route(ctx context.Context, requirement string, index []audit.FileIndex) (*audit.RoutingDecision, audit.Usage, error)
}

// Auditor judges a requirement against evidence.
type Auditor interface {
	Audit(ctx context.Context, requirementPrompt, legalContext string, files []audit.FileContent) (*audit.AuditResult, audit.Usage, error)
}

// LegalBase is the legal knowledge store.
type LegalBase interface {
	Count(ctx context.Context) (int, error)
	Ingest(ctx context.Context, text, source string) (int, error)
	Retrieve(ctx context.Context, query string, k int) (string, error)
}

// CatalogLog receives one row per cataloging outcome.
type CatalogLog interface {
	LogCatalog(runlog.CatalogRow) error
}

// Deps are the collaborators a Pipeline drives. All are required except
// Prices, which defaults to pricing.DefaultTable, and LegalExtractor.
type Deps struct {
	Cataloger Cataloger
	Router    Router
	Auditor   Auditor
	Legal     LegalBase
	Extractor audit.TextExtractor
	Cache     *catalog.Cache
	Prices    pricing.Table

	// LegalExtractor reads the legal corpus. Statutes are chunked rather
	// than prompted whole, so it usually has no length limit. Defaults to
	// Extractor.
	LegalExtractor audit.TextExtractor

	// Models names the configured model of each stage, used in logs when a
	// stage made no call.
	Models map[model.Role]string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics records stage and requirement metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// WithTopK sets how many legal chunks back each audit.
func WithTopK(k int) Option {
	return func(p *Pipeline) {
		p.topK = k
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs audits. It is not safe for concurrent runs; the catalog
// cache and legal store assume a single writer.
type Pipeline struct {
	deps    Deps
	logger  *slog.Logger
	metrics *metrics.Metrics
	topK    int
	now     func() time.Time
}

// New creates a pipeline.
func New(deps Deps, opts ...Option) (*Pipeline, error) {
	switch {
	case deps.Cataloger == nil:
		return nil, errors.New("pipeline: cataloger is required")
	case deps.Router == nil:
		return nil, errors.New("pipeline: router is required")
	case deps.Auditor == nil:
		return nil, errors.New("pipeline: auditor is required")
	case deps.Legal == nil:
		return nil, errors.New("pipeline: legal base is required")
	case deps.Extractor == nil:
		return nil, errors.New("pipeline: extractor is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: catalog cache is required")
	}
	if deps.Prices == nil {
		deps.Prices = pricing.DefaultTable()
	}
	if deps.LegalExtractor == nil {
		deps.LegalExtractor = deps.Extractor
	}

	p := &Pipeline{
		deps:   deps,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Inputs describe one audit run.
type Inputs struct {
	EvidenceDir  string
	EvidenceGlob string
	LegalDir     string
	Items        []checklist.Item

	ForceReindex bool
	ForceIngest  bool

	// Log receives the run CSVs and metadata. Optional.
	Log *runlog.Writer

	// Snapshot is stored in the run metadata.
	Snapshot runlog.Configuration

	// MetricsTextfile, when set, receives a Prometheus textfile at the end.
	MetricsTextfile string
}

// RequirementResult is the audit trail of one checklist item.
type RequirementResult struct {
	Item     checklist.Item
	Decision *audit.RoutingDecision
	Result   *audit.AuditResult
	Status   audit.Status
	Outcome  Outcome

	// Files are the router selections that exist on disk, in router order.
	Files []string

	RouterUsage  audit.Usage
	RouterCost   float64
	AuditorUsage audit.Usage
	AuditorCost  float64

	Duration time.Duration
	Err      error
}

// Cost is the router plus auditor cost.
func (r RequirementResult) Cost() float64 {
	return r.RouterCost + r.AuditorCost
}

// Report summarizes a run.
type Report struct {
	RunID string
	Start time.Time
	End   time.Time

	Index       *IndexSummary
	LegalFiles  []string
	LegalChunks int
	Results     []RequirementResult
}

// TotalCost sums cataloging and every requirement.
func (r *Report) TotalCost() float64 {
	total := 0.0
	if r.Index != nil {
		total += r.Index.Cost
	}
	for _, res := range r.Results {
		total += res.Cost()
	}
	return total
}

// StatusCounts tallies final statuses.
func (r *Report) StatusCounts() map[audit.Status]int {
	counts := make(map[audit.Status]int)
	for _, res := range r.Results {
		counts[res.Status]++
	}
	return counts
}

// cost prices usage, logging and recording zero for unpriced models.
func (p *Pipeline) cost(stage string, u audit.Usage) float64 {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return 0
	}
	c, err := p.deps.Prices.Cost(u.Model, u.InputTokens, u.OutputTokens)
	if err != nil {
		p.logger.Warn("No price for model, recording zero cost",
			"stage", stage,
			"model", u.Model,
			"error", err)
		return 0
	}
	return c
}

// modelOf names the model behind usage, falling back to the configured one.
func (p *Pipeline) modelOf(role model.Role, u audit.Usage) string {
	if u.Model != "" {
		return u.Model
	}
	return p.deps.Models[role]
}

func (p *Pipeline) observe(stage string, err error, u audit.Usage, cost float64) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	p.metrics.ObserveStage(stage, outcome, u.InputTokens, u.OutputTokens, cost)
}
