package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/checklist"
	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/metrics"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/runlog"
	"github.com/c360studio/eiaudit/source"
	"github.com/google/uuid"
)

// Run executes a full audit. On context cancellation the partial report is
// returned together with the context error.
func (p *Pipeline) Run(ctx context.Context, in Inputs) (*Report, error) {
	report := &Report{
		RunID: uuid.NewString(),
		Start: p.now(),
	}
	logger := p.logger.With("run_id", report.RunID)
	logger.Info("Audit run started",
		"evidence_dir", in.EvidenceDir,
		"requirements", len(in.Items))

	evidence, err := catalog.Discover(in.EvidenceDir, in.EvidenceGlob)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoEvidence, err)
	}
	if len(evidence) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoEvidence, in.EvidenceDir)
	}

	// Legal corpus
	if in.LegalDir != "" {
		legalFiles, err := catalog.Discover(in.LegalDir, catalog.DefaultPattern)
		if err != nil {
			logger.Warn("Legal folder unavailable, auditing without new legal context", "dir", in.LegalDir, "error", err)
		} else {
			report.LegalFiles = baseNames(legalFiles)
			n, err := p.IngestLegal(ctx, legalFiles, in.ForceIngest)
			report.LegalChunks = n
			if err != nil {
				if ctx.Err() != nil {
					p.finalize(report, in)
					return report, ctx.Err()
				}
				return nil, fmt.Errorf("legal ingestion: %w", err)
			}
		}
	}

	// Catalog
	var catalogLog CatalogLog
	if in.Log != nil {
		catalogLog = in.Log
	}
	index, err := p.BuildIndex(ctx, evidence, BuildOptions{Force: in.ForceReindex, Log: catalogLog})
	if err != nil {
		if ctx.Err() != nil {
			report.Index = index
			p.finalize(report, in)
			return report, ctx.Err()
		}
		return nil, fmt.Errorf("build index: %w", err)
	}
	report.Index = index
	if len(index.Index) == 0 {
		return nil, ErrEmptyIndex
	}

	// Audit
	items := append([]checklist.Item(nil), in.Items...)
	checklist.Sort(items)
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			p.finalize(report, in)
			return report, err
		}
		logger.Info("Auditing requirement",
			"req_id", item.ID,
			"progress", fmt.Sprintf("%d/%d", i+1, len(items)))

		res := p.auditRequirement(ctx, item, index)
		report.Results = append(report.Results, res)
		p.record(in.Log, res)
	}

	p.finalize(report, in)
	logger.Info("Audit run finished",
		"requirements", len(report.Results),
		"duration", report.End.Sub(report.Start).Round(time.Millisecond),
		"total_cost", runlog.FormatCost(report.TotalCost()))
	return report, nil
}

// auditRequirement routes, loads evidence and audits one item. It never
// fails; errors are carried in the result.
func (p *Pipeline) auditRequirement(ctx context.Context, item checklist.Item, index *IndexSummary) RequirementResult {
	start := p.now()
	res := RequirementResult{Item: item, Status: audit.StatusSkipped}
	done := func(outcome Outcome, err error) RequirementResult {
		res.Outcome = outcome
		res.Err = err
		res.Duration = p.now().Sub(start)
		p.metrics.ObserveRequirement(string(res.Status), res.Duration)
		return res
	}
	logger := p.logger.With("req_id", item.ID)

	// Route
	query := audit.RouterQuery(item.Requirement, item.ExpectedEvidence)
	decision, usage, err := p.deps.Router.Route(ctx, query, index.Index)
	res.RouterUsage = usage
	res.RouterCost = p.cost(metrics.StageRouter, usage)
	p.observe(metrics.StageRouter, err, usage, res.RouterCost)
	if err != nil {
		logger.Warn("Routing failed, skipping requirement", "stage", "router", "error", err)
		return done(OutcomeRouterFailed, err)
	}
	res.Decision = decision

	for _, name := range decision.SelectedFilenames {
		path, ok := index.Paths[name]
		if !ok {
			logger.Warn("Router selected a file outside the index", "stage", "router", "file", name)
			continue
		}
		if _, err := os.Stat(path); err != nil {
			logger.Warn("Router selected a file missing on disk", "stage", "router", "file", name, "error", err)
			continue
		}
		res.Files = append(res.Files, name)
	}
	if len(res.Files) == 0 {
		logger.Info("No relevant evidence, skipping requirement")
		return done(OutcomeNoEvidence, nil)
	}

	// Evidence
	legalContext, err := p.deps.Legal.Retrieve(ctx, item.Requirement, p.topK)
	if err != nil {
		logger.Warn("Legal retrieval failed, auditing without legal context", "stage", "legal", "error", err)
		legalContext = legal.NoContextMarker
	}

	var contents []audit.FileContent
	for _, name := range res.Files {
		text := p.deps.Extractor.ExtractText(index.Paths[name])
		if !source.Usable(text) {
			logger.Warn("Selected evidence is unreadable", "stage", "auditor", "file", name)
			continue
		}
		contents = append(contents, audit.FileContent{Name: name, Text: text})
	}
	if len(contents) == 0 {
		return done(OutcomeEvidenceUnreadable, errors.New("no readable content in selected files"))
	}

	// Audit
	prompt := audit.RequirementPrompt(item.Requirement, item.Criteria, item.ExpectedEvidence)
	result, usage, err := p.deps.Auditor.Audit(ctx, prompt, legalContext, contents)
	res.AuditorUsage = usage
	res.AuditorCost = p.cost(metrics.StageAuditor, usage)
	p.observe(metrics.StageAuditor, err, usage, res.AuditorCost)
	if err != nil {
		logger.Warn("Audit failed, skipping requirement", "stage", "auditor", "error", err)
		return done(OutcomeAuditorFailed, err)
	}

	res.Result = result
	res.Status = result.Status
	logger.Info("Requirement audited",
		"status", result.Status,
		"files", len(contents),
		"cost", runlog.FormatCost(res.Cost()))
	return done(OutcomeAudited, nil)
}

// record writes a result to the run CSVs.
func (p *Pipeline) record(log *runlog.Writer, res RequirementResult) {
	if log == nil {
		return
	}
	row := runlog.RequirementRow{
		ID:                  res.Item.ID,
		Requirement:         res.Item.Requirement,
		Duration:            res.Duration,
		RouterModel:         p.modelOf(model.RoleRouter, res.RouterUsage),
		RouterInputTokens:   res.RouterUsage.InputTokens,
		RouterOutputTokens:  res.RouterUsage.OutputTokens,
		RouterCost:          res.RouterCost,
		RouterFiles:         res.Files,
		AuditorModel:        p.modelOf(model.RoleAuditor, res.AuditorUsage),
		AuditorInputTokens:  res.AuditorUsage.InputTokens,
		AuditorOutputTokens: res.AuditorUsage.OutputTokens,
		AuditorCost:         res.AuditorCost,
		Status:              string(res.Status),
		Outcome:             string(res.Outcome),
	}
	if res.Decision != nil {
		row.RouterReasoning = res.Decision.Reasoning
	}
	if res.Outcome == OutcomeNoEvidence && row.RouterReasoning == "" {
		row.RouterReasoning = "No relevant files found"
	}
	if res.Result != nil {
		row.Reasoning = res.Result.Reasoning
		row.Instruction = res.Result.Instruction
	}
	if res.Err != nil {
		row.Error = res.Err.Error()
	}
	if err := log.LogRequirement(row); err != nil {
		p.logger.Warn("Failed to write requirement log", "req_id", res.Item.ID, "error", err)
	}
}

// finalize stamps the end time and writes metadata and metrics exports.
func (p *Pipeline) finalize(report *Report, in Inputs) {
	report.End = p.now()

	if in.Log != nil {
		counts := make(map[string]int)
		for status, n := range report.StatusCounts() {
			counts[string(status)] = n
		}
		meta := runlog.Metadata{
			RunID:           report.RunID,
			RunStart:        report.Start,
			RunEnd:          report.End,
			DurationSeconds: roundTo(report.End.Sub(report.Start).Seconds(), 2),
			TotalCostUSD:    roundTo(report.TotalCost(), 6),
			InputFolder:     in.EvidenceDir,
			LegalFilesUsed:  report.LegalFiles,
			Requirements:    len(report.Results),
			StatusCounts:    counts,
			Configuration:   in.Snapshot,
		}
		if report.Index != nil {
			meta.FilesAnalyzed = report.Index.Filenames()
		}
		if err := in.Log.WriteMetadata(meta); err != nil {
			p.logger.Warn("Failed to write run metadata", "error", err)
		}
	}

	if in.MetricsTextfile != "" && p.metrics != nil {
		if err := p.metrics.WriteTextfile(in.MetricsTextfile); err != nil {
			p.logger.Warn("Failed to write metrics textfile", "path", in.MetricsTextfile, "error", err)
		}
	}
}

func baseNames(paths []string) []string {
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = filepath.Base(path)
	}
	return out
}

func roundTo(v float64, places int) float64 {
	scale := math.Pow10(places)
	return math.Round(v*scale) / scale
}
