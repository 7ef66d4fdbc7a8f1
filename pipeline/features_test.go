package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/checklist"
	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/legal/stores"
	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/llm/testutil"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/pipeline"
	"github.com/c360studio/eiaudit/source"
	"github.com/cucumber/godog"
)

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

// letterEmbedder embeds text as letter frequencies, enough for the legal
// corpus of a scenario to rank.
type letterEmbedder struct{}

func (letterEmbedder) Model() string { return "letters" }

func (letterEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v := make([]float32, 27)
		v[26] = 0.01
		for _, r := range strings.ToLower(text) {
			if r >= 'a' && r <= 'z' {
				v[r-'a']++
			}
		}
		out[i] = v
	}
	return out, nil
}

type routeRule struct {
	keyword string
	files   []string
}

type auditWorld struct {
	dir      string
	evidence string
	legalKB  *legal.KnowledgeBase
	mock     *testutil.MockLLMClient
	rules    []routeRule
	verdict  string
	report   *pipeline.Report
}

var contentHeader = regexp.MustCompile(`--- CONTENT OF FILE: (.+?) ---`)

func (w *auditWorld) respond(req llm.Request) (*llm.Response, error) {
	prompt := req.Messages[len(req.Messages)-1].Content
	resp := &llm.Response{Model: "gemini-1.5-flash", Usage: llm.TokenUsage{PromptTokens: 900, CompletionTokens: 90}}

	switch req.Role {
	case model.RoleCataloger:
		resp.Content = `{"filename": "document.pdf", "topics_detected": ["Ruido"], "tables_and_figures": ["Table 1"], "content_summary": "Evidence", "page_ranges": {"Ruido": "1"}}`
	case model.RoleRouter:
		selected := []string{}
		for _, rule := range w.rules {
			if strings.Contains(strings.ToLower(prompt), rule.keyword) {
				selected = rule.files
			}
		}
		data, _ := json.Marshal(map[string]any{"selected_filenames": selected, "reasoning": "dependency analysis"})
		resp.Content = string(data)
	case model.RoleAuditor:
		resp.Model = "gemini-1.5-pro"
		resp.Content = fmt.Sprintf(`{"status": %q, "reasoning": "Tabla 1 en Anexo Q", "legal_base": "Art. 45", "evidence_location": "Annex_Data.txt Table 1", "instruction": "Adjuntar certificados"}`, w.verdict)
	default:
		return nil, fmt.Errorf("unexpected role %q", req.Role)
	}
	return resp, nil
}

func (w *auditWorld) auditorPrompts() []string {
	var out []string
	for _, req := range w.mock.Requests() {
		if req.Role == model.RoleAuditor {
			out = append(out, req.Messages[len(req.Messages)-1].Content)
		}
	}
	return out
}

func (w *auditWorld) result(id string) (*pipeline.RequirementResult, error) {
	if w.report == nil {
		return nil, fmt.Errorf("no audit ran")
	}
	for i := range w.report.Results {
		if w.report.Results[i].Item.ID == id {
			return &w.report.Results[i], nil
		}
	}
	return nil, fmt.Errorf("no result for %s", id)
}

func splitNames(list string) []string {
	var out []string
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (w *auditWorld) evidenceContains(table *godog.Table) error {
	for _, row := range table.Rows[1:] {
		name, content := row.Cells[0].Value, row.Cells[1].Value
		if err := os.WriteFile(filepath.Join(w.evidence, name), []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func (w *auditWorld) evidenceEmpty(name string) error {
	return os.WriteFile(filepath.Join(w.evidence, name), nil, 0o644)
}

func (w *auditWorld) legalCorpus(name, text string) error {
	store, err := stores.OpenFileStore(filepath.Join(w.dir, "db", stores.DefaultFileName))
	if err != nil {
		return err
	}
	w.legalKB = legal.NewKnowledgeBase(store, letterEmbedder{})
	path := filepath.Join(w.dir, name)
	return os.WriteFile(path, []byte(text), 0o644)
}

func (w *auditWorld) routerSelects(files, keyword string) error {
	w.rules = append(w.rules, routeRule{keyword: strings.ToLower(keyword), files: splitNames(files)})
	return nil
}

func (w *auditWorld) routerSelectsNothing(keyword string) error {
	return w.routerSelects("", keyword)
}

func (w *auditWorld) auditorAnswers(status string) error {
	w.verdict = status
	return nil
}

func (w *auditWorld) audited(ctx context.Context, id, requirement string) error {
	extractor := source.NewExtractor()
	p, err := pipeline.New(pipeline.Deps{
		Cataloger: audit.NewCataloger(w.mock, extractor, nil),
		Router:    audit.NewRouter(w.mock, nil),
		Auditor:   audit.NewAuditor(w.mock, audit.DefaultLanguage, nil),
		Legal:     w.legalKB,
		Extractor: extractor,
		Cache:     catalog.NewCache(filepath.Join(w.dir, "project_index.json"), nil),
		Models:    map[model.Role]string{model.RoleAuditor: "gemini-1.5-pro"},
	})
	if err != nil {
		return err
	}

	legalFiles, err := filepath.Glob(filepath.Join(w.dir, "*.txt"))
	if err != nil {
		return err
	}
	if _, err := p.IngestLegal(ctx, legalFiles, false); err != nil {
		return err
	}

	w.report, err = p.Run(ctx, pipeline.Inputs{
		EvidenceDir:  w.evidence,
		EvidenceGlob: "*.txt",
		Items:        []checklist.Item{{ID: id, Requirement: requirement}},
	})
	return err
}

func (w *auditWorld) statusIs(id, status string) error {
	res, err := w.result(id)
	if err != nil {
		return err
	}
	if string(res.Status) != status {
		return fmt.Errorf("expected %s to be %q, got %q (outcome %s, err %v)", id, status, res.Status, res.Outcome, res.Err)
	}
	return nil
}

func (w *auditWorld) outcomeIs(id, outcome string) error {
	res, err := w.result(id)
	if err != nil {
		return err
	}
	if string(res.Outcome) != outcome {
		return fmt.Errorf("expected outcome %q, got %q", outcome, res.Outcome)
	}
	return nil
}

func (w *auditWorld) auditorRead(files string) error {
	prompts := w.auditorPrompts()
	if len(prompts) != 1 {
		return fmt.Errorf("expected one auditor call, got %d", len(prompts))
	}
	var read []string
	for _, m := range contentHeader.FindAllStringSubmatch(prompts[0], -1) {
		read = append(read, m[1])
	}
	if want := splitNames(files); strings.Join(read, ",") != strings.Join(want, ",") {
		return fmt.Errorf("auditor read %v, want %v", read, want)
	}
	return nil
}

func (w *auditWorld) legalContextMentions(text string) error {
	for _, prompt := range w.auditorPrompts() {
		if strings.Contains(prompt, text) {
			return nil
		}
	}
	return fmt.Errorf("no auditor prompt mentions %q", text)
}

func (w *auditWorld) auditorNotCalled() error {
	if n := w.mock.CallsFor(string(model.RoleAuditor)); n != 0 {
		return fmt.Errorf("auditor called %d times", n)
	}
	return nil
}

func (w *auditWorld) auditorCostZero(id string) error {
	res, err := w.result(id)
	if err != nil {
		return err
	}
	if res.AuditorCost != 0 {
		return fmt.Errorf("auditor cost %f", res.AuditorCost)
	}
	return nil
}

func (w *auditWorld) indexLacks(name string) error {
	for _, f := range w.report.Index.Filenames() {
		if f == name {
			return fmt.Errorf("%s was indexed", name)
		}
	}
	return nil
}

func initializeScenario(ctx *godog.ScenarioContext) {
	w := &auditWorld{verdict: string(audit.StatusCumple)}
	w.mock = &testutil.MockLLMClient{Handler: w.respond}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "eiaudit-feature-")
		if err != nil {
			return ctx, err
		}
		w.dir = dir
		w.evidence = filepath.Join(dir, "proyecto_eia")
		return ctx, os.MkdirAll(w.evidence, 0o755)
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if w.dir != "" {
			os.RemoveAll(w.dir)
		}
		return ctx, err
	})

	ctx.Step(`^the evidence folder contains:$`, w.evidenceContains)
	ctx.Step(`^the evidence file "([^"]*)" is empty$`, w.evidenceEmpty)
	ctx.Step(`^the legal corpus "([^"]*)" reads "([^"]*)"$`, w.legalCorpus)
	ctx.Step(`^the router selects "([^"]*)" for requirements mentioning "([^"]*)"$`, w.routerSelects)
	ctx.Step(`^the router selects nothing for requirements mentioning "([^"]*)"$`, w.routerSelectsNothing)
	ctx.Step(`^the auditor answers "([^"]*)"$`, w.auditorAnswers)
	ctx.Step(`^requirement "([^"]*)" "([^"]*)" is audited$`, w.audited)
	ctx.Step(`^the status of "([^"]*)" is "([^"]*)"$`, w.statusIs)
	ctx.Step(`^the outcome of "([^"]*)" is "([^"]*)"$`, w.outcomeIs)
	ctx.Step(`^the auditor read "([^"]*)"$`, w.auditorRead)
	ctx.Step(`^the auditor saw legal context mentioning "([^"]*)"$`, w.legalContextMentions)
	ctx.Step(`^the auditor was not called$`, w.auditorNotCalled)
	ctx.Step(`^the auditor cost of "([^"]*)" is zero$`, w.auditorCostZero)
	ctx.Step(`^the index does not contain "([^"]*)"$`, w.indexLacks)
}
