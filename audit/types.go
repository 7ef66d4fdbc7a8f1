// Package audit implements the three model-backed stages of a compliance
// audit: the Cataloger indexes each evidence document, the Router picks
// the documents relevant to a requirement, and the Auditor judges the
// requirement against legal context and the selected text.
package audit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c360studio/eiaudit/llm"
)

// ErrUnreadableDocument is returned by the Cataloger when a document yields
// no usable text.
var ErrUnreadableDocument = errors.New("document has no readable text")

// Completer issues one model call. *llm.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// TextExtractor returns the text of a document, or an extraction-error
// placeholder. *source.Extractor implements it.
type TextExtractor interface {
	ExtractText(path string) string
}

// FileIndex is the deep content index of one evidence document.
type FileIndex struct {
	Filename         string            `json:"filename"`
	TopicsDetected   []string          `json:"topics_detected"`
	TablesAndFigures []string          `json:"tables_and_figures"`
	ContentSummary   string            `json:"content_summary"`
	PageRanges       map[string]string `json:"page_ranges"`

	// ContentHash is the sha256 of the source file, set by the cache layer.
	ContentHash string `json:"content_hash,omitempty"`
}

// normalize replaces nil collections with empty ones so cached and fresh
// indexes compare equal.
func (f *FileIndex) normalize() {
	if f.TopicsDetected == nil {
		f.TopicsDetected = []string{}
	}
	if f.TablesAndFigures == nil {
		f.TablesAndFigures = []string{}
	}
	if f.PageRanges == nil {
		f.PageRanges = map[string]string{}
	}
}

// Filenames returns the filename of every entry, in order.
func Filenames(index []FileIndex) []string {
	names := make([]string, len(index))
	for i, f := range index {
		names[i] = f.Filename
	}
	return names
}

// catalogKeys are the fields every Cataloger reply must carry. The filename
// is overridden, so the model may omit it.
var catalogKeys = []string{"topics_detected", "tables_and_figures", "content_summary", "page_ranges"}

// RoutingDecision is the Router's selection for one requirement.
type RoutingDecision struct {
	SelectedFilenames []string `json:"selected_filenames"`
	Reasoning         string   `json:"reasoning"`
}

var routingKeys = []string{"selected_filenames", "reasoning"}

// Status is a compliance verdict label.
type Status string

const (
	StatusCumple   Status = "CUMPLE"
	StatusNoCumple Status = "NO CUMPLE"
	StatusParcial  Status = "PARCIAL"

	// StatusSkipped marks a requirement the Auditor never judged. Models
	// cannot return it.
	StatusSkipped Status = "SKIPPED"
)

// ParseStatus maps a model-reported label onto a verdict. Case, padding and
// "_" or "-" separators are ignored, so "no_cumple" is NO CUMPLE. Anything
// else, SKIPPED included, is an error.
func ParseStatus(s string) (Status, error) {
	norm := strings.ToUpper(s)
	norm = strings.NewReplacer("_", " ", "-", " ").Replace(norm)
	norm = strings.Join(strings.Fields(norm), " ")

	switch Status(norm) {
	case StatusCumple, StatusNoCumple, StatusParcial:
		return Status(norm), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// IsFinal reports whether s may appear in a report.
func (s Status) IsFinal() bool {
	switch s {
	case StatusCumple, StatusNoCumple, StatusParcial, StatusSkipped:
		return true
	}
	return false
}

// AuditResult is the Auditor's verdict for one requirement.
type AuditResult struct {
	Status           Status `json:"status"`
	Reasoning        string `json:"reasoning"`
	LegalBase        string `json:"legal_base"`
	EvidenceLocation string `json:"evidence_location"`

	// Instruction is the remediation directive; required unless CUMPLE.
	Instruction string `json:"instruction,omitempty"`
}

// verdictKeys are required in every Auditor reply. Instruction is checked
// separately since CUMPLE may omit it.
var verdictKeys = []string{"status", "reasoning", "legal_base", "evidence_location"}

// Usage is the token consumption of one model call.
type Usage struct {
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

func usageOf(resp *llm.Response) Usage {
	if resp == nil {
		return Usage{}
	}
	return Usage{
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
}

// FileContent is the extracted text of one router-selected file.
type FileContent struct {
	Name string
	Text string
}
