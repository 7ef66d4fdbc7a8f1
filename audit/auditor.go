package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/model"
)

// DefaultLanguage is the language of the verdict narrative.
const DefaultLanguage = "Spanish"

// Auditor judges one requirement against legal context and evidence.
type Auditor struct {
	client   Completer
	language string
	logger   *slog.Logger
}

// NewAuditor creates an auditor writing its reasoning in language. An
// empty language uses DefaultLanguage and a nil logger slog.Default().
func NewAuditor(client Completer, language string, logger *slog.Logger) *Auditor {
	if language == "" {
		language = DefaultLanguage
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{client: client, language: language, logger: logger}
}

// Language returns the verdict narrative language.
func (a *Auditor) Language() string {
	return a.language
}

// RequirementPrompt renders a checklist item. Missing fields read "N/A".
func RequirementPrompt(requirement, criteria, expectedEvidence string) string {
	return fmt.Sprintf(requirementPromptFormat, orNA(requirement), orNA(criteria), orNA(expectedEvidence))
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

// EvidenceBlock concatenates files in order, each under a header naming it.
func EvidenceBlock(files []FileContent) string {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, evidenceHeaderFormat, f.Name)
		b.WriteString(f.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// Audit asks the model for a verdict. The status is normalised to one of
// the three verdict labels; a missing field, any other label, or a missing
// instruction on a non-compliant verdict fails with llm.ErrMalformedOutput.
func (a *Auditor) Audit(ctx context.Context, requirementPrompt, legalContext string, files []FileContent) (*AuditResult, Usage, error) {
	if len(files) == 0 {
		return nil, Usage{}, errors.New("audit: no evidence files")
	}

	resp, err := a.client.Complete(ctx, llm.Request{
		Role: model.RoleAuditor,
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(auditorSystemPrompt, a.language)},
			{Role: "user", Content: fmt.Sprintf(auditorUserPrompt, requirementPrompt, legalContext, EvidenceBlock(files))},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("audit: %w", err)
	}
	usage := usageOf(resp)

	var raw struct {
		Status           string `json:"status"`
		Reasoning        string `json:"reasoning"`
		LegalBase        string `json:"legal_base"`
		EvidenceLocation string `json:"evidence_location"`
		Instruction      string `json:"instruction"`
	}
	if err := llm.DecodeJSON(resp.Content, &raw, verdictKeys...); err != nil {
		return nil, usage, fmt.Errorf("audit: %w", err)
	}

	status, err := ParseStatus(raw.Status)
	if err != nil {
		return nil, usage, fmt.Errorf("audit: %w: %w", llm.ErrMalformedOutput, err)
	}
	if status != StatusCumple && strings.TrimSpace(raw.Instruction) == "" {
		return nil, usage, fmt.Errorf("audit: %w: status %s without instruction", llm.ErrMalformedOutput, status)
	}

	a.logger.Debug("Audit verdict",
		"stage", "auditor",
		"status", status,
		"files", len(files),
		"model", usage.Model)

	return &AuditResult{
		Status:           status,
		Reasoning:        raw.Reasoning,
		LegalBase:        raw.LegalBase,
		EvidenceLocation: raw.EvidenceLocation,
		Instruction:      raw.Instruction,
	}, usage, nil
}
