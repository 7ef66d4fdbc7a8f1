package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/model"
)

// Router selects the evidence files relevant to one requirement.
type Router struct {
	client Completer
	logger *slog.Logger
}

// NewRouter creates a router. A nil logger uses slog.Default().
func NewRouter(client Completer, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{client: client, logger: logger}
}

// RouterQuery folds the expected evidence into the requirement the Router
// searches for.
func RouterQuery(requirement, expectedEvidence string) string {
	expectedEvidence = strings.TrimSpace(expectedEvidence)
	if expectedEvidence == "" {
		return requirement
	}
	return fmt.Sprintf("%s (Evidence needed: %s)", requirement, expectedEvidence)
}

// Route asks the model which files of index support requirement. The
// selection is deduplicated and restricted to index filenames; unknown names
// are dropped with a warning. An empty index selects nothing without a call.
func (r *Router) Route(ctx context.Context, requirement string, index []FileIndex) (*RoutingDecision, Usage, error) {
	if len(index) == 0 {
		return &RoutingDecision{SelectedFilenames: []string{}}, Usage{}, nil
	}

	compact, err := compactIndex(index)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("encode project index: %w", err)
	}

	resp, err := r.client.Complete(ctx, llm.Request{
		Role: model.RoleRouter,
		Messages: []llm.Message{
			{Role: "system", Content: routerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(routerUserPrompt, requirement, compact)},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("route: %w", err)
	}
	usage := usageOf(resp)

	var decision RoutingDecision
	if err := llm.DecodeJSON(resp.Content, &decision, routingKeys...); err != nil {
		return nil, usage, fmt.Errorf("route: %w", err)
	}

	known := make(map[string]bool, len(index))
	for _, f := range index {
		known[f.Filename] = true
	}

	seen := make(map[string]bool, len(decision.SelectedFilenames))
	selected := make([]string, 0, len(decision.SelectedFilenames))
	for _, name := range decision.SelectedFilenames {
		name = strings.TrimSpace(name)
		if seen[name] {
			continue
		}
		seen[name] = true
		if !known[name] {
			r.logger.Warn("Router selected a file outside the project index, dropping",
				"stage", "router",
				"file", name)
			continue
		}
		selected = append(selected, name)
	}
	decision.SelectedFilenames = selected

	return &decision, usage, nil
}

// compactIndex renders the index as single-line JSON without content hashes.
func compactIndex(index []FileIndex) (string, error) {
	stripped := make([]FileIndex, len(index))
	for i, f := range index {
		f.ContentHash = ""
		stripped[i] = f
	}
	data, err := json.Marshal(stripped)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
