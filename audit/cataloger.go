package audit

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/source"
)

// Cataloger builds the deep content index of evidence documents.
type Cataloger struct {
	client    Completer
	extractor TextExtractor
	logger    *slog.Logger
}

// NewCataloger creates a cataloger. A nil logger uses slog.Default().
func NewCataloger(client Completer, extractor TextExtractor, logger *slog.Logger) *Cataloger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cataloger{client: client, extractor: extractor, logger: logger}
}

// Analyze indexes the document at path. A reply missing any index field is
// malformed. On failure the index is nil and
// usage holds whatever the model call consumed. The returned filename is
// always the basename of path.
func (c *Cataloger) Analyze(ctx context.Context, path string) (*FileIndex, Usage, error) {
	filename := filepath.Base(path)

	text := c.extractor.ExtractText(path)
	if !source.Usable(text) {
		detail := "empty text"
		if source.IsExtractionError(text) {
			detail = text
		}
		return nil, Usage{}, fmt.Errorf("%w: %s: %s", ErrUnreadableDocument, filename, detail)
	}

	resp, err := c.client.Complete(ctx, llm.Request{
		Role: model.RoleCataloger,
		Messages: []llm.Message{
			{Role: "system", Content: catalogerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(catalogerUserPrompt, filename, text)},
		},
		JSONMode: true,
	})
	if err != nil {
		return nil, Usage{}, fmt.Errorf("catalog %s: %w", filename, err)
	}
	usage := usageOf(resp)

	var index FileIndex
	if err := llm.DecodeJSON(resp.Content, &index, catalogKeys...); err != nil {
		return nil, usage, fmt.Errorf("catalog %s: %w", filename, err)
	}

	if index.Filename != filename {
		c.logger.Debug("Overriding model-reported filename",
			"file", filename,
			"reported", index.Filename)
	}
	index.Filename = filename
	index.ContentHash = ""
	index.normalize()

	return &index, usage, nil
}
