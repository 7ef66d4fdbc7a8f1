package pipeline

import (
	"context"
	"path/filepath"

	"github.com/c360studio/eiaudit/source"
)

// IngestLegal loads the legal corpus into the knowledge base. A populated
// store is left alone unless force is set. Unreadable files and failed
// ingestions are logged and skipped. Returns the number of chunks stored.
func (p *Pipeline) IngestLegal(ctx context.Context, files []string, force bool) (int, error) {
	count, err := p.deps.Legal.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 && !force {
		p.logger.Info("Legal store already populated, skipping ingestion", "chunks", count)
		return 0, nil
	}

	total := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		name := filepath.Base(path)

		text := p.deps.LegalExtractor.ExtractText(path)
		if !source.Usable(text) {
			p.logger.Warn("Skipping unreadable legal document", "stage", "legal", "file", name)
			continue
		}

		n, err := p.deps.Legal.Ingest(ctx, text, name)
		total += n
		p.metrics.AddLegalChunks(n)
		if err != nil {
			if ctx.Err() != nil {
				return total, ctx.Err()
			}
			p.logger.Warn("Legal ingestion failed", "stage", "legal", "file", name, "error", err)
			continue
		}
		p.logger.Info("Ingested legal document", "file", name, "chunks", n)
	}
	return total, nil
}
