package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/metrics"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/runlog"
	"github.com/c360studio/eiaudit/source"
)

// IndexSummary is the project index built for one run.
type IndexSummary struct {
	// Index holds one entry per cataloged file, in filename order.
	Index []audit.FileIndex

	// Paths maps each indexed filename to its file on disk.
	Paths map[string]string

	Cataloged int
	Cached    int
	Failed    int

	// Cost is the cataloger cost of this build.
	Cost float64
}

// Filenames returns the indexed filenames.
func (s *IndexSummary) Filenames() []string {
	return audit.Filenames(s.Index)
}

// BuildOptions control BuildIndex.
type BuildOptions struct {
	// Force re-catalogs every file regardless of the cache.
	Force bool

	// Log receives one row per file. Optional.
	Log CatalogLog
}

// BuildIndex catalogs files, reusing cache entries whose content hash still
// matches. The cache is saved when any entry changed. Files that fail are
// left out of the index. On cancellation the entries cataloged so far are
// saved and the partial summary is returned with the context error.
func (p *Pipeline) BuildIndex(ctx context.Context, files []string, opts BuildOptions) (*IndexSummary, error) {
	cache := p.deps.Cache
	if err := cache.Load(); err != nil {
		if !errors.Is(err, catalog.ErrCorruptCache) {
			return nil, err
		}
		// Load already warned; the empty cache forces a rebuild.
	}

	summary := &IndexSummary{Paths: make(map[string]string, len(files))}
	sorted := append([]string(nil), files...)
	sortByName(sorted)

	for _, path := range sorted {
		if err := ctx.Err(); err != nil {
			return p.interrupted(summary, err)
		}
		name := filepath.Base(path)
		if _, dup := summary.Paths[name]; dup {
			p.logger.Warn("Duplicate evidence filename, keeping the first", "file", name, "path", path)
			continue
		}

		hash, err := source.HashFile(path)
		if err != nil {
			p.logger.Warn("Cannot read evidence file", "stage", "cataloger", "file", name, "error", err)
			summary.Failed++
			p.logCatalog(opts.Log, name, runlog.CatalogFailed, audit.Usage{}, 0)
			continue
		}

		if !opts.Force {
			if entry, ok := cache.Lookup(name, hash); ok {
				p.logger.Debug("Catalog cache hit", "file", name)
				summary.add(entry, path)
				summary.Cached++
				p.metrics.ObserveStage(metrics.StageCataloger, metrics.OutcomeCached, 0, 0, 0)
				p.logCatalog(opts.Log, name, runlog.CatalogCached, audit.Usage{}, 0)
				continue
			}
		}

		entry, usage, err := p.deps.Cataloger.Analyze(ctx, path)
		cost := p.cost(metrics.StageCataloger, usage)
		summary.Cost += cost
		p.observe(metrics.StageCataloger, err, usage, cost)
		if err != nil {
			if ctx.Err() != nil {
				summary.Failed++
				p.logCatalog(opts.Log, name, runlog.CatalogFailed, usage, cost)
				return p.interrupted(summary, ctx.Err())
			}
			p.logger.Warn("Cataloging failed", "stage", "cataloger", "file", name, "error", err)
			summary.Failed++
			p.logCatalog(opts.Log, name, runlog.CatalogFailed, usage, cost)
			continue
		}

		entry.ContentHash = hash
		cache.Put(*entry)
		summary.add(*entry, path)
		summary.Cataloged++
		p.logCatalog(opts.Log, name, runlog.CatalogSuccess, usage, cost)
		p.logger.Info("Cataloged evidence file",
			"file", name,
			"topics", len(entry.TopicsDetected),
			"tables", len(entry.TablesAndFigures),
			"cost", runlog.FormatCost(cost))
	}

	if cache.Dirty() {
		if err := cache.Save(); err != nil {
			return nil, err
		}
	}

	p.logger.Info("Project index ready",
		"files", len(summary.Index),
		"cataloged", summary.Cataloged,
		"cached", summary.Cached,
		"failed", summary.Failed)
	return summary, nil
}

// interrupted saves what a cancelled build already cataloged.
func (p *Pipeline) interrupted(summary *IndexSummary, err error) (*IndexSummary, error) {
	if p.deps.Cache.Dirty() {
		if saveErr := p.deps.Cache.Save(); saveErr != nil {
			p.logger.Warn("Failed to save catalog cache", "error", saveErr)
		}
	}
	return summary, err
}

// sortByName orders paths by basename, then full path.
func sortByName(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		a, b := filepath.Base(paths[i]), filepath.Base(paths[j])
		if a != b {
			return a < b
		}
		return paths[i] < paths[j]
	})
}

func (s *IndexSummary) add(entry audit.FileIndex, path string) {
	s.Index = append(s.Index, entry)
	s.Paths[entry.Filename] = path
}

func (p *Pipeline) logCatalog(log CatalogLog, name, status string, u audit.Usage, cost float64) {
	if log == nil {
		return
	}
	row := runlog.CatalogRow{
		Time:         p.now(),
		Filename:     name,
		Status:       status,
		Model:        p.modelOf(model.RoleCataloger, u),
		InputTokens:  u.InputTokens,
		OutputTokens: u.OutputTokens,
		Cost:         cost,
	}
	if err := log.LogCatalog(row); err != nil {
		p.logger.Warn("Failed to write catalog log", "file", name, "error", err)
	}
}

// RefreshFile re-catalogs one evidence file unless its cached entry still
// matches the content, then saves the cache.
func (p *Pipeline) RefreshFile(ctx context.Context, path string) (*audit.FileIndex, error) {
	name := filepath.Base(path)
	hash, err := source.HashFile(path)
	if err != nil {
		return nil, err
	}

	cache := p.deps.Cache
	if entry, ok := cache.Lookup(name, hash); ok {
		if cache.Dirty() {
			if err := cache.Save(); err != nil {
				return nil, err
			}
		}
		return &entry, nil
	}

	entry, usage, err := p.deps.Cataloger.Analyze(ctx, path)
	cost := p.cost(metrics.StageCataloger, usage)
	p.observe(metrics.StageCataloger, err, usage, cost)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", name, err)
	}

	entry.ContentHash = hash
	cache.Put(*entry)
	if err := cache.Save(); err != nil {
		return nil, err
	}
	p.logger.Info("Refreshed catalog entry", "file", name, "cost", runlog.FormatCost(cost))
	return entry, nil
}

// ForgetFile drops name from the cache and reports whether it was indexed.
func (p *Pipeline) ForgetFile(name string) (bool, error) {
	if !p.deps.Cache.Delete(name) {
		return false, nil
	}
	if err := p.deps.Cache.Save(); err != nil {
		return true, err
	}
	p.logger.Info("Removed catalog entry", "file", name)
	return true, nil
}
