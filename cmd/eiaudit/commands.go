package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/c360studio/eiaudit/audit"
	"github.com/c360studio/eiaudit/catalog"
	"github.com/c360studio/eiaudit/checklist"
	"github.com/c360studio/eiaudit/config"
	"github.com/c360studio/eiaudit/pipeline"
	"github.com/c360studio/eiaudit/runlog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func (c *cli) runCmd() *cobra.Command {
	var (
		forceReindex bool
		forceIngest  bool
		limit        int
		seed         uint64
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Audit the evidence folder against the checklist",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()

			if cmd.Flags().Changed("force-reindex") {
				app.cfg.Audit.ForceReindex = forceReindex
			}
			if cmd.Flags().Changed("limit") {
				app.cfg.Audit.SamplingLimit = limit
			}
			if cmd.Flags().Changed("seed") {
				app.cfg.Audit.SamplingSeed = seed
			}
			return c.runAudit(ctx, app, forceIngest, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&forceReindex, "force-reindex", false, "Ignore the catalog cache and re-catalog every document")
	cmd.Flags().BoolVar(&forceIngest, "force-ingest", false, "Re-ingest the legal corpus even if the store is populated")
	cmd.Flags().IntVar(&limit, "limit", 0, "Audit a random sample of this many requirements (0 = all)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for the requirement sample")
	return cmd
}

func (c *cli) runAudit(ctx context.Context, app *App, forceIngest bool, out io.Writer) error {
	cfg := app.cfg

	items, err := checklist.Load(cfg.Paths.Checklist)
	if err != nil {
		return fmt.Errorf("load checklist: %w", err)
	}
	items = checklist.Sample(items, cfg.Audit.SamplingLimit, cfg.Audit.SamplingSeed)

	app.ServeMetrics(ctx)

	w, err := runlog.New(cfg.Paths.LogsDir, time.Now())
	if err != nil {
		return fmt.Errorf("create run logs: %w", err)
	}
	defer w.Close()

	in := pipeline.Inputs{
		EvidenceDir:  cfg.Paths.EvidenceDir,
		EvidenceGlob: cfg.Paths.EvidenceGlob,
		LegalDir:     cfg.Paths.LegalDir,
		Items:        items,
		ForceReindex: cfg.Audit.ForceReindex,
		ForceIngest:  forceIngest,
		Log:          w,
		Snapshot:     app.Snapshot(),
	}
	if cfg.Metrics.Textfile {
		in.MetricsTextfile = filepath.Join(cfg.Paths.LogsDir, fmt.Sprintf("audit_metrics_%s.prom", w.Timestamp()))
	}

	report, err := app.pipeline.Run(ctx, in)
	if report != nil {
		printReport(out, report, w)
	}
	return err
}

func printReport(out io.Writer, report *pipeline.Report, w *runlog.Writer) {
	counts := report.StatusCounts()
	fmt.Fprintf(out, "Run %s: %d requirements audited\n", report.RunID, len(report.Results))
	for _, status := range []audit.Status{audit.StatusCumple, audit.StatusParcial, audit.StatusNoCumple, audit.StatusSkipped} {
		fmt.Fprintf(out, "  %-10s %d\n", status, counts[status])
	}
	fmt.Fprintf(out, "Estimated cost: %s\n", runlog.FormatCost(report.TotalCost()))
	if w != nil {
		fmt.Fprintf(out, "Report:   %s\n", w.UserPath())
		fmt.Fprintf(out, "Detailed: %s\n", w.DetailedPath())
		fmt.Fprintf(out, "Catalog:  %s\n", w.CatalogPath())
	}
}

func (c *cli) catalogCmd() *cobra.Command {
	var (
		force bool
		watch bool
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Build or refresh the project index",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			app.ServeMetrics(ctx)

			files, err := catalog.Discover(app.cfg.Paths.EvidenceDir, app.cfg.Paths.EvidenceGlob)
			if err != nil {
				return fmt.Errorf("%w: %w", pipeline.ErrNoEvidence, err)
			}
			summary, err := app.pipeline.BuildIndex(ctx, files, pipeline.BuildOptions{Force: force || app.cfg.Audit.ForceReindex})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d documents (%d cataloged, %d cached, %d failed), cost %s\n",
				len(summary.Index), summary.Cataloged, summary.Cached, summary.Failed, runlog.FormatCost(summary.Cost))

			if !watch {
				return nil
			}
			return c.watchEvidence(ctx, app, cmd.OutOrStdout())
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Ignore the catalog cache")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and re-catalog documents as they change")
	return cmd
}

// watchEvidence re-catalogs evidence as it changes until ctx ends.
func (c *cli) watchEvidence(ctx context.Context, app *App, out io.Writer) error {
	w, err := catalog.NewWatcher(app.cfg.Paths.EvidenceDir, app.cfg.Paths.EvidenceGlob, catalog.DefaultDebounce, app.logger)
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Stop()

	for _, entry := range app.cache.Entries() {
		if entry.ContentHash != "" {
			w.SetHash(entry.Filename, entry.ContentHash)
		}
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", app.cfg.Paths.EvidenceDir)

	for event := range w.Events() {
		switch event.Op {
		case catalog.OpDelete:
			removed, err := app.pipeline.ForgetFile(event.Name)
			if err != nil {
				app.logger.Error("Failed to drop document from index", "file", event.Name, "error", err)
			} else if removed {
				fmt.Fprintf(out, "Removed %s\n", event.Name)
			}
		default:
			if _, err := app.pipeline.RefreshFile(ctx, event.Path); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				app.logger.Error("Failed to catalog document", "stage", "cataloger", "file", event.Name, "error", err)
				continue
			}
			fmt.Fprintf(out, "Cataloged %s (%s)\n", event.Name, event.Op)
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (c *cli) ingestCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load the legal corpus into the knowledge store",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := c.openApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close()
			app.ServeMetrics(ctx)

			files, err := catalog.Discover(app.cfg.Paths.LegalDir, catalog.DefaultPattern)
			if err != nil {
				return fmt.Errorf("legal folder: %w", err)
			}
			n, err := app.pipeline.IngestLegal(ctx, files, force)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ingested %d chunks from %d legal documents\n", n, len(files))
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-ingest even if the store is populated")
	return cmd
}

func (c *cli) checklistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checklist",
		Short: "Checklist utilities",
	}

	var in, out string
	convert := &cobra.Command{
		Use:   "convert",
		Short: "Convert a CSV checklist to the audit JSON format",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := convertChecklist(in, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d requirements to %s\n", len(items), out)
			return nil
		},
	}
	convert.Flags().StringVar(&in, "in", "", "CSV checklist to read")
	convert.Flags().StringVar(&out, "out", "", "JSON checklist to write")
	_ = convert.MarkFlagRequired("in")
	_ = convert.MarkFlagRequired("out")

	cmd.AddCommand(convert)
	return cmd
}

func convertChecklist(in, out string) ([]checklist.Item, error) {
	f, err := os.Open(in)
	if err != nil {
		return nil, fmt.Errorf("open checklist: %w", err)
	}
	defer f.Close()

	items, err := checklist.ConvertCSV(f)
	if err != nil {
		return nil, err
	}
	if err := checklist.Validate(items); err != nil {
		return nil, err
	}
	if err := checklist.Save(out, items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration utilities",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create the user config file with defaults",
			RunE: func(cmd *cobra.Command, args []string) error {
				return config.NewLoader(c.logger).EnsureUserConfig()
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Print the resolved configuration",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				data, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "models",
			Short: "List the model chain of each stage",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := c.loadConfig()
				if err != nil {
					return err
				}
				reg := cfg.Registry()
				for _, role := range reg.ListRoles() {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s %v\n", role, reg.ModelFor(role), reg.GetFallbackChain(role))
				}
				return nil
			},
		},
	)
	return cmd
}
