// Package main provides the eiaudit binary entry point.
// eiaudit audits an Environmental Impact Assessment against a compliance
// checklist: it catalogs the project documents, routes each requirement to
// its evidence and asks an auditor model for a verdict backed by the
// ingested legal corpus.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"

	// Register LLM providers via init()
	_ "github.com/c360studio/eiaudit/llm/providers"

	"github.com/c360studio/eiaudit/config"
	"github.com/spf13/cobra"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eiaudit"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(os.Stdout, os.Stderr, os.Getenv).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the state shared by every subcommand.
type cli struct {
	configPath  string
	logLevel    string
	metricsAddr string

	stdout io.Writer
	stderr io.Writer
	getenv func(string) string
	logger *slog.Logger
}

func rootCmd(stdout, stderr io.Writer, getenv func(string) string) *cobra.Command {
	c := &cli{stdout: stdout, stderr: stderr, getenv: getenv}

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Environmental impact assessment compliance auditor",
		Long: `eiaudit audits an Environmental Impact Assessment (EIA) against a
compliance checklist.

A run has three model stages:
- Cataloger: indexes each evidence PDF once (cached by content hash)
- Router: picks the documents that can prove a requirement
- Auditor: judges the requirement against the evidence and the legal corpus

Results are written as CSV run logs plus a JSON metadata file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.logger = newLogger(c.stderr, c.logLevel)
			slog.SetDefault(c.logger)
			return nil
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	cmd.PersistentFlags().StringVarP(&c.configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&c.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	cmd.AddCommand(
		c.runCmd(),
		c.catalogCmd(),
		c.ingestCmd(),
		c.checklistCmd(),
		c.configCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)
	return cmd
}

func newLogger(w io.Writer, logLevel string) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig resolves the layered configuration and applies the
// --metrics-addr override.
func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader(c.logger).Load(c.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.metricsAddr != "" {
		cfg.Metrics.Addr = c.metricsAddr
	}
	return cfg, nil
}

// openApp loads the configuration and wires every collaborator.
func (c *cli) openApp(ctx context.Context) (*App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, c.logger, c.getenv)
}
