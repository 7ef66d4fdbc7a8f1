// Package runlog writes the per-run audit trail: the detailed and user CSV
// reports, the catalog CSV and the run metadata JSON.
package runlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c360studio/eiaudit/storage"
)

// TimestampFormat names the files of one run.
const TimestampFormat = "20060102_150405"

var (
	detailedHeader = []string{
		"Req_ID", "Requirement_Text", "Duration_Seconds",
		"Router_Model", "Router_Input_Tokens", "Router_Output_Tokens", "Router_Cost", "Router_Files", "Router_Reasoning",
		"Auditor_Model", "Auditor_Input_Tokens", "Auditor_Output_Tokens", "Auditor_Cost",
		"Audit_Status", "Audit_Reasoning", "Outcome", "Error", "Total_Req_Cost",
	}
	userHeader = []string{
		"Req_ID", "Requirement_Text", "Duration_Seconds",
		"Selected_Files", "Audit_Status", "Audit_Reasoning", "Instruction",
	}
	catalogHeader = []string{
		"Timestamp", "Filename", "Status", "Model",
		"Input_Tokens", "Output_Tokens", "Cost",
	}
)

// Catalog row statuses.
const (
	CatalogSuccess = "SUCCESS"
	CatalogCached  = "CACHED"
	CatalogFailed  = "FAILED"
)

// CatalogRow is one cataloging outcome.
type CatalogRow struct {
	Time         time.Time
	Filename     string
	Status       string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64
}

// RequirementRow is one audited requirement.
type RequirementRow struct {
	ID          string
	Requirement string
	Duration    time.Duration

	RouterModel        string
	RouterInputTokens  int
	RouterOutputTokens int
	RouterCost         float64
	RouterFiles        []string
	RouterReasoning    string

	AuditorModel        string
	AuditorInputTokens  int
	AuditorOutputTokens int
	AuditorCost         float64

	Status      string
	Reasoning   string
	Instruction string
	Outcome     string
	Error       string
}

// TotalCost is the router plus auditor cost.
func (r RequirementRow) TotalCost() float64 {
	return r.RouterCost + r.AuditorCost
}

// Configuration is the run configuration snapshot stored in the metadata.
type Configuration struct {
	ModelCataloger string `json:"model_cataloger"`
	ModelRouter    string `json:"model_router"`
	ModelAuditor   string `json:"model_auditor"`
	RateLimit      int    `json:"rate_limit"`
	SamplingLimit  int    `json:"sampling_limit"`
	Language       string `json:"language"`
}

// Metadata summarizes a run.
type Metadata struct {
	RunID           string         `json:"run_id"`
	RunStart        time.Time      `json:"run_start"`
	RunEnd          time.Time      `json:"run_end"`
	DurationSeconds float64        `json:"total_duration_seconds"`
	TotalCostUSD    float64        `json:"total_cost_estimated_usd"`
	InputFolder     string         `json:"input_folder"`
	FilesAnalyzed   []string       `json:"files_analyzed"`
	LegalFilesUsed  []string       `json:"legal_files_used"`
	Requirements    int            `json:"requirements_audited"`
	StatusCounts    map[string]int `json:"status_counts"`
	Configuration   Configuration  `json:"configuration"`
}

type csvFile struct {
	path string
	f    *os.File
	w    *csv.Writer
}

func createCSV(path string, header []string) (*csvFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	c := &csvFile{path: path, f: f, w: csv.NewWriter(f)}
	if err := c.write(header); err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// write appends one record and flushes it, so rows survive an aborted run.
func (c *csvFile) write(record []string) error {
	if err := c.w.Write(record); err != nil {
		return err
	}
	c.w.Flush()
	return c.w.Error()
}

// Writer owns the log files of one run. Safe for concurrent use.
type Writer struct {
	dir string
	ts  string

	mu       sync.Mutex
	detailed *csvFile
	user     *csvFile
	catalog  *csvFile
	closed   bool
}

// New creates dir if needed and the three CSV files, named after start.
func New(dir string, start time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create logs dir: %w", err)
	}
	w := &Writer{dir: dir, ts: start.Format(TimestampFormat)}

	var err error
	if w.detailed, err = createCSV(w.path("audit_detailed_%s.csv"), detailedHeader); err != nil {
		return nil, fmt.Errorf("create detailed log: %w", err)
	}
	if w.user, err = createCSV(w.path("audit_report_USER_%s.csv"), userHeader); err != nil {
		w.Close()
		return nil, fmt.Errorf("create user report: %w", err)
	}
	if w.catalog, err = createCSV(w.path("audit_catalog_%s.csv"), catalogHeader); err != nil {
		w.Close()
		return nil, fmt.Errorf("create catalog log: %w", err)
	}
	return w, nil
}

func (w *Writer) path(format string) string {
	return filepath.Join(w.dir, fmt.Sprintf(format, w.ts))
}

// Timestamp returns the run's file timestamp.
func (w *Writer) Timestamp() string { return w.ts }

// DetailedPath returns the detailed CSV path.
func (w *Writer) DetailedPath() string { return w.detailed.path }

// UserPath returns the user report CSV path.
func (w *Writer) UserPath() string { return w.user.path }

// CatalogPath returns the catalog CSV path.
func (w *Writer) CatalogPath() string { return w.catalog.path }

// MetadataPath returns the run metadata JSON path.
func (w *Writer) MetadataPath() string { return w.path("run_metadata_%s.json") }

// ErrClosed is returned when logging after Close.
var ErrClosed = errors.New("run log closed")

// LogCatalog appends a row to the catalog CSV.
func (w *Writer) LogCatalog(r CatalogRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.catalog.write([]string{
		r.Time.Format("15:04:05"),
		r.Filename,
		r.Status,
		r.Model,
		strconv.Itoa(r.InputTokens),
		strconv.Itoa(r.OutputTokens),
		FormatCost(r.Cost),
	})
}

// LogRequirement appends a row to the detailed CSV and the user report.
func (w *Writer) LogRequirement(r RequirementRow) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	duration := FormatSeconds(r.Duration)
	files := FormatFiles(r.RouterFiles)
	err := w.detailed.write([]string{
		r.ID,
		r.Requirement,
		duration,
		r.RouterModel,
		strconv.Itoa(r.RouterInputTokens),
		strconv.Itoa(r.RouterOutputTokens),
		FormatCost(r.RouterCost),
		files,
		orNA(r.RouterReasoning),
		r.AuditorModel,
		strconv.Itoa(r.AuditorInputTokens),
		strconv.Itoa(r.AuditorOutputTokens),
		FormatCost(r.AuditorCost),
		r.Status,
		orNA(r.Reasoning),
		r.Outcome,
		r.Error,
		FormatCost(r.TotalCost()),
	})
	if err != nil {
		return fmt.Errorf("write detailed log: %w", err)
	}

	err = w.user.write([]string{
		r.ID,
		r.Requirement,
		duration,
		files,
		r.Status,
		orNA(r.Reasoning),
		r.Instruction,
	})
	if err != nil {
		return fmt.Errorf("write user report: %w", err)
	}
	return nil
}

// WriteMetadata writes the run metadata JSON.
func (w *Writer) WriteMetadata(m Metadata) error {
	if m.FilesAnalyzed == nil {
		m.FilesAnalyzed = []string{}
	}
	if m.LegalFilesUsed == nil {
		m.LegalFilesUsed = []string{}
	}
	if m.StatusCounts == nil {
		m.StatusCounts = map[string]int{}
	}
	return storage.WriteJSON(w.MetadataPath(), m)
}

// Close flushes and closes every CSV. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var errs []error
	for _, c := range []*csvFile{w.detailed, w.user, w.catalog} {
		if c == nil {
			continue
		}
		c.w.Flush()
		errs = append(errs, c.w.Error(), c.f.Close())
	}
	return errors.Join(errs...)
}

// FormatCost renders a USD amount as "$0.000123".
func FormatCost(usd float64) string {
	return fmt.Sprintf("$%.6f", usd)
}

// FormatSeconds renders d in seconds with two decimals.
func FormatSeconds(d time.Duration) string {
	return fmt.Sprintf("%.2f", d.Seconds())
}

// FormatFiles joins selected files, or "None" when nothing was selected.
func FormatFiles(files []string) string {
	if len(files) == 0 {
		return "None"
	}
	return strings.Join(files, ", ")
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
