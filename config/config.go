// Package config provides configuration loading and management for eiaudit.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c360studio/eiaudit/legal"
	"github.com/c360studio/eiaudit/legal/embedding"
	"github.com/c360studio/eiaudit/legal/stores"
	"github.com/c360studio/eiaudit/llm"
	"github.com/c360studio/eiaudit/model"
	"github.com/c360studio/eiaudit/pricing"
	"github.com/c360studio/eiaudit/source/chunker"
	"gopkg.in/yaml.v3"
)

// Config represents the complete eiaudit configuration
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Models    ModelsConfig    `yaml:"models"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Legal     LegalConfig     `yaml:"legal"`
	Audit     AuditConfig     `yaml:"audit"`
	Pricing   pricing.Table   `yaml:"pricing,omitempty"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// PathsConfig locates the pipeline inputs and outputs
type PathsConfig struct {
	// EvidenceDir holds the project PDFs to audit
	EvidenceDir string `yaml:"evidence_dir"`
	// EvidenceGlob selects evidence files relative to EvidenceDir (supports **)
	EvidenceGlob string `yaml:"evidence_glob"`
	// LegalDir holds the regulation PDFs ingested into the legal store
	LegalDir string `yaml:"legal_dir"`
	// IndexFile is the catalog cache
	IndexFile string `yaml:"index_file"`
	// Checklist is the audit checklist JSON
	Checklist string `yaml:"checklist"`
	// LogsDir receives the run CSVs and metadata
	LogsDir string `yaml:"logs_dir"`
}

// ModelsConfig configures model endpoints and which stages use them
type ModelsConfig struct {
	Roles     map[model.Role]*model.RoleConfig `yaml:"roles"`
	Endpoints map[string]*model.EndpointConfig `yaml:"endpoints"`
	Retry     llm.RetryConfig                  `yaml:"retry"`
}

// RateLimitConfig paces every outbound model and embedding call
type RateLimitConfig struct {
	// CallsPerMinute of zero disables pacing
	CallsPerMinute int `yaml:"calls_per_minute"`
}

// Legal search modes.
const (
	SearchSimilarity = "similarity"
	SearchMMR        = "mmr"
)

// LegalConfig configures the legal knowledge store
type LegalConfig struct {
	TopK int `yaml:"top_k"`

	// Search is "similarity" (plain top-k) or "mmr"; FetchK and MMRLambda
	// only apply to mmr.
	Search    string  `yaml:"search"`
	FetchK    int     `yaml:"fetch_k"`
	MMRLambda float64 `yaml:"mmr_lambda"`

	Chunker   chunker.Config   `yaml:"chunker"`
	Store     stores.Config    `yaml:"store"`
	Embedding embedding.Config `yaml:"embedding"`
	Ingest    IngestConfig     `yaml:"ingest"`
}

// IngestConfig paces legal embedding batches
type IngestConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// AuditConfig configures the audit loop
type AuditConfig struct {
	// Language of the auditor's reasoning and instructions
	Language string `yaml:"language"`
	// ForceReindex ignores the catalog cache
	ForceReindex bool `yaml:"force_reindex"`
	// SamplingLimit audits a random subset of the checklist (0 = all)
	SamplingLimit int `yaml:"sampling_limit"`
	// SamplingSeed makes the subset reproducible
	SamplingSeed uint64 `yaml:"sampling_seed"`
}

// MetricsConfig configures Prometheus export
type MetricsConfig struct {
	// Addr serves /metrics while a command runs (empty = disabled)
	Addr string `yaml:"addr,omitempty"`
	// Textfile writes a .prom file next to the run logs at the end of a run
	Textfile bool `yaml:"textfile"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	reg := model.NewDefaultRegistry()
	roles := make(map[model.Role]*model.RoleConfig)
	for _, role := range reg.ListRoles() {
		if rc, ok := reg.RoleSettings(role); ok {
			roles[role] = &rc
		}
	}
	endpoints := make(map[string]*model.EndpointConfig)
	for _, name := range reg.ListEndpoints() {
		ep := *reg.GetEndpoint(name)
		endpoints[name] = &ep
	}

	return &Config{
		Paths: PathsConfig{
			EvidenceDir:  filepath.Join("data", "proyecto_eia"),
			EvidenceGlob: "*.pdf",
			LegalDir:     filepath.Join("data", "leyes"),
			IndexFile:    filepath.Join("data", "project_index.json"),
			Checklist:    filepath.Join("data", "audit_checklist.json"),
			LogsDir:      "logs",
		},
		Models: ModelsConfig{
			Roles:     roles,
			Endpoints: endpoints,
			Retry:     llm.DefaultRetryConfig(),
		},
		RateLimit: RateLimitConfig{CallsPerMinute: 20},
		Legal: LegalConfig{
			TopK:      legal.DefaultTopK,
			Search:    SearchSimilarity,
			Chunker:   chunker.DefaultConfig(),
			Store:     stores.DefaultConfig(),
			Embedding: embedding.DefaultConfig(),
			Ingest: IngestConfig{
				BatchSize:  legal.DefaultBatchSize,
				BatchDelay: legal.DefaultBatchDelay,
				RetryDelay: legal.DefaultRetryDelay,
			},
		},
		Audit: AuditConfig{
			Language:     "Spanish",
			SamplingSeed: 42,
		},
		Pricing: pricing.DefaultTable(),
		Metrics: MetricsConfig{Textfile: true},
	}
}

// Registry builds the model registry described by the models section.
func (c *Config) Registry() *model.Registry {
	return model.NewRegistry(c.Models.Roles, c.Models.Endpoints)
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Paths.EvidenceDir == "" {
		return fmt.Errorf("paths.evidence_dir is required")
	}
	if c.Paths.IndexFile == "" {
		return fmt.Errorf("paths.index_file is required")
	}
	if c.Paths.LogsDir == "" {
		return fmt.Errorf("paths.logs_dir is required")
	}
	if err := c.Registry().Validate(); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	if c.Models.Retry.MaxAttempts < 1 {
		return fmt.Errorf("models.retry.max_attempts must be at least 1")
	}
	if c.RateLimit.CallsPerMinute < 0 {
		return fmt.Errorf("rate_limit.calls_per_minute must not be negative")
	}
	if c.Legal.TopK < 0 {
		return fmt.Errorf("legal.top_k must not be negative")
	}
	switch c.Legal.Search {
	case "", SearchSimilarity, SearchMMR:
	default:
		return fmt.Errorf("legal.search must be %q or %q, got %q", SearchSimilarity, SearchMMR, c.Legal.Search)
	}
	if c.Legal.FetchK < 0 || c.Legal.MMRLambda < 0 || c.Legal.MMRLambda > 1 {
		return fmt.Errorf("legal.fetch_k must not be negative and legal.mmr_lambda must be within [0, 1]")
	}
	if err := c.Legal.Chunker.Validate(); err != nil {
		return fmt.Errorf("legal.chunker: %w", err)
	}
	if err := c.Legal.Store.Validate(); err != nil {
		return fmt.Errorf("legal.store: %w", err)
	}
	if err := c.Legal.Embedding.Validate(); err != nil {
		return fmt.Errorf("legal.embedding: %w", err)
	}
	if c.Legal.Ingest.BatchSize < 0 || c.Legal.Ingest.BatchDelay < 0 || c.Legal.Ingest.RetryDelay < 0 {
		return fmt.Errorf("legal.ingest values must not be negative")
	}
	if c.Audit.SamplingLimit < 0 {
		return fmt.Errorf("audit.sampling_limit must not be negative")
	}
	if err := c.Pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	return nil
}

// CheckCredentials reports every credential variable the configured
// endpoints and embedder need but getenv does not provide.
func (c *Config) CheckCredentials(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	var missing []string
	seen := make(map[string]bool)
	need := func(env, owner string) {
		if env == "" || seen[env] {
			return
		}
		seen[env] = true
		if strings.TrimSpace(getenv(env)) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", env, owner))
		}
	}

	reg := c.Registry()
	for _, role := range model.Roles() {
		for _, name := range reg.GetFallbackChain(role) {
			if ep := reg.GetEndpoint(name); ep != nil {
				need(ep.APIKeyEnv, "endpoint "+name)
			}
		}
	}
	need(c.Legal.Embedding.APIKeyEnv, "legal.embedding")

	if len(missing) > 0 {
		return fmt.Errorf("missing credentials: %s", strings.Join(missing, ", "))
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	if err := decodeFile(path, config); err != nil {
		return nil, err
	}
	return config, nil
}

func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, into); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// Paths
	mergeString(&c.Paths.EvidenceDir, other.Paths.EvidenceDir)
	mergeString(&c.Paths.EvidenceGlob, other.Paths.EvidenceGlob)
	mergeString(&c.Paths.LegalDir, other.Paths.LegalDir)
	mergeString(&c.Paths.IndexFile, other.Paths.IndexFile)
	mergeString(&c.Paths.Checklist, other.Paths.Checklist)
	mergeString(&c.Paths.LogsDir, other.Paths.LogsDir)

	// Models: entries replace by name
	if len(other.Models.Roles) > 0 && c.Models.Roles == nil {
		c.Models.Roles = make(map[model.Role]*model.RoleConfig)
	}
	for role, rc := range other.Models.Roles {
		c.Models.Roles[role] = rc
	}
	if len(other.Models.Endpoints) > 0 && c.Models.Endpoints == nil {
		c.Models.Endpoints = make(map[string]*model.EndpointConfig)
	}
	for name, ep := range other.Models.Endpoints {
		c.Models.Endpoints[name] = ep
	}
	if other.Models.Retry.MaxAttempts != 0 {
		c.Models.Retry.MaxAttempts = other.Models.Retry.MaxAttempts
	}
	if other.Models.Retry.BackoffBase != 0 {
		c.Models.Retry.BackoffBase = other.Models.Retry.BackoffBase
	}
	if other.Models.Retry.BackoffMultiplier != 0 {
		c.Models.Retry.BackoffMultiplier = other.Models.Retry.BackoffMultiplier
	}
	if other.Models.Retry.MaxBackoff != 0 {
		c.Models.Retry.MaxBackoff = other.Models.Retry.MaxBackoff
	}

	if other.RateLimit.CallsPerMinute != 0 {
		c.RateLimit.CallsPerMinute = other.RateLimit.CallsPerMinute
	}

	// Legal
	if other.Legal.TopK != 0 {
		c.Legal.TopK = other.Legal.TopK
	}
	mergeString(&c.Legal.Search, other.Legal.Search)
	if other.Legal.FetchK != 0 {
		c.Legal.FetchK = other.Legal.FetchK
	}
	if other.Legal.MMRLambda != 0 {
		c.Legal.MMRLambda = other.Legal.MMRLambda
	}
	mergeString(&c.Legal.Chunker.Strategy, other.Legal.Chunker.Strategy)
	if other.Legal.Chunker.Size != 0 {
		c.Legal.Chunker.Size = other.Legal.Chunker.Size
	}
	if other.Legal.Chunker.Overlap != 0 {
		c.Legal.Chunker.Overlap = other.Legal.Chunker.Overlap
	}
	mergeString(&c.Legal.Store.Backend, other.Legal.Store.Backend)
	mergeString(&c.Legal.Store.Dir, other.Legal.Store.Dir)
	mergeString(&c.Legal.Store.RedisAddr, other.Legal.Store.RedisAddr)
	if other.Legal.Store.RedisDB != 0 {
		c.Legal.Store.RedisDB = other.Legal.Store.RedisDB
	}
	mergeString(&c.Legal.Store.PasswordEnv, other.Legal.Store.PasswordEnv)
	mergeString(&c.Legal.Store.URLEnv, other.Legal.Store.URLEnv)
	// A layer naming a provider replaces the whole embedding block, so a
	// local provider does not inherit the default credential.
	if other.Legal.Embedding.Provider != "" {
		c.Legal.Embedding = other.Legal.Embedding
	} else {
		mergeString(&c.Legal.Embedding.Model, other.Legal.Embedding.Model)
		mergeString(&c.Legal.Embedding.URL, other.Legal.Embedding.URL)
		mergeString(&c.Legal.Embedding.APIKeyEnv, other.Legal.Embedding.APIKeyEnv)
	}
	if other.Legal.Ingest.BatchSize != 0 {
		c.Legal.Ingest.BatchSize = other.Legal.Ingest.BatchSize
	}
	if other.Legal.Ingest.BatchDelay != 0 {
		c.Legal.Ingest.BatchDelay = other.Legal.Ingest.BatchDelay
	}
	if other.Legal.Ingest.RetryDelay != 0 {
		c.Legal.Ingest.RetryDelay = other.Legal.Ingest.RetryDelay
	}

	// Audit
	mergeString(&c.Audit.Language, other.Audit.Language)
	if other.Audit.ForceReindex {
		c.Audit.ForceReindex = true
	}
	if other.Audit.SamplingLimit != 0 {
		c.Audit.SamplingLimit = other.Audit.SamplingLimit
	}
	if other.Audit.SamplingSeed != 0 {
		c.Audit.SamplingSeed = other.Audit.SamplingSeed
	}

	// Pricing
	if len(other.Pricing) > 0 {
		c.Pricing = c.Pricing.Merge(other.Pricing)
	}

	// Metrics
	mergeString(&c.Metrics.Addr, other.Metrics.Addr)
	if other.Metrics.Textfile {
		c.Metrics.Textfile = true
	}
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// Environment variables that override file configuration.
const (
	EnvEvidenceDir  = "EIAUDIT_EVIDENCE_DIR"
	EnvLegalDir     = "EIAUDIT_LEGAL_DIR"
	EnvForceReindex = "EIAUDIT_FORCE_REINDEX"
	EnvRateLimit    = "EIAUDIT_RATE_LIMIT"
)

// ApplyEnv applies the EIAUDIT_* overrides found through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	mergeString(&c.Paths.EvidenceDir, getenv(EnvEvidenceDir))
	mergeString(&c.Paths.LegalDir, getenv(EnvLegalDir))

	var errs []error
	if v := strings.TrimSpace(getenv(EnvForceReindex)); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			c.Audit.ForceReindex = true
		case "0", "false", "no", "off":
			c.Audit.ForceReindex = false
		default:
			errs = append(errs, fmt.Errorf("%s: invalid boolean %q", EnvForceReindex, v))
		}
	}
	if v := strings.TrimSpace(getenv(EnvRateLimit)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s: invalid calls per minute %q", EnvRateLimit, v))
		} else {
			c.RateLimit.CallsPerMinute = n
		}
	}
	return errors.Join(errs...)
}
