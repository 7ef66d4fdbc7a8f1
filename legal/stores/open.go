package stores

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/c360studio/eiaudit/legal"
	"github.com/redis/go-redis/v9"
)

// Backend names.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config selects and configures a store backend.
type Config struct {
	// Backend is "file", "redis" or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// Dir holds the file store. File backend only.
	Dir string `yaml:"dir,omitempty" json:"dir,omitempty"`

	// RedisAddr is host:port. Redis backend only.
	RedisAddr string `yaml:"redis_addr,omitempty" json:"redis_addr,omitempty"`

	// RedisDB selects the logical database.
	RedisDB int `yaml:"redis_db,omitempty" json:"redis_db,omitempty"`

	// PasswordEnv names the variable holding the Redis password.
	PasswordEnv string `yaml:"password_env,omitempty" json:"password_env,omitempty"`

	// URLEnv names the variable holding the PostgreSQL connection string.
	URLEnv string `yaml:"url_env,omitempty" json:"url_env,omitempty"`
}

// DefaultConfig returns the file backend under ./data/db.
func DefaultConfig() Config {
	return Config{
		Backend: BackendFile,
		Dir:     filepath.Join("data", "db"),
		URLEnv:  "EIAUDIT_POSTGRES_URL",
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	switch c.Backend {
	case BackendFile:
		if c.Dir == "" {
			return fmt.Errorf("file store requires dir")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis store requires redis_addr")
		}
	case BackendPostgres:
		if c.URLEnv == "" {
			return fmt.Errorf("postgres store requires url_env")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Backend)
	}
	return nil
}

// Open builds the configured store.
func Open(ctx context.Context, cfg Config) (legal.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendRedis:
		opts := &redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB}
		if cfg.PasswordEnv != "" {
			opts.Password = os.Getenv(cfg.PasswordEnv)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		return NewRedisStore(client), nil
	case BackendPostgres:
		url := os.Getenv(cfg.URLEnv)
		if url == "" {
			return nil, fmt.Errorf("%s is not set", cfg.URLEnv)
		}
		return OpenPostgres(ctx, DefaultPostgresConfig(url))
	default:
		return OpenFileStore(filepath.Join(cfg.Dir, DefaultFileName))
	}
}
