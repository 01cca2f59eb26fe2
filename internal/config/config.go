package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENVIRONMENT" default:"local"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string `envconfig:"DATABASE_URL" default:""`
	DBMinConns  int32  `envconfig:"CS_DB_MIN_CONNS" default:"1"`
	DBMaxConns  int32  `envconfig:"CS_DB_MAX_CONNS" default:"8"`

	SourcesFile string `envconfig:"SOURCES_FILE" default:"sources.yaml"`

	GeminiAPIKey string        `envconfig:"GEMINI_API_KEY" default:""`
	GeminiModel  string        `envconfig:"GEMINI_MODEL" default:"gemini-1.5-flash"`
	LLMTimeout   time.Duration `envconfig:"LLM_TIMEOUT" default:"30s"`

	CycleInterval   time.Duration `envconfig:"CYCLE_INTERVAL" default:"12h"`
	CycleMaxRetries int           `envconfig:"CYCLE_MAX_RETRIES" default:"3"`
	CycleRetryDelay time.Duration `envconfig:"CYCLE_RETRY_DELAY" default:"5m"`
	CycleTimeout    time.Duration `envconfig:"CYCLE_TIMEOUT" default:"45m"`

	FetchTimeout time.Duration `envconfig:"FETCH_TIMEOUT" default:"10s"`
	FetchDelay   time.Duration `envconfig:"FETCH_DELAY" default:"1500ms"`
	ExcerptLimit int           `envconfig:"EXCERPT_FETCH_LIMIT" default:"10"`

	DedupTitleThreshold float64       `envconfig:"DEDUP_TITLE_THRESHOLD" default:"0.85"`
	DedupURLThreshold   float64       `envconfig:"DEDUP_URL_THRESHOLD" default:"0.9"`
	DedupUseKeyTerms    bool          `envconfig:"DEDUP_USE_KEY_TERMS" default:"false"`
	DuplicateRetention  time.Duration `envconfig:"DUPLICATE_RETENTION" default:"168h"`

	RecomputeTopN int    `envconfig:"RECOMPUTE_TOP_N" default:"200"`
	Watchlist     string `envconfig:"WATCHLIST" default:""`

	HTTPHost string `envconfig:"HTTP_HOST" default:"0.0.0.0"`
	HTTPPort int    `envconfig:"HTTP_PORT" default:"8090"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBMinConns < 0 {
		return fmt.Errorf("CS_DB_MIN_CONNS must be >= 0")
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("CS_DB_MAX_CONNS must be >= 1")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("CS_DB_MIN_CONNS (%d) cannot exceed CS_DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.CycleInterval < time.Minute {
		return fmt.Errorf("CYCLE_INTERVAL must be >= 1m")
	}
	if c.CycleMaxRetries < 0 {
		return fmt.Errorf("CYCLE_MAX_RETRIES must be >= 0")
	}
	if c.CycleRetryDelay <= 0 {
		return fmt.Errorf("CYCLE_RETRY_DELAY must be > 0")
	}
	if c.CycleTimeout <= 0 {
		return fmt.Errorf("CYCLE_TIMEOUT must be > 0")
	}
	if c.FetchTimeout <= 0 {
		return fmt.Errorf("FETCH_TIMEOUT must be > 0")
	}
	if c.FetchDelay < 0 {
		return fmt.Errorf("FETCH_DELAY must be >= 0")
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("LLM_TIMEOUT must be > 0")
	}
	if c.DedupTitleThreshold <= 0 || c.DedupTitleThreshold > 1 {
		return fmt.Errorf("DEDUP_TITLE_THRESHOLD must be in (0,1]")
	}
	if c.DedupURLThreshold <= 0 || c.DedupURLThreshold > 1 {
		return fmt.Errorf("DEDUP_URL_THRESHOLD must be in (0,1]")
	}
	if c.DuplicateRetention < time.Hour {
		return fmt.Errorf("DUPLICATE_RETENTION must be >= 1h")
	}
	if c.RecomputeTopN < 1 {
		return fmt.Errorf("RECOMPUTE_TOP_N must be >= 1")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535")
	}
	return nil
}

// UsesDatabase reports whether a postgres store is configured. Without one
// the process runs on the in-memory store.
func (c *Config) UsesDatabase() bool {
	return c != nil && strings.TrimSpace(c.DatabaseURL) != ""
}

func (c *Config) WatchlistTerms() []string {
	if c == nil {
		return nil
	}

	parts := strings.Split(c.Watchlist, ",")
	terms := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		term := strings.ToLower(strings.TrimSpace(part))
		if term == "" {
			continue
		}
		if _, exists := seen[term]; exists {
			continue
		}
		seen[term] = struct{}{}
		terms = append(terms, term)
	}
	return terms
}
