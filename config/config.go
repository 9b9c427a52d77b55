package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"reuni-scraper/models"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	PostgresHost     string `env:"POSTGRES_HOST" envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT" envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER" envDefault:"reuni"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"reuni123"`
	PostgresDB       string `env:"POSTGRES_DB" envDefault:"reuni"`
	PostgresSSLMode  string `env:"POSTGRES_SSLMODE" envDefault:"disable"`
	StorageDriver    string `env:"STORAGE_DRIVER" envDefault:"postgres"`

	MaxConcurrency   int `env:"MAX_CONCURRENCY" envDefault:"2"`
	RateLimitMs      int `env:"RATE_LIMIT_MS" envDefault:"2000"`
	MaxRetries       int `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelayMs int `env:"RETRY_BASE_DELAY_MS" envDefault:"1000"`
	RetryMaxDelayMs  int `env:"RETRY_MAX_DELAY_MS" envDefault:"30000"`
	RequestTimeoutMs int `env:"REQUEST_TIMEOUT_MS" envDefault:"30000"`
	MaxPages         int `env:"MAX_PAGES" envDefault:"3"`
	MaxDetails       int `env:"MAX_DETAILS" envDefault:"20"`

	HealthThreshold   float64 `env:"HEALTH_THRESHOLD" envDefault:"70"`
	HealthMaxFailures int     `env:"HEALTH_MAX_FAILURES" envDefault:"3"`
	ProbeSchedule     string  `env:"PROBE_SCHEDULE" envDefault:"0 0 3 * * *"`

	DefaultRegion string `env:"DEFAULT_REGION" envDefault:"Porto Velho,RO"`
	Timezone      string `env:"TIMEZONE" envDefault:"America/Sao_Paulo"`

	AuditCSVPath string `env:"AUDIT_CSV_PATH" envDefault:"./output/scrape_runs.csv"`
	ChromeBin    string `env:"CHROME_BIN"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogEncoding  string `env:"LOG_ENCODING" envDefault:"console"`
	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9464"`
	SourcesFile  string `env:"SOURCES_FILE"`

	Sources map[string]SourceOverride `env:"-"`
}

// SourceOverride is the per-source section of the optional YAML sources file.
type SourceOverride struct {
	BaseURL     string            `yaml:"base_url"`
	RateLimitMs int               `yaml:"rate_limit_ms"`
	MaxRetries  int               `yaml:"max_retries"`
	TimeoutMs   int               `yaml:"timeout_ms"`
	MaxPages    int               `yaml:"max_pages"`
	MaxDetails  *int              `yaml:"max_details"`
	Enabled     *bool             `yaml:"enabled"`
	Landmarks   map[string]string `yaml:"landmarks"`
}

type sourcesFile struct {
	Sources map[string]SourceOverride `yaml:"sources"`
}

// SourceConfig is the resolved configuration for one source.
type SourceConfig struct {
	ID         string
	BaseURL    string
	RateLimit  time.Duration
	MaxRetries int
	Timeout    time.Duration
	MaxPages   int
	MaxDetails int // detail pages fetched per run for records lacking a description; 0 disables
	Enabled    bool
	Landmarks  map[string]string
}

// Load reads the .env file, parses the environment, and merges the optional sources file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("[config] No .env file found, falling back to system env vars")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if cfg.SourcesFile != "" {
		sources, err := loadSources(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		cfg.Sources = sources
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadSources(path string) (map[string]SourceOverride, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read sources file %q: %w", path, err)
	}
	var f sourcesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse sources file %q: %w", path, err)
	}
	return f.Sources, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.MaxConcurrency < 1:
		return fmt.Errorf("config: MAX_CONCURRENCY must be >= 1, got %d", c.MaxConcurrency)
	case c.MaxRetries < 1:
		return fmt.Errorf("config: MAX_RETRIES must be >= 1, got %d", c.MaxRetries)
	case c.RateLimitMs < 0:
		return fmt.Errorf("config: RATE_LIMIT_MS must be >= 0, got %d", c.RateLimitMs)
	case c.RequestTimeoutMs <= 0:
		return fmt.Errorf("config: REQUEST_TIMEOUT_MS must be > 0, got %d", c.RequestTimeoutMs)
	case c.HealthThreshold < 0 || c.HealthThreshold > 100:
		return fmt.Errorf("config: HEALTH_THRESHOLD must be within 0..100, got %v", c.HealthThreshold)
	case c.HealthMaxFailures < 1:
		return fmt.Errorf("config: HEALTH_MAX_FAILURES must be >= 1, got %d", c.HealthMaxFailures)
	case c.MaxPages < 1:
		return fmt.Errorf("config: MAX_PAGES must be >= 1, got %d", c.MaxPages)
	case c.MaxDetails < 0:
		return fmt.Errorf("config: MAX_DETAILS must be >= 0, got %d", c.MaxDetails)
	}
	if c.StorageDriver != "postgres" && c.StorageDriver != "memory" {
		return fmt.Errorf("config: unknown STORAGE_DRIVER %q", c.StorageDriver)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if _, err := ParseRegion(c.DefaultRegion); err != nil {
		return err
	}
	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *Config) DSN() string {
	return "host=" + c.PostgresHost +
		" port=" + c.PostgresPort +
		" user=" + c.PostgresUser +
		" password=" + c.PostgresPassword +
		" dbname=" + c.PostgresDB +
		" sslmode=" + c.PostgresSSLMode
}

// Location returns the timezone every event date is normalized into.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("config: load TIMEZONE %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.RetryBaseDelayMs) * time.Millisecond
}

func (c *Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelayMs) * time.Millisecond
}

// Source resolves the configuration of one source, applying YAML overrides on top of the global defaults.
func (c *Config) Source(id string) SourceConfig {
	sc := SourceConfig{
		ID:         id,
		RateLimit:  time.Duration(c.RateLimitMs) * time.Millisecond,
		MaxRetries: c.MaxRetries,
		Timeout:    time.Duration(c.RequestTimeoutMs) * time.Millisecond,
		MaxPages:   c.MaxPages,
		MaxDetails: c.MaxDetails,
		Enabled:    true,
	}
	o, ok := c.Sources[id]
	if !ok {
		return sc
	}
	if o.BaseURL != "" {
		sc.BaseURL = strings.TrimRight(o.BaseURL, "/")
	}
	if o.RateLimitMs > 0 {
		sc.RateLimit = time.Duration(o.RateLimitMs) * time.Millisecond
	}
	if o.MaxRetries > 0 {
		sc.MaxRetries = o.MaxRetries
	}
	if o.TimeoutMs > 0 {
		sc.Timeout = time.Duration(o.TimeoutMs) * time.Millisecond
	}
	if o.MaxPages > 0 {
		sc.MaxPages = o.MaxPages
	}
	if o.MaxDetails != nil && *o.MaxDetails >= 0 {
		sc.MaxDetails = *o.MaxDetails
	}
	if o.Enabled != nil {
		sc.Enabled = *o.Enabled
	}
	sc.Landmarks = o.Landmarks
	return sc
}

// ParseRegion parses "City,ST" (state optional).
func ParseRegion(s string) (models.Region, error) {
	parts := strings.SplitN(s, ",", 2)
	city := strings.TrimSpace(parts[0])
	if city == "" {
		return models.Region{}, fmt.Errorf("config: region %q has no city", s)
	}
	r := models.Region{City: city}
	if len(parts) == 2 {
		r.State = strings.ToUpper(strings.TrimSpace(parts[1]))
	}
	return r, nil
}
