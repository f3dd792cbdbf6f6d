// Package config assembles the runtime configuration from environment
// variables, with an optional YAML file describing the pipeline roster.
package config

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the single configuration object assembled at startup.
type Config struct {
	// Executor.
	MaxConcurrent       int           `env:"SIDEQUEST_MAX_CONCURRENT,default=5"`
	MaxAbsoluteAttempts int           `env:"SIDEQUEST_MAX_ABSOLUTE_ATTEMPTS,default=5"`
	DefaultMaxRetries   int           `env:"SIDEQUEST_DEFAULT_MAX_RETRIES,default=3"`
	PipelineTimeout     time.Duration `env:"SIDEQUEST_PIPELINE_TIMEOUT,default=10m"`
	ShutdownGrace       time.Duration `env:"SIDEQUEST_SHUTDOWN_GRACE,default=30s"`

	// Persistence.
	DatabasePath         string        `env:"SIDEQUEST_DB_PATH,default=sidequest.db"`
	DatabaseSaveInterval time.Duration `env:"SIDEQUEST_DB_SAVE_INTERVAL,default=30s"`

	// Git workflow.
	GitRepoPath     string `env:"SIDEQUEST_GIT_REPO_PATH"`
	GitBaseBranch   string `env:"SIDEQUEST_GIT_BASE_BRANCH,default=main"`
	GitBranchPrefix string `env:"SIDEQUEST_GIT_BRANCH_PREFIX,default=sidequest"`
	GitRemote       string `env:"SIDEQUEST_GIT_REMOTE,default=origin"`
	GitDryRun       bool   `env:"SIDEQUEST_GIT_DRY_RUN,default=false"`

	// API surface.
	APIPort int    `env:"SIDEQUEST_API_PORT,default=8080"`
	APIKey  string `env:"SIDEQUEST_API_KEY"`

	// Scheduling.
	CronTimezone string `env:"SIDEQUEST_CRON_TZ,default=Local"`

	// Secret cache health.
	DopplerCachePath     string        `env:"SIDEQUEST_DOPPLER_CACHE_PATH"`
	DopplerCheckInterval time.Duration `env:"SIDEQUEST_DOPPLER_CHECK_INTERVAL,default=15m"`

	// Optional pipeline roster file (YAML).
	PipelinesFile string `env:"SIDEQUEST_PIPELINES_FILE"`
}

// Validate checks the config after load.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("SIDEQUEST_MAX_CONCURRENT must be >= 0")
	}
	if c.MaxAbsoluteAttempts < 1 {
		return fmt.Errorf("SIDEQUEST_MAX_ABSOLUTE_ATTEMPTS must be >= 1")
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("SIDEQUEST_DEFAULT_MAX_RETRIES must be >= 0")
	}
	if c.PipelineTimeout <= 0 {
		return fmt.Errorf("SIDEQUEST_PIPELINE_TIMEOUT must be > 0")
	}
	if c.APIPort < 1 || c.APIPort > 65535 {
		return fmt.Errorf("SIDEQUEST_API_PORT must be in [1, 65535]")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("SIDEQUEST_DB_PATH is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("SIDEQUEST_CRON_TZ: %w", err)
	}
	return nil
}

// Location resolves the cron timezone.
func (c *Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.CronTimezone)
	if tz == "" || strings.EqualFold(tz, "Local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

// Load reads the config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lu envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &cfg, lu); err != nil {
		return nil, fmt.Errorf("parse config from env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PipelineSpec is one entry of the pipeline roster file. The handler itself
// is registered in code; the file controls scheduling and git behavior.
type PipelineSpec struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name,omitempty"`
	Cron          string         `yaml:"cron,omitempty"`
	Git           string         `yaml:"git,omitempty"` // none | single-commit | multi-commit
	MaxConcurrent int            `yaml:"max_concurrent,omitempty"`
	Disabled      bool           `yaml:"disabled,omitempty"`
	Payload       map[string]any `yaml:"payload,omitempty"`
}

// PipelinesFile is the YAML roster document.
type PipelinesFile struct {
	Pipelines []PipelineSpec `yaml:"pipelines"`
}

// LoadPipelinesFile reads and validates the roster. Unknown fields are
// rejected so typos fail at startup rather than silently.
func LoadPipelinesFile(path string) (*PipelinesFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf PipelinesFile
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%s: multiple documents are not allowed", path)
		}
		return nil, err
	}
	seen := map[string]bool{}
	for i, p := range pf.Pipelines {
		if strings.TrimSpace(p.ID) == "" {
			return nil, fmt.Errorf("%s: pipelines[%d].id is required", path, i)
		}
		if seen[p.ID] {
			return nil, fmt.Errorf("%s: duplicate pipeline id %q", path, p.ID)
		}
		seen[p.ID] = true
		switch p.Git {
		case "", "none", "single-commit", "multi-commit":
		default:
			return nil, fmt.Errorf("%s: pipelines[%d].git: %q (want none|single-commit|multi-commit)", path, i, p.Git)
		}
	}
	return &pf, nil
}
