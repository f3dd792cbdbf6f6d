package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sethvargo/go-envconfig"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(nil))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", cfg.MaxConcurrent)
	}
	if cfg.MaxAbsoluteAttempts != 5 {
		t.Errorf("MaxAbsoluteAttempts = %d, want 5", cfg.MaxAbsoluteAttempts)
	}
	if cfg.DefaultMaxRetries != 3 {
		t.Errorf("DefaultMaxRetries = %d, want 3", cfg.DefaultMaxRetries)
	}
	if cfg.PipelineTimeout != 10*time.Minute {
		t.Errorf("PipelineTimeout = %s, want 10m", cfg.PipelineTimeout)
	}
	if cfg.DatabaseSaveInterval != 30*time.Second {
		t.Errorf("DatabaseSaveInterval = %s, want 30s", cfg.DatabaseSaveInterval)
	}
	if cfg.GitBaseBranch != "main" {
		t.Errorf("GitBaseBranch = %q, want main", cfg.GitBaseBranch)
	}
	if cfg.APIPort != 8080 {
		t.Errorf("APIPort = %d, want 8080", cfg.APIPort)
	}
}

func TestLoadOverridesAndValidation(t *testing.T) {
	cfg, err := load(context.Background(), envconfig.MapLookuper(map[string]string{
		"SIDEQUEST_MAX_CONCURRENT": "2",
		"SIDEQUEST_GIT_DRY_RUN":    "true",
		"SIDEQUEST_CRON_TZ":        "UTC",
	}))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrent != 2 || !cfg.GitDryRun {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Location() = %v, %v; want UTC", loc, err)
	}

	_, err = load(context.Background(), envconfig.MapLookuper(map[string]string{
		"SIDEQUEST_API_PORT": "0",
	}))
	if err == nil {
		t.Error("expected error for port 0")
	}

	_, err = load(context.Background(), envconfig.MapLookuper(map[string]string{
		"SIDEQUEST_CRON_TZ": "Mars/Olympus_Mons",
	}))
	if err == nil {
		t.Error("expected error for bogus timezone")
	}
}

func TestLoadPipelinesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	src := `pipelines:
  - id: duplicate-detection
    name: Duplicate Detection
    cron: "0 2 * * *"
    git: multi-commit
  - id: git-activity
    cron: "*/15 * * * *"
    payload:
      depth: 30
`
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	pf, err := LoadPipelinesFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(pf.Pipelines) != 2 {
		t.Fatalf("got %d pipelines, want 2", len(pf.Pipelines))
	}
	if pf.Pipelines[0].Git != "multi-commit" {
		t.Errorf("git = %q, want multi-commit", pf.Pipelines[0].Git)
	}
	if pf.Pipelines[1].Payload["depth"] != 30 {
		t.Errorf("payload depth = %v, want 30", pf.Pipelines[1].Payload["depth"])
	}
}

func TestLoadPipelinesFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"unknown_field.yaml": "pipelines:\n  - id: a\n    nope: 1\n",
		"missing_id.yaml":    "pipelines:\n  - cron: \"* * * * *\"\n",
		"dup_id.yaml":        "pipelines:\n  - id: a\n  - id: a\n",
		"bad_git.yaml":       "pipelines:\n  - id: a\n    git: rebase-everything\n",
	}
	for name, src := range cases {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPipelinesFile(path); err == nil {
			t.Errorf("%s: expected error, got nil", name)
		}
	}
}
