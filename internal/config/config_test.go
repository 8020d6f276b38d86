package config

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"storywarden/internal/store"
	"storywarden/internal/turn"
)

func TestLoadProjectConfig(t *testing.T) {
	t.Run("valid config loads", func(t *testing.T) {
		t.Setenv("STORYWARDEN_TEST_DIR", "/var/lib/storywarden")
		cfg, err := LoadProjectConfig(filepath.Join("testdata", "valid_config.yaml"))
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Project != "thorns" {
			t.Fatalf("expected project name, got %q", cfg.Project)
		}
		if cfg.Database.DSN != "sqlite:///var/lib/storywarden/thorns.db" {
			t.Errorf("DSN = %q, want expanded path", cfg.Database.DSN)
		}
		if got := cfg.CampaignPath(); got != filepath.Join("testdata", "campaign") {
			t.Errorf("CampaignPath() = %q", got)
		}
		if cfg.Log.Level != slog.LevelDebug || cfg.Log.Format != "json" {
			t.Errorf("log = %+v", cfg.Log)
		}

		tc := cfg.TurnConfig()
		if tc.MaxRetries != 3 || tc.PlannerTimeout != 5*time.Second || tc.ExecutorTimeout != time.Minute {
			t.Errorf("TurnConfig() = %+v", tc)
		}
		if tc.FactPolicy != store.FactPolicyMonotonic {
			t.Errorf("FactPolicy = %q", tc.FactPolicy)
		}
	})

	t.Run("defaults fill the gaps", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Database.DSN != DefaultDSN || cfg.Facts.Policy != store.FactPolicyLastWriteWins {
			t.Errorf("defaults = %+v", cfg)
		}
		if tc := cfg.TurnConfig(); tc.MaxRetries != turn.DefaultMaxRetries || tc.PlannerTimeout != turn.DefaultPlannerTimeout {
			t.Errorf("TurnConfig() = %+v", tc)
		}
	})

	t.Run("zero retries is kept", func(t *testing.T) {
		path := writeTempConfig(t, "project: test\nversion: 1\norchestrator:\n  max_retries: 0\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.TurnConfig().MaxRetries != 0 {
			t.Errorf("MaxRetries = %d, want 0", cfg.TurnConfig().MaxRetries)
		}
	})

	t.Run("env overrides file", func(t *testing.T) {
		t.Setenv("STORYWARDEN_DATABASE_DSN", "postgres://localhost/story")
		t.Setenv("STORYWARDEN_MAX_RETRIES", "1")
		t.Setenv("STORYWARDEN_LOG_LEVEL", "warn")
		path := writeTempConfig(t, "project: test\nversion: 1\ndatabase:\n  dsn: sqlite://x.db\n")
		cfg, err := LoadProjectConfig(path)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if cfg.Database.DSN != "postgres://localhost/story" {
			t.Errorf("DSN = %q", cfg.Database.DSN)
		}
		if cfg.TurnConfig().MaxRetries != 1 || cfg.Log.Level != slog.LevelWarn {
			t.Errorf("overrides not applied: %+v", cfg)
		}
	})

	errorCases := []struct {
		name     string
		contents string
	}{
		{"missing project name", "version: 1\n"},
		{"unsupported version", "project: test\nversion: 2\n"},
		{"unknown fact policy", "project: test\nversion: 1\nfacts:\n  policy: sometimes\n"},
		{"negative retries", "project: test\nversion: 1\norchestrator:\n  max_retries: -1\n"},
		{"bad log format", "project: test\nversion: 1\nlog:\n  format: xml\n"},
		{"bad duration", "project: test\nversion: 1\norchestrator:\n  planner_timeout: soon\n"},
		{"invalid yaml", "project: [\n"},
	}
	for _, tc := range errorCases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.contents)
			if _, err := LoadProjectConfig(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	t.Run("file not found", func(t *testing.T) {
		if _, err := LoadProjectConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestLoadOrDefault(t *testing.T) {
	t.Setenv("STORYWARDEN_CAMPAIGN_PATH", "/srv/campaign")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.Database.DSN != DefaultDSN || cfg.CampaignPath() != "/srv/campaign" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestTemplateRoundTrips(t *testing.T) {
	path := writeTempConfig(t, Template("thorns", "./campaign"))
	cfg, err := LoadProjectConfig(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if cfg.Project != "thorns" || cfg.HouseRules["dice_policy"] != "core" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestMergeHouseRules(t *testing.T) {
	cfg := &ProjectConfig{HouseRules: map[string]any{"dice_policy": "advantage"}}
	stored := map[string]any{"dice_policy": "core", "crits": "max"}

	merged := cfg.MergeHouseRules(stored)
	if merged["dice_policy"] != "advantage" || merged["crits"] != "max" {
		t.Errorf("MergeHouseRules() = %v", merged)
	}
	if stored["dice_policy"] != "core" {
		t.Error("stored house rules were mutated")
	}
	if got := (&ProjectConfig{}).MergeHouseRules(nil); got == nil {
		t.Error("MergeHouseRules(nil) = nil, want empty map")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &ProjectConfig{Log: LogConfig{Level: slog.LevelInfo, Format: "json"}}
	logger := cfg.NewLogger(&buf)
	logger.Debug("hidden")
	logger.Info("shown", "turn", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Errorf("log output = %q", out)
	}
}

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	return path
}
