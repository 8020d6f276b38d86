package config

import (
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"storywarden/internal/store"
	"storywarden/internal/turn"
)

const (
	DefaultPath = "storywarden.yaml"
	DefaultDSN  = "sqlite://storywarden.db"
)

type ProjectConfig struct {
	Project      string             `yaml:"project"`
	Version      int                `yaml:"version"`
	Database     DatabaseConfig     `yaml:"database"`
	Campaign     CampaignConfig     `yaml:"campaign"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Facts        FactsConfig        `yaml:"facts"`
	HouseRules   map[string]any     `yaml:"house_rules"`
	Log          LogConfig          `yaml:"log"`

	// dir is where the config file lives; relative paths resolve against it.
	dir string
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn" env:"STORYWARDEN_DATABASE_DSN"`
}

type CampaignConfig struct {
	Path string `yaml:"path" env:"STORYWARDEN_CAMPAIGN_PATH"`
}

type OrchestratorConfig struct {
	MaxRetries      *int          `yaml:"max_retries" env:"STORYWARDEN_MAX_RETRIES"`
	PlannerTimeout  time.Duration `yaml:"planner_timeout" env:"STORYWARDEN_PLANNER_TIMEOUT"`
	ExecutorTimeout time.Duration `yaml:"executor_timeout" env:"STORYWARDEN_EXECUTOR_TIMEOUT"`
}

type FactsConfig struct {
	Policy store.FactPolicy `yaml:"policy" env:"STORYWARDEN_FACT_POLICY"`
}

type LogConfig struct {
	Level  slog.Level `yaml:"level" env:"STORYWARDEN_LOG_LEVEL"`
	Format string     `yaml:"format" env:"STORYWARDEN_LOG_FORMAT"`
}

// Default is the configuration used when no project file exists.
func Default() *ProjectConfig {
	cfg := &ProjectConfig{Project: "storywarden", Version: 1}
	cfg.applyDefaults()
	return cfg
}

// LoadProjectConfig reads path, expands ${VAR} references, applies
// STORYWARDEN_* environment overrides and validates the result.
func LoadProjectConfig(path string) (*ProjectConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	var cfg ProjectConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	cfg.dir = filepath.Dir(path)

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("loading project config: parse env: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading project config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to Default with
// environment overrides otherwise.
func LoadOrDefault(path string) (*ProjectConfig, error) {
	if _, err := os.Stat(path); err == nil {
		return LoadProjectConfig(path)
	}
	cfg := Default()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("loading default config: parse env: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

func (c *ProjectConfig) applyDefaults() {
	if c.Database.DSN == "" {
		c.Database.DSN = DefaultDSN
	}
	if c.Orchestrator.MaxRetries == nil {
		n := turn.DefaultMaxRetries
		c.Orchestrator.MaxRetries = &n
	}
	if c.Orchestrator.PlannerTimeout == 0 {
		c.Orchestrator.PlannerTimeout = turn.DefaultPlannerTimeout
	}
	if c.Orchestrator.ExecutorTimeout == 0 {
		c.Orchestrator.ExecutorTimeout = turn.DefaultExecutorTimeout
	}
	if c.Facts.Policy == "" {
		c.Facts.Policy = store.FactPolicyLastWriteWins
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *ProjectConfig) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Project, validation.Required),
		validation.Field(&c.Version, validation.Required, validation.In(1).Error("unsupported version")),
	); err != nil {
		return err
	}
	if err := validation.ValidateStruct(&c.Database,
		validation.Field(&c.Database.DSN, validation.Required),
	); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := validation.ValidateStruct(&c.Orchestrator,
		validation.Field(&c.Orchestrator.MaxRetries, validation.Min(0), validation.Max(10)),
		validation.Field(&c.Orchestrator.PlannerTimeout, validation.Min(time.Millisecond)),
		validation.Field(&c.Orchestrator.ExecutorTimeout, validation.Min(time.Millisecond)),
	); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := validation.ValidateStruct(&c.Facts,
		validation.Field(&c.Facts.Policy, validation.In(store.FactPolicyLastWriteWins, store.FactPolicyMonotonic)),
	); err != nil {
		return fmt.Errorf("facts: %w", err)
	}
	if err := validation.ValidateStruct(&c.Log,
		validation.Field(&c.Log.Format, validation.In("text", "json")),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// CampaignPath resolves the campaign directory relative to the config file.
func (c *ProjectConfig) CampaignPath() string {
	if c.Campaign.Path == "" || filepath.IsAbs(c.Campaign.Path) || c.dir == "" {
		return c.Campaign.Path
	}
	return filepath.Join(c.dir, c.Campaign.Path)
}

func (c *ProjectConfig) TurnConfig() turn.Config {
	cfg := turn.Config{
		PlannerTimeout:  c.Orchestrator.PlannerTimeout,
		ExecutorTimeout: c.Orchestrator.ExecutorTimeout,
		FactPolicy:      c.Facts.Policy,
	}
	if c.Orchestrator.MaxRetries != nil {
		cfg.MaxRetries = *c.Orchestrator.MaxRetries
	}
	return cfg
}

// MergeHouseRules overlays the project's house rules on a session's stored
// ones. The result is never written back.
func (c *ProjectConfig) MergeHouseRules(stored map[string]any) map[string]any {
	out := maps.Clone(stored)
	if out == nil {
		out = map[string]any{}
	}
	maps.Copy(out, c.HouseRules)
	return out
}

// NewLogger builds the process logger from the log section.
func (c *ProjectConfig) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.Log.Level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Template is the project file written by init.
func Template(project, campaignPath string) string {
	return fmt.Sprintf(`project: %s
version: 1

database:
  dsn: %s

campaign:
  path: %s

orchestrator:
  max_retries: %d
  planner_timeout: %s
  executor_timeout: %s

facts:
  policy: %s

house_rules:
  dice_policy: core

log:
  level: info
  format: text
`, project, DefaultDSN, campaignPath, turn.DefaultMaxRetries, turn.DefaultPlannerTimeout, turn.DefaultExecutorTimeout, store.FactPolicyLastWriteWins)
}
