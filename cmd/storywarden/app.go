package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"storywarden/internal/config"
	"storywarden/internal/store"
	"storywarden/internal/store/postgres"
	"storywarden/internal/store/sqlite"
)

const defaultConfigName = config.DefaultPath

var configPath string

// loadConfig reads the project file named by --config. Without the flag a
// missing storywarden.yaml falls back to defaults.
func loadConfig() (*config.ProjectConfig, error) {
	if configPath != "" {
		return config.LoadProjectConfig(configPath)
	}
	return config.LoadOrDefault(defaultConfigName)
}

// setup loads the config, installs its logger as the default and opens the
// store it names.
func setup(ctx context.Context) (*config.ProjectConfig, store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(cfg.NewLogger(os.Stderr))

	db, err := openStore(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	return cfg, db, nil
}

func openStore(ctx context.Context, dsn string) (store.Store, error) {
	var (
		db  store.Store
		err error
	)
	switch {
	case strings.HasPrefix(dsn, "sqlite://"):
		var c *sqlite.Client
		c, err = sqlite.New(ctx, dsn)
		db = c
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		var c *postgres.Client
		c, err = postgres.New(ctx, dsn)
		db = c
	default:
		return nil, fmt.Errorf("unsupported database DSN %q, expected sqlite:// or postgres://", dsn)
	}
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close(ctx)
		return nil, err
	}
	return db, nil
}

func scheme(dsn string) string {
	s, _, _ := strings.Cut(dsn, "://")
	return s
}
