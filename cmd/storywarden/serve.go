package main

import (
	"log/slog"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"storywarden/internal/mcp"
	"storywarden/internal/model"
)

func serveCmd() *cobra.Command {
	var script string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server over stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, script)
		},
	}
	cmd.Flags().StringVar(&script, "script", "", "YAML script of canned planner and executor responses for play_turn")
	return cmd
}

func runServe(cmd *cobra.Command, script string) error {
	ctx := cmd.Context()

	cfg, db, err := setup(ctx)
	if err != nil {
		return err
	}
	defer db.Close(ctx)

	opts := mcp.Options{
		Version:    version,
		TurnConfig: cfg.TurnConfig(),
		HouseRules: cfg.MergeHouseRules,
		Logger:     slog.Default(),
	}
	if script != "" {
		s, err := model.LoadScript(script)
		if err != nil {
			return err
		}
		opts.Planner, opts.Executor = s, s
	}

	slog.Info("serving MCP over stdio", slog.String("dsn_scheme", scheme(cfg.Database.DSN)))
	server := mcp.NewServer(db, opts)
	return server.Run(ctx, &sdk.StdioTransport{})
}
