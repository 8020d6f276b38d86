// Package mcp exposes masks, validation, turns and the audit log as MCP
// tools over the official go-sdk.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"storywarden/internal/audit"
	"storywarden/internal/dice"
	"storywarden/internal/mask"
	"storywarden/internal/model"
	"storywarden/internal/rules"
	"storywarden/internal/store"
	"storywarden/internal/turn"
	"storywarden/internal/validate"
)

type Options struct {
	Version    string
	Planner    model.Planner
	Executor   model.Executor
	TurnConfig turn.Config
	// HouseRules overlays project house rules on a session's stored ones.
	HouseRules func(stored map[string]any) map[string]any
	Logger     *slog.Logger
	Roller     dice.Roller
	Now        func() time.Time
}

type Server struct {
	db        store.Store
	masks     *mask.Engine
	validator *validate.Validator
	writer    *audit.Writer
	opts      Options
	logger    *slog.Logger
	mcp       *sdk.Server

	mu     sync.Mutex
	tables map[string]*turn.Orchestrator
}

func NewServer(db store.Store, opts Options) *Server {
	if opts.Planner == nil {
		opts.Planner = model.CommandPlanner{}
	}
	if opts.Executor == nil {
		opts.Executor = model.TemplateNarrator{}
	}
	if opts.HouseRules == nil {
		opts.HouseRules = func(stored map[string]any) map[string]any { return maps.Clone(stored) }
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		db:        db,
		masks:     mask.NewEngine(db, db, db, db),
		validator: validate.New(db, rules.NewEngine(db)),
		writer:    audit.NewWriter(db, opts.Logger),
		opts:      opts,
		logger:    opts.Logger,
		tables:    map[string]*turn.Orchestrator{},
		mcp: sdk.NewServer(&sdk.Implementation{
			Name:    "storywarden",
			Version: opts.Version,
		}, nil),
	}
	s.registerTools()
	return s
}

func (s *Server) Run(ctx context.Context, transport sdk.Transport) error {
	return s.mcp.Run(ctx, transport)
}

// table returns the orchestrator for entity in session, opening it on first
// use. Turns through one table are serialized by the orchestrator itself.
func (s *Server) table(ctx context.Context, session, entity string) (*turn.Orchestrator, error) {
	key := session + "/" + entity
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.tables[key]; ok && o.State() != turn.SessionEnded {
		return o, nil
	}
	o, err := turn.Open(ctx, s.db, s.opts.Planner, s.opts.Executor, session, entity, s.opts.TurnConfig,
		turn.WithLogger(s.logger), turn.WithClock(s.opts.Now))
	if err != nil {
		return nil, fmt.Errorf("opening %s in session %s: %w", entity, session, err)
	}
	s.tables[key] = o
	return o, nil
}
