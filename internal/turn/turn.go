// Package turn runs the propose, validate, narrate and commit loop for one
// session.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"storywarden/internal/audit"
	"storywarden/internal/mask"
	"storywarden/internal/model"
	"storywarden/internal/rules"
	"storywarden/internal/store"
	"storywarden/internal/validate"
)

type State string

const (
	AwaitingProposal State = "AwaitingProposal"
	Validating       State = "Validating"
	Vetoed           State = "Vetoed"
	Accepted         State = "Accepted"
	Narrating        State = "Narrating"
	Committing       State = "Committing"
	SessionEnded     State = "SessionEnded"
)

var ErrSessionEnded = errors.New("session ended")

// CommitError means the store rejected a turn twice. The session cannot
// continue.
type CommitError struct {
	Session   string
	RequestID string
	Err       error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("committing %s in session %s: %v", e.RequestID, e.Session, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Store is the slice of the persistence layer the orchestrator uses.
type Store interface {
	mask.World
	store.RuleSource
	store.Outline
	store.AuditLog
	store.Committer
	GetEntity(ctx context.Context, session, nameOrID string, at time.Time) (*store.Entity, error)
	GetFacts(ctx context.Context, session string) (map[string]store.Fact, error)
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

type Config struct {
	MaxRetries      int
	PlannerTimeout  time.Duration
	ExecutorTimeout time.Duration
	FactPolicy      store.FactPolicy
	HistorySize     int
}

const (
	DefaultMaxRetries      = 2
	DefaultPlannerTimeout  = 30 * time.Second
	DefaultExecutorTimeout = 30 * time.Second
	DefaultHistorySize     = 8
)

func (c Config) withDefaults() Config {
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = DefaultPlannerTimeout
	}
	if c.ExecutorTimeout <= 0 {
		c.ExecutorTimeout = DefaultExecutorTimeout
	}
	if c.FactPolicy == "" {
		c.FactPolicy = store.FactPolicyLastWriteWins
	}
	if c.HistorySize <= 0 {
		c.HistorySize = DefaultHistorySize
	}
	return c
}

// DefaultConfig has MaxRetries set, which the zero Config leaves at 0.
func DefaultConfig() Config {
	return Config{MaxRetries: DefaultMaxRetries}.withDefaults()
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTurnIDs replaces the uuid generator for turn ids.
func WithTurnIDs(next func() string) Option {
	return func(o *Orchestrator) { o.newID = next }
}

// WithTransitionHook is called on every state change, after it happens.
func WithTransitionHook(fn func(from, to State)) Option {
	return func(o *Orchestrator) { o.hook = fn }
}

// Orchestrator drives one session. Turns are strictly sequential; concurrent
// calls to Play wait for each other.
type Orchestrator struct {
	mu sync.Mutex

	store     Store
	planner   model.Planner
	executor  model.Executor
	masks     *mask.Engine
	validator *validate.Validator
	writer    *audit.Writer
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	hook      func(from, to State)

	session  string
	entityID string
	state    State
	turn     int
	history  []string
}

// Open resumes or starts play for entityID in session. The turn counter and
// recent history are recovered from the audit log.
func Open(ctx context.Context, st Store, planner model.Planner, executor model.Executor, session, entityID string, cfg Config, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		store:     st,
		planner:   planner,
		executor:  executor,
		masks:     mask.NewEngine(st, st, st, st),
		validator: validate.New(st, rules.NewEngine(st)),
		cfg:       cfg.withDefaults(),
		logger:    slog.Default(),
		now:       time.Now,
		newID:     uuid.NewString,
		session:   session,
		state:     AwaitingProposal,
	}
	for _, opt := range opts {
		opt(o)
	}

	if _, err := st.GetSession(ctx, session); err != nil {
		return nil, fmt.Errorf("loading session %s: %w", session, err)
	}
	// Entities resolve by id or display name; later turns use the id.
	e, err := st.GetEntity(ctx, session, entityID, o.now())
	if err != nil {
		return nil, &mask.ResolutionError{Kind: "entity", ID: entityID, Err: err}
	}
	o.entityID = e.ID
	o.logger = o.logger.With("session", session, "entity", o.entityID)
	o.writer = audit.NewWriter(st, o.logger)

	if err := o.recover(ctx); err != nil {
		return nil, err
	}
	return o, nil
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Turn() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.turn
}

func (o *Orchestrator) Session() string {
	return o.session
}

// End moves the session to SessionEnded. Later turns fail with
// ErrSessionEnded.
func (o *Orchestrator) End() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != SessionEnded {
		o.transition(SessionEnded)
	}
}

func (o *Orchestrator) transition(to State) {
	from := o.state
	o.state = to
	o.logger.Debug("turn state", "turn", o.turn+1, "from", from, "to", to)
	if o.hook != nil {
		o.hook(from, to)
	}
}

// recover restores the turn counter and history from the audit log.
func (o *Orchestrator) recover(ctx context.Context) error {
	entries, err := o.store.ListAudit(ctx, o.session)
	if err != nil {
		return fmt.Errorf("reading audit log: %w", err)
	}
	for _, e := range entries {
		switch e.Kind {
		case store.KindTurnCommitted:
			o.turn = max(o.turn, e.Turn)
		case store.KindPlayerInput:
			if text := jsonText(e.Input); text != "" {
				o.remember("Player: " + text)
			}
		case store.KindNarration:
			if text := jsonText(e.Output); text != "" {
				o.remember("Narrator: " + text)
			}
		}
	}
	return nil
}

func (o *Orchestrator) remember(line string) {
	o.history = append(o.history, line)
	if n := len(o.history) - o.cfg.HistorySize; n > 0 {
		o.history = o.history[n:]
	}
}
