package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

type FactStore interface {
	GetFacts(ctx context.Context, session string) (map[string]Fact, error)
	WriteFacts(ctx context.Context, session string, facts []FactWrite, requestID string) error
}

type RuleSource interface {
	LookupRule(ctx context.Context, session, key string) (*Rule, error)
	ListSpells(ctx context.Context, session string) ([]Spell, error)
}

type WorldGraph interface {
	GetLocation(ctx context.Context, session, id string) (*Location, error)
	GetEdges(ctx context.Context, session, fromID string) ([]Edge, error)
	GetOccupants(ctx context.Context, session, locationID string) ([]string, error)
	LocationOf(ctx context.Context, session, entityID string) (string, error)
	MoveEntity(ctx context.Context, session, entityID, toLocationID, requestID string) error
}

type Entities interface {
	GetEntity(ctx context.Context, session, nameOrID string, at time.Time) (*Entity, error)
	ListEntities(ctx context.Context, session string) ([]Entity, error)
	ApplyEffect(ctx context.Context, session, entityID string, effect Effect, requestID string) error
	DispelEffect(ctx context.Context, session, effectID, requestID string) error
	AdjustHP(ctx context.Context, session, entityID string, delta int, requestID string) error
}

type Outline interface {
	ListBeats(ctx context.Context, session string) ([]Beat, error)
	ListStoryEdges(ctx context.Context, session string) ([]StoryEdge, error)
}

type AuditLog interface {
	AppendAudit(ctx context.Context, entry AuditEntry) (bool, error)
	ListAudit(ctx context.Context, session string) ([]AuditEntry, error)
}

type Committer interface {
	Commit(ctx context.Context, c Commit) error
}

type Sessions interface {
	CreateSession(ctx context.Context, s Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessions(ctx context.Context) ([]Session, error)
	SeedCampaign(ctx context.Context, session string, c Campaign) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	FactStore
	RuleSource
	WorldGraph
	Entities
	Outline
	AuditLog
	Committer
	Sessions

	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}
