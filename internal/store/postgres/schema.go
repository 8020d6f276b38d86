package postgres

import (
	"context"
	"fmt"
)

func (c *Client) EnsureSchema(ctx context.Context) error {
	// All statements run in one call, which PostgreSQL executes as a single
	// implicit transaction.
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    id          TEXT PRIMARY KEY,
    campaign    TEXT NOT NULL,
    house_rules JSONB NOT NULL DEFAULT '{}',
    synopsis    TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS facts (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    key        TEXT NOT NULL,
    value      JSONB NOT NULL,
    provenance TEXT NOT NULL DEFAULT '',
    confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS beats (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    gates      JSONB NOT NULL DEFAULT '[]',
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS locations (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id          TEXT NOT NULL,
    name        TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    tags        JSONB NOT NULL DEFAULT '[]',
    objects     JSONB NOT NULL DEFAULT '[]',
    state       JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    from_id    TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    kind       TEXT NOT NULL DEFAULT 'road',
    cost       INTEGER NOT NULL DEFAULT 1,
    requires   TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS entities (
    session_id        TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id                TEXT NOT NULL,
    name              TEXT NOT NULL,
    name_normalized   TEXT NOT NULL,
    kind              TEXT NOT NULL,
    level             INTEGER NOT NULL DEFAULT 1,
    class             TEXT NOT NULL DEFAULT '',
    race              TEXT NOT NULL DEFAULT '',
    base_ac           INTEGER NOT NULL DEFAULT 10,
    hp                INTEGER NOT NULL DEFAULT 1,
    max_hp            INTEGER NOT NULL DEFAULT 1,
    speed             INTEGER NOT NULL DEFAULT 30,
    proficiency_bonus INTEGER NOT NULL DEFAULT 2,
    persona           JSONB NOT NULL DEFAULT '{}',
    abilities         JSONB NOT NULL DEFAULT '{}',
    skills            JSONB NOT NULL DEFAULT '[]',
    inventory         JSONB NOT NULL DEFAULT '[]',
    resources         JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (session_id, id),
    CONSTRAINT uq_entity_name UNIQUE (session_id, name_normalized)
);

CREATE TABLE IF NOT EXISTS effects (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    entity_id  TEXT NOT NULL,
    source     TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ,
    data       JSONB NOT NULL DEFAULT '{}',
    dispelled  BOOLEAN NOT NULL DEFAULT FALSE,
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS occupancy (
    session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    entity_id   TEXT NOT NULL,
    location_id TEXT NOT NULL,
    PRIMARY KEY (session_id, entity_id)
);

CREATE TABLE IF NOT EXISTS rules (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    key        TEXT NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    data       JSONB NOT NULL DEFAULT '{}',
    PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS spells (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    name       TEXT NOT NULL,
    level      INTEGER NOT NULL DEFAULT 0,
    min_level  INTEGER NOT NULL DEFAULT 1,
    classes    JSONB NOT NULL DEFAULT '[]',
    resource   TEXT NOT NULL DEFAULT '',
    cost       INTEGER NOT NULL DEFAULT 0,
    effect     JSONB NOT NULL DEFAULT 'null',
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS story_nodes (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    id         TEXT NOT NULL,
    kind       TEXT NOT NULL DEFAULT '',
    text       TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS story_edges (
    session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
    from_id    TEXT NOT NULL,
    rel        TEXT NOT NULL,
    to_id      TEXT NOT NULL,
    PRIMARY KEY (session_id, from_id, rel, to_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
    id         BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    request_id TEXT NOT NULL,
    ts         TIMESTAMPTZ NOT NULL,
    session_id TEXT NOT NULL,
    turn       INTEGER NOT NULL DEFAULT 0,
    actor      TEXT NOT NULL CHECK (actor IN ('player','planner','validator','executor','orchestrator','tool')),
    kind       TEXT NOT NULL,
    input      JSONB NOT NULL DEFAULT 'null',
    output     JSONB NOT NULL DEFAULT 'null',
    UNIQUE (session_id, request_id)
);

CREATE TABLE IF NOT EXISTS applied_requests (
    session_id TEXT NOT NULL,
    request_id TEXT NOT NULL,
    op         TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (session_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges (session_id, from_id);
CREATE INDEX IF NOT EXISTS idx_effects_entity ON effects (session_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_occupancy_location ON occupancy (session_id, location_id);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (session_id, id);
`

	if _, err := c.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("executing DDL: %w", err)
	}
	return nil
}
