package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const ddl = `
CREATE TABLE IF NOT EXISTS sessions (
	id          TEXT PRIMARY KEY,
	campaign    TEXT NOT NULL,
	house_rules TEXT NOT NULL DEFAULT '{}',
	synopsis    TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS facts (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	key        TEXT NOT NULL,
	value      TEXT NOT NULL,
	provenance TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS beats (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	seq        INTEGER NOT NULL,
	text       TEXT NOT NULL DEFAULT '',
	gates      TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (session_id, id)
);

CREATE TABLE IF NOT EXISTS locations (
	session_id  TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id          TEXT NOT NULL,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	tags        TEXT NOT NULL DEFAULT '[]',
	objects     TEXT NOT NULL DEFAULT '[]',
	state       TEXT NOT NULL DEFAULT '{}',
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
	persona           TEXT NOT NULL DEFAULT '{}',
	abilities         TEXT NOT NULL DEFAULT '{}',
	skills            TEXT NOT NULL DEFAULT '[]',
	inventory         TEXT NOT NULL DEFAULT '[]',
	resources         TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (session_id, id),
	CONSTRAINT uq_entity_name UNIQUE (session_id, name_normalized)
);

CREATE TABLE IF NOT EXISTS effects (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	source     TEXT NOT NULL,
	started_at TEXT NOT NULL,
	expires_at TEXT,
	data       TEXT NOT NULL DEFAULT '{}',
	dispelled  INTEGER NOT NULL DEFAULT 0,
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
	data       TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (session_id, key)
);

CREATE TABLE IF NOT EXISTS spells (
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	id         TEXT NOT NULL,
	name       TEXT NOT NULL,
	level      INTEGER NOT NULL DEFAULT 0,
	min_level  INTEGER NOT NULL DEFAULT 1,
	classes    TEXT NOT NULL DEFAULT '[]',
	resource   TEXT NOT NULL DEFAULT '',
	cost       INTEGER NOT NULL DEFAULT 0,
	effect     TEXT NOT NULL DEFAULT 'null',
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
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL,
	ts         TEXT NOT NULL,
	session_id TEXT NOT NULL,
	turn       INTEGER NOT NULL DEFAULT 0,
	actor      TEXT NOT NULL CHECK (actor IN ('player','planner','validator','executor','orchestrator','tool')),
	kind       TEXT NOT NULL,
	input      TEXT NOT NULL DEFAULT 'null',
	output     TEXT NOT NULL DEFAULT 'null',
	UNIQUE (session_id, request_id)
);

CREATE TABLE IF NOT EXISTS applied_requests (
	session_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	op         TEXT NOT NULL,
	applied_at TEXT NOT NULL,
	PRIMARY KEY (session_id, request_id)
);

CREATE INDEX IF NOT EXISTS idx_edges_from ON edges (session_id, from_id);
CREATE INDEX IF NOT EXISTS idx_effects_entity ON effects (session_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_occupancy_location ON occupancy (session_id, location_id);
CREATE INDEX IF NOT EXISTS idx_audit_session ON audit_log (session_id, id);
`

func (c *Client) EnsureSchema(ctx context.Context) error {
	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range splitStatements(ddl) {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("executing DDL: %w", err)
			}
		}
		return nil
	})
}

func splitStatements(ddl string) []string {
	var statements []string
	var current strings.Builder

	for _, line := range strings.Split(ddl, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "--") {
			continue
		}
		current.WriteString(line)
		current.WriteString("\n")

		if strings.HasSuffix(stripped, ";") {
			statements = append(statements, current.String())
			current.Reset()
		}
	}

	if strings.TrimSpace(current.String()) != "" {
		statements = append(statements, current.String())
	}

	return statements
}
