package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"storywarden/internal/store"
)

func (c *Client) CreateSession(ctx context.Context, s store.Session) error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	rules, err := json.Marshal(nonNilMap(s.HouseRules))
	if err != nil {
		return fmt.Errorf("marshaling house rules: %w", err)
	}
	created := s.CreatedAt
	if created.IsZero() {
		created = c.now()
	}
	_, err = c.pool.Exec(ctx, `
INSERT INTO sessions (id, campaign, house_rules, synopsis, created_at)
VALUES ($1, $2, $3, $4, $5)
`, s.ID, s.Campaign, rules, s.Synopsis, created.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("creating session %s: %w", s.ID, store.ErrConflict)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := c.pool.QueryRow(ctx, `
SELECT id, campaign, house_rules, synopsis, created_at FROM sessions WHERE id = $1
`, id)
	s, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, campaign, house_rules, synopsis, created_at FROM sessions ORDER BY created_at, id
`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []store.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(row pgx.Row) (*store.Session, error) {
	var s store.Session
	var rules []byte
	if err := row.Scan(&s.ID, &s.Campaign, &rules, &s.Synopsis, &s.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if err := json.Unmarshal(rules, &s.HouseRules); err != nil {
		return nil, fmt.Errorf("unmarshaling house rules: %w", err)
	}
	return &s, nil
}

func (c *Client) SeedCampaign(ctx context.Context, session string, camp store.Campaign) error {
	now := c.now()
	return c.inTx(ctx, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, loc := range camp.Locations {
			batch.Queue(`
INSERT INTO locations (session_id, id, name, description, tags, objects, state)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, session, loc.ID, loc.Name, loc.Description, mustJSON(nonNilSlice(loc.Tags)), mustJSON(nonNilSlice(loc.Objects)), mustJSON(nonNilMap(loc.State)))
		}
		for _, edge := range camp.Edges {
			batch.Queue(`
INSERT INTO edges (session_id, id, from_id, to_id, kind, cost, requires)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, session, edge.ID, edge.From, edge.To, string(edge.Kind), edge.Cost, edge.Requires)
		}
		for _, beat := range camp.Beats {
			batch.Queue(`
INSERT INTO beats (session_id, id, seq, text, gates) VALUES ($1, $2, $3, $4, $5)
`, session, beat.ID, beat.Seq, beat.Text, mustJSON(nonNilSlice(beat.Gates)))
		}
		for _, rule := range camp.Rules {
			batch.Queue(`
INSERT INTO rules (session_id, key, text, data) VALUES ($1, $2, $3, $4)
`, session, rule.Key, rule.Text, mustJSON(nonNilMap(rule.Data)))
		}
		for _, spell := range camp.Spells {
			batch.Queue(`
INSERT INTO spells (session_id, id, name, level, min_level, classes, resource, cost, effect)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, session, spell.ID, spell.Name, spell.Level, spell.MinLevel, mustJSON(nonNilSlice(spell.Classes)), spell.Resource, spell.Cost, mustJSON(spell.Effect))
		}
		for _, node := range camp.StoryNodes {
			batch.Queue(`
INSERT INTO story_nodes (session_id, id, kind, text) VALUES ($1, $2, $3, $4)
`, session, node.ID, node.Kind, node.Text)
		}
		for _, edge := range camp.StoryEdges {
			batch.Queue(`
INSERT INTO story_edges (session_id, from_id, rel, to_id) VALUES ($1, $2, $3, $4)
ON CONFLICT DO NOTHING
`, session, edge.From, edge.Rel, edge.To)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("seeding campaign %s: %w", camp.Key, err)
		}

		for _, e := range camp.Entities {
			if err := insertEntity(ctx, tx, session, e); err != nil {
				return err
			}
			for _, effect := range e.Effects {
				if err := insertEffect(ctx, tx, session, e.ID, effect); err != nil {
					return err
				}
			}
		}
		for entityID, locationID := range camp.Placements {
			if err := placeEntity(ctx, tx, session, entityID, locationID); err != nil {
				return err
			}
		}
		if len(camp.Facts) > 0 {
			if err := writeFacts(ctx, tx, session, camp.Facts, store.FactPolicyLastWriteWins, "seed/"+session, 0, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling %T: %v", v, err))
	}
	return data
}

func nonNilMap[V any](m map[string]V) map[string]V {
	if m == nil {
		return map[string]V{}
	}
	return m
}

func nonNilSlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
