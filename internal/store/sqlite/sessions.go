package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

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
	_, err = c.db.ExecContext(ctx, `
	INSERT INTO sessions (id, campaign, house_rules, synopsis, created_at)
	VALUES (?, ?, ?, ?, ?)
	`, s.ID, s.Campaign, string(rules), s.Synopsis, formatTime(created))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return fmt.Errorf("creating session %s: %w", s.ID, store.ErrConflict)
		}
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*store.Session, error) {
	row := c.db.QueryRowContext(ctx, `
	SELECT id, campaign, house_rules, synopsis, created_at FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (c *Client) ListSessions(ctx context.Context) ([]store.Session, error) {
	rows, err := c.db.QueryContext(ctx, `
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*store.Session, error) {
	var s store.Session
	var rules, created string
	if err := row.Scan(&s.ID, &s.Campaign, &rules, &s.Synopsis, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	if err := json.Unmarshal([]byte(rules), &s.HouseRules); err != nil {
		return nil, fmt.Errorf("unmarshaling house rules: %w", err)
	}
	t, err := parseTime(created)
	if err != nil {
		return nil, err
	}
	s.CreatedAt = t
	return &s, nil
}

func (c *Client) SeedCampaign(ctx context.Context, session string, camp store.Campaign) error {
	now := c.now()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		for _, loc := range camp.Locations {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO locations (session_id, id, name, description, tags, objects, state)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			`, session, loc.ID, loc.Name, loc.Description, mustJSON(nonNilSlice(loc.Tags)), mustJSON(nonNilSlice(loc.Objects)), mustJSON(nonNilMap(loc.State))); err != nil {
				return fmt.Errorf("seeding location %s: %w", loc.ID, err)
			}
		}
		for _, edge := range camp.Edges {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO edges (session_id, id, from_id, to_id, kind, cost, requires)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			`, session, edge.ID, edge.From, edge.To, string(edge.Kind), edge.Cost, edge.Requires); err != nil {
				return fmt.Errorf("seeding edge %s: %w", edge.ID, err)
			}
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
		for _, beat := range camp.Beats {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO beats (session_id, id, seq, text, gates) VALUES (?, ?, ?, ?, ?)
			`, session, beat.ID, beat.Seq, beat.Text, mustJSON(nonNilSlice(beat.Gates))); err != nil {
				return fmt.Errorf("seeding beat %s: %w", beat.ID, err)
			}
		}
		for _, rule := range camp.Rules {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO rules (session_id, key, text, data) VALUES (?, ?, ?, ?)
			`, session, rule.Key, rule.Text, mustJSON(nonNilMap(rule.Data))); err != nil {
				return fmt.Errorf("seeding rule %s: %w", rule.Key, err)
			}
		}
		for _, spell := range camp.Spells {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO spells (session_id, id, name, level, min_level, classes, resource, cost, effect)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, session, spell.ID, spell.Name, spell.Level, spell.MinLevel, mustJSON(nonNilSlice(spell.Classes)), spell.Resource, spell.Cost, mustJSON(spell.Effect)); err != nil {
				return fmt.Errorf("seeding spell %s: %w", spell.ID, err)
			}
		}
		for _, node := range camp.StoryNodes {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO story_nodes (session_id, id, kind, text) VALUES (?, ?, ?, ?)
			`, session, node.ID, node.Kind, node.Text); err != nil {
				return fmt.Errorf("seeding story node %s: %w", node.ID, err)
			}
		}
		for _, edge := range camp.StoryEdges {
			if _, err := tx.ExecContext(ctx, `
			INSERT INTO story_edges (session_id, from_id, rel, to_id) VALUES (?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			`, session, edge.From, edge.Rel, edge.To); err != nil {
				return fmt.Errorf("seeding story edge %s-%s->%s: %w", edge.From, edge.Rel, edge.To, err)
			}
		}
		if len(camp.Facts) > 0 {
			requestID := "seed/" + session
			if err := writeFacts(ctx, tx, session, camp.Facts, store.FactPolicyLastWriteWins, requestID, 0, now); err != nil {
				return err
			}
		}
		return nil
	})
}

func mustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshaling %T: %v", v, err))
	}
	return string(data)
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
