package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storywarden/internal/store"
)

func (c *Client) GetLocation(ctx context.Context, session, id string) (*store.Location, error) {
	var loc store.Location
	var tags, objects, state []byte
	err := c.pool.QueryRow(ctx, `
SELECT id, name, description, tags, objects, state FROM locations WHERE session_id = $1 AND id = $2
`, session, id).Scan(&loc.ID, &loc.Name, &loc.Description, &tags, &objects, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("location %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting location: %w", err)
	}
	if err := unmarshalAll(
		jsonField{"tags", tags, &loc.Tags},
		jsonField{"objects", objects, &loc.Objects},
		jsonField{"state", state, &loc.State},
	); err != nil {
		return nil, err
	}
	return &loc, nil
}

func (c *Client) GetEdges(ctx context.Context, session, fromID string) ([]store.Edge, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, from_id, to_id, kind, cost, requires FROM edges
WHERE session_id = $1 AND from_id = $2
ORDER BY id
`, session, fromID)
	if err != nil {
		return nil, fmt.Errorf("getting edges: %w", err)
	}
	defer rows.Close()

	edges := []store.Edge{}
	for rows.Next() {
		var e store.Edge
		var kind string
		if err := rows.Scan(&e.ID, &e.From, &e.To, &kind, &e.Cost, &e.Requires); err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		e.Kind = store.EdgeKind(kind)
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating edges: %w", err)
	}
	return edges, nil
}

func (c *Client) GetOccupants(ctx context.Context, session, locationID string) ([]string, error) {
	rows, err := c.pool.Query(ctx, `
SELECT entity_id FROM occupancy WHERE session_id = $1 AND location_id = $2 ORDER BY entity_id
`, session, locationID)
	if err != nil {
		return nil, fmt.Errorf("getting occupants: %w", err)
	}
	occupants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collecting occupants: %w", err)
	}
	if occupants == nil {
		occupants = []string{}
	}
	return occupants, nil
}

func (c *Client) LocationOf(ctx context.Context, session, entityID string) (string, error) {
	var locationID string
	err := c.pool.QueryRow(ctx, `
SELECT location_id FROM occupancy WHERE session_id = $1 AND entity_id = $2
`, session, entityID).Scan(&locationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("location of %s: %w", entityID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting location of %s: %w", entityID, err)
	}
	return locationID, nil
}

func (c *Client) MoveEntity(ctx context.Context, session, entityID, toLocationID, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx pgx.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "move_entity", now)
		if err != nil || !fresh {
			return err
		}
		return moveEntity(ctx, tx, session, entityID, toLocationID)
	})
}

func moveEntity(ctx context.Context, q querier, session, entityID, toLocationID string) error {
	var exists bool
	err := q.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM locations WHERE session_id = $1 AND id = $2)
`, session, toLocationID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking location %s: %w", toLocationID, err)
	}
	if !exists {
		return fmt.Errorf("moving %s to %s: %w", entityID, toLocationID, store.ErrNotFound)
	}
	return placeEntity(ctx, q, session, entityID, toLocationID)
}

func placeEntity(ctx context.Context, q querier, session, entityID, locationID string) error {
	if _, err := q.Exec(ctx, `
INSERT INTO occupancy (session_id, entity_id, location_id) VALUES ($1, $2, $3)
ON CONFLICT (session_id, entity_id) DO UPDATE SET location_id = EXCLUDED.location_id
`, session, entityID, locationID); err != nil {
		return fmt.Errorf("placing %s at %s: %w", entityID, locationID, err)
	}
	return nil
}

func (c *Client) ListBeats(ctx context.Context, session string) ([]store.Beat, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, seq, text, gates FROM beats WHERE session_id = $1 ORDER BY seq, id
`, session)
	if err != nil {
		return nil, fmt.Errorf("listing beats: %w", err)
	}
	defer rows.Close()

	beats := []store.Beat{}
	for rows.Next() {
		var b store.Beat
		var gates []byte
		if err := rows.Scan(&b.ID, &b.Seq, &b.Text, &gates); err != nil {
			return nil, fmt.Errorf("scanning beat: %w", err)
		}
		if err := json.Unmarshal(gates, &b.Gates); err != nil {
			return nil, fmt.Errorf("unmarshaling gates of beat %s: %w", b.ID, err)
		}
		beats = append(beats, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating beats: %w", err)
	}
	return beats, nil
}

func (c *Client) ListStoryEdges(ctx context.Context, session string) ([]store.StoryEdge, error) {
	rows, err := c.pool.Query(ctx, `
SELECT from_id, rel, to_id FROM story_edges WHERE session_id = $1 ORDER BY from_id, rel, to_id
`, session)
	if err != nil {
		return nil, fmt.Errorf("listing story edges: %w", err)
	}
	edges, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.StoryEdge, error) {
		var e store.StoryEdge
		err := row.Scan(&e.From, &e.Rel, &e.To)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("collecting story edges: %w", err)
	}
	if edges == nil {
		edges = []store.StoryEdge{}
	}
	return edges, nil
}

type jsonField struct {
	name string
	raw  []byte
	dst  any
}

func unmarshalAll(fields ...jsonField) error {
	for _, f := range fields {
		if len(f.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", f.name, err)
		}
	}
	return nil
}
