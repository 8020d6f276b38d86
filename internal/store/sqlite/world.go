package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"storywarden/internal/store"
)

func (c *Client) GetLocation(ctx context.Context, session, id string) (*store.Location, error) {
	var loc store.Location
	var tags, objects, state string
	err := c.db.QueryRowContext(ctx, `
	SELECT id, name, description, tags, objects, state FROM locations WHERE session_id = ? AND id = ?
	`, session, id).Scan(&loc.ID, &loc.Name, &loc.Description, &tags, &objects, &state)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, from_id, to_id, kind, cost, requires FROM edges
	WHERE session_id = ? AND from_id = ?
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
	rows, err := c.db.QueryContext(ctx, `
	SELECT entity_id FROM occupancy WHERE session_id = ? AND location_id = ? ORDER BY entity_id
	`, session, locationID)
	if err != nil {
		return nil, fmt.Errorf("getting occupants: %w", err)
	}
	defer rows.Close()

	occupants := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning occupant: %w", err)
		}
		occupants = append(occupants, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating occupants: %w", err)
	}
	return occupants, nil
}

func (c *Client) LocationOf(ctx context.Context, session, entityID string) (string, error) {
	var locationID string
	err := c.db.QueryRowContext(ctx, `
	SELECT location_id FROM occupancy WHERE session_id = ? AND entity_id = ?
	`, session, entityID).Scan(&locationID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("location of %s: %w", entityID, store.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("getting location of %s: %w", entityID, err)
	}
	return locationID, nil
}

func (c *Client) MoveEntity(ctx context.Context, session, entityID, toLocationID, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "move_entity", now)
		if err != nil || !fresh {
			return err
		}
		return moveEntity(ctx, tx, session, entityID, toLocationID)
	})
}

func moveEntity(ctx context.Context, q querier, session, entityID, toLocationID string) error {
	var exists int
	err := q.QueryRowContext(ctx, `
	SELECT 1 FROM locations WHERE session_id = ? AND id = ?
	`, session, toLocationID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("moving %s to %s: %w", entityID, toLocationID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("checking location %s: %w", toLocationID, err)
	}
	return placeEntity(ctx, q, session, entityID, toLocationID)
}

// placeEntity replaces the entity's occupancy row; the caller's transaction
// makes the delete and insert a single step.
func placeEntity(ctx context.Context, q querier, session, entityID, locationID string) error {
	if _, err := q.ExecContext(ctx, `
	DELETE FROM occupancy WHERE session_id = ? AND entity_id = ?
	`, session, entityID); err != nil {
		return fmt.Errorf("clearing occupancy of %s: %w", entityID, err)
	}
	if _, err := q.ExecContext(ctx, `
	INSERT INTO occupancy (session_id, entity_id, location_id) VALUES (?, ?, ?)
	`, session, entityID, locationID); err != nil {
		return fmt.Errorf("placing %s at %s: %w", entityID, locationID, err)
	}
	return nil
}

func (c *Client) ListBeats(ctx context.Context, session string) ([]store.Beat, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, seq, text, gates FROM beats WHERE session_id = ? ORDER BY seq, id
	`, session)
	if err != nil {
		return nil, fmt.Errorf("listing beats: %w", err)
	}
	defer rows.Close()

	beats := []store.Beat{}
	for rows.Next() {
		var b store.Beat
		var gates string
		if err := rows.Scan(&b.ID, &b.Seq, &b.Text, &gates); err != nil {
			return nil, fmt.Errorf("scanning beat: %w", err)
		}
		if err := json.Unmarshal([]byte(gates), &b.Gates); err != nil {
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
	rows, err := c.db.QueryContext(ctx, `
	SELECT from_id, rel, to_id FROM story_edges WHERE session_id = ? ORDER BY from_id, rel, to_id
	`, session)
	if err != nil {
		return nil, fmt.Errorf("listing story edges: %w", err)
	}
	defer rows.Close()

	edges := []store.StoryEdge{}
	for rows.Next() {
		var e store.StoryEdge
		if err := rows.Scan(&e.From, &e.Rel, &e.To); err != nil {
			return nil, fmt.Errorf("scanning story edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating story edges: %w", err)
	}
	return edges, nil
}

type jsonField struct {
	name string
	raw  string
	dst  any
}

func unmarshalAll(fields ...jsonField) error {
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return fmt.Errorf("unmarshaling %s: %w", f.name, err)
		}
	}
	return nil
}
