package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"storywarden/internal/store"
)

const entityColumns = `id, name, kind, level, class, race, base_ac, hp, max_hp, speed, proficiency_bonus,
    persona, abilities, skills, inventory, resources`

func insertEntity(ctx context.Context, q querier, session string, e store.Entity) error {
	_, err := q.Exec(ctx, `
INSERT INTO entities (session_id, id, name, name_normalized, kind, level, class, race, base_ac, hp, max_hp,
    speed, proficiency_bonus, persona, abilities, skills, inventory, resources)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
`, session, e.ID, e.Name, strings.ToLower(e.Name), string(e.Kind), e.Level, e.Class, e.Race, e.BaseAC, e.HP, e.MaxHP,
		e.Speed, e.ProficiencyBonus, mustJSON(e.Persona), mustJSON(e.Abilities), mustJSON(nonNilSlice(e.Skills)),
		mustJSON(nonNilSlice(e.Inventory)), mustJSON(nonNilMap(e.Resources)))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("inserting entity %s: %w", e.ID, store.ErrConflict)
		}
		return fmt.Errorf("inserting entity %s: %w", e.ID, err)
	}
	return nil
}

func scanEntity(row pgx.Row, session string) (*store.Entity, error) {
	e := store.Entity{Session: session}
	var kind string
	var persona, abilities, skills, inventory, resources []byte
	err := row.Scan(&e.ID, &e.Name, &kind, &e.Level, &e.Class, &e.Race, &e.BaseAC, &e.HP, &e.MaxHP, &e.Speed,
		&e.ProficiencyBonus, &persona, &abilities, &skills, &inventory, &resources)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning entity: %w", err)
	}
	e.Kind = store.EntityKind(kind)
	if err := unmarshalAll(
		jsonField{"persona", persona, &e.Persona},
		jsonField{"abilities", abilities, &e.Abilities},
		jsonField{"skills", skills, &e.Skills},
		jsonField{"inventory", inventory, &e.Inventory},
		jsonField{"resources", resources, &e.Resources},
	); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) GetEntity(ctx context.Context, session, nameOrID string, at time.Time) (*store.Entity, error) {
	row := c.pool.QueryRow(ctx, `
SELECT `+entityColumns+` FROM entities
WHERE session_id = $1 AND (id = $2 OR name_normalized = $3)
ORDER BY (id = $2) DESC
LIMIT 1
`, session, nameOrID, strings.ToLower(nameOrID))
	e, err := scanEntity(row, session)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("entity %s: %w", nameOrID, store.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	effects, err := c.activeEffects(ctx, session, e.ID, at)
	if err != nil {
		return nil, err
	}
	e.Effects = effects
	return e, nil
}

func (c *Client) ListEntities(ctx context.Context, session string) ([]store.Entity, error) {
	rows, err := c.pool.Query(ctx, `
SELECT `+entityColumns+` FROM entities WHERE session_id = $1 ORDER BY kind, name
`, session)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	entities := []store.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows, session)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}
	return entities, nil
}

// activeEffects leaves expiry filtering to Effect.Active so both backends
// agree on the boundary instant.
func (c *Client) activeEffects(ctx context.Context, session, entityID string, at time.Time) ([]store.Effect, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, source, started_at, expires_at, data FROM effects
WHERE session_id = $1 AND entity_id = $2 AND NOT dispelled
ORDER BY started_at, id
`, session, entityID)
	if err != nil {
		return nil, fmt.Errorf("getting effects: %w", err)
	}
	defer rows.Close()

	effects := []store.Effect{}
	for rows.Next() {
		ef := store.Effect{EntityID: entityID}
		var data []byte
		if err := rows.Scan(&ef.ID, &ef.Source, &ef.StartedAt, &ef.ExpiresAt, &data); err != nil {
			return nil, fmt.Errorf("scanning effect: %w", err)
		}
		if err := json.Unmarshal(data, &ef.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling effect %s: %w", ef.ID, err)
		}
		if ef.Active(at) {
			effects = append(effects, ef)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating effects: %w", err)
	}
	return effects, nil
}

func (c *Client) ApplyEffect(ctx context.Context, session, entityID string, effect store.Effect, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx pgx.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "apply_effect", now)
		if err != nil || !fresh {
			return err
		}
		return insertEffect(ctx, tx, session, entityID, effect)
	})
}

func insertEffect(ctx context.Context, q querier, session, entityID string, effect store.Effect) error {
	if err := effect.Data.Validate(); err != nil {
		return fmt.Errorf("effect %s: %w", effect.ID, err)
	}
	var expires *time.Time
	if effect.ExpiresAt != nil {
		t := effect.ExpiresAt.UTC()
		expires = &t
	}
	if _, err := q.Exec(ctx, `
INSERT INTO effects (session_id, id, entity_id, source, started_at, expires_at, data)
VALUES ($1, $2, $3, $4, $5, $6, $7)
`, session, effect.ID, entityID, effect.Source, effect.StartedAt.UTC(), expires, mustJSON(effect.Data)); err != nil {
		return fmt.Errorf("inserting effect %s: %w", effect.ID, err)
	}
	return nil
}

func (c *Client) DispelEffect(ctx context.Context, session, effectID, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx pgx.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "dispel_effect", now)
		if err != nil || !fresh {
			return err
		}
		return dispelEffect(ctx, tx, session, effectID)
	})
}

func dispelEffect(ctx context.Context, q querier, session, effectID string) error {
	tag, err := q.Exec(ctx, `
UPDATE effects SET dispelled = TRUE WHERE session_id = $1 AND id = $2
`, session, effectID)
	if err != nil {
		return fmt.Errorf("dispelling effect %s: %w", effectID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dispelling effect %s: %w", effectID, store.ErrNotFound)
	}
	return nil
}

func (c *Client) AdjustHP(ctx context.Context, session, entityID string, delta int, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx pgx.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "adjust_hp", now)
		if err != nil || !fresh {
			return err
		}
		return adjustHP(ctx, tx, session, entityID, delta)
	})
}

func adjustHP(ctx context.Context, q querier, session, entityID string, delta int) error {
	tag, err := q.Exec(ctx, `
UPDATE entities SET hp = GREATEST(0, LEAST(max_hp, hp + $1)) WHERE session_id = $2 AND id = $3
`, delta, session, entityID)
	if err != nil {
		return fmt.Errorf("adjusting hp of %s: %w", entityID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("adjusting hp of %s: %w", entityID, store.ErrNotFound)
	}
	return nil
}

func adjustResource(ctx context.Context, q querier, session, entityID, resource string, delta int) error {
	var raw []byte
	err := q.QueryRow(ctx, `
SELECT resources FROM entities WHERE session_id = $1 AND id = $2 FOR UPDATE
`, session, entityID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("adjusting %s of %s: %w", resource, entityID, store.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading resources of %s: %w", entityID, err)
	}
	resources := map[string]int{}
	if err := json.Unmarshal(raw, &resources); err != nil {
		return fmt.Errorf("unmarshaling resources of %s: %w", entityID, err)
	}
	next := resources[resource] + delta
	if next < 0 {
		return fmt.Errorf("adjusting %s of %s below zero: %w", resource, entityID, store.ErrConflict)
	}
	resources[resource] = next
	if _, err := q.Exec(ctx, `
UPDATE entities SET resources = $1 WHERE session_id = $2 AND id = $3
`, mustJSON(resources), session, entityID); err != nil {
		return fmt.Errorf("writing resources of %s: %w", entityID, err)
	}
	return nil
}

func (c *Client) LookupRule(ctx context.Context, session, key string) (*store.Rule, error) {
	r := store.Rule{Key: key}
	var data []byte
	err := c.pool.QueryRow(ctx, `
SELECT text, data FROM rules WHERE session_id = $1 AND key = $2
`, session, key).Scan(&r.Text, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("rule %s: %w", key, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("looking up rule %s: %w", key, err)
	}
	if err := json.Unmarshal(data, &r.Data); err != nil {
		return nil, fmt.Errorf("unmarshaling rule %s: %w", key, err)
	}
	return &r, nil
}

func (c *Client) ListSpells(ctx context.Context, session string) ([]store.Spell, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, name, level, min_level, classes, resource, cost, effect FROM spells
WHERE session_id = $1 ORDER BY level, id
`, session)
	if err != nil {
		return nil, fmt.Errorf("listing spells: %w", err)
	}
	defer rows.Close()

	spells := []store.Spell{}
	for rows.Next() {
		var s store.Spell
		var classes, effect []byte
		if err := rows.Scan(&s.ID, &s.Name, &s.Level, &s.MinLevel, &classes, &s.Resource, &s.Cost, &effect); err != nil {
			return nil, fmt.Errorf("scanning spell: %w", err)
		}
		if err := unmarshalAll(
			jsonField{"classes", classes, &s.Classes},
			jsonField{"effect", effect, &s.Effect},
		); err != nil {
			return nil, err
		}
		spells = append(spells, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating spells: %w", err)
	}
	return spells, nil
}
