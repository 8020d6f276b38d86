package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storywarden/internal/store"
)

func (c *Client) GetFacts(ctx context.Context, session string) (map[string]store.Fact, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT key, value, provenance, confidence, updated_at FROM facts WHERE session_id = ?
	`, session)
	if err != nil {
		return nil, fmt.Errorf("getting facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string]store.Fact)
	for rows.Next() {
		f := store.Fact{Session: session}
		var value, updated string
		if err := rows.Scan(&f.Key, &value, &f.Provenance, &f.Confidence, &updated); err != nil {
			return nil, fmt.Errorf("scanning fact: %w", err)
		}
		if err := json.Unmarshal([]byte(value), &f.Value); err != nil {
			return nil, fmt.Errorf("unmarshaling fact %s: %w", f.Key, err)
		}
		if f.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, err
		}
		facts[f.Key] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating facts: %w", err)
	}
	return facts, nil
}

func (c *Client) WriteFacts(ctx context.Context, session string, facts []store.FactWrite, requestID string) error {
	now := c.now()
	return c.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimRequest(ctx, tx, session, requestID, "write_facts", now)
		if err != nil || !fresh {
			return err
		}
		return writeFacts(ctx, tx, session, facts, store.FactPolicyLastWriteWins, requestID, 0, now)
	})
}

// writeFacts upserts facts and mirrors each write into the audit log so the
// full history survives overwrites.
func writeFacts(ctx context.Context, q querier, session string, facts []store.FactWrite, policy store.FactPolicy, requestID string, turn int, at time.Time) error {
	for _, f := range store.CollapseFactWrites(facts) {
		if f.Key == "" {
			return fmt.Errorf("fact key is required")
		}
		if policy == store.FactPolicyMonotonic {
			var existing float64
			err := q.QueryRowContext(ctx, `
			SELECT confidence FROM facts WHERE session_id = ? AND key = ?
			`, session, f.Key).Scan(&existing)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("reading fact %s: %w", f.Key, err)
			}
			if err == nil && f.Confidence < existing {
				continue
			}
		}

		value, err := json.Marshal(f.Value)
		if err != nil {
			return fmt.Errorf("marshaling fact %s: %w", f.Key, err)
		}
		if _, err := q.ExecContext(ctx, `
		INSERT INTO facts (session_id, key, value, provenance, confidence, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, key) DO UPDATE SET
			value = excluded.value,
			provenance = excluded.provenance,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at
		`, session, f.Key, string(value), f.Provenance, f.Confidence, formatTime(at)); err != nil {
			return fmt.Errorf("writing fact %s: %w", f.Key, err)
		}

		entry, err := store.FactAuditEntry(session, requestID, turn, f, at)
		if err != nil {
			return err
		}
		if _, err := appendAudit(ctx, q, entry); err != nil {
			return err
		}
	}
	return nil
}
