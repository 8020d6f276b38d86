package postgres

import (
	"context"
	"fmt"

	"storywarden/internal/store"
)

func (c *Client) AppendAudit(ctx context.Context, entry store.AuditEntry) (bool, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	return appendAudit(ctx, c.pool, entry)
}

func appendAudit(ctx context.Context, q querier, entry store.AuditEntry) (bool, error) {
	if entry.RequestID == "" {
		return false, fmt.Errorf("audit entry request id is required")
	}
	tag, err := q.Exec(ctx, `
INSERT INTO audit_log (request_id, ts, session_id, turn, actor, kind, input, output)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (session_id, request_id) DO NOTHING
`, entry.RequestID, entry.Timestamp.UTC(), entry.Session, entry.Turn, string(entry.Actor), entry.Kind,
		rawOrNull(entry.Input), rawOrNull(entry.Output))
	if err != nil {
		return false, fmt.Errorf("appending audit entry %s: %w", entry.RequestID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (c *Client) ListAudit(ctx context.Context, session string) ([]store.AuditEntry, error) {
	rows, err := c.pool.Query(ctx, `
SELECT id, request_id, ts, session_id, turn, actor, kind, input, output
FROM audit_log WHERE session_id = $1 ORDER BY id
`, session)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	entries := []store.AuditEntry{}
	for rows.Next() {
		var e store.AuditEntry
		var actor string
		var input, output []byte
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Timestamp, &e.Session, &e.Turn, &actor, &e.Kind, &input, &output); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		e.Actor = store.Actor(actor)
		e.Input = input
		e.Output = output
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return entries, nil
}

func rawOrNull(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}
