package sqlite

import (
	"context"
	"fmt"

	"storywarden/internal/store"
)

func (c *Client) AppendAudit(ctx context.Context, entry store.AuditEntry) (bool, error) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = c.now()
	}
	return appendAudit(ctx, c.db, entry)
}

// appendAudit inserts entry unless its request id was recorded before.
func appendAudit(ctx context.Context, q querier, entry store.AuditEntry) (bool, error) {
	if entry.RequestID == "" {
		return false, fmt.Errorf("audit entry request id is required")
	}
	res, err := q.ExecContext(ctx, `
	INSERT INTO audit_log (request_id, ts, session_id, turn, actor, kind, input, output)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (session_id, request_id) DO NOTHING
	`, entry.RequestID, formatTime(entry.Timestamp), entry.Session, entry.Turn, string(entry.Actor), entry.Kind,
		rawOrNull(entry.Input), rawOrNull(entry.Output))
	if err != nil {
		return false, fmt.Errorf("appending audit entry %s: %w", entry.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("appending audit entry %s: %w", entry.RequestID, err)
	}
	return n == 1, nil
}

func (c *Client) ListAudit(ctx context.Context, session string) ([]store.AuditEntry, error) {
	rows, err := c.db.QueryContext(ctx, `
	SELECT id, request_id, ts, session_id, turn, actor, kind, input, output
	FROM audit_log WHERE session_id = ? ORDER BY id
	`, session)
	if err != nil {
		return nil, fmt.Errorf("listing audit log: %w", err)
	}
	defer rows.Close()

	entries := []store.AuditEntry{}
	for rows.Next() {
		var e store.AuditEntry
		var ts, actor, input, output string
		if err := rows.Scan(&e.ID, &e.RequestID, &ts, &e.Session, &e.Turn, &actor, &e.Kind, &input, &output); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		e.Actor = store.Actor(actor)
		e.Input = []byte(input)
		e.Output = []byte(output)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit log: %w", err)
	}
	return entries, nil
}

func rawOrNull(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}
