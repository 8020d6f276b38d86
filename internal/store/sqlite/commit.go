package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"storywarden/internal/store"
)

// Commit applies a turn's changes in one transaction. A commit whose request
// id was already applied returns nil without touching state.
func (c *Client) Commit(ctx context.Context, commit store.Commit) error {
	now := c.now()
	policy := commit.FactPolicy
	if policy == "" {
		policy = store.FactPolicyLastWriteWins
	}

	return c.inTx(ctx, func(tx *sql.Tx) error {
		fresh, err := claimRequest(ctx, tx, commit.Session, commit.RequestID, "commit", now)
		if err != nil || !fresh {
			return err
		}

		if err := writeFacts(ctx, tx, commit.Session, commit.Facts, policy, commit.RequestID, commit.Turn, now); err != nil {
			return err
		}
		for _, m := range commit.Moves {
			if err := moveEntity(ctx, tx, commit.Session, m.EntityID, m.LocationID); err != nil {
				return err
			}
		}
		for _, ew := range commit.Effects {
			if err := insertEffect(ctx, tx, commit.Session, ew.EntityID, ew.Effect); err != nil {
				return err
			}
		}
		for _, id := range commit.Dispels {
			if err := dispelEffect(ctx, tx, commit.Session, id); err != nil {
				return err
			}
		}
		for _, hp := range commit.HPChanges {
			if err := adjustHP(ctx, tx, commit.Session, hp.EntityID, hp.Delta); err != nil {
				return err
			}
		}
		for _, rc := range commit.ResourceChanges {
			if err := adjustResource(ctx, tx, commit.Session, rc.EntityID, rc.Resource, rc.Delta); err != nil {
				return err
			}
		}
		if commit.Synopsis != nil {
			if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET synopsis = ? WHERE id = ?
			`, *commit.Synopsis, commit.Session); err != nil {
				return fmt.Errorf("updating synopsis: %w", err)
			}
		}
		for _, entry := range commit.Audit {
			if entry.Timestamp.IsZero() {
				entry.Timestamp = now
			}
			if _, err := appendAudit(ctx, tx, entry); err != nil {
				return err
			}
		}
		return nil
	})
}
