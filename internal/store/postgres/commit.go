package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storywarden/internal/store"
)

func (c *Client) Commit(ctx context.Context, commit store.Commit) error {
	now := c.now()
	policy := commit.FactPolicy
	if policy == "" {
		policy = store.FactPolicyLastWriteWins
	}

	return c.inTx(ctx, func(tx pgx.Tx) error {
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
			if _, err := tx.Exec(ctx, `
UPDATE sessions SET synopsis = $1 WHERE id = $2
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
