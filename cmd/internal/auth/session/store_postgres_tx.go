package session

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// RotateActive performs the winner's rotation step atomically:
//
//  1. CAS the presented record ACTIVE -> ROTATED. The row lock taken here
//     serializes concurrent presentations of the same secret under READ
//     COMMITTED; the loser's conditional update re-evaluates against the
//     committed row and matches nothing.
//  2. Insert the successor (same family, version+1, fresh expiry window).
//  3. Link the presented record to its successor via rotated_to_id.
//
// Returns false with no side effects when the CAS loses.
func (s *PostgresStore) RotateActive(ctx context.Context, presentedID string, successor Record, nowMillis int64) (bool, error) {
	const op = "session.RotateActive"

	if err := ctx.Err(); err != nil {
		return false, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	won, err := revokeIfActiveTx(ctx, tx, s.table(), presentedID, nowMillis)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	if !won {
		return false, nil
	}

	if err := insertRecordTx(ctx, tx, s.table(), successor); err != nil {
		return false, fmt.Errorf("%s: successor: %w", op, err)
	}
	if err := linkRotatedTx(ctx, tx, s.table(), presentedID, successor.ID); err != nil {
		return false, fmt.Errorf("%s: link: %w", op, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("%s: commit: %w", op, err)
	}
	return true, nil
}

func revokeIfActiveTx(ctx context.Context, tx pgx.Tx, table, id string, nowMillis int64) (bool, error) {
	ct, err := tx.Exec(ctx,
		`UPDATE `+table+`
		    SET status = 'ROTATED',
		        revoked_at = $2,
		        revocation_reason = 'ROTATION'
		  WHERE id = $1 AND status = 'ACTIVE'`,
		id, nowMillis,
	)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func insertRecordTx(ctx context.Context, tx pgx.Tx, table string, rec Record) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO `+table+` (`+refreshColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		rec.ID, rec.TokenHash, rec.UserID, rec.FamilyID, rec.Version, string(rec.Status),
		rec.CreatedAt, rec.ExpiresAt, rec.RevokedAt, nullableReason(rec.RevocationReason), rec.RotatedToID,
	)
	return err
}

func linkRotatedTx(ctx context.Context, tx pgx.Tx, table, presentedID, successorID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE `+table+` SET rotated_to_id = $2 WHERE id = $1`,
		presentedID, successorID,
	)
	return err
}
