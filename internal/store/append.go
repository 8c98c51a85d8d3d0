package store

import (
	"context"
	"fmt"

	"github.com/fieldline/strata/internal/series"
)

// Append inserts one snapshot row. Returns the row ID and whether a new row
// was inserted.
//
// Uses ON CONFLICT(subject_id, signature_hash, slice_key, anchor_day,
// retrieved_at_ms) DO NOTHING for idempotency: a byte-identical re-append
// returns the existing ID with inserted=false, no error, no mutation. A row
// that differs only in retrieved_at_ms is a NEW fact and inserts normally;
// collapsing those is the repair tool's job, never the writer's.
func (s *Store) Append(ctx context.Context, snap series.Snapshot) (id int64, inserted bool, err error) {
	if err := snap.Validate(); err != nil {
		return 0, false, fmt.Errorf("append snapshot: %w", err)
	}

	sliceKey := snap.Slice.String()
	retrievedMs := toMillis(snap.RetrievedAt)

	// Transaction makes insert-or-select-existing atomic.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("append snapshot: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots
		(subject_id, signature_hash, slice_key, anchor_day, retrieved_at_ms,
		 numerator, denominator, sample_size, run_token)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject_id, signature_hash, slice_key, anchor_day, retrieved_at_ms) DO NOTHING
	`,
		snap.Subject,
		snap.Hash,
		sliceKey,
		string(snap.Anchor),
		retrievedMs,
		snap.Numerator,
		snap.Denominator,
		snap.SampleSize,
		snap.RunToken,
	)
	if err != nil {
		return 0, false, fmt.Errorf("append snapshot: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("append snapshot: rows affected: %w", err)
	}

	if rowsAffected > 0 {
		id, err = result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("append snapshot: last insert id: %w", err)
		}
		inserted = true
	} else {
		// Conflict - the row already exists, fetch its ID.
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM snapshots
			WHERE subject_id = ? AND signature_hash = ? AND slice_key = ?
			  AND anchor_day = ? AND retrieved_at_ms = ?
		`, snap.Subject, snap.Hash, sliceKey, string(snap.Anchor), retrievedMs).Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("append snapshot: select existing: %w", err)
		}
		inserted = false
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("append snapshot: commit: %w", err)
	}

	return id, inserted, nil
}

// CountSnapshots returns the total number of snapshot rows. Diagnostic.
func (s *Store) CountSnapshots(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count snapshots: %w", err)
	}
	return n, nil
}
