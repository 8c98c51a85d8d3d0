package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/series"
)

// SubjectScope selects which subjects a repair run touches. Subject wins
// when both are set; both empty means every subject.
type SubjectScope struct {
	Subject string
	Prefix  string
}

// Subjects returns the distinct subjects with snapshot rows in scope,
// ordered bytewise.
func (s *Store) Subjects(ctx context.Context, scope SubjectScope) ([]string, error) {
	q := `SELECT DISTINCT subject_id FROM snapshots`
	args := []any{}
	switch {
	case scope.Subject != "":
		q += ` WHERE subject_id = ?`
		args = append(args, scope.Subject)
	case scope.Prefix != "":
		// ESCAPE guards prefixes containing LIKE metacharacters.
		q += ` WHERE subject_id LIKE ? ESCAPE '\'`
		args = append(args, escapeLike(scope.Prefix)+"%")
	}
	q += ` ORDER BY subject_id COLLATE BINARY ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("scope subjects: %w", err)
	}
	defer rows.Close()

	subjects := []string{}
	for rows.Next() {
		var subject string
		if err := rows.Scan(&subject); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		subjects = append(subjects, subject)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subjects: %w", err)
	}
	return subjects, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// RepairOps is the only mutation surface besides Append. It exists solely
// for the duplicate-timestamp repair tool and is scoped to ONE subject
// inside ONE transaction: every statement carries the subject guard, so a
// buggy caller cannot leak writes across subjects.
type RepairOps struct {
	tx      *sql.Tx
	subject string
}

// RepairTx runs fn against a single subject in one transaction. Any error
// from fn rolls the whole subject back; other subjects are unaffected.
func (s *Store) RepairTx(ctx context.Context, subject string, fn func(*RepairOps) error) error {
	if subject == "" {
		return fmt.Errorf("repair tx: empty subject")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("repair tx: begin: %w", err)
	}

	ops := &RepairOps{tx: tx, subject: subject}
	if err := fn(ops); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("repair tx: rollback after %w: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("repair tx: commit: %w", err)
	}
	return nil
}

// Hashes returns the distinct signature hashes recorded for the subject,
// ordered bytewise.
func (r *RepairOps) Hashes(ctx context.Context) ([]string, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT DISTINCT signature_hash FROM snapshots
		WHERE subject_id = ?
		ORDER BY signature_hash COLLATE BINARY ASC
	`, r.subject)
	if err != nil {
		return nil, fmt.Errorf("repair hashes: %w", err)
	}
	defer rows.Close()

	hashes := []string{}
	for rows.Next() {
		var hash string
		if err := rows.Scan(&hash); err != nil {
			return nil, fmt.Errorf("scan hash: %w", err)
		}
		hashes = append(hashes, hash)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hashes: %w", err)
	}
	return hashes, nil
}

// GroupRows returns every row of (subject, hash), deterministically ordered.
func (r *RepairOps) GroupRows(ctx context.Context, hash string) ([]series.Snapshot, error) {
	rows, err := r.tx.QueryContext(ctx, `
		SELECT id, subject_id, signature_hash, slice_key, anchor_day,
		       retrieved_at_ms, numerator, denominator, sample_size, run_token
		FROM snapshots
		WHERE subject_id = ? AND signature_hash = ?
		ORDER BY slice_key COLLATE BINARY ASC, anchor_day ASC, retrieved_at_ms ASC, id ASC
	`, r.subject, hash)
	if err != nil {
		return nil, fmt.Errorf("repair group rows: %w", err)
	}
	defer rows.Close()

	snapshots := []series.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repair group rows: %w", err)
	}
	return snapshots, nil
}

// RewriteRetrievedAt moves one row to a canonical retrieval instant. The
// natural-key UNIQUE constraint still applies: a rewrite that collides with
// an existing row errors, which aborts the subject's transaction. The repair
// engine folds such rows into deletions instead of rewriting them.
func (r *RepairOps) RewriteRetrievedAt(ctx context.Context, id int64, to time.Time) error {
	result, err := r.tx.ExecContext(ctx, `
		UPDATE snapshots SET retrieved_at_ms = ?
		WHERE id = ? AND subject_id = ?
	`, toMillis(to), id, r.subject)
	if err != nil {
		return fmt.Errorf("rewrite retrieved_at of row %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rewrite retrieved_at of row %d: rows affected: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("rewrite retrieved_at of row %d: no such row for subject %q", id, r.subject)
	}
	return nil
}

// DeleteRows removes redundant duplicate rows by ID.
func (r *RepairOps) DeleteRows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, r.subject)

	result, err := r.tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE id IN (`+placeholders+`) AND subject_id = ?`, args...)
	if err != nil {
		return fmt.Errorf("delete %d rows: %w", len(ids), err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete rows: rows affected: %w", err)
	}
	if int(rowsAffected) != len(ids) {
		return fmt.Errorf("delete rows: expected %d deletions, got %d", len(ids), rowsAffected)
	}
	return nil
}
