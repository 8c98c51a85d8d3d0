package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/query"
	"github.com/fieldline/strata/internal/series"
)

// RawQuery selects physical snapshot rows. Members are explicit
// (subject, hash) pairs - closure expansion happens BEFORE the store, so a
// query can never degrade to a subject-only filter and lose the physical
// locations of equivalent data.
type RawQuery struct {
	// Members to read. Empty means an empty result, never a full scan.
	Members []series.Ref
	// Filter restricts slice coordinates. Nil matches every slice.
	Filter *query.Filter
	// NotAfter hides rows retrieved after the cutoff. Zero means no cutoff.
	NotAfter time.Time
	// Anchors restricts anchor days. Nil means all days.
	Anchors *series.Window
}

// QueryRaw returns the exact rows matching q with no collapsing: every
// retrieval generation is visible. Ordering is deterministic:
// (subject, hash, slice, anchor, retrieved_at, id).
func (s *Store) QueryRaw(ctx context.Context, q RawQuery) ([]series.Snapshot, error) {
	if len(q.Members) == 0 {
		return []series.Snapshot{}, nil
	}
	if err := q.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}
	if q.Anchors != nil {
		if err := q.Anchors.Validate(); err != nil {
			return nil, fmt.Errorf("query raw: %w", err)
		}
	}

	var sb strings.Builder
	args := make([]any, 0, len(q.Members)*2+3)

	sb.WriteString(`
		SELECT id, subject_id, signature_hash, slice_key, anchor_day,
		       retrieved_at_ms, numerator, denominator, sample_size, run_token
		FROM snapshots
		WHERE (`)
	for i, ref := range q.Members {
		if i > 0 {
			sb.WriteString(" OR ")
		}
		sb.WriteString("(subject_id = ? AND signature_hash = ?)")
		args = append(args, ref.Subject, ref.Hash)
	}
	sb.WriteString(")")

	if !q.NotAfter.IsZero() {
		sb.WriteString(" AND retrieved_at_ms <= ?")
		args = append(args, toMillis(q.NotAfter))
	}
	if q.Anchors != nil {
		sb.WriteString(" AND anchor_day >= ? AND anchor_day <= ?")
		args = append(args, string(q.Anchors.From), string(q.Anchors.To))
	}

	sb.WriteString(`
		ORDER BY subject_id COLLATE BINARY ASC,
		         signature_hash COLLATE BINARY ASC,
		         slice_key COLLATE BINARY ASC,
		         anchor_day ASC,
		         retrieved_at_ms ASC,
		         id ASC`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}
	defer rows.Close()

	snapshots := []series.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		// Slice predicates match against structured keys here; the SQL side
		// only narrows by member, time, and anchor range.
		if !q.Filter.Matches(snap.Slice) {
			continue
		}
		snapshots = append(snapshots, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}

	return snapshots, nil
}

// scanSnapshot decodes one row. The slice column holds the canonical
// encoding; it is parsed into a tagged SliceKey exactly once, here.
func scanSnapshot(rows *sql.Rows) (series.Snapshot, error) {
	var (
		snap        series.Snapshot
		sliceKey    string
		anchor      string
		retrievedMs int64
	)
	if err := rows.Scan(
		&snap.ID,
		&snap.Subject,
		&snap.Hash,
		&sliceKey,
		&anchor,
		&retrievedMs,
		&snap.Numerator,
		&snap.Denominator,
		&snap.SampleSize,
		&snap.RunToken,
	); err != nil {
		return series.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	parsed, err := series.ParseSliceKey(sliceKey)
	if err != nil {
		return series.Snapshot{}, fmt.Errorf("scan snapshot id %d: %w", snap.ID, err)
	}
	snap.Slice = parsed
	snap.Anchor = series.Day(anchor)
	snap.RetrievedAt = fromMillis(retrievedMs)
	return snap, nil
}
