package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fieldline/strata/internal/series"
)

// ErrLinkNotFound is returned when a link ID does not exist.
var ErrLinkNotFound = errors.New("equivalence link not found")

// Link is a directed equivalence assertion: the seed pair and the target
// pair name the same underlying data. Direction records who asserted what;
// closure resolution ignores it.
type Link struct {
	ID        int64
	Seed      series.Ref
	Target    series.Ref
	Active    bool
	CreatedAt time.Time
}

// Validate checks both endpoints.
func (l Link) Validate() error {
	if l.Seed.Subject == "" || l.Target.Subject == "" {
		return fmt.Errorf("link has empty subject")
	}
	if !series.ValidHash(l.Seed.Hash) {
		return fmt.Errorf("link seed has malformed hash %q", l.Seed.Hash)
	}
	if !series.ValidHash(l.Target.Hash) {
		return fmt.Errorf("link target has malformed hash %q", l.Target.Hash)
	}
	if l.Seed == l.Target {
		return fmt.Errorf("link from %s to itself", l.Seed)
	}
	return nil
}

// CreateLink inserts an equivalence link. Returns the link ID and whether a
// new row was inserted.
//
// Idempotent on (seed, target): re-creating an existing link returns the
// existing ID with inserted=false. Re-creating a DEACTIVATED link
// reactivates it - an operator asserting the equivalence again means the
// edge should hold again.
func (s *Store) CreateLink(ctx context.Context, link Link) (id int64, inserted bool, err error) {
	if err := link.Validate(); err != nil {
		return 0, false, fmt.Errorf("create link: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("create link: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO equivalence_links
		(seed_subject, seed_hash, target_subject, target_hash, active, created_at_ms)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(seed_subject, seed_hash, target_subject, target_hash) DO NOTHING
	`,
		link.Seed.Subject,
		link.Seed.Hash,
		link.Target.Subject,
		link.Target.Hash,
		toMillis(time.Now()),
	)
	if err != nil {
		return 0, false, fmt.Errorf("create link: insert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("create link: rows affected: %w", err)
	}

	if rowsAffected > 0 {
		id, err = result.LastInsertId()
		if err != nil {
			return 0, false, fmt.Errorf("create link: last insert id: %w", err)
		}
		inserted = true
	} else {
		var active bool
		err = tx.QueryRowContext(ctx, `
			SELECT id, active FROM equivalence_links
			WHERE seed_subject = ? AND seed_hash = ? AND target_subject = ? AND target_hash = ?
		`, link.Seed.Subject, link.Seed.Hash, link.Target.Subject, link.Target.Hash).
			Scan(&id, &active)
		if err != nil {
			return 0, false, fmt.Errorf("create link: select existing: %w", err)
		}
		if !active {
			if _, err := tx.ExecContext(ctx,
				`UPDATE equivalence_links SET active = 1 WHERE id = ?`, id); err != nil {
				return 0, false, fmt.Errorf("create link: reactivate: %w", err)
			}
		}
		inserted = false
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("create link: commit: %w", err)
	}

	return id, inserted, nil
}

// DeactivateLink flips a link's active flag off. The edge disappears from
// future closures; nothing already returned is rewritten.
func (s *Store) DeactivateLink(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE equivalence_links SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deactivate link %d: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("deactivate link %d: rows affected: %w", id, err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("deactivate link %d: %w", id, ErrLinkNotFound)
	}
	return nil
}

// Links returns every link, active or not, ordered by ID.
func (s *Store) Links(ctx context.Context) ([]Link, error) {
	return s.queryLinks(ctx, `
		SELECT id, seed_subject, seed_hash, target_subject, target_hash, active, created_at_ms
		FROM equivalence_links
		ORDER BY id ASC`)
}

// LinksFor returns every link touching ref on either side, ordered by ID.
func (s *Store) LinksFor(ctx context.Context, ref series.Ref) ([]Link, error) {
	return s.queryLinks(ctx, `
		SELECT id, seed_subject, seed_hash, target_subject, target_hash, active, created_at_ms
		FROM equivalence_links
		WHERE (seed_subject = ? AND seed_hash = ?) OR (target_subject = ? AND target_hash = ?)
		ORDER BY id ASC`,
		ref.Subject, ref.Hash, ref.Subject, ref.Hash)
}

func (s *Store) queryLinks(ctx context.Context, q string, args ...any) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	links := []Link{}
	for rows.Next() {
		var (
			link      Link
			createdMs int64
		)
		if err := rows.Scan(
			&link.ID,
			&link.Seed.Subject,
			&link.Seed.Hash,
			&link.Target.Subject,
			&link.Target.Hash,
			&link.Active,
			&createdMs,
		); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		link.CreatedAt = fromMillis(createdMs)
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// ResolveClosure returns the complete set of (subject, hash) pairs reachable
// from seed over ACTIVE links, walked as undirected edges. The seed is
// always a member, even with no links at all. Cycles terminate via the
// visited set. Results are sorted by (subject, hash).
func (s *Store) ResolveClosure(ctx context.Context, seed series.Ref) ([]series.Ref, error) {
	visited := map[series.Ref]bool{seed: true}
	worklist := []series.Ref{seed}

	for len(worklist) > 0 {
		current := worklist[0]
		worklist = worklist[1:]

		neighbors, err := s.linkNeighbors(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, next := range neighbors {
			if !visited[next] {
				visited[next] = true
				worklist = append(worklist, next)
			}
		}
	}

	members := make([]series.Ref, 0, len(visited))
	for ref := range visited {
		members = append(members, ref)
	}
	slices.SortFunc(members, series.CompareRefs)
	return members, nil
}

// linkNeighbors returns the pairs adjacent to ref over active links, in
// either direction.
func (s *Store) linkNeighbors(ctx context.Context, ref series.Ref) ([]series.Ref, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT target_subject, target_hash FROM equivalence_links
		WHERE active = 1 AND seed_subject = ? AND seed_hash = ?
		UNION
		SELECT seed_subject, seed_hash FROM equivalence_links
		WHERE active = 1 AND target_subject = ? AND target_hash = ?
		ORDER BY 1 ASC, 2 ASC
	`, ref.Subject, ref.Hash, ref.Subject, ref.Hash)
	if err != nil {
		return nil, fmt.Errorf("link neighbors of %s: %w", ref, err)
	}
	defer rows.Close()

	neighbors := []series.Ref{}
	for rows.Next() {
		var next series.Ref
		if err := rows.Scan(&next.Subject, &next.Hash); err != nil {
			return nil, fmt.Errorf("scan link neighbor: %w", err)
		}
		neighbors = append(neighbors, next)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate link neighbors: %w", err)
	}
	return neighbors, nil
}
