// Package reader answers "what does this series look like as of T" without
// materializing anything. Physical rows are append-only retrieval
// generations; the reader overlays them into a virtual current state: per
// (anchor day, slice) the winning row is the one with the greatest retrieval
// instant not after the requested cutoff.
//
// Reads are closure-wide. The seed (subject, hash) pair is expanded over
// active equivalence links first, and every member's rows compete for the
// same cells, so relocated or renamed data keeps answering queries at its
// old coordinates.
package reader

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/query"
	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

// Reader performs virtual reads over a snapshot store. It never mutates.
type Reader struct {
	store *store.Store
}

// New creates a Reader over the given store.
func New(s *store.Store) *Reader {
	return &Reader{store: s}
}

// ResolveRequest asks for the virtual latest state of one series.
type ResolveRequest struct {
	// Seed is the (subject, hash) pair the caller knows.
	Seed series.Ref
	// AsOf hides retrieval generations after the cutoff. Zero means the
	// newest generation wins everywhere.
	AsOf time.Time
	// Filter restricts slice coordinates. Nil matches every slice.
	Filter *query.Filter
	// NoExpand disables equivalence-closure expansion; the zero value
	// expands, which is what interactive reads want.
	NoExpand bool
}

// ResolveResult is the virtual state plus its provenance.
type ResolveResult struct {
	// Rows holds exactly one winning row per populated (anchor, slice)
	// cell, sorted by (anchor, slice).
	Rows []series.Snapshot
	// Members is the closure the read spanned, sorted. Length 1 with
	// expansion disabled.
	Members []series.Ref
}

// ResolveLatest overlays every member's retrieval generations into the
// virtual latest state as of the cutoff.
//
// A row retrieved after AsOf is invisible even when it is the only row for
// its cell. When two members observed the same cell at the same instant, the
// smaller (subject, hash, id) wins, so reads are stable across processes.
func (r *Reader) ResolveLatest(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	if err := validateSeed(req.Seed); err != nil {
		return ResolveResult{}, fmt.Errorf("resolve latest: %w", err)
	}

	members, err := r.members(ctx, req.Seed, req.NoExpand)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve latest: %w", err)
	}

	rows, err := r.store.QueryRaw(ctx, store.RawQuery{
		Members:  members,
		Filter:   req.Filter,
		NotAfter: req.AsOf,
	})
	if err != nil {
		return ResolveResult{}, fmt.Errorf("resolve latest: %w", err)
	}

	type cell struct {
		anchor series.Day
		slice  string
	}
	winners := make(map[cell]series.Snapshot)
	for _, row := range rows {
		key := cell{anchor: row.Anchor, slice: row.Slice.String()}
		current, seen := winners[key]
		// Rows arrive ordered by (subject, hash, ..., id), so keeping the
		// incumbent on equal instants implements the documented tiebreak.
		if !seen || row.RetrievedAt.After(current.RetrievedAt) {
			winners[key] = row
		}
	}

	virtual := make([]series.Snapshot, 0, len(winners))
	for _, row := range winners {
		virtual = append(virtual, row)
	}
	slices.SortFunc(virtual, compareCells)

	slog.Debug("resolved latest",
		"seed", req.Seed.String(),
		"members", len(members),
		"physical_rows", len(rows),
		"virtual_rows", len(virtual))

	return ResolveResult{Rows: virtual, Members: members}, nil
}

// RawRequest asks for physical rows with no collapsing.
type RawRequest struct {
	Seed     series.Ref
	Filter   *query.Filter
	NotAfter time.Time
	Anchors  *series.Window
	NoExpand bool
}

// QueryRaw returns the exact physical rows: every retrieval generation, in
// deterministic store order. Diagnostic surface; virtual reads go through
// ResolveLatest.
func (r *Reader) QueryRaw(ctx context.Context, req RawRequest) ([]series.Snapshot, error) {
	if err := validateSeed(req.Seed); err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}

	members, err := r.members(ctx, req.Seed, req.NoExpand)
	if err != nil {
		return nil, fmt.Errorf("query raw: %w", err)
	}

	return r.store.QueryRaw(ctx, store.RawQuery{
		Members:  members,
		Filter:   req.Filter,
		NotAfter: req.NotAfter,
		Anchors:  req.Anchors,
	})
}

// members expands the seed over active links, or pins it alone.
func (r *Reader) members(ctx context.Context, seed series.Ref, noExpand bool) ([]series.Ref, error) {
	if noExpand {
		return []series.Ref{seed}, nil
	}
	return r.store.ResolveClosure(ctx, seed)
}

func validateSeed(seed series.Ref) error {
	if seed.Subject == "" {
		return fmt.Errorf("seed has empty subject")
	}
	if !series.ValidHash(seed.Hash) {
		return fmt.Errorf("seed has malformed hash %q", seed.Hash)
	}
	return nil
}

func compareCells(a, b series.Snapshot) int {
	if c := strings.Compare(string(a.Anchor), string(b.Anchor)); c != 0 {
		return c
	}
	return strings.Compare(a.Slice.String(), b.Slice.String())
}
