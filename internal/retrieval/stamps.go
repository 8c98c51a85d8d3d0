package retrieval

import (
	"time"

	"github.com/fieldline/strata/internal/series"
)

// SliceFetch records one slice fetch issued for an identity: exactly what a
// whole-group retry must re-request.
type SliceFetch struct {
	Slice  series.SliceKey
	Window series.Window
}

// BatchStamps assigns each identity one retrieved_at per run. The first
// fetch for an identity mints its stamp; every sibling slice of that
// identity, wherever it recurs in the plan, reuses it. Invalidation after a
// rate limit discards the stamp so the retried group carries a fresh,
// strictly later one.
//
// A BatchStamps belongs to a single run and is not safe for concurrent use.
type BatchStamps struct {
	now     func() time.Time
	last    time.Time
	stamps  map[series.Identity]time.Time
	bypass  map[series.Identity]bool
	written map[series.Identity]int
	history map[series.Identity][]SliceFetch
	seen    map[series.Identity]map[string]bool
}

func NewBatchStamps(now func() time.Time) *BatchStamps {
	return &BatchStamps{
		now:     now,
		stamps:  make(map[series.Identity]time.Time),
		bypass:  make(map[series.Identity]bool),
		written: make(map[series.Identity]int),
		history: make(map[series.Identity][]SliceFetch),
		seen:    make(map[series.Identity]map[string]bool),
	}
}

// StampFor returns the identity's stamp for this run, minting one on first
// use. Minted stamps are strictly monotonic within the run even under a
// frozen clock: a mint that would not advance past the previous one is
// bumped by a millisecond, so a retried group always outranks the rows it
// replaces.
func (b *BatchStamps) StampFor(id series.Identity) time.Time {
	if t, ok := b.stamps[id]; ok {
		return t
	}
	t := b.now().UTC()
	if !t.After(b.last) {
		t = b.last.Add(time.Millisecond)
	}
	b.last = t
	b.stamps[id] = t
	return t
}

// Invalidate discards the identity's stamp, resets its written count, and
// marks it for provider cache bypass. The next StampFor mints fresh.
func (b *BatchStamps) Invalidate(id series.Identity) {
	delete(b.stamps, id)
	delete(b.written, id)
	b.bypass[id] = true
}

// Bypass reports whether the identity's next fetches must skip the
// provider's result cache.
func (b *BatchStamps) Bypass(id series.Identity) bool {
	return b.bypass[id]
}

// ClearBypass resets the bypass mark after a successful group retry.
func (b *BatchStamps) ClearBypass(id series.Identity) {
	delete(b.bypass, id)
}

// Record adds a slice fetch to the identity's group history. Recurrences of
// the same slice and window collapse to one history entry, so a group retry
// fetches each distinct request exactly once.
func (b *BatchStamps) Record(id series.Identity, slice series.SliceKey, window series.Window) {
	key := slice.String() + "@" + window.String()
	if b.seen[id] == nil {
		b.seen[id] = make(map[string]bool)
	}
	if b.seen[id][key] {
		return
	}
	b.seen[id][key] = true
	b.history[id] = append(b.history[id], SliceFetch{Slice: slice, Window: window})
}

// History returns the identity's accumulated slice fetches, in first-seen
// order.
func (b *BatchStamps) History(id series.Identity) []SliceFetch {
	return b.history[id]
}

// NoteWritten counts rows appended for the identity under its current
// stamp.
func (b *BatchStamps) NoteWritten(id series.Identity, n int) {
	b.written[id] += n
}

// Written reports how many rows the identity's current stamp covers.
func (b *BatchStamps) Written(id series.Identity) int {
	return b.written[id]
}
