package definition

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// cacheKey identifies one resolved version. Caching by (id, version) rather
// than (id, timestamp) means every as-of instant inside one epoch shares a
// single cache entry.
type cacheKey struct {
	id      string
	version int
}

// Resolver answers "which definition was in force at instant T" against an
// Archive, with an in-memory cache of resolved versions. Safe for
// concurrent use.
type Resolver struct {
	archive Archive

	mu    sync.Mutex
	cache map[cacheKey]Definition
}

// NewResolver wraps an archive.
func NewResolver(archive Archive) *Resolver {
	return &Resolver{
		archive: archive,
		cache:   make(map[cacheKey]Definition),
	}
}

// AsOf returns the definition version in force at the given instant: the
// latest version whose EffectiveAt is not after at. Fail-closed: an unknown
// id, or an instant before the first version, returns ErrNoDefinition.
func (r *Resolver) AsOf(ctx context.Context, id string, at time.Time) (Definition, error) {
	if id == "" {
		return Definition{}, fmt.Errorf("resolve definition: empty id")
	}
	if at.IsZero() {
		return Definition{}, fmt.Errorf("resolve definition %q: zero timestamp", id)
	}

	stamps, err := r.archive.Versions(ctx, id)
	if err != nil {
		return Definition{}, fmt.Errorf("resolve definition %q: %w", id, err)
	}

	// Stamps are ascending by version with non-decreasing effective times;
	// the last one not after the instant wins.
	version := 0
	for _, stamp := range stamps {
		if stamp.EffectiveAt.After(at) {
			break
		}
		version = stamp.Version
	}
	if version == 0 {
		return Definition{}, fmt.Errorf("resolve definition %q as of %s: %w",
			id, at.UTC().Format(time.RFC3339), ErrNoDefinition)
	}

	key := cacheKey{id: id, version: version}
	r.mu.Lock()
	cached, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	def, err := r.archive.Definition(ctx, id, version)
	if err != nil {
		return Definition{}, fmt.Errorf("resolve definition %q v%d: %w", id, version, err)
	}

	r.mu.Lock()
	r.cache[key] = def
	r.mu.Unlock()
	return def, nil
}

// CacheSize reports the number of cached versions. Diagnostic.
func (r *Resolver) CacheSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cache)
}
