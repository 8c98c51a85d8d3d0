package definition

import (
	"context"
	"fmt"
	"sort"
)

// StaticArchive is an in-memory Archive: the full version history of every
// definition, validated once at construction. It backs both the CUE loader
// (LoadDir) and programmatic construction in tests and the harness.
type StaticArchive struct {
	byID map[string][]Definition // ascending by version
}

// NewStaticArchive builds an archive from a flat list of definition
// versions. The list is grouped by ID; each ID's history must pass
// validateHistory (strictly increasing versions, non-decreasing effective
// times, stable dimension).
func NewStaticArchive(defs []Definition) (*StaticArchive, error) {
	byID := make(map[string][]Definition)
	for _, d := range defs {
		byID[d.ID] = append(byID[d.ID], d)
	}
	for id, versions := range byID {
		if err := validateHistory(id, versions); err != nil {
			return nil, err
		}
		sort.Slice(versions, func(i, j int) bool {
			return versions[i].Version < versions[j].Version
		})
		byID[id] = versions
	}
	return &StaticArchive{byID: byID}, nil
}

// IDs returns the known definition ids, sorted.
func (a *StaticArchive) IDs() []string {
	ids := make([]string, 0, len(a.byID))
	for id := range a.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Versions implements Archive.
func (a *StaticArchive) Versions(_ context.Context, id string) ([]VersionStamp, error) {
	versions, ok := a.byID[id]
	if !ok {
		return nil, fmt.Errorf("definition %q: %w", id, ErrNoDefinition)
	}
	stamps := make([]VersionStamp, len(versions))
	for i, d := range versions {
		stamps[i] = VersionStamp{Version: d.Version, EffectiveAt: d.EffectiveAt}
	}
	return stamps, nil
}

// Definition implements Archive.
func (a *StaticArchive) Definition(_ context.Context, id string, version int) (Definition, error) {
	for _, d := range a.byID[id] {
		if d.Version == version {
			return d, nil
		}
	}
	return Definition{}, fmt.Errorf("definition %q v%d: %w", id, version, ErrNoDefinition)
}

var _ Archive = (*StaticArchive)(nil)
