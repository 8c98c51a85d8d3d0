// Package definition provides versioned context-partition definitions and
// their as-of resolution.
//
// A partition definition names one context dimension and enumerates the
// values that form a complete (MECE) partition of it. Definitions change
// over time; each change is a new version with an effective timestamp. The
// aggregator never asks "what is the definition now" - it asks "what was
// the definition in force when this row was retrieved", which is the AsOf
// operation here.
//
// The version history lives behind the Archive port so the resolver stays
// decoupled from any specific backend. StaticArchive (cue.go) is the
// file-backed implementation.
package definition

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ErrNoDefinition is returned when no definition version is in force at the
// requested instant. Resolution is fail-closed: there is no implicit empty
// definition, and callers must treat this as "cannot validate completeness".
var ErrNoDefinition = errors.New("no definition in force")

// CatchAllPolicy states whether a partition needs an implicit catch-all
// bucket to be complete, and which dimension value that bucket uses.
type CatchAllPolicy struct {
	// Required means the bucket must be present for the partition to count
	// as complete. When false the bucket is tolerated but not demanded.
	Required bool `json:"required"`
	// Bucket is the dimension value of the catch-all slice (e.g. "other").
	// Empty means the definition has no catch-all concept at all.
	Bucket string `json:"bucket,omitempty"`
}

// Definition is one version of a context-partition definition.
type Definition struct {
	// ID names the definition, conventionally the dimension name.
	ID string `json:"id"`
	// Dimension is the slice dimension this definition partitions.
	Dimension string `json:"dimension"`
	// Version is the monotonically increasing version number.
	Version int `json:"version"`
	// EffectiveAt is when this version came into force.
	EffectiveAt time.Time `json:"effective_at"`
	// Values enumerates the dimension values of a complete partition.
	Values []string `json:"values"`
	// CatchAll is the catch-all bucket policy.
	CatchAll CatchAllPolicy `json:"catch_all"`
}

// HasValue reports whether v is one of the enumerated partition values.
// The catch-all bucket is NOT an enumerated value; check CatchAll.Bucket
// separately.
func (d Definition) HasValue(v string) bool {
	for _, have := range d.Values {
		if have == v {
			return true
		}
	}
	return false
}

// Validate checks one version in isolation.
func (d Definition) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("definition has empty id")
	}
	if d.Dimension == "" {
		return fmt.Errorf("definition %q has empty dimension", d.ID)
	}
	if d.Version < 1 {
		return fmt.Errorf("definition %q has version %d, want >= 1", d.ID, d.Version)
	}
	if d.EffectiveAt.IsZero() {
		return fmt.Errorf("definition %q v%d has zero effective time", d.ID, d.Version)
	}
	if len(d.Values) == 0 {
		return fmt.Errorf("definition %q v%d enumerates no values", d.ID, d.Version)
	}
	seen := make(map[string]bool, len(d.Values))
	for _, v := range d.Values {
		if v == "" {
			return fmt.Errorf("definition %q v%d has an empty value", d.ID, d.Version)
		}
		if seen[v] {
			return fmt.Errorf("definition %q v%d lists value %q twice", d.ID, d.Version, v)
		}
		seen[v] = true
	}
	if d.CatchAll.Required && d.CatchAll.Bucket == "" {
		return fmt.Errorf("definition %q v%d requires a catch-all but names no bucket", d.ID, d.Version)
	}
	if d.CatchAll.Bucket != "" && seen[d.CatchAll.Bucket] {
		return fmt.Errorf("definition %q v%d catch-all bucket %q collides with an enumerated value",
			d.ID, d.Version, d.CatchAll.Bucket)
	}
	return nil
}

func (d Definition) String() string {
	return fmt.Sprintf("%s v%d (dimension %s: %s)", d.ID, d.Version, d.Dimension,
		strings.Join(d.Values, ","))
}

// VersionStamp is one entry of a definition's version history.
type VersionStamp struct {
	Version     int       `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
}

// Archive is the port to a version-controlled definition history. The
// resolver is the only caller; implementations must return version stamps
// in ascending version order. Implementations may be remote, hence the
// context.
type Archive interface {
	// Versions returns the full version history of a definition, ascending.
	// Unknown ids return ErrNoDefinition.
	Versions(ctx context.Context, id string) ([]VersionStamp, error)
	// Definition returns one specific version. Unknown (id, version) pairs
	// return ErrNoDefinition.
	Definition(ctx context.Context, id string, version int) (Definition, error)
}

// validateHistory checks the version sequence of one definition id:
// versions strictly increasing, effective times non-decreasing, dimension
// stable across versions.
func validateHistory(id string, versions []Definition) error {
	if len(versions) == 0 {
		return fmt.Errorf("definition %q has no versions", id)
	}
	sorted := make([]Definition, len(versions))
	copy(sorted, versions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	for i, d := range sorted {
		if d.ID != id {
			return fmt.Errorf("definition %q contains a version labeled %q", id, d.ID)
		}
		if err := d.Validate(); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := sorted[i-1]
		if d.Version == prev.Version {
			return fmt.Errorf("definition %q has duplicate version %d", id, d.Version)
		}
		if d.EffectiveAt.Before(prev.EffectiveAt) {
			return fmt.Errorf("definition %q v%d effective %s is earlier than v%d effective %s",
				id, d.Version, d.EffectiveAt.Format(time.RFC3339),
				prev.Version, prev.EffectiveAt.Format(time.RFC3339))
		}
		if d.Dimension != prev.Dimension {
			return fmt.Errorf("definition %q changes dimension from %q (v%d) to %q (v%d)",
				id, prev.Dimension, prev.Version, d.Dimension, d.Version)
		}
	}
	return nil
}
