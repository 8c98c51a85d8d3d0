// Package query defines the slice-filter predicate tree used by read
// operations. Filters apply to slice coordinates only; subject scoping
// always goes through explicit closure members, never a predicate.
//
// Predicates are a sealed interface: only types in this package implement
// it, which keeps type switches exhaustive. Filters are matched against
// structured SliceKeys in memory. Slice coordinates are persisted as one
// canonical text column, so pushing dimension predicates into SQL would
// mean pattern-matching an encoded string, which is exactly the re-parsing
// the slice model exists to avoid; the store narrows by subject, hash, and
// time in SQL and leaves slice predicates here.
package query

import (
	"fmt"
	"strings"

	"github.com/fieldline/strata/internal/series"
)

// Predicate is a sealed filter condition over a slice's coordinates.
//
// Predicate types:
//   - ModeIs: the slice's aggregation mode equals a value
//   - DimEquals: a context dimension has a specific value
//   - HasDim: a context dimension is present with any value
//   - FamilyIs: the slice's family (mode + dimension names) matches
//   - And: all child predicates hold
type Predicate interface {
	predicateNode() // sealed
}

// ModeIs filters by aggregation mode.
type ModeIs struct {
	Mode series.Mode
}

func (ModeIs) predicateNode() {}

// DimEquals filters by one dimension's value.
type DimEquals struct {
	Name  string
	Value string
}

func (DimEquals) predicateNode() {}

// HasDim filters slices that carry the named dimension at all.
type HasDim struct {
	Name string
}

func (HasDim) predicateNode() {}

// FamilyIs filters by exact slice family.
type FamilyIs struct {
	Family series.Family
}

func (FamilyIs) predicateNode() {}

// And requires every child predicate to hold.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Filter wraps a predicate tree. A nil *Filter matches everything.
type Filter struct {
	Root Predicate
}

// Validate walks the tree and rejects malformed predicates.
func (f *Filter) Validate() error {
	if f == nil || f.Root == nil {
		return nil
	}
	return validatePredicate(f.Root)
}

func validatePredicate(p Predicate) error {
	switch pred := p.(type) {
	case ModeIs:
		if !pred.Mode.Valid() {
			return fmt.Errorf("filter: unknown mode %q", pred.Mode)
		}
	case DimEquals:
		if pred.Name == "" {
			return fmt.Errorf("filter: empty dimension name")
		}
		if pred.Value == "" {
			return fmt.Errorf("filter: empty value for dimension %q", pred.Name)
		}
	case HasDim:
		if pred.Name == "" {
			return fmt.Errorf("filter: empty dimension name")
		}
	case FamilyIs:
		if !pred.Family.Mode().Valid() {
			return fmt.Errorf("filter: family with unknown mode %q", pred.Family.Mode())
		}
	case And:
		if len(pred.Predicates) == 0 {
			return fmt.Errorf("filter: empty And")
		}
		for i, child := range pred.Predicates {
			if child == nil {
				return fmt.Errorf("filter: And[%d] is nil", i)
			}
			if err := validatePredicate(child); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("filter: unknown predicate type %T", p)
	}
	return nil
}

// Matches evaluates the filter against a slice. A nil filter matches.
func (f *Filter) Matches(key series.SliceKey) bool {
	if f == nil || f.Root == nil {
		return true
	}
	return matchPredicate(f.Root, key)
}

func matchPredicate(p Predicate, key series.SliceKey) bool {
	switch pred := p.(type) {
	case ModeIs:
		return key.Mode == pred.Mode
	case DimEquals:
		return key.Dims[pred.Name] == pred.Value
	case HasDim:
		_, ok := key.Dims[pred.Name]
		return ok
	case FamilyIs:
		return key.Family() == pred.Family
	case And:
		for _, child := range pred.Predicates {
			if !matchPredicate(child, key) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Parse builds a filter from CLI-style tokens. Each token is either
// "mode=<mode>" or "<dimension>=<value>"; multiple tokens AND together.
// An empty token list yields a nil filter.
func Parse(tokens []string) (*Filter, error) {
	if len(tokens) == 0 {
		return nil, nil
	}

	preds := make([]Predicate, 0, len(tokens))
	for _, token := range tokens {
		name, value, ok := strings.Cut(token, "=")
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("filter token %q is not name=value", token)
		}
		if name == "mode" {
			mode, err := series.ParseMode(value)
			if err != nil {
				return nil, err
			}
			preds = append(preds, ModeIs{Mode: mode})
			continue
		}
		preds = append(preds, DimEquals{Name: name, Value: value})
	}

	var root Predicate
	if len(preds) == 1 {
		root = preds[0]
	} else {
		root = And{Predicates: preds}
	}

	f := &Filter{Root: root}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}
