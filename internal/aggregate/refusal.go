package aggregate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fieldline/strata/internal/series"
)

// RefusalCode classifies why a day could not be summed.
type RefusalCode string

const (
	// RefuseIncompletePartition: enumerated values (or a required
	// catch-all bucket) are missing, or a value appears twice.
	RefuseIncompletePartition RefusalCode = "incomplete_partition"
	// RefuseEpochMismatch: the day's rows were retrieved under different
	// definition versions.
	RefuseEpochMismatch RefusalCode = "epoch_mismatch"
	// RefuseMultipleDimensions: the rows are not a clean single-dimension
	// partition (extra varying dimensions, inconsistent dimension sets,
	// or mixed aggregation modes).
	RefuseMultipleDimensions RefusalCode = "multiple_dimensions"
	// RefuseNoDefinition: no partition definition was in force at a
	// contributing row's retrieval instant.
	RefuseNoDefinition RefusalCode = "no_definition"
	// RefuseUnknownValue: an observed value is outside the definition and
	// is not the catch-all bucket.
	RefuseUnknownValue RefusalCode = "unknown_value"
	// RefuseNoVaryingDimension: the rows carry no partition structure to
	// aggregate over.
	RefuseNoVaryingDimension RefusalCode = "no_varying_dimension"
)

// Refusal is one unsummable day with its reason. Refusals are data, not
// errors: a caller that can live with gaps reads Days and skips these.
type Refusal struct {
	Anchor series.Day  `json:"anchor"`
	Code   RefusalCode `json:"code"`
	Detail string      `json:"detail"`
}

func (r Refusal) String() string {
	return fmt.Sprintf("%s %s: %s", r.Anchor, r.Code, r.Detail)
}

// IncompleteContextPartitionError flattens a result's refusals into one
// error for callers that demand every day or nothing.
type IncompleteContextPartitionError struct {
	Refusals []Refusal
}

func (e *IncompleteContextPartitionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d day(s) refused", len(e.Refusals))
	for _, r := range e.Refusals {
		b.WriteString("; ")
		b.WriteString(r.String())
	}
	return b.String()
}

// IsIncompletePartition reports whether err carries refusals.
// Uses errors.As to handle wrapped errors.
func IsIncompletePartition(err error) bool {
	var target *IncompleteContextPartitionError
	return errors.As(err, &target)
}
