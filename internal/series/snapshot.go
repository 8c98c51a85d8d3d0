package series

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Snapshot is one append-only fact row: the statistics observed for one
// (subject, signature, slice, anchor day) at one retrieval instant. Rows are
// immutable values; a newer observation is a new row with a later
// RetrievedAt, never an update.
type Snapshot struct {
	ID          int64     `json:"id,omitempty"`
	Subject     string    `json:"subject"`
	Hash        string    `json:"hash"`
	Slice       SliceKey  `json:"-"`
	Anchor      Day       `json:"anchor"`
	RetrievedAt time.Time `json:"retrieved_at"`
	Numerator   float64   `json:"numerator"`
	Denominator float64   `json:"denominator"`
	SampleSize  int64     `json:"sample_size"`
	// RunToken ties the row to the retrieval run that wrote it. Provenance
	// only: it is not part of the natural key or the content fingerprint.
	RunToken string `json:"run_token,omitempty"`
}

// Rate returns the derived ratio. ok is false when the denominator is zero;
// callers must not treat that as 0.
func (s Snapshot) Rate() (float64, bool) {
	if s.Denominator == 0 {
		return 0, false
	}
	return s.Numerator / s.Denominator, true
}

// Ref returns the row's (subject, hash) pair.
func (s Snapshot) Ref() Ref {
	return Ref{Subject: s.Subject, Hash: s.Hash}
}

// Validate checks the fields every writer must supply.
func (s Snapshot) Validate() error {
	if s.Subject == "" {
		return fmt.Errorf("snapshot has empty subject")
	}
	if !ValidHash(s.Hash) {
		return fmt.Errorf("snapshot has malformed signature hash %q", s.Hash)
	}
	if err := s.Slice.Validate(); err != nil {
		return fmt.Errorf("snapshot slice: %w", err)
	}
	if err := s.Anchor.Validate(); err != nil {
		return fmt.Errorf("snapshot anchor: %w", err)
	}
	if s.RetrievedAt.IsZero() {
		return fmt.Errorf("snapshot has zero retrieved_at")
	}
	if s.SampleSize < 0 {
		return fmt.Errorf("snapshot has negative sample size %d", s.SampleSize)
	}
	return nil
}

// Ref is a (subject, signature hash) pair: the unit equivalence links join
// and closures enumerate.
type Ref struct {
	Subject string `json:"subject"`
	Hash    string `json:"hash"`
}

func (r Ref) String() string {
	hash := r.Hash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	return r.Subject + "/" + hash
}

// CompareRefs orders refs by (Subject, Hash) for deterministic output.
func CompareRefs(a, b Ref) int {
	if c := strings.Compare(a.Subject, b.Subject); c != 0 {
		return c
	}
	return strings.Compare(a.Hash, b.Hash)
}

// Fingerprint condenses every content field of a row into one hash: subject,
// signature hash, slice, anchor day, and the measured statistics. The
// retrieval timestamp and run token are deliberately excluded. Two rows with
// equal fingerprints observed the same fact; the repair tool relies on this
// to tell redundant duplicates from real conflicts.
func Fingerprint(s Snapshot) string {
	obj := MapValue{
		"subject":     StringValue(s.Subject),
		"hash":        StringValue(s.Hash),
		"slice":       StringValue(s.Slice.String()),
		"anchor":      StringValue(string(s.Anchor)),
		"numerator":   StringValue(formatStat(s.Numerator)),
		"denominator": StringValue(formatStat(s.Denominator)),
		"sample_size": IntValue(s.SampleSize),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		// Every field above is a string or an int; canonical marshaling of
		// those cannot fail.
		panic(fmt.Sprintf("fingerprint marshal: %v", err))
	}
	return hashWithDomain(domainSnapshot, canonical)
}

// formatStat renders a float with the shortest representation that
// round-trips, so equal values always fingerprint identically. Statistics
// stay out of canonical JSON, which forbids floats outright.
func formatStat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
