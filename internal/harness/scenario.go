package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario is one end-to-end test: seeded state, an optional retrieval
// plan, reads, and assertions over the results.
type Scenario struct {
	// Name uniquely identifies the scenario. Golden files are stored
	// under testdata/golden/<name>.golden.
	Name string `yaml:"name"`

	// Description explains what the scenario demonstrates.
	Description string `yaml:"description,omitempty"`

	// Golden additionally compares the trace against the golden file when
	// the scenario runs through RunDir. Only scenarios whose trace is
	// hand-derivable should set it.
	Golden bool `yaml:"golden,omitempty"`

	// Store seeds snapshot rows and equivalence links before any phase
	// runs.
	Store StoreSeed `yaml:"store,omitempty"`

	// Definitions declares partition definition histories, keyed by
	// definition id.
	Definitions map[string]DefinitionSeed `yaml:"definitions,omitempty"`

	// Plan optionally runs a retrieval plan against a scripted provider
	// before the reads.
	Plan *PlanPhase `yaml:"plan,omitempty"`

	// Reads are executed in order after seeding and the plan phase.
	Reads []ReadStep `yaml:"reads,omitempty"`

	// Assertions validate the read results and the run outcome.
	Assertions []Assertion `yaml:"assertions"`
}

// StoreSeed is pre-existing store state.
type StoreSeed struct {
	Snapshots []SnapshotSeed `yaml:"snapshots,omitempty"`
	Links     []LinkSeed     `yaml:"links,omitempty"`
}

// SnapshotSeed is one row to append before the scenario runs. Either Hash
// (64 hex chars) or Signature (inputs hashed under the default policy) names
// the series.
type SnapshotSeed struct {
	Subject     string         `yaml:"subject"`
	Hash        string         `yaml:"hash,omitempty"`
	Signature   map[string]any `yaml:"signature,omitempty"`
	Slice       string         `yaml:"slice"`
	Anchor      string         `yaml:"anchor"`
	RetrievedAt string         `yaml:"retrieved_at"`
	Numerator   float64        `yaml:"numerator"`
	Denominator float64        `yaml:"denominator"`
	SampleSize  int64          `yaml:"sample_size"`
	RunToken    string         `yaml:"run_token,omitempty"`
}

// LinkSeed is one equivalence link.
type LinkSeed struct {
	SeedSubject   string `yaml:"seed_subject"`
	SeedHash      string `yaml:"seed_hash"`
	TargetSubject string `yaml:"target_subject"`
	TargetHash    string `yaml:"target_hash"`
}

// DefinitionSeed is one definition's version history.
type DefinitionSeed struct {
	Dimension string        `yaml:"dimension"`
	Versions  []VersionSeed `yaml:"versions"`
}

// VersionSeed is one definition version.
type VersionSeed struct {
	Version   int           `yaml:"version"`
	Effective string        `yaml:"effective"`
	Values    []string      `yaml:"values"`
	CatchAll  *CatchAllSeed `yaml:"catch_all,omitempty"`
}

// CatchAllSeed is the catch-all bucket policy of one version.
type CatchAllSeed struct {
	Required bool   `yaml:"required"`
	Bucket   string `yaml:"bucket"`
}

// PlanPhase drives the retrieval orchestrator against a scripted provider.
type PlanPhase struct {
	Entries  []PlanEntrySeed `yaml:"entries"`
	Provider ProviderSeed    `yaml:"provider"`
	// Clock controls the orchestrator's time source. Defaults to a clock
	// frozen at 2024-03-15T09:00:00Z.
	Clock *ClockSeed `yaml:"clock,omitempty"`
}

// PlanEntrySeed is one batch: a subject, a signature, and the slices to
// fetch under it.
type PlanEntrySeed struct {
	Subject   string          `yaml:"subject"`
	Mode      string          `yaml:"mode"`
	Signature SignatureSeed   `yaml:"signature"`
	Slices    []PlanSliceSeed `yaml:"slices"`
}

// SignatureSeed mirrors the plan file signature block.
type SignatureSeed struct {
	Inputs   map[string]any `yaml:"inputs"`
	Volatile map[string]any `yaml:"volatile,omitempty"`
}

// PlanSliceSeed is one slice request.
type PlanSliceSeed struct {
	Dims   map[string]string `yaml:"dims,omitempty"`
	Window WindowSeed        `yaml:"window"`
}

// WindowSeed is an inclusive day range.
type WindowSeed struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// ClockSeed configures the deterministic clock of the plan phase.
type ClockSeed struct {
	Start string `yaml:"start"`
	// Step advances the clock per reading. Empty means frozen.
	Step string `yaml:"step,omitempty"`
}

// ProviderSeed scripts the fixture provider.
type ProviderSeed struct {
	Responses  []ResponseSeed `yaml:"responses,omitempty"`
	RateLimits []LimitSeed    `yaml:"rate_limits,omitempty"`
}

// ResponseSeed scripts the points served for one (subject, slice).
type ResponseSeed struct {
	Subject string      `yaml:"subject"`
	Slice   string      `yaml:"slice"`
	Points  []PointSeed `yaml:"points"`
}

// PointSeed is one served day.
type PointSeed struct {
	Anchor      string  `yaml:"anchor"`
	Numerator   float64 `yaml:"numerator"`
	Denominator float64 `yaml:"denominator"`
	SampleSize  int64   `yaml:"sample_size"`
}

// LimitSeed scripts rate limit rejections for one (subject, slice).
type LimitSeed struct {
	Subject    string `yaml:"subject"`
	Slice      string `yaml:"slice"`
	Times      int    `yaml:"times,omitempty"`
	RetryAfter string `yaml:"retry_after,omitempty"`
}

// ReadStep is one read. Exactly one of the fields is set.
type ReadStep struct {
	Resolve   *ResolveRead   `yaml:"resolve,omitempty"`
	Raw       *RawRead       `yaml:"raw,omitempty"`
	Aggregate *AggregateRead `yaml:"aggregate,omitempty"`
}

// Kind names the read for traces and assertion validation.
func (s ReadStep) Kind() string {
	switch {
	case s.Resolve != nil:
		return "resolve"
	case s.Raw != nil:
		return "raw"
	case s.Aggregate != nil:
		return "aggregate"
	default:
		return ""
	}
}

// ResolveRead is a virtual latest read.
type ResolveRead struct {
	Subject   string         `yaml:"subject"`
	Hash      string         `yaml:"hash,omitempty"`
	Signature map[string]any `yaml:"signature,omitempty"`
	AsOf      string         `yaml:"as_of,omitempty"`
	Slice     []string       `yaml:"slice,omitempty"`
	Mode      string         `yaml:"mode,omitempty"`
	NoExpand  bool           `yaml:"no_expand,omitempty"`
}

// RawRead dumps physical rows.
type RawRead struct {
	Subject   string         `yaml:"subject"`
	Hash      string         `yaml:"hash,omitempty"`
	Signature map[string]any `yaml:"signature,omitempty"`
	AsOf      string         `yaml:"as_of,omitempty"`
	Slice     []string       `yaml:"slice,omitempty"`
	Mode      string         `yaml:"mode,omitempty"`
	From      string         `yaml:"from,omitempty"`
	To        string         `yaml:"to,omitempty"`
	NoExpand  bool           `yaml:"no_expand,omitempty"`
}

// AggregateRead resolves the latest view and sums it under a definition.
type AggregateRead struct {
	Subject      string         `yaml:"subject"`
	Hash         string         `yaml:"hash,omitempty"`
	Signature    map[string]any `yaml:"signature,omitempty"`
	AsOf         string         `yaml:"as_of,omitempty"`
	Slice        []string       `yaml:"slice,omitempty"`
	Mode         string         `yaml:"mode,omitempty"`
	DefinitionID string         `yaml:"definition_id,omitempty"`
	IgnoreExtra  bool           `yaml:"ignore_extra,omitempty"`
	NoExpand     bool           `yaml:"no_expand,omitempty"`
}

// Assertion validates one aspect of the results.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Read indexes into the scenario's reads. Defaults to 0.
	Read int `yaml:"read,omitempty"`

	// Count is the expected row count (row_count).
	Count int `yaml:"count,omitempty"`

	// Row holds expected field values, subset-matched against the read's
	// rows (rows_contain). Known fields: subject, hash, slice, anchor,
	// retrieved_at, numerator, denominator, sample_size, run_token.
	Row map[string]any `yaml:"row,omitempty"`

	// Stamp pins the shared retrieval stamp (stamp_shared, optional).
	Stamp string `yaml:"stamp,omitempty"`

	// Anchor names the day under test (day_total, refused).
	Anchor string `yaml:"anchor,omitempty"`

	// Expected day totals; nil fields are not checked (day_total).
	Numerator   *float64 `yaml:"numerator,omitempty"`
	Denominator *float64 `yaml:"denominator,omitempty"`
	SampleSize  *int64   `yaml:"sample_size,omitempty"`
	Slices      *int     `yaml:"slices,omitempty"`

	// Code is the expected refusal code (refused).
	Code string `yaml:"code,omitempty"`

	// Phase is "run" or "read" (error_is).
	Phase string `yaml:"phase,omitempty"`

	// Contains is the expected error substring (error_is).
	Contains string `yaml:"contains,omitempty"`
}

// Assertion type constants.
const (
	AssertRowCount    = "row_count"
	AssertRowsContain = "rows_contain"
	AssertStampShared = "stamp_shared"
	AssertDayTotal    = "day_total"
	AssertRefused     = "refused"
	AssertErrorIs     = "error_is"
)

// LoadScenario reads and parses a scenario YAML file.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("scenario %s: %w", path, err)
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Unknown fields are rejected so typos
// fail loudly instead of silently skipping a phase.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks structure. Domain conversion (hashes, days,
// instants) happens at run time with positional errors.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Plan == nil && len(s.Reads) == 0 {
		return fmt.Errorf("scenario needs a plan or at least one read")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Plan != nil && len(s.Plan.Entries) == 0 {
		return fmt.Errorf("plan has no entries")
	}

	for i, step := range s.Reads {
		if err := validateReadStep(i, step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, s, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateReadStep(index int, step ReadStep) error {
	set := 0
	if step.Resolve != nil {
		set++
	}
	if step.Raw != nil {
		set++
	}
	if step.Aggregate != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("reads[%d]: exactly one of resolve, raw, aggregate is required", index)
	}
	return nil
}

// validateAssertion checks per-type required fields and that the assertion
// targets a read of the right kind.
func validateAssertion(index int, s *Scenario, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needsRead := a.Type != AssertErrorIs || a.Phase == "read"
	if needsRead {
		if a.Read < 0 || a.Read >= len(s.Reads) {
			return fmt.Errorf("assertions[%d]: read %d is out of range (%d reads)", index, a.Read, len(s.Reads))
		}
	}

	kind := ""
	if needsRead {
		kind = s.Reads[a.Read].Kind()
	}

	switch a.Type {
	case AssertRowCount:
		if kind == "aggregate" {
			return fmt.Errorf("assertions[%d]: row_count targets a resolve or raw read", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertRowsContain:
		if kind == "aggregate" {
			return fmt.Errorf("assertions[%d]: rows_contain targets a resolve or raw read", index)
		}
		if len(a.Row) == 0 {
			return fmt.Errorf("assertions[%d]: row is required for rows_contain", index)
		}
	case AssertStampShared:
		if kind == "aggregate" {
			return fmt.Errorf("assertions[%d]: stamp_shared targets a resolve or raw read", index)
		}
	case AssertDayTotal:
		if kind != "aggregate" {
			return fmt.Errorf("assertions[%d]: day_total targets an aggregate read", index)
		}
		if a.Anchor == "" {
			return fmt.Errorf("assertions[%d]: anchor is required for day_total", index)
		}
	case AssertRefused:
		if kind != "aggregate" {
			return fmt.Errorf("assertions[%d]: refused targets an aggregate read", index)
		}
		if a.Anchor == "" || a.Code == "" {
			return fmt.Errorf("assertions[%d]: anchor and code are required for refused", index)
		}
	case AssertErrorIs:
		if a.Phase != "run" && a.Phase != "read" {
			return fmt.Errorf("assertions[%d]: phase must be \"run\" or \"read\" for error_is", index)
		}
		if a.Phase == "run" && s.Plan == nil {
			return fmt.Errorf("assertions[%d]: error_is on the run phase needs a plan", index)
		}
		if a.Contains == "" {
			return fmt.Errorf("assertions[%d]: contains is required for error_is", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
