// Package aggregate collapses single-dimension partitioned slices into
// uncontexted totals per anchor day. A day is summed only when its rows
// provably form a mutually-exclusive, collectively-exhaustive partition
// under the definition version in force when the rows were retrieved;
// anything unprovable is refused with a reason. Refusing is a result, not
// an error: every input day yields exactly one DayTotal or one Refusal.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/definition"
	"github.com/fieldline/strata/internal/series"
)

// MultiDimensionPolicy decides what to do with rows carrying more context
// dimensions than the partition dimension.
type MultiDimensionPolicy int

const (
	// MultiRefuse rejects any row with more than the partition dimension.
	MultiRefuse MultiDimensionPolicy = iota
	// MultiIgnoreExtra tolerates extra dimensions when they are constant
	// across the day. A second varying dimension still refuses.
	MultiIgnoreExtra
)

// Request is one aggregation over already-collapsed rows. Callers feed it
// reader.ResolveLatest output; the aggregator itself never reads the store.
type Request struct {
	Rows []series.Snapshot
	// DefinitionID names the partition definition. Empty means the
	// definition is looked up under the inferred dimension name.
	DefinitionID string
	Multi        MultiDimensionPolicy
}

// DayTotal is one summed day.
type DayTotal struct {
	Anchor      series.Day `json:"anchor"`
	Numerator   float64    `json:"numerator"`
	Denominator float64    `json:"denominator"`
	SampleSize  int64      `json:"sample_size"`
	// Slices is the number of partition rows that contributed.
	Slices int `json:"slices"`
}

// Rate returns the derived ratio. ok is false when the denominator is zero.
func (t DayTotal) Rate() (float64, bool) {
	if t.Denominator == 0 {
		return 0, false
	}
	return t.Numerator / t.Denominator, true
}

// Result partitions the requested days into summed and refused. Both slices
// are sorted by anchor; a day appears in exactly one of them.
type Result struct {
	Days    []DayTotal `json:"days"`
	Refused []Refusal  `json:"refused,omitempty"`
}

// Err flattens refusals into one error for all-or-nothing callers. Nil when
// every day summed.
func (r Result) Err() error {
	if len(r.Refused) == 0 {
		return nil
	}
	return &IncompleteContextPartitionError{Refusals: r.Refused}
}

// Aggregator sums partitioned days against versioned definitions.
type Aggregator struct {
	defs *definition.Resolver
}

// New creates an Aggregator resolving definitions through defs.
func New(defs *definition.Resolver) *Aggregator {
	return &Aggregator{defs: defs}
}

// Aggregate processes every anchor day in req.Rows independently. The error
// return is for infrastructure failures only (definition archive down);
// unprovable days land in Result.Refused.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) (Result, error) {
	byAnchor := make(map[series.Day][]series.Snapshot)
	for _, row := range req.Rows {
		byAnchor[row.Anchor] = append(byAnchor[row.Anchor], row)
	}
	anchors := make([]series.Day, 0, len(byAnchor))
	for anchor := range byAnchor {
		anchors = append(anchors, anchor)
	}
	sort.Slice(anchors, func(i, j int) bool { return anchors[i] < anchors[j] })

	var result Result
	for _, anchor := range anchors {
		total, refusal, err := a.aggregateDay(ctx, anchor, byAnchor[anchor], req)
		if err != nil {
			return Result{}, err
		}
		if refusal != nil {
			slog.Debug("refused day", "anchor", anchor, "code", refusal.Code, "detail", refusal.Detail)
			result.Refused = append(result.Refused, *refusal)
			continue
		}
		slog.Debug("summed day", "anchor", anchor, "slices", total.Slices)
		result.Days = append(result.Days, *total)
	}
	return result, nil
}

// aggregateDay yields exactly one DayTotal or one Refusal for the day, or an
// infrastructure error.
func (a *Aggregator) aggregateDay(ctx context.Context, anchor series.Day, rows []series.Snapshot, req Request) (*DayTotal, *Refusal, error) {
	refuse := func(code RefusalCode, detail string) (*DayTotal, *Refusal, error) {
		return nil, &Refusal{Anchor: anchor, Code: code, Detail: detail}, nil
	}

	mode := rows[0].Slice.Mode
	for _, row := range rows[1:] {
		if row.Slice.Mode != mode {
			return refuse(RefuseMultipleDimensions,
				fmt.Sprintf("mixed aggregation modes %s and %s", mode, row.Slice.Mode))
		}
	}

	// The partition dimension comes from the named definition when given,
	// otherwise it is inferred from the rows themselves. Either way the
	// definition id defaults to the dimension name.
	defID := req.DefinitionID
	var target string
	if defID == "" {
		inferred, refusal := inferDimension(rows, req.Multi)
		if refusal != nil {
			refusal.Anchor = anchor
			return nil, refusal, nil
		}
		target = inferred
		defID = inferred
	}

	def, refusal, err := a.resolveEpoch(ctx, defID, rows)
	if err != nil {
		return nil, nil, fmt.Errorf("aggregate %s: %w", anchor, err)
	}
	if refusal != nil {
		refusal.Anchor = anchor
		return nil, refusal, nil
	}
	if target == "" {
		target = def.Dimension
	} else if target != def.Dimension {
		return refuse(RefuseMultipleDimensions,
			fmt.Sprintf("rows vary by %q but definition %s partitions %q", target, def.ID, def.Dimension))
	}

	if detail := structureProblem(rows, target, req.Multi); detail != "" {
		return refuse(RefuseMultipleDimensions, detail)
	}

	if code, detail := completenessProblem(def, rows, target); code != "" {
		return refuse(code, detail)
	}

	total := DayTotal{Anchor: anchor, Slices: len(rows)}
	for _, row := range rows {
		total.Numerator += row.Numerator
		total.Denominator += row.Denominator
		total.SampleSize += row.SampleSize
	}
	return &total, nil, nil
}

// inferDimension picks the partition dimension from the rows' own structure.
func inferDimension(rows []series.Snapshot, policy MultiDimensionPolicy) (string, *Refusal) {
	refuse := func(code RefusalCode, detail string) (string, *Refusal) {
		return "", &Refusal{Code: code, Detail: detail}
	}

	values := make(map[string]map[string]bool)
	firstSig := dimSignature(rows[0].Slice)
	for _, row := range rows {
		if dimSignature(row.Slice) != firstSig {
			return refuse(RefuseMultipleDimensions,
				fmt.Sprintf("inconsistent dimension sets {%s} and {%s}", firstSig, dimSignature(row.Slice)))
		}
		for name, value := range row.Slice.Dims {
			if values[name] == nil {
				values[name] = make(map[string]bool)
			}
			values[name][value] = true
		}
	}

	if len(values) == 0 {
		return refuse(RefuseNoVaryingDimension, "rows carry no context dimensions")
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	if len(names) == 1 {
		return names[0], nil
	}
	if policy == MultiRefuse {
		return refuse(RefuseMultipleDimensions,
			fmt.Sprintf("rows carry dimensions %s", strings.Join(names, ", ")))
	}

	varying := make([]string, 0, 1)
	for _, name := range names {
		if len(values[name]) > 1 {
			varying = append(varying, name)
		}
	}
	switch len(varying) {
	case 1:
		return varying[0], nil
	case 0:
		return refuse(RefuseNoVaryingDimension,
			fmt.Sprintf("no dimension varies among %s", strings.Join(names, ", ")))
	default:
		return refuse(RefuseMultipleDimensions,
			fmt.Sprintf("dimensions %s all vary", strings.Join(varying, ", ")))
	}
}

// resolveEpoch resolves the definition in force at each row's retrieval
// instant and demands a single version across the day.
func (a *Aggregator) resolveEpoch(ctx context.Context, id string, rows []series.Snapshot) (definition.Definition, *Refusal, error) {
	var (
		def      definition.Definition
		versions = make(map[int]bool)
	)
	for _, row := range rows {
		resolved, err := a.defs.AsOf(ctx, id, row.RetrievedAt)
		if err != nil {
			if errors.Is(err, definition.ErrNoDefinition) {
				return definition.Definition{}, &Refusal{
					Code: RefuseNoDefinition,
					Detail: fmt.Sprintf("no %q definition in force at %s",
						id, row.RetrievedAt.UTC().Format(time.RFC3339)),
				}, nil
			}
			return definition.Definition{}, nil, err
		}
		versions[resolved.Version] = true
		def = resolved
	}
	if len(versions) > 1 {
		list := make([]int, 0, len(versions))
		for v := range versions {
			list = append(list, v)
		}
		sort.Ints(list)
		parts := make([]string, len(list))
		for i, v := range list {
			parts[i] = fmt.Sprintf("v%d", v)
		}
		return definition.Definition{}, &Refusal{
			Code: RefuseEpochMismatch,
			Detail: fmt.Sprintf("definition %q resolved to %s across the day's retrievals",
				id, strings.Join(parts, " and ")),
		}, nil
	}
	return def, nil, nil
}

// structureProblem verifies every row partitions by target under the policy.
// Empty string means the structure is clean.
func structureProblem(rows []series.Snapshot, target string, policy MultiDimensionPolicy) string {
	extras := make(map[string]string)
	for i, row := range rows {
		if _, ok := row.Slice.Dims[target]; !ok {
			return fmt.Sprintf("row %s lacks partition dimension %q", row.Slice, target)
		}
		if policy == MultiRefuse {
			if len(row.Slice.Dims) != 1 {
				return fmt.Sprintf("row %s carries dimensions beyond %q", row.Slice, target)
			}
			continue
		}
		// MultiIgnoreExtra: extras must be identical across every row.
		for name, value := range row.Slice.Dims {
			if name == target {
				continue
			}
			if i == 0 {
				extras[name] = value
				continue
			}
			prev, ok := extras[name]
			if !ok || prev != value {
				return fmt.Sprintf("extra dimension %q is not constant across rows", name)
			}
		}
		if i > 0 && len(row.Slice.Dims)-1 != len(extras) {
			return "inconsistent dimension sets across rows"
		}
	}
	return ""
}

// completenessProblem checks the observed target values against the
// definition: no duplicates, no strangers, nothing missing, catch-all
// present when required. Empty code means the partition is complete.
func completenessProblem(def definition.Definition, rows []series.Snapshot, target string) (RefusalCode, string) {
	observed := make(map[string]int)
	for _, row := range rows {
		observed[row.Slice.Dims[target]]++
	}

	var duplicates []string
	for value, n := range observed {
		if n > 1 {
			duplicates = append(duplicates, value)
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		return RefuseIncompletePartition,
			fmt.Sprintf("duplicate value %s would double-count", strings.Join(duplicates, ", "))
	}

	var unknown []string
	for value := range observed {
		if def.HasValue(value) {
			continue
		}
		if def.CatchAll.Bucket != "" && value == def.CatchAll.Bucket {
			continue
		}
		unknown = append(unknown, value)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return RefuseUnknownValue,
			fmt.Sprintf("value %s not in %s", strings.Join(unknown, ", "), def)
	}

	var missing []string
	for _, value := range def.Values {
		if observed[value] == 0 {
			missing = append(missing, value)
		}
	}
	if def.CatchAll.Required && observed[def.CatchAll.Bucket] == 0 {
		missing = append(missing, def.CatchAll.Bucket+" (catch-all)")
	}
	if len(missing) > 0 {
		return RefuseIncompletePartition,
			fmt.Sprintf("missing value %s under %s", strings.Join(missing, ", "), def)
	}

	return "", ""
}

func dimSignature(key series.SliceKey) string {
	return strings.Join(key.DimNames(), ",")
}
