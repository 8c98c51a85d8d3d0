package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/aggregate"
	"github.com/fieldline/strata/internal/definition"
	"github.com/fieldline/strata/internal/query"
	"github.com/fieldline/strata/internal/reader"
	"github.com/fieldline/strata/internal/retrieval"
	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
	"github.com/fieldline/strata/internal/testutil"
)

// Scenarios that do not pin a clock run frozen at this instant.
var defaultClockStart = time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC)

// defaultRunToken stamps plan-phase rows when the scenario does not care
// which token they carry.
const defaultRunToken = "run-1"

// Cooldowns are real sleeps, so scenario runs keep them tiny.
var scenarioCooldown = retrieval.CooldownPolicy{
	Base: time.Millisecond,
	Max:  5 * time.Millisecond,
}

// Run executes a scenario against a fresh in-memory store: seed, plan,
// reads, then assertions. It returns an error only for malformed scenario
// content; domain failures (rate limit exhaustion, refused aggregation,
// read errors) land in the Result where assertions can inspect them.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	result := newResult(scenario.Name)
	result.AddTrace("scenario %s", scenario.Name)

	if err := seedStore(ctx, st, scenario, result); err != nil {
		return nil, err
	}
	resolver, err := seedDefinitions(scenario, result)
	if err != nil {
		return nil, err
	}
	if scenario.Plan != nil {
		if err := runPlanPhase(ctx, st, scenario.Plan, result); err != nil {
			return nil, err
		}
	}
	for i, step := range scenario.Reads {
		if err := runReadStep(ctx, st, resolver, i, step, result); err != nil {
			return nil, err
		}
	}

	EvaluateAssertions(scenario, result)
	return result, nil
}

func seedStore(ctx context.Context, st *store.Store, scenario *Scenario, result *Result) error {
	for i, seed := range scenario.Store.Snapshots {
		snap, err := seed.toSnapshot()
		if err != nil {
			return fmt.Errorf("store.snapshots[%d]: %w", i, err)
		}
		if _, _, err := st.Append(ctx, snap); err != nil {
			return fmt.Errorf("store.snapshots[%d]: %w", i, err)
		}
		line := fmt.Sprintf("seed snapshot %s %s %s %s @%s num=%g den=%g n=%d",
			snap.Subject, snap.Hash, snap.Slice, snap.Anchor,
			stampString(snap.RetrievedAt), snap.Numerator, snap.Denominator, snap.SampleSize)
		if snap.RunToken != "" {
			line += " token=" + snap.RunToken
		}
		result.AddTrace("%s", line)
	}
	for i, seed := range scenario.Store.Links {
		link := store.Link{
			Seed:   series.Ref{Subject: seed.SeedSubject, Hash: seed.SeedHash},
			Target: series.Ref{Subject: seed.TargetSubject, Hash: seed.TargetHash},
		}
		if _, _, err := st.CreateLink(ctx, link); err != nil {
			return fmt.Errorf("store.links[%d]: %w", i, err)
		}
		result.AddTrace("seed link %s/%s -> %s/%s",
			seed.SeedSubject, seed.SeedHash, seed.TargetSubject, seed.TargetHash)
	}
	return nil
}

// seedDefinitions builds the definition resolver from the scenario's
// declared histories. The map key doubles as the dimension when the seed
// leaves it empty.
func seedDefinitions(scenario *Scenario, result *Result) (*definition.Resolver, error) {
	if len(scenario.Definitions) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(scenario.Definitions))
	for id := range scenario.Definitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var defs []definition.Definition
	for _, id := range ids {
		seed := scenario.Definitions[id]
		dimension := seed.Dimension
		if dimension == "" {
			dimension = id
		}
		for j, v := range seed.Versions {
			effective, err := time.Parse(time.RFC3339, v.Effective)
			if err != nil {
				return nil, fmt.Errorf("definitions.%s.versions[%d]: effective: %w", id, j, err)
			}
			def := definition.Definition{
				ID:          id,
				Dimension:   dimension,
				Version:     v.Version,
				EffectiveAt: effective,
				Values:      v.Values,
			}
			if v.CatchAll != nil {
				def.CatchAll = definition.CatchAllPolicy{
					Required: v.CatchAll.Required,
					Bucket:   v.CatchAll.Bucket,
				}
			}
			defs = append(defs, def)

			line := fmt.Sprintf("seed definition %s v%d effective=%s values=%s",
				id, def.Version, stampString(def.EffectiveAt), strings.Join(def.Values, ","))
			if def.CatchAll.Bucket != "" {
				line += " catch_all=" + def.CatchAll.Bucket
				if def.CatchAll.Required {
					line += " required"
				}
			}
			result.AddTrace("%s", line)
		}
	}

	archive, err := definition.NewStaticArchive(defs)
	if err != nil {
		return nil, fmt.Errorf("definitions: %w", err)
	}
	return definition.NewResolver(archive), nil
}

func runPlanPhase(ctx context.Context, st *store.Store, phase *PlanPhase, result *Result) error {
	plan, err := buildPlan(phase)
	if err != nil {
		return err
	}
	provider, err := buildProvider(phase.Provider)
	if err != nil {
		return err
	}
	clock, err := buildClock(phase.Clock)
	if err != nil {
		return err
	}

	orch := retrieval.New(st, provider,
		retrieval.WithClock(clock.Now),
		retrieval.WithCooldown(scenarioCooldown),
		retrieval.WithTokenGenerator(retrieval.NewFixedGenerator(defaultRunToken)),
	)
	report, err := orch.Run(ctx, plan)
	result.Run = &report
	if err != nil {
		result.RunError = err.Error()
		result.AddTrace("run error: %s", err)
		return nil
	}
	result.AddTrace("run token=%s entries=%d fetched=%d inserted=%d duplicates=%d retried=%d",
		report.Token, report.Entries, report.Fetched, report.Inserted,
		report.Duplicates, len(report.Retried))
	return nil
}

func buildPlan(phase *PlanPhase) (*retrieval.Plan, error) {
	plan := &retrieval.Plan{}
	for i, e := range phase.Entries {
		mode, err := series.ParseMode(e.Mode)
		if err != nil {
			return nil, fmt.Errorf("plan.entries[%d]: %w", i, err)
		}
		inputs, err := series.MapFromGo(e.Signature.Inputs)
		if err != nil {
			return nil, fmt.Errorf("plan.entries[%d].signature.inputs: %w", i, err)
		}
		volatile, err := series.MapFromGo(e.Signature.Volatile)
		if err != nil {
			return nil, fmt.Errorf("plan.entries[%d].signature.volatile: %w", i, err)
		}
		entry := retrieval.Entry{
			Subject:   e.Subject,
			Mode:      mode,
			Signature: series.Signature{Inputs: inputs, Volatile: volatile},
		}
		for j, sl := range e.Slices {
			window, err := parseWindow(sl.Window)
			if err != nil {
				return nil, fmt.Errorf("plan.entries[%d].slices[%d]: %w", i, j, err)
			}
			entry.Slices = append(entry.Slices, retrieval.SliceRequest{Dims: sl.Dims, Window: window})
		}
		plan.Entries = append(plan.Entries, entry)
	}
	return plan, nil
}

func buildProvider(seed ProviderSeed) (*retrieval.FixtureProvider, error) {
	p := retrieval.NewFixtureProvider()
	for i, r := range seed.Responses {
		slice, err := series.ParseSliceKey(r.Slice)
		if err != nil {
			return nil, fmt.Errorf("plan.provider.responses[%d]: %w", i, err)
		}
		points := make([]retrieval.Point, 0, len(r.Points))
		for j, pt := range r.Points {
			anchor, err := series.ParseDay(pt.Anchor)
			if err != nil {
				return nil, fmt.Errorf("plan.provider.responses[%d].points[%d]: %w", i, j, err)
			}
			points = append(points, retrieval.Point{
				Anchor:      anchor,
				Numerator:   pt.Numerator,
				Denominator: pt.Denominator,
				SampleSize:  pt.SampleSize,
			})
		}
		p.AddResponse(r.Subject, slice, points...)
	}
	for i, l := range seed.RateLimits {
		slice, err := series.ParseSliceKey(l.Slice)
		if err != nil {
			return nil, fmt.Errorf("plan.provider.rate_limits[%d]: %w", i, err)
		}
		times := l.Times
		if times == 0 {
			times = 1
		}
		var retryAfter time.Duration
		if l.RetryAfter != "" {
			retryAfter, err = time.ParseDuration(l.RetryAfter)
			if err != nil {
				return nil, fmt.Errorf("plan.provider.rate_limits[%d]: retry_after: %w", i, err)
			}
		}
		p.RateLimitNext(l.Subject, slice, times, retryAfter)
	}
	return p, nil
}

func buildClock(seed *ClockSeed) (*testutil.Clock, error) {
	if seed == nil {
		return testutil.NewClock(defaultClockStart, 0), nil
	}
	start, err := time.Parse(time.RFC3339, seed.Start)
	if err != nil {
		return nil, fmt.Errorf("plan.clock.start: %w", err)
	}
	var step time.Duration
	if seed.Step != "" {
		step, err = time.ParseDuration(seed.Step)
		if err != nil {
			return nil, fmt.Errorf("plan.clock.step: %w", err)
		}
	}
	return testutil.NewClock(start, step), nil
}

func runReadStep(ctx context.Context, st *store.Store, resolver *definition.Resolver, index int, step ReadStep, result *Result) error {
	r := reader.New(st)
	switch {
	case step.Resolve != nil:
		return runResolveRead(ctx, r, index, step.Resolve, result)
	case step.Raw != nil:
		return runRawRead(ctx, r, index, step.Raw, result)
	case step.Aggregate != nil:
		return runAggregateRead(ctx, r, resolver, index, step.Aggregate, result)
	default:
		return fmt.Errorf("reads[%d]: empty read", index)
	}
}

func runResolveRead(ctx context.Context, r *reader.Reader, index int, read *ResolveRead, result *Result) error {
	hash, err := hashOrSignature(read.Hash, read.Signature)
	if err != nil {
		return fmt.Errorf("reads[%d].resolve: %w", index, err)
	}
	asOf, err := parseInstant(read.AsOf)
	if err != nil {
		return fmt.Errorf("reads[%d].resolve: as_of: %w", index, err)
	}
	filter, err := buildFilter(read.Slice, read.Mode)
	if err != nil {
		return fmt.Errorf("reads[%d].resolve: %w", index, err)
	}

	rr := ReadResult{Kind: "resolve"}
	res, err := r.ResolveLatest(ctx, reader.ResolveRequest{
		Seed:     series.Ref{Subject: read.Subject, Hash: hash},
		AsOf:     asOf,
		Filter:   filter,
		NoExpand: read.NoExpand,
	})
	if err != nil {
		rr.Err = err.Error()
		result.Reads = append(result.Reads, rr)
		result.AddTrace("resolve %s %s as_of=%s error", read.Subject, hash, instantString(asOf))
		result.AddTrace("  error: %s", err)
		return nil
	}

	rr.Rows = res.Rows
	rr.Members = res.Members
	result.Reads = append(result.Reads, rr)
	result.AddTrace("resolve %s %s as_of=%s rows=%d members=%d",
		read.Subject, hash, instantString(asOf), len(res.Rows), len(res.Members))
	for _, member := range res.Members {
		result.AddTrace("  member %s/%s", member.Subject, member.Hash)
	}
	traceRows(result, res.Rows)
	return nil
}

func runRawRead(ctx context.Context, r *reader.Reader, index int, read *RawRead, result *Result) error {
	hash, err := hashOrSignature(read.Hash, read.Signature)
	if err != nil {
		return fmt.Errorf("reads[%d].raw: %w", index, err)
	}
	asOf, err := parseInstant(read.AsOf)
	if err != nil {
		return fmt.Errorf("reads[%d].raw: as_of: %w", index, err)
	}
	filter, err := buildFilter(read.Slice, read.Mode)
	if err != nil {
		return fmt.Errorf("reads[%d].raw: %w", index, err)
	}
	anchors, err := parseAnchorRange(read.From, read.To)
	if err != nil {
		return fmt.Errorf("reads[%d].raw: %w", index, err)
	}

	rr := ReadResult{Kind: "raw"}
	rows, err := r.QueryRaw(ctx, reader.RawRequest{
		Seed:     series.Ref{Subject: read.Subject, Hash: hash},
		Filter:   filter,
		NotAfter: asOf,
		Anchors:  anchors,
		NoExpand: read.NoExpand,
	})
	if err != nil {
		rr.Err = err.Error()
		result.Reads = append(result.Reads, rr)
		result.AddTrace("raw %s %s as_of=%s error", read.Subject, hash, instantString(asOf))
		result.AddTrace("  error: %s", err)
		return nil
	}

	rr.Rows = rows
	result.Reads = append(result.Reads, rr)
	result.AddTrace("raw %s %s as_of=%s rows=%d", read.Subject, hash, instantString(asOf), len(rows))
	traceRows(result, rows)
	return nil
}

func runAggregateRead(ctx context.Context, r *reader.Reader, resolver *definition.Resolver, index int, read *AggregateRead, result *Result) error {
	if resolver == nil {
		return fmt.Errorf("reads[%d].aggregate: scenario declares no definitions", index)
	}
	hash, err := hashOrSignature(read.Hash, read.Signature)
	if err != nil {
		return fmt.Errorf("reads[%d].aggregate: %w", index, err)
	}
	asOf, err := parseInstant(read.AsOf)
	if err != nil {
		return fmt.Errorf("reads[%d].aggregate: as_of: %w", index, err)
	}
	filter, err := buildFilter(read.Slice, read.Mode)
	if err != nil {
		return fmt.Errorf("reads[%d].aggregate: %w", index, err)
	}

	definitionLabel := read.DefinitionID
	if definitionLabel == "" {
		definitionLabel = "inferred"
	}

	rr := ReadResult{Kind: "aggregate"}
	res, err := r.ResolveLatest(ctx, reader.ResolveRequest{
		Seed:     series.Ref{Subject: read.Subject, Hash: hash},
		AsOf:     asOf,
		Filter:   filter,
		NoExpand: read.NoExpand,
	})
	if err == nil {
		multi := aggregate.MultiRefuse
		if read.IgnoreExtra {
			multi = aggregate.MultiIgnoreExtra
		}
		var out aggregate.Result
		out, err = aggregate.New(resolver).Aggregate(ctx, aggregate.Request{
			Rows:         res.Rows,
			DefinitionID: read.DefinitionID,
			Multi:        multi,
		})
		rr.Days = out.Days
		rr.Refused = out.Refused
	}
	if err != nil {
		rr.Err = err.Error()
		result.Reads = append(result.Reads, rr)
		result.AddTrace("aggregate %s %s as_of=%s definition=%s error",
			read.Subject, hash, instantString(asOf), definitionLabel)
		result.AddTrace("  error: %s", err)
		return nil
	}

	result.Reads = append(result.Reads, rr)
	result.AddTrace("aggregate %s %s as_of=%s definition=%s days=%d refused=%d",
		read.Subject, hash, instantString(asOf), definitionLabel, len(rr.Days), len(rr.Refused))
	for _, day := range rr.Days {
		result.AddTrace("  day %s num=%g den=%g n=%d slices=%d",
			day.Anchor, day.Numerator, day.Denominator, day.SampleSize, day.Slices)
	}
	for _, refusal := range rr.Refused {
		result.AddTrace("  refused %s %s", refusal.Anchor, refusal.Code)
	}
	return nil
}

func traceRows(result *Result, rows []series.Snapshot) {
	for _, row := range rows {
		result.AddTrace("  row %s %s %s num=%g den=%g n=%d @%s",
			row.Subject, row.Slice, row.Anchor,
			row.Numerator, row.Denominator, row.SampleSize,
			stampString(row.RetrievedAt))
	}
}

func (s SnapshotSeed) toSnapshot() (series.Snapshot, error) {
	hash, err := hashOrSignature(s.Hash, s.Signature)
	if err != nil {
		return series.Snapshot{}, err
	}
	slice, err := series.ParseSliceKey(s.Slice)
	if err != nil {
		return series.Snapshot{}, err
	}
	anchor, err := series.ParseDay(s.Anchor)
	if err != nil {
		return series.Snapshot{}, fmt.Errorf("anchor: %w", err)
	}
	retrievedAt, err := time.Parse(time.RFC3339, s.RetrievedAt)
	if err != nil {
		return series.Snapshot{}, fmt.Errorf("retrieved_at: %w", err)
	}
	return series.Snapshot{
		Subject:     s.Subject,
		Hash:        hash,
		Slice:       slice,
		Anchor:      anchor,
		RetrievedAt: retrievedAt,
		Numerator:   s.Numerator,
		Denominator: s.Denominator,
		SampleSize:  s.SampleSize,
		RunToken:    s.RunToken,
	}, nil
}

// hashOrSignature resolves the series hash: either a literal 64-hex string
// or a signature inputs map hashed under the default policy.
func hashOrSignature(hash string, sig map[string]any) (string, error) {
	switch {
	case hash != "" && sig != nil:
		return "", fmt.Errorf("hash and signature are mutually exclusive")
	case hash != "":
		return hash, nil
	case sig != nil:
		inputs, err := series.MapFromGo(sig)
		if err != nil {
			return "", fmt.Errorf("signature: %w", err)
		}
		return series.Signature{Inputs: inputs}.Hash(series.DefaultHashPolicy)
	default:
		return "", fmt.Errorf("hash or signature is required")
	}
}

// buildFilter folds an optional mode into the slice predicate tokens.
func buildFilter(sliceTokens []string, mode string) (*query.Filter, error) {
	tokens := sliceTokens
	if mode != "" {
		if _, err := series.ParseMode(mode); err != nil {
			return nil, err
		}
		tokens = append([]string{"mode=" + mode}, sliceTokens...)
	}
	return query.Parse(tokens)
}

func parseInstant(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("instant %q: %w", s, err)
	}
	return t, nil
}

func parseWindow(seed WindowSeed) (series.Window, error) {
	from, err := series.ParseDay(seed.From)
	if err != nil {
		return series.Window{}, fmt.Errorf("window.from: %w", err)
	}
	to, err := series.ParseDay(seed.To)
	if err != nil {
		return series.Window{}, fmt.Errorf("window.to: %w", err)
	}
	window := series.Window{From: from, To: to}
	if err := window.Validate(); err != nil {
		return series.Window{}, err
	}
	return window, nil
}

func parseAnchorRange(from, to string) (*series.Window, error) {
	if from == "" && to == "" {
		return nil, nil
	}
	if from == "" || to == "" {
		return nil, fmt.Errorf("from and to must be given together")
	}
	window, err := parseWindow(WindowSeed{From: from, To: to})
	if err != nil {
		return nil, err
	}
	return &window, nil
}

func stampString(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// instantString renders an as-of cutoff, "latest" when unset.
func instantString(t time.Time) string {
	if t.IsZero() {
		return "latest"
	}
	return stampString(t)
}
