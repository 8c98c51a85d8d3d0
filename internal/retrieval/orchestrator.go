// Package retrieval executes fetch plans against a rate-limited analytics
// provider and appends the results as snapshot rows.
//
// The unit of write atomicity is the batch group: every row fetched for one
// identity (subject, signature hash, slice family) during one run shares a
// single retrieved_at stamp, so readers see the group move forward as a
// whole. When the provider rate-limits mid-group, the rows already written
// keep their stamp but the stamp is invalidated for new writes; after a
// cooldown the orchestrator re-fetches the entire accumulated group once,
// bypassing the provider's cache, under a fresh and strictly later stamp.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

// CooldownPolicy bounds the wait after a rate limit. The provider's
// RetryAfter hint is clamped into [Base, Max]; a zero hint waits Base.
type CooldownPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// Wait returns the clamped cooldown for a provider hint.
func (c CooldownPolicy) Wait(hint time.Duration) time.Duration {
	d := hint
	if d < c.Base {
		d = c.Base
	}
	if c.Max > 0 && d > c.Max {
		d = c.Max
	}
	return d
}

// Orchestrator runs retrieval plans: it fetches provider slices in plan
// order and appends every returned point, stamping each identity's rows
// with one retrieved_at per run.
type Orchestrator struct {
	store    *store.Store
	provider Provider
	clock    func() time.Time
	cooldown CooldownPolicy
	policy   series.HashPolicy
	tokens   RunTokenGenerator
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock substitutes the stamp clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.clock = now }
}

// WithCooldown substitutes the rate-limit cooldown policy.
func WithCooldown(policy CooldownPolicy) Option {
	return func(o *Orchestrator) { o.cooldown = policy }
}

// WithHashPolicy substitutes the signature hash policy.
func WithHashPolicy(policy series.HashPolicy) Option {
	return func(o *Orchestrator) { o.policy = policy }
}

// WithTokenGenerator substitutes the run token source.
func WithTokenGenerator(gen RunTokenGenerator) Option {
	return func(o *Orchestrator) { o.tokens = gen }
}

// New returns an Orchestrator writing to st and fetching from provider.
func New(st *store.Store, provider Provider, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:    st,
		provider: provider,
		clock:    time.Now,
		cooldown: CooldownPolicy{Base: time.Second, Max: 30 * time.Second},
		policy:   series.DefaultHashPolicy,
		tokens:   UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RunReport summarizes one plan execution.
type RunReport struct {
	Token      string
	Entries    int
	Fetched    int
	Inserted   int
	Duplicates int
	// Retried lists the identities whose groups went through a successful
	// bypass retry after a rate limit.
	Retried []series.Identity
}

// Run executes a plan. Entries run in order; each identity gets at most one
// cooldown-and-retry cycle, and a second rate limit for the same identity
// fails the run. The returned report reflects everything written before an
// error, since appends are never rolled back.
func (o *Orchestrator) Run(ctx context.Context, plan *Plan) (RunReport, error) {
	if plan == nil || len(plan.Entries) == 0 {
		return RunReport{}, fmt.Errorf("empty plan")
	}

	report := RunReport{Token: o.tokens.Generate(), Entries: len(plan.Entries)}
	stamps := NewBatchStamps(o.clock)
	slog.Info("run starting", "token", report.Token, "entries", report.Entries)

	for i, entry := range plan.Entries {
		if err := o.runEntry(ctx, entry, stamps, &report); err != nil {
			return report, fmt.Errorf("entries[%d] (subject %s): %w", i, entry.Subject, err)
		}
	}

	slog.Info("run complete",
		"token", report.Token,
		"fetched", report.Fetched,
		"inserted", report.Inserted,
		"duplicates", report.Duplicates,
		"retried", len(report.Retried))
	return report, nil
}

// RunAll executes independent plans concurrently, one run each. Reports are
// positional; the first failure cancels the remaining runs.
func (o *Orchestrator) RunAll(ctx context.Context, plans []*Plan) ([]RunReport, error) {
	g, ctx := errgroup.WithContext(ctx)
	reports := make([]RunReport, len(plans))
	for i, plan := range plans {
		i, plan := i, plan
		g.Go(func() error {
			rep, err := o.Run(ctx, plan)
			if err != nil {
				return err
			}
			reports[i] = rep
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (o *Orchestrator) runEntry(ctx context.Context, entry Entry, stamps *BatchStamps, report *RunReport) error {
	hash, err := entry.Signature.Hash(o.policy)
	if err != nil {
		return err
	}

	for _, sr := range entry.Slices {
		slice, err := series.NewSliceKey(entry.Mode, sr.Dims)
		if err != nil {
			return err
		}
		id := series.Identity{Subject: entry.Subject, Hash: hash, Family: slice.Family()}
		stamps.Record(id, slice, sr.Window)

		err = o.fetchAndAppend(ctx, entry, id, slice, sr.Window, stamps, report)
		if err == nil {
			continue
		}
		if !IsRateLimit(err) {
			return err
		}
		if written := stamps.Written(id); written > 0 {
			err = &PartialBatchError{Identity: id, Written: written, Cause: err}
		}
		if err := o.retryGroup(ctx, entry, id, err, stamps, report); err != nil {
			return err
		}
	}
	return nil
}

// fetchAndAppend retrieves one slice and appends its points under the
// identity's batch stamp.
func (o *Orchestrator) fetchAndAppend(ctx context.Context, entry Entry, id series.Identity, slice series.SliceKey, window series.Window, stamps *BatchStamps, report *RunReport) error {
	result, err := o.provider.FetchSlice(ctx, FetchRequest{
		Subject:     entry.Subject,
		Signature:   entry.Signature,
		Slice:       slice,
		Window:      window,
		BypassCache: stamps.Bypass(id),
	})
	if err != nil {
		return err
	}
	report.Fetched++

	stamp := stamps.StampFor(id)
	for _, point := range result.Points {
		snap := series.Snapshot{
			Subject:     entry.Subject,
			Hash:        id.Hash,
			Slice:       slice,
			Anchor:      point.Anchor,
			RetrievedAt: stamp,
			Numerator:   point.Numerator,
			Denominator: point.Denominator,
			SampleSize:  point.SampleSize,
			RunToken:    report.Token,
		}
		_, inserted, err := o.store.Append(ctx, snap)
		if err != nil {
			return err
		}
		if inserted {
			report.Inserted++
		} else {
			report.Duplicates++
		}
	}
	stamps.NoteWritten(id, len(result.Points))
	slog.Debug("slice fetched",
		"identity", id.String(),
		"slice", slice.String(),
		"window", window.String(),
		"points", len(result.Points),
		"bypass", stamps.Bypass(id))
	return nil
}

// retryGroup handles a rate limit: cool down, invalidate the identity's
// stamp, and re-fetch its whole accumulated group once with cache bypass.
// A second rate limit during the retry propagates to the caller.
func (o *Orchestrator) retryGroup(ctx context.Context, entry Entry, id series.Identity, cause error, stamps *BatchStamps, report *RunReport) error {
	var hint time.Duration
	var rl *RateLimitError
	if errors.As(cause, &rl) {
		hint = rl.RetryAfter
	}
	wait := o.cooldown.Wait(hint)
	slog.Warn("rate limited",
		"identity", id.String(),
		"written", stamps.Written(id),
		"cooldown", wait,
		"cause", cause)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
	}

	stamps.Invalidate(id)
	group := stamps.History(id)
	for _, fetch := range group {
		err := o.fetchAndAppend(ctx, entry, id, fetch.Slice, fetch.Window, stamps, report)
		if err == nil {
			continue
		}
		if IsRateLimit(err) {
			if written := stamps.Written(id); written > 0 {
				err = &PartialBatchError{Identity: id, Written: written, Cause: err}
			}
			return fmt.Errorf("retry after cooldown: %w", err)
		}
		return err
	}

	stamps.ClearBypass(id)
	report.Retried = append(report.Retried, id)
	slog.Info("batch retried", "identity", id.String(), "slices", len(group))
	return nil
}
