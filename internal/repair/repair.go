// Package repair canonicalizes near-duplicate snapshot rows. Writers that
// predate batch stamping fetched sibling slices seconds apart, so one
// logical batch landed as several retrieved_at generations. The repairer
// clusters those stamps, rewrites each cluster's survivors to the earliest
// stamp, and deletes rows made redundant by the rewrite. Rows whose content
// disagrees are never merged: the subject aborts with evidence instead.
package repair

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

// DefaultWindow is the clustering gap used when Options.Window is zero.
const DefaultWindow = 10 * time.Minute

// Options configure a repair run. The zero value is a safe dry-run over
// every subject.
type Options struct {
	// Window is the clustering gap. Stamps chain into one cluster while
	// each consecutive gap stays within the window; the chain, not a fixed
	// grid, bounds the cluster.
	Window time.Duration
	// Apply performs the writes. Off means dry-run: the same scan and the
	// same report, zero writes.
	Apply bool
	// AllowDelete permits deleting redundant rows. Without it, a cluster
	// that needs any deletion is skipped whole; rewrite-only clusters
	// still proceed.
	AllowDelete bool
	// Scope restricts which subjects are examined.
	Scope store.SubjectScope
}

// AmbiguousDuplicateError is a cluster cell whose rows disagree: the same
// (subject, hash, slice, anchor) inside one stamp cluster carries more than
// one content fingerprint. Canonicalizing would have to pick a winner, so
// the subject aborts and the evidence travels in the report.
type AmbiguousDuplicateError struct {
	Subject      string
	Hash         string
	Slice        series.SliceKey
	Anchor       series.Day
	Fingerprints []string
	RowIDs       []int64
}

func (e AmbiguousDuplicateError) Error() string {
	ref := series.Ref{Subject: e.Subject, Hash: e.Hash}
	return fmt.Sprintf("ambiguous duplicates for %s %s %s: %d fingerprints across rows %v",
		ref, e.Slice, e.Anchor, len(e.Fingerprints), e.RowIDs)
}

// Cluster is one chain of retrieval stamps within a batch group, with the
// rows those stamps cover. Canonical is the earliest stamp in the chain.
type Cluster struct {
	Canonical time.Time
	Stamps    []time.Time
	Rows      []series.Snapshot
}

// SubjectReport tallies one subject's repair. In a dry run the write
// counters are prospective.
type SubjectReport struct {
	Subject string
	// Groups counts the (signature hash, slice family) batch groups
	// examined.
	Groups int
	// Clusters counts the stamp clusters found across those groups.
	Clusters int
	Rewrites int
	Deletes  int
	// Skipped counts clusters refused because they needed deletions while
	// AllowDelete was off.
	Skipped    int
	Collisions []AmbiguousDuplicateError
	// Aborted means collisions were found and the subject's transaction
	// was rolled back untouched.
	Aborted bool
}

// Report is the outcome of one repair run, one entry per subject in scope.
type Report struct {
	Subjects []SubjectReport
}

// HasCollisions reports whether any subject aborted on ambiguous rows.
func (r Report) HasCollisions() bool {
	for _, sr := range r.Subjects {
		if len(sr.Collisions) > 0 {
			return true
		}
	}
	return false
}

// Totals sums the write counters across subjects.
func (r Report) Totals() (rewrites, deletes, skipped int) {
	for _, sr := range r.Subjects {
		rewrites += sr.Rewrites
		deletes += sr.Deletes
		skipped += sr.Skipped
	}
	return rewrites, deletes, skipped
}

// Repairer runs duplicate-timestamp repair over a snapshot store.
type Repairer struct {
	store *store.Store
	opts  Options
}

// New returns a Repairer. A zero Window falls back to DefaultWindow.
func New(st *store.Store, opts Options) *Repairer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	return &Repairer{store: st, opts: opts}
}

// errAborted signals the subject transaction to roll back after collisions
// were collected. It never escapes Run.
var errAborted = errors.New("subject aborted on ambiguous duplicates")

// Run repairs every subject in scope, one transaction per subject. A
// collision aborts only its own subject; the other subjects still proceed,
// and the report carries every outcome.
func (r *Repairer) Run(ctx context.Context) (Report, error) {
	subjects, err := r.store.Subjects(ctx, r.opts.Scope)
	if err != nil {
		return Report{}, fmt.Errorf("repair: %w", err)
	}

	report := Report{Subjects: make([]SubjectReport, 0, len(subjects))}
	for _, subject := range subjects {
		sr, err := r.repairSubject(ctx, subject)
		if err != nil {
			return report, fmt.Errorf("repair subject %s: %w", subject, err)
		}
		report.Subjects = append(report.Subjects, sr)
	}

	rewrites, deletes, skipped := report.Totals()
	slog.Info("repair run finished",
		"subjects", len(report.Subjects),
		"apply", r.opts.Apply,
		"rewrites", rewrites,
		"deletes", deletes,
		"skipped", skipped,
		"collisions", report.HasCollisions())
	return report, nil
}

type rewriteOp struct {
	id int64
	to time.Time
}

type clusterPlan struct {
	rewrites []rewriteOp
	deletes  []int64
}

func (r *Repairer) repairSubject(ctx context.Context, subject string) (SubjectReport, error) {
	sr := SubjectReport{Subject: subject}

	err := r.store.RepairTx(ctx, subject, func(ops *store.RepairOps) error {
		hashes, err := ops.Hashes(ctx)
		if err != nil {
			return err
		}

		// Plan the whole subject before writing anything, so collisions
		// anywhere in it surface with complete evidence and zero writes.
		var plans []clusterPlan
		for _, hash := range hashes {
			rows, err := ops.GroupRows(ctx, hash)
			if err != nil {
				return err
			}
			for _, group := range splitByFamily(rows) {
				sr.Groups++
				clusters := ClusterRows(group, r.opts.Window)
				sr.Clusters += len(clusters)
				for _, cluster := range clusters {
					plan, collisions := planCluster(subject, hash, cluster)
					if len(collisions) > 0 {
						sr.Collisions = append(sr.Collisions, collisions...)
						continue
					}
					plans = append(plans, plan)
				}
			}
		}
		if len(sr.Collisions) > 0 {
			sr.Aborted = true
			slog.Warn("subject aborted", "subject", subject, "collisions", len(sr.Collisions))
			return errAborted
		}

		for _, plan := range plans {
			if len(plan.deletes) > 0 && !r.opts.AllowDelete {
				sr.Skipped++
				continue
			}
			sr.Rewrites += len(plan.rewrites)
			sr.Deletes += len(plan.deletes)
			if !r.opts.Apply {
				continue
			}
			for _, rw := range plan.rewrites {
				if err := ops.RewriteRetrievedAt(ctx, rw.id, rw.to); err != nil {
					return err
				}
			}
			if err := ops.DeleteRows(ctx, plan.deletes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errAborted) {
		return sr, err
	}

	slog.Debug("subject scanned",
		"subject", subject,
		"groups", sr.Groups,
		"clusters", sr.Clusters,
		"rewrites", sr.Rewrites,
		"deletes", sr.Deletes,
		"skipped", sr.Skipped,
		"aborted", sr.Aborted)
	return sr, nil
}

// splitByFamily partitions a (subject, hash) group into per-family row sets,
// ordered by family string. Batch stamps are per family, so clustering never
// chains stamps across families.
func splitByFamily(rows []series.Snapshot) [][]series.Snapshot {
	byFamily := make(map[series.Family][]series.Snapshot)
	for _, row := range rows {
		family := row.Slice.Family()
		byFamily[family] = append(byFamily[family], row)
	}

	families := make([]series.Family, 0, len(byFamily))
	for family := range byFamily {
		families = append(families, family)
	}
	sort.Slice(families, func(i, j int) bool {
		return families[i].String() < families[j].String()
	})

	groups := make([][]series.Snapshot, 0, len(families))
	for _, family := range families {
		groups = append(groups, byFamily[family])
	}
	return groups
}

// ClusterRows chains the distinct retrieval stamps of one batch group into
// clusters: consecutive stamps whose gap stays within the window belong to
// the same cluster. 13:00:00, 13:09:59, 13:19:58 chain into one cluster
// under a ten minute window even though the ends are nearly twenty minutes
// apart. The earliest stamp of each chain is its canonical stamp.
func ClusterRows(rows []series.Snapshot, window time.Duration) []Cluster {
	if len(rows) == 0 {
		return nil
	}

	seen := make(map[int64]bool)
	stamps := make([]time.Time, 0, len(rows))
	for _, row := range rows {
		ms := row.RetrievedAt.UnixMilli()
		if seen[ms] {
			continue
		}
		seen[ms] = true
		stamps = append(stamps, row.RetrievedAt)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })

	clusters := []Cluster{}
	clusterOf := make(map[int64]int, len(stamps))
	for i, stamp := range stamps {
		if i == 0 || stamp.Sub(stamps[i-1]) > window {
			clusters = append(clusters, Cluster{Canonical: stamp})
		}
		idx := len(clusters) - 1
		clusters[idx].Stamps = append(clusters[idx].Stamps, stamp)
		clusterOf[stamp.UnixMilli()] = idx
	}

	for _, row := range rows {
		idx := clusterOf[row.RetrievedAt.UnixMilli()]
		clusters[idx].Rows = append(clusters[idx].Rows, row)
	}
	return clusters
}

type cellKey struct {
	slice  string
	anchor series.Day
}

// planCluster decides each cell of a cluster: the earliest row survives and
// moves to the canonical stamp, later identical rows are deleted, differing
// rows are collisions. A cell that already sits on the canonical stamp keeps
// its row untouched; redundant siblings fold into it.
func planCluster(subject, hash string, cluster Cluster) (clusterPlan, []AmbiguousDuplicateError) {
	cells := make(map[cellKey][]series.Snapshot)
	order := []cellKey{}
	for _, row := range cluster.Rows {
		key := cellKey{slice: row.Slice.String(), anchor: row.Anchor}
		if _, ok := cells[key]; !ok {
			order = append(order, key)
		}
		cells[key] = append(cells[key], row)
	}

	var plan clusterPlan
	var collisions []AmbiguousDuplicateError
	for _, key := range order {
		rows := cells[key]

		distinct := []string{}
		seen := map[string]bool{}
		for _, row := range rows {
			fp := series.Fingerprint(row)
			if !seen[fp] {
				seen[fp] = true
				distinct = append(distinct, fp)
			}
		}
		if len(distinct) > 1 {
			sort.Strings(distinct)
			ids := make([]int64, 0, len(rows))
			for _, row := range rows {
				ids = append(ids, row.ID)
			}
			collisions = append(collisions, AmbiguousDuplicateError{
				Subject:      subject,
				Hash:         hash,
				Slice:        rows[0].Slice,
				Anchor:       key.anchor,
				Fingerprints: distinct,
				RowIDs:       ids,
			})
			continue
		}

		// Rows arrive ordered by retrieved_at, so the first is the
		// earliest.
		survivor := rows[0]
		if !survivor.RetrievedAt.Equal(cluster.Canonical) {
			plan.rewrites = append(plan.rewrites, rewriteOp{id: survivor.ID, to: cluster.Canonical})
		}
		for _, row := range rows[1:] {
			plan.deletes = append(plan.deletes, row.ID)
		}
	}
	return plan, collisions
}
