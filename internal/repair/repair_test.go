package repair

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

var repairBase = time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "repair.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func metricHash(metric string) string {
	sig := series.Signature{Inputs: series.MapValue{"metric": series.StringValue(metric)}}
	return sig.MustHash(series.DefaultHashPolicy)
}

func row(subject, channel, anchor string, at time.Time, numerator float64) series.Snapshot {
	dims := map[string]string{}
	if channel != "" {
		dims["channel"] = channel
	}
	return series.Snapshot{
		Subject:     subject,
		Hash:        metricHash("activation"),
		Slice:       series.MustSliceKey(series.ModeWindow, dims),
		Anchor:      series.MustDay(anchor),
		RetrievedAt: at,
		Numerator:   numerator,
		Denominator: 100,
		SampleSize:  100,
		RunToken:    "legacy",
	}
}

func mustAppend(t *testing.T, s *store.Store, snaps ...series.Snapshot) {
	t.Helper()
	for _, snap := range snaps {
		_, inserted, err := s.Append(context.Background(), snap)
		require.NoError(t, err)
		require.True(t, inserted, "fixture row %s/%s must be new", snap.Slice, snap.Anchor)
	}
}

func loadRows(t *testing.T, s *store.Store, subject string) []series.Snapshot {
	t.Helper()
	rows, err := s.QueryRaw(context.Background(), store.RawQuery{
		Members: []series.Ref{{Subject: subject, Hash: metricHash("activation")}},
	})
	require.NoError(t, err)
	return rows
}

func runRepair(t *testing.T, s *store.Store, opts Options) Report {
	t.Helper()
	report, err := New(s, opts).Run(context.Background())
	require.NoError(t, err)
	return report
}

func TestDryRunReportsWithoutWriting(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(5*time.Second), 20),
	)

	report := runRepair(t, s, Options{})

	require.Len(t, report.Subjects, 1)
	sr := report.Subjects[0]
	assert.Equal(t, "app-1", sr.Subject)
	assert.Equal(t, 1, sr.Groups)
	assert.Equal(t, 1, sr.Clusters)
	assert.Equal(t, 1, sr.Rewrites, "channel b would move to the canonical stamp")
	assert.Equal(t, 0, sr.Deletes)
	assert.False(t, sr.Aborted)

	rows := loadRows(t, s, "app-1")
	require.Len(t, rows, 2)
	for _, r := range rows {
		if r.Slice.Dims["channel"] == "b" {
			assert.True(t, r.RetrievedAt.Equal(repairBase.Add(5*time.Second)), "dry run must not write")
		}
	}
}

func TestApplyRewritesToCanonicalStamp(t *testing.T) {
	s := openStore(t)
	canonical := repairBase.Add(1 * time.Second)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", canonical, 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(5*time.Second), 20),
		row("app-1", "b", "2024-03-02", repairBase.Add(5*time.Second), 21),
	)

	report := runRepair(t, s, Options{Apply: true})

	sr := report.Subjects[0]
	assert.Equal(t, 2, sr.Rewrites)
	assert.Equal(t, 0, sr.Deletes)

	rows := loadRows(t, s, "app-1")
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.True(t, r.RetrievedAt.Equal(canonical), "row %s/%s carries %s", r.Slice, r.Anchor, r.RetrievedAt)
		assert.Equal(t, "legacy", r.RunToken, "rewrites only touch retrieved_at")
	}
}

func TestChainClusteringBridgesBeyondWindow(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		// Consecutive gaps of 9m59s chain, though the ends sit nearly
		// twenty minutes apart.
		row("app-1", "a", "2024-03-01", repairBase, 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(9*time.Minute+59*time.Second), 20),
		row("app-1", "c", "2024-03-01", repairBase.Add(19*time.Minute+58*time.Second), 30),
		// A 15m gap to the next stamp starts a second cluster.
		row("app-1", "d", "2024-03-01", repairBase.Add(35*time.Minute), 40),
	)

	report := runRepair(t, s, Options{Window: 10 * time.Minute, Apply: true})

	sr := report.Subjects[0]
	assert.Equal(t, 1, sr.Groups)
	assert.Equal(t, 2, sr.Clusters)
	assert.Equal(t, 2, sr.Rewrites, "b and c join a's stamp, d stays alone")

	for _, r := range loadRows(t, s, "app-1") {
		switch r.Slice.Dims["channel"] {
		case "a", "b", "c":
			assert.True(t, r.RetrievedAt.Equal(repairBase))
		case "d":
			assert.True(t, r.RetrievedAt.Equal(repairBase.Add(35*time.Minute)))
		}
	}
}

func TestIdenticalDuplicatesFoldIntoCanonicalRow(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-1", "a", "2024-03-01", repairBase.Add(5*time.Second), 10),
	)

	report := runRepair(t, s, Options{Apply: true, AllowDelete: true})

	sr := report.Subjects[0]
	assert.Equal(t, 0, sr.Rewrites, "the canonical row already holds the stamp")
	assert.Equal(t, 1, sr.Deletes)
	assert.Empty(t, sr.Collisions)

	rows := loadRows(t, s, "app-1")
	require.Len(t, rows, 1)
	assert.True(t, rows[0].RetrievedAt.Equal(repairBase.Add(1*time.Second)))
	assert.Equal(t, float64(10), rows[0].Numerator)
}

func TestApplyWithoutAllowDeleteSkipsWholeCluster(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		// The cluster needs one delete (duplicate cell) and one rewrite
		// (channel b); without AllowDelete nothing in it may change.
		row("app-1", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-1", "a", "2024-03-01", repairBase.Add(5*time.Second), 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(5*time.Second), 20),
	)

	report := runRepair(t, s, Options{Apply: true})

	sr := report.Subjects[0]
	assert.Equal(t, 1, sr.Skipped)
	assert.Equal(t, 0, sr.Rewrites)
	assert.Equal(t, 0, sr.Deletes)
	require.Len(t, loadRows(t, s, "app-1"), 3, "skipped cluster stays untouched")

	report = runRepair(t, s, Options{Apply: true, AllowDelete: true})
	sr = report.Subjects[0]
	assert.Equal(t, 0, sr.Skipped)
	assert.Equal(t, 1, sr.Rewrites)
	assert.Equal(t, 1, sr.Deletes)

	rows := loadRows(t, s, "app-1")
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.True(t, r.RetrievedAt.Equal(repairBase.Add(1*time.Second)))
	}
}

func TestCollisionAbortsSubjectWithEvidence(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-1", "a", "2024-03-01", repairBase.Add(5*time.Second), 99),
		// An innocent sibling that would otherwise be rewritten.
		row("app-1", "b", "2024-03-01", repairBase.Add(5*time.Second), 20),
	)

	report := runRepair(t, s, Options{Apply: true, AllowDelete: true})

	require.Len(t, report.Subjects, 1)
	sr := report.Subjects[0]
	assert.True(t, sr.Aborted)
	assert.True(t, report.HasCollisions())
	assert.Equal(t, 0, sr.Rewrites)
	assert.Equal(t, 0, sr.Deletes)

	require.Len(t, sr.Collisions, 1)
	col := sr.Collisions[0]
	assert.Equal(t, "app-1", col.Subject)
	assert.Equal(t, metricHash("activation"), col.Hash)
	assert.Equal(t, "a", col.Slice.Dims["channel"])
	assert.Equal(t, series.MustDay("2024-03-01"), col.Anchor)
	assert.Len(t, col.Fingerprints, 2)
	assert.Len(t, col.RowIDs, 2)
	assert.Contains(t, col.Error(), "ambiguous duplicates")

	rows := loadRows(t, s, "app-1")
	require.Len(t, rows, 3, "aborted subject rolls back every write")
	for _, r := range rows {
		if r.Slice.Dims["channel"] == "b" {
			assert.True(t, r.RetrievedAt.Equal(repairBase.Add(5*time.Second)))
		}
	}
}

func TestCollisionIsolatedToItsSubject(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-bad", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-bad", "a", "2024-03-01", repairBase.Add(5*time.Second), 99),
		row("app-good", "a", "2024-03-01", repairBase.Add(1*time.Second), 10),
		row("app-good", "b", "2024-03-01", repairBase.Add(5*time.Second), 20),
	)

	report := runRepair(t, s, Options{Apply: true, AllowDelete: true})

	require.Len(t, report.Subjects, 2)
	bad, good := report.Subjects[0], report.Subjects[1]
	assert.Equal(t, "app-bad", bad.Subject)
	assert.True(t, bad.Aborted)
	assert.Equal(t, "app-good", good.Subject)
	assert.False(t, good.Aborted)
	assert.Equal(t, 1, good.Rewrites)

	for _, r := range loadRows(t, s, "app-good") {
		assert.True(t, r.RetrievedAt.Equal(repairBase.Add(1*time.Second)))
	}
}

func TestScopeRestrictsSubjects(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase, 10),
		row("app-2", "a", "2024-03-01", repairBase, 10),
		row("web-1", "a", "2024-03-01", repairBase, 10),
	)

	report := runRepair(t, s, Options{Scope: store.SubjectScope{Prefix: "app-"}})

	require.Len(t, report.Subjects, 2)
	assert.Equal(t, "app-1", report.Subjects[0].Subject)
	assert.Equal(t, "app-2", report.Subjects[1].Subject)
}

func TestFamiliesClusterIndependently(t *testing.T) {
	s := openStore(t)
	country := series.Snapshot{
		Subject:     "app-1",
		Hash:        metricHash("activation"),
		Slice:       series.MustSliceKey(series.ModeWindow, map[string]string{"country": "us"}),
		Anchor:      series.MustDay("2024-03-01"),
		RetrievedAt: repairBase.Add(5 * time.Second),
		Numerator:   30,
		Denominator: 100,
		SampleSize:  100,
	}
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase, 10),
		country,
	)

	report := runRepair(t, s, Options{Apply: true})

	sr := report.Subjects[0]
	assert.Equal(t, 2, sr.Groups, "channel and country are separate batch groups")
	assert.Equal(t, 2, sr.Clusters)
	assert.Equal(t, 0, sr.Rewrites, "stamps never chain across families")

	for _, r := range loadRows(t, s, "app-1") {
		if r.Slice.Dims["country"] == "us" {
			assert.True(t, r.RetrievedAt.Equal(repairBase.Add(5*time.Second)))
		}
	}
}

func TestZeroWindowFallsBackToDefault(t *testing.T) {
	s := openStore(t)
	mustAppend(t, s,
		row("app-1", "a", "2024-03-01", repairBase, 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(5*time.Minute), 20),
	)

	report := runRepair(t, s, Options{Apply: true})

	assert.Equal(t, 1, report.Subjects[0].Clusters, "five minutes sits inside the default window")
	assert.Equal(t, 1, report.Subjects[0].Rewrites)
}

func TestClusterRowsPartitionsStampChains(t *testing.T) {
	rows := []series.Snapshot{
		row("app-1", "a", "2024-03-01", repairBase, 10),
		row("app-1", "b", "2024-03-01", repairBase.Add(9*time.Minute+59*time.Second), 20),
		row("app-1", "c", "2024-03-01", repairBase.Add(19*time.Minute+58*time.Second), 30),
		row("app-1", "d", "2024-03-01", repairBase.Add(40*time.Minute), 40),
	}

	clusters := ClusterRows(rows, 10*time.Minute)

	require.Len(t, clusters, 2)
	assert.True(t, clusters[0].Canonical.Equal(repairBase))
	assert.Len(t, clusters[0].Stamps, 3)
	assert.Len(t, clusters[0].Rows, 3)
	assert.True(t, clusters[1].Canonical.Equal(repairBase.Add(40*time.Minute)))
	assert.Len(t, clusters[1].Rows, 1)

	assert.Empty(t, ClusterRows(nil, 10*time.Minute))
}

func TestReportTotals(t *testing.T) {
	report := Report{Subjects: []SubjectReport{
		{Rewrites: 2, Deletes: 1},
		{Rewrites: 3, Skipped: 1},
	}}
	rewrites, deletes, skipped := report.Totals()
	assert.Equal(t, 5, rewrites)
	assert.Equal(t, 1, deletes)
	assert.Equal(t, 1, skipped)
	assert.False(t, report.HasCollisions())
}
