package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldline/strata/internal/series"
)

// createTestStore creates a file-backed store in a temp dir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// testHash returns a deterministic signature hash for a metric name.
func testHash(metric string) string {
	sig := series.Signature{Inputs: series.MapValue{"metric": series.StringValue(metric)}}
	return sig.MustHash(series.DefaultHashPolicy)
}

// createTestSnapshot builds a valid snapshot with overridable coordinates.
func createTestSnapshot(subject, metric, channel, anchor string, at time.Time) series.Snapshot {
	dims := map[string]string{}
	if channel != "" {
		dims["channel"] = channel
	}
	return series.Snapshot{
		Subject:     subject,
		Hash:        testHash(metric),
		Slice:       series.MustSliceKey(series.ModeWindow, dims),
		Anchor:      series.MustDay(anchor),
		RetrievedAt: at,
		Numerator:   10,
		Denominator: 40,
		SampleSize:  40,
	}
}

var baseTime = time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
