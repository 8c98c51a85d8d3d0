package cli

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldline/strata/internal/config"
	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

var cliBase = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// hashFor derives a valid signature hash whose value depends on metric, so
// tests can mint distinct series cheaply.
func hashFor(t *testing.T, metric string) string {
	t.Helper()
	inputs, err := series.MapFromGo(map[string]any{"metric": metric})
	require.NoError(t, err)
	return series.Signature{Inputs: inputs}.MustHash(series.DefaultHashPolicy)
}

func windowSlice(t *testing.T, dims map[string]string) series.SliceKey {
	t.Helper()
	slice, err := series.NewSliceKey(series.ModeWindow, dims)
	require.NoError(t, err)
	return slice
}

func snap(subject, hash string, slice series.SliceKey, anchor string, at time.Time, num float64) series.Snapshot {
	return series.Snapshot{
		Subject:     subject,
		Hash:        hash,
		Slice:       slice,
		Anchor:      series.Day(anchor),
		RetrievedAt: at,
		Numerator:   num,
		Denominator: 100,
		SampleSize:  100,
	}
}

// seedDB creates a store at a fresh temp path and appends the given rows.
func seedDB(t *testing.T, rows ...series.Snapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cli.db")
	st, err := store.Open(path)
	require.NoError(t, err)
	defer st.Close()
	for _, row := range rows {
		_, _, err := st.Append(context.Background(), row)
		require.NoError(t, err)
	}
	return path
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func refsFor(subject, hash string) []series.Ref {
	return []series.Ref{{Subject: subject, Hash: hash}}
}

// config1mWindow gives repair tests a tight clustering window.
func config1mWindow() config.Config {
	return config.Config{RepairWindow: time.Minute}
}

// decodeEnvelope unmarshals a JSON response and requires status "ok".
func decodeEnvelope(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var resp CLIResponse
	require.NoError(t, json.Unmarshal(raw, &resp))
	require.Equal(t, "ok", resp.Status)
	data, ok := resp.Data.(map[string]any)
	require.True(t, ok, "envelope data is not an object")
	return data
}

// envelopeRows pulls data[key] as a slice of row objects.
func envelopeRows(t *testing.T, data map[string]any, key string) []map[string]any {
	t.Helper()
	raw, ok := data[key].([]any)
	require.True(t, ok, "envelope has no %q array", key)
	rows := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		row, ok := item.(map[string]any)
		require.True(t, ok)
		rows = append(rows, row)
	}
	return rows
}
