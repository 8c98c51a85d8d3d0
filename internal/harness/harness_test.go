package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRun(t *testing.T, yaml string) *Result {
	t.Helper()
	scenario, err := ParseScenario([]byte(yaml))
	require.NoError(t, err)
	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	return result
}

func TestRunSeedsAndResolves(t *testing.T) {
	result := mustRun(t, `
name: seeded-resolve
store:
  snapshots:
    - subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      slice: mode=window;channel=x
      anchor: 2024-03-01
      retrieved_at: 2024-03-10T10:00:00Z
      numerator: 10
      denominator: 100
      sample_size: 100
reads:
  - resolve:
      subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
assertions:
  - {type: row_count, read: 0, count: 1}
  - type: rows_contain
    read: 0
    row: {subject: app-1, anchor: 2024-03-01, numerator: 10}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
	require.Len(t, result.Reads, 1)
	assert.Equal(t, "resolve", result.Reads[0].Kind)
	require.Len(t, result.Reads[0].Rows, 1)
	assert.Equal(t, 10.0, result.Reads[0].Rows[0].Numerator)
	require.Len(t, result.Reads[0].Members, 1)
}

func TestRunSignatureSeedMatchesSignatureRead(t *testing.T) {
	// Seeding by signature and reading by the same signature must land on
	// one series without either side naming the hash.
	result := mustRun(t, `
name: signature-roundtrip
store:
  snapshots:
    - subject: app-1
      signature: {metric: activation}
      slice: mode=window;channel=x
      anchor: 2024-03-01
      retrieved_at: 2024-03-10T10:00:00Z
      numerator: 10
      denominator: 100
      sample_size: 100
reads:
  - resolve:
      subject: app-1
      signature: {metric: activation}
assertions:
  - {type: row_count, read: 0, count: 1}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
}

func TestRunPlanPhaseWritesRows(t *testing.T) {
	result := mustRun(t, `
name: plan-writes
plan:
  entries:
    - subject: app-1
      mode: window
      signature:
        inputs: {metric: activation}
      slices:
        - dims: {channel: x}
          window: {from: 2024-03-01, to: 2024-03-02}
  provider:
    responses:
      - subject: app-1
        slice: mode=window;channel=x
        points:
          - {anchor: 2024-03-01, numerator: 10, denominator: 100, sample_size: 100}
          - {anchor: 2024-03-02, numerator: 12, denominator: 100, sample_size: 100}
reads:
  - resolve:
      subject: app-1
      signature: {metric: activation}
assertions:
  - {type: row_count, read: 0, count: 2}
  - {type: stamp_shared, read: 0, stamp: 2024-03-15T09:00:00Z}
  - type: rows_contain
    read: 0
    row: {run_token: run-1, anchor: 2024-03-02, numerator: 12}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
	require.NotNil(t, result.Run)
	assert.Equal(t, "run-1", result.Run.Token)
	assert.Equal(t, 1, result.Run.Fetched)
	assert.Equal(t, 2, result.Run.Inserted)
	assert.Empty(t, result.RunError)
}

func TestRunRateLimitExhaustionIsAssertable(t *testing.T) {
	result := mustRun(t, `
name: rate-limit-abort
plan:
  entries:
    - subject: app-1
      mode: window
      signature:
        inputs: {metric: activation}
      slices:
        - dims: {channel: x}
          window: {from: 2024-03-01, to: 2024-03-01}
  provider:
    responses:
      - subject: app-1
        slice: mode=window;channel=x
        points:
          - {anchor: 2024-03-01, numerator: 10, denominator: 100, sample_size: 100}
    rate_limits:
      - {subject: app-1, slice: mode=window;channel=x, times: 3, retry_after: 1ms}
reads:
  - raw:
      subject: app-1
      signature: {metric: activation}
assertions:
  - {type: error_is, phase: run, contains: rate limited}
  - {type: row_count, read: 0, count: 0}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
	assert.Contains(t, result.RunError, "rate limited")
}

func TestRunCoveredReadErrorPasses(t *testing.T) {
	result := mustRun(t, `
name: covered-read-error
reads:
  - resolve:
      subject: ""
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
assertions:
  - {type: error_is, phase: read, read: 0, contains: subject}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
	require.Len(t, result.Reads, 1)
	assert.NotEmpty(t, result.Reads[0].Err)
}

func TestRunUncoveredReadErrorFails(t *testing.T) {
	result := mustRun(t, `
name: uncovered-read-error
reads:
  - resolve:
      subject: ""
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
assertions:
  - {type: row_count, read: 0, count: 0}
`)
	assert.False(t, result.Pass)
	joined := strings.Join(result.Errors, "\n")
	assert.Contains(t, joined, "without a covering error_is assertion")
}

func TestRunDefinitionDimensionDefaultsToKey(t *testing.T) {
	result := mustRun(t, `
name: dimension-defaulting
store:
  snapshots:
    - subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      slice: mode=window;channel=x
      anchor: 2024-03-01
      retrieved_at: 2024-03-10T10:00:00Z
      numerator: 10
      denominator: 100
      sample_size: 100
    - subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      slice: mode=window;channel=y
      anchor: 2024-03-01
      retrieved_at: 2024-03-10T10:00:00Z
      numerator: 20
      denominator: 100
      sample_size: 100
definitions:
  channel:
    versions:
      - {version: 1, effective: 2024-01-10T00:00:00Z, values: [x, y]}
reads:
  - aggregate:
      subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      definition_id: channel
assertions:
  - {type: day_total, read: 0, anchor: 2024-03-01, numerator: 30, slices: 2}
`)
	assert.True(t, result.Pass, "errors: %s", strings.Join(result.Errors, "; "))
	require.Len(t, result.Reads, 1)
	require.Len(t, result.Reads[0].Days, 1)
	assert.Equal(t, 30.0, result.Reads[0].Days[0].Numerator)
}

func TestRunRejectsMalformedSeed(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: bad-seed
store:
  snapshots:
    - subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      slice: mode=window;channel=x
      anchor: March 1st
      retrieved_at: 2024-03-10T10:00:00Z
      numerator: 10
      denominator: 100
      sample_size: 100
reads:
  - resolve:
      subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
assertions:
  - {type: row_count, read: 0, count: 1}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.snapshots[0]")
}

func TestRunRejectsHashAndSignatureTogether(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: ambiguous-series
reads:
  - resolve:
      subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
      signature: {metric: activation}
assertions:
  - {type: row_count, read: 0, count: 0}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), scenario)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestRunTraceIsByteStable(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: stable-trace
plan:
  entries:
    - subject: app-1
      mode: window
      signature:
        inputs: {metric: activation}
      slices:
        - dims: {channel: x}
          window: {from: 2024-03-01, to: 2024-03-01}
  provider:
    responses:
      - subject: app-1
        slice: mode=window;channel=x
        points:
          - {anchor: 2024-03-01, numerator: 10, denominator: 100, sample_size: 100}
reads:
  - resolve:
      subject: app-1
      signature: {metric: activation}
assertions:
  - {type: row_count, read: 0, count: 1}
`))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	require.True(t, first.Pass, "errors: %s", strings.Join(first.Errors, "; "))
	require.True(t, second.Pass)
	assert.Equal(t, TraceSnapshot(first), TraceSnapshot(second))
}

func TestTraceSnapshotEndsWithNewline(t *testing.T) {
	result := &Result{Scenario: "x", Trace: []string{"scenario x", "line two"}}
	snapshot := TraceSnapshot(result)
	assert.Equal(t, "scenario x\nline two\n", string(snapshot))
}
