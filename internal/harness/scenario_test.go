package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
reads:
  - resolve:
      subject: app-1
      hash: aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa
assertions:
  - type: row_count
    read: 0
    count: 0
`

func TestParseScenarioMinimal(t *testing.T) {
	scenario, err := ParseScenario([]byte(minimalScenario))
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	require.Len(t, scenario.Reads, 1)
	assert.Equal(t, "resolve", scenario.Reads[0].Kind())
	require.Len(t, scenario.Assertions, 1)
	assert.Equal(t, AssertRowCount, scenario.Assertions[0].Type)
}

func TestParseScenarioRejectsUnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(`
name: typo
raeds:
  - resolve: {subject: app-1, hash: aaaa}
assertions:
  - {type: row_count, read: 0, count: 0}
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "raeds")
}

func TestParseScenarioStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "reads:\n  - resolve: {subject: a, hash: b}\nassertions:\n  - {type: row_count}",
			wantErr: "name is required",
		},
		{
			name:    "no phases",
			yaml:    "name: empty\nassertions:\n  - {type: error_is, phase: run, contains: x}",
			wantErr: "plan or at least one read",
		},
		{
			name:    "no assertions",
			yaml:    "name: unchecked\nreads:\n  - resolve: {subject: a, hash: b}",
			wantErr: "assertions list is required",
		},
		{
			name:    "empty plan",
			yaml:    "name: hollow\nplan:\n  provider: {}\nassertions:\n  - {type: error_is, phase: run, contains: x}",
			wantErr: "plan has no entries",
		},
		{
			name: "two reads in one step",
			yaml: `
name: double
reads:
  - resolve: {subject: a, hash: b}
    raw: {subject: a, hash: b}
assertions:
  - {type: row_count, read: 0, count: 0}
`,
			wantErr: "exactly one of resolve, raw, aggregate",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateAssertionErrors(t *testing.T) {
	base := `
name: checks
reads:
  - resolve: {subject: a, hash: b}
  - aggregate: {subject: a, hash: b, definition_id: channel}
assertions:
`
	tests := []struct {
		name      string
		assertion string
		wantErr   string
	}{
		{
			name:      "read out of range",
			assertion: "  - {type: row_count, read: 5, count: 1}",
			wantErr:   "read 5 is out of range",
		},
		{
			name:      "row_count on aggregate read",
			assertion: "  - {type: row_count, read: 1, count: 1}",
			wantErr:   "row_count targets a resolve or raw read",
		},
		{
			name:      "day_total on resolve read",
			assertion: "  - {type: day_total, read: 0, anchor: 2024-03-01}",
			wantErr:   "day_total targets an aggregate read",
		},
		{
			name:      "day_total without anchor",
			assertion: "  - {type: day_total, read: 1}",
			wantErr:   "anchor is required",
		},
		{
			name:      "refused without code",
			assertion: "  - {type: refused, read: 1, anchor: 2024-03-01}",
			wantErr:   "anchor and code are required",
		},
		{
			name:      "rows_contain without row",
			assertion: "  - {type: rows_contain, read: 0}",
			wantErr:   "row is required",
		},
		{
			name:      "error_is without phase",
			assertion: "  - {type: error_is, contains: boom}",
			wantErr:   `phase must be "run" or "read"`,
		},
		{
			name:      "error_is on run without plan",
			assertion: "  - {type: error_is, phase: run, contains: boom}",
			wantErr:   "needs a plan",
		},
		{
			name:      "error_is without contains",
			assertion: "  - {type: error_is, phase: read, read: 0}",
			wantErr:   "contains is required",
		},
		{
			name:      "unknown type",
			assertion: "  - {type: row_cout, read: 0, count: 1}",
			wantErr:   `unknown assertion type "row_cout"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(base + tt.assertion + "\n"))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestLoadScenarioNamesFileInError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: ''\n"), 0o644))

	_, err := LoadScenario(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), path)
	assert.Contains(t, err.Error(), "name is required")
}
