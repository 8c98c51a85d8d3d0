package harness

import (
	"context"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// TraceSnapshot renders a result's trace as the byte-stable golden payload.
func TraceSnapshot(result *Result) []byte {
	return []byte(strings.Join(result.Trace, "\n") + "\n")
}

// RunWithGolden executes the scenario, requires every assertion to hold,
// and compares the trace against testdata/golden/<name>.golden. Regenerate
// goldens with `go test ./internal/harness -update`.
func RunWithGolden(t *testing.T, scenario *Scenario) *Result {
	t.Helper()
	result, err := Run(context.Background(), scenario)
	if err != nil {
		t.Fatalf("run scenario %s: %v", scenario.Name, err)
	}
	if !result.Pass {
		t.Fatalf("scenario %s failed:\n%s", scenario.Name, strings.Join(result.Errors, "\n"))
	}
	AssertGolden(t, result)
	return result
}

// AssertGolden compares a result's trace against its golden file.
func AssertGolden(t *testing.T, result *Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, result.Scenario, TraceSnapshot(result))
}
