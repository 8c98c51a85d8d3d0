package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// LoadDir loads every *.yaml scenario in a directory, sorted by file name.
// Scenario names must be unique within the directory since golden files are
// keyed by name.
func LoadDir(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("no scenario files in %s", dir)
	}

	scenarios := make([]*Scenario, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		scenario, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[scenario.Name]; dup {
			return nil, fmt.Errorf("duplicate scenario name %q in %s and %s", scenario.Name, prev, name)
		}
		seen[scenario.Name] = name
		scenarios = append(scenarios, scenario)
	}
	return scenarios, nil
}

// ScenarioNotFoundError reports a lookup miss along with the known names.
type ScenarioNotFoundError struct {
	Name  string
	Known []string
}

func (e *ScenarioNotFoundError) Error() string {
	return fmt.Sprintf("scenario %q not found (known: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Find returns the named scenario from a loaded set.
func Find(scenarios []*Scenario, name string) (*Scenario, error) {
	known := make([]string, 0, len(scenarios))
	for _, scenario := range scenarios {
		if scenario.Name == name {
			return scenario, nil
		}
		known = append(known, scenario.Name)
	}
	return nil, &ScenarioNotFoundError{Name: name, Known: known}
}

// RunDir runs every scenario under dir as a subtest named after the
// scenario. Scenarios marked golden also compare their trace against
// testdata/golden.
func RunDir(t *testing.T, dir string) {
	t.Helper()
	scenarios, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load scenarios: %v", err)
	}
	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			if scenario.Golden {
				RunWithGolden(t, scenario)
				return
			}
			result, err := Run(context.Background(), scenario)
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !result.Pass {
				t.Fatalf("scenario failed:\n%s", strings.Join(result.Errors, "\n"))
			}
		})
	}
}
