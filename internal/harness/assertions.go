package harness

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fieldline/strata/internal/series"
)

// AssertionError is one failed assertion, carrying expected and actual plus
// the full trace so a failure can be read without rerunning the scenario.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []string
}

func (e *AssertionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s assertion failed\n", e.Type)
	fmt.Fprintf(&b, "  expected: %s\n", e.Expected)
	fmt.Fprintf(&b, "  actual:   %s\n", e.Actual)
	if len(e.Trace) > 0 {
		b.WriteString("Full trace:\n")
		for _, line := range e.Trace {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// EvaluateAssertions checks every assertion against the result and records
// failures. A run or read error with no covering error_is assertion is a
// failure too, so a broken phase can never pass silently.
func EvaluateAssertions(scenario *Scenario, result *Result) {
	for i := range scenario.Assertions {
		if err := evaluateAssertion(&scenario.Assertions[i], result); err != nil {
			result.AddError("assertions[%d]: %s", i, err)
		}
	}

	if result.RunError != "" && !errorCovered(scenario, "run", -1) {
		result.AddError("run failed without a covering error_is assertion: %s", result.RunError)
	}
	for i, read := range result.Reads {
		if read.Err != "" && !errorCovered(scenario, "read", i) {
			result.AddError("reads[%d] failed without a covering error_is assertion: %s", i, read.Err)
		}
	}
}

func errorCovered(scenario *Scenario, phase string, read int) bool {
	for _, a := range scenario.Assertions {
		if a.Type != AssertErrorIs || a.Phase != phase {
			continue
		}
		if phase == "run" || a.Read == read {
			return true
		}
	}
	return false
}

func evaluateAssertion(a *Assertion, result *Result) error {
	switch a.Type {
	case AssertRowCount:
		return assertRowCount(a, result)
	case AssertRowsContain:
		return assertRowsContain(a, result)
	case AssertStampShared:
		return assertStampShared(a, result)
	case AssertDayTotal:
		return assertDayTotal(a, result)
	case AssertRefused:
		return assertRefused(a, result)
	case AssertErrorIs:
		return assertErrorIs(a, result)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func fail(a *Assertion, expected, actual string, result *Result) error {
	return &AssertionError{Type: a.Type, Expected: expected, Actual: actual, Trace: result.Trace}
}

func readAt(result *Result, index int) (ReadResult, error) {
	if index < 0 || index >= len(result.Reads) {
		return ReadResult{}, fmt.Errorf("read %d out of range (%d reads ran)", index, len(result.Reads))
	}
	return result.Reads[index], nil
}

func assertRowCount(a *Assertion, result *Result) error {
	read, err := readAt(result, a.Read)
	if err != nil {
		return err
	}
	expected := fmt.Sprintf("%d rows", a.Count)
	if read.Err != "" {
		return fail(a, expected, "read failed: "+read.Err, result)
	}
	if len(read.Rows) != a.Count {
		return fail(a, expected, fmt.Sprintf("%d rows", len(read.Rows)), result)
	}
	return nil
}

func assertRowsContain(a *Assertion, result *Result) error {
	read, err := readAt(result, a.Read)
	if err != nil {
		return err
	}
	expected := "row matching " + describeRowExpectation(a.Row)
	if read.Err != "" {
		return fail(a, expected, "read failed: "+read.Err, result)
	}
	for _, row := range read.Rows {
		ok, err := rowMatches(a.Row, row)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fail(a, expected, fmt.Sprintf("no match among %d rows", len(read.Rows)), result)
}

func assertStampShared(a *Assertion, result *Result) error {
	read, err := readAt(result, a.Read)
	if err != nil {
		return err
	}
	expected := "one shared retrieval stamp"
	if read.Err != "" {
		return fail(a, expected, "read failed: "+read.Err, result)
	}
	if len(read.Rows) == 0 {
		return fail(a, expected, "no rows", result)
	}
	first := read.Rows[0].RetrievedAt
	for _, row := range read.Rows[1:] {
		if row.RetrievedAt.UnixMilli() != first.UnixMilli() {
			actual := fmt.Sprintf("stamps %s and %s", stampString(first), stampString(row.RetrievedAt))
			return fail(a, expected, actual, result)
		}
	}
	if a.Stamp != "" {
		want, err := time.Parse(time.RFC3339, a.Stamp)
		if err != nil {
			return fmt.Errorf("stamp: %w", err)
		}
		if first.UnixMilli() != want.UnixMilli() {
			return fail(a, "shared stamp "+stampString(want), "shared stamp "+stampString(first), result)
		}
	}
	return nil
}

func assertDayTotal(a *Assertion, result *Result) error {
	read, err := readAt(result, a.Read)
	if err != nil {
		return err
	}
	if read.Err != "" {
		return fail(a, "day "+a.Anchor, "read failed: "+read.Err, result)
	}
	for _, day := range read.Days {
		if string(day.Anchor) != a.Anchor {
			continue
		}
		if a.Numerator != nil && day.Numerator != *a.Numerator {
			return fail(a, fmt.Sprintf("day %s numerator %g", a.Anchor, *a.Numerator),
				fmt.Sprintf("numerator %g", day.Numerator), result)
		}
		if a.Denominator != nil && day.Denominator != *a.Denominator {
			return fail(a, fmt.Sprintf("day %s denominator %g", a.Anchor, *a.Denominator),
				fmt.Sprintf("denominator %g", day.Denominator), result)
		}
		if a.SampleSize != nil && day.SampleSize != *a.SampleSize {
			return fail(a, fmt.Sprintf("day %s sample size %d", a.Anchor, *a.SampleSize),
				fmt.Sprintf("sample size %d", day.SampleSize), result)
		}
		if a.Slices != nil && day.Slices != *a.Slices {
			return fail(a, fmt.Sprintf("day %s from %d slices", a.Anchor, *a.Slices),
				fmt.Sprintf("%d slices", day.Slices), result)
		}
		return nil
	}
	return fail(a, "day "+a.Anchor, describeDays(read), result)
}

func assertRefused(a *Assertion, result *Result) error {
	read, err := readAt(result, a.Read)
	if err != nil {
		return err
	}
	expected := fmt.Sprintf("refusal %s %s", a.Anchor, a.Code)
	if read.Err != "" {
		return fail(a, expected, "read failed: "+read.Err, result)
	}
	for _, refusal := range read.Refused {
		if string(refusal.Anchor) == a.Anchor && string(refusal.Code) == a.Code {
			return nil
		}
	}
	if len(read.Refused) == 0 {
		return fail(a, expected, "no refusals", result)
	}
	descriptions := make([]string, 0, len(read.Refused))
	for _, refusal := range read.Refused {
		descriptions = append(descriptions, fmt.Sprintf("%s %s", refusal.Anchor, refusal.Code))
	}
	return fail(a, expected, "refusals: "+strings.Join(descriptions, ", "), result)
}

func assertErrorIs(a *Assertion, result *Result) error {
	var actual, label string
	if a.Phase == "run" {
		actual = result.RunError
		label = "run"
	} else {
		read, err := readAt(result, a.Read)
		if err != nil {
			return err
		}
		actual = read.Err
		label = fmt.Sprintf("reads[%d]", a.Read)
	}
	expected := fmt.Sprintf("%s error containing %q", label, a.Contains)
	if actual == "" {
		return fail(a, expected, "no error", result)
	}
	if !strings.Contains(actual, a.Contains) {
		return fail(a, expected, actual, result)
	}
	return nil
}

// rowMatches subset-matches the expected fields against one row.
func rowMatches(expect map[string]any, row series.Snapshot) (bool, error) {
	for field, want := range expect {
		ok, err := rowFieldMatches(field, want, row)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func rowFieldMatches(field string, want any, row series.Snapshot) (bool, error) {
	switch field {
	case "subject", "hash", "slice", "run_token":
		s, ok := want.(string)
		if !ok {
			return false, fmt.Errorf("row.%s must be a string", field)
		}
		switch field {
		case "subject":
			return row.Subject == s, nil
		case "hash":
			return row.Hash == s, nil
		case "slice":
			return row.Slice.String() == s, nil
		default:
			return row.RunToken == s, nil
		}
	case "anchor":
		// The YAML decoder turns bare dates into time.Time.
		switch v := want.(type) {
		case string:
			return string(row.Anchor) == v, nil
		case time.Time:
			return row.Anchor == series.DayOf(v), nil
		default:
			return false, fmt.Errorf("row.anchor must be a date")
		}
	case "retrieved_at":
		var want64 int64
		switch v := want.(type) {
		case string:
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return false, fmt.Errorf("row.retrieved_at: %w", err)
			}
			want64 = t.UnixMilli()
		case time.Time:
			want64 = v.UnixMilli()
		default:
			return false, fmt.Errorf("row.retrieved_at must be an instant")
		}
		return row.RetrievedAt.UnixMilli() == want64, nil
	case "numerator", "denominator":
		f, ok := asFloat(want)
		if !ok {
			return false, fmt.Errorf("row.%s must be a number", field)
		}
		if field == "numerator" {
			return row.Numerator == f, nil
		}
		return row.Denominator == f, nil
	case "sample_size":
		f, ok := asFloat(want)
		if !ok {
			return false, fmt.Errorf("row.sample_size must be a number")
		}
		return row.SampleSize == int64(f), nil
	default:
		return false, fmt.Errorf("unknown row field %q", field)
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func describeRowExpectation(expect map[string]any) string {
	fields := make([]string, 0, len(expect))
	for field := range expect {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", field, expect[field]))
	}
	return strings.Join(parts, " ")
}

func describeDays(read ReadResult) string {
	if len(read.Days) == 0 {
		return "no days"
	}
	anchors := make([]string, 0, len(read.Days))
	for _, day := range read.Days {
		anchors = append(anchors, string(day.Anchor))
	}
	return "days: " + strings.Join(anchors, ", ")
}
