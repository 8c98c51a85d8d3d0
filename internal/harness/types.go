package harness

import (
	"fmt"

	"github.com/fieldline/strata/internal/aggregate"
	"github.com/fieldline/strata/internal/retrieval"
	"github.com/fieldline/strata/internal/series"
)

// Result is the outcome of one scenario execution.
type Result struct {
	// Scenario is the name of the scenario that ran.
	Scenario string

	// Pass is true when every assertion held and no phase failed
	// unexpectedly.
	Pass bool

	// Trace is the deterministic line-by-line record of the run. Golden
	// comparison serializes exactly this.
	Trace []string

	// Errors collects assertion failures and uncovered phase errors.
	Errors []string

	// Run holds the retrieval report when the scenario has a plan phase
	// and the run produced one.
	Run *retrieval.RunReport

	// RunError is the run phase error message, empty on success.
	RunError string

	// Reads holds one result per read step, in order.
	Reads []ReadResult
}

// ReadResult captures what one read step produced.
type ReadResult struct {
	// Kind is "resolve", "raw", or "aggregate".
	Kind string

	// Rows is the row set of a resolve or raw read.
	Rows []series.Snapshot

	// Members is the closure a resolve read spanned.
	Members []series.Ref

	// Days and Refused carry an aggregate read's outcome.
	Days    []aggregate.DayTotal
	Refused []aggregate.Refusal

	// Err is the read's error message, empty on success.
	Err string
}

func newResult(name string) *Result {
	return &Result{Scenario: name, Pass: true}
}

// AddError records a failure and marks the result failed.
func (r *Result) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Pass = false
}

// AddTrace appends one formatted trace line.
func (r *Result) AddTrace(format string, args ...any) {
	r.Trace = append(r.Trace, fmt.Sprintf(format, args...))
}
