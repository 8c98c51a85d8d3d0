package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/series"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Domain failure (refused days with --strict, repair collisions)
	ExitCommandError = 2 // Command error (bad flags, missing files, unreadable database)
)

// ExitError represents an error with a specific exit code.
type ExitError struct {
	Code    int
	Message string
	Err     error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error. Returns ExitFailure (1)
// if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer
	Verbose   bool
}

// formatterFor builds a command's formatter from the persistent flags.
func formatterFor(cmd *cobra.Command, opts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

// JSON reports whether the formatter emits JSON.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// CLIResponse is the standard JSON envelope for CLI output.
type CLIResponse struct {
	Status string    `json:"status"`
	Data   any       `json:"data,omitempty"`
	Error  *CLIError `json:"error,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Success emits a successful JSON envelope. Text-mode commands render their
// own output and never call it.
func (f *OutputFormatter) Success(data any) error {
	return json.NewEncoder(f.Writer).Encode(CLIResponse{Status: "ok", Data: data})
}

// Failure emits an error JSON envelope.
func (f *OutputFormatter) Failure(code, message string, details any) error {
	return json.NewEncoder(f.Writer).Encode(CLIResponse{
		Status: "error",
		Error:  &CLIError{Code: code, Message: message, Details: details},
	})
}

// rowJSON is the wire form of one snapshot row. The slice travels in its
// canonical string encoding.
type rowJSON struct {
	ID          int64   `json:"id"`
	Subject     string  `json:"subject"`
	Hash        string  `json:"hash"`
	Slice       string  `json:"slice"`
	Anchor      string  `json:"anchor"`
	RetrievedAt string  `json:"retrieved_at"`
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
	SampleSize  int64   `json:"sample_size"`
	RunToken    string  `json:"run_token,omitempty"`
}

func rowsToJSON(rows []series.Snapshot) []rowJSON {
	out := make([]rowJSON, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowJSON{
			ID:          row.ID,
			Subject:     row.Subject,
			Hash:        row.Hash,
			Slice:       row.Slice.String(),
			Anchor:      string(row.Anchor),
			RetrievedAt: row.RetrievedAt.UTC().Format(time.RFC3339Nano),
			Numerator:   row.Numerator,
			Denominator: row.Denominator,
			SampleSize:  row.SampleSize,
			RunToken:    row.RunToken,
		})
	}
	return out
}

// writeRowTable renders snapshot rows as an aligned text table.
func writeRowTable(w io.Writer, rows []series.Snapshot) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "no rows")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ANCHOR\tSLICE\tNUM\tDEN\tSAMPLE\tRETRIEVED\tSUBJECT")
	fmt.Fprintln(tw, "------\t-----\t---\t---\t------\t---------\t-------")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%g\t%g\t%d\t%s\t%s\n",
			row.Anchor,
			row.Slice,
			row.Numerator,
			row.Denominator,
			row.SampleSize,
			row.RetrievedAt.UTC().Format(time.RFC3339),
			row.Subject,
		)
	}
	tw.Flush()
}
