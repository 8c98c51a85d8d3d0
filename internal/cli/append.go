package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/series"
)

// AppendOptions holds flags for the append command.
type AppendOptions struct {
	*RootOptions
	Subject     string
	Hash        string
	Mode        string
	Slice       []string
	Anchor      string
	RetrievedAt string
	Numerator   float64
	Denominator float64
	SampleSize  int64
	RunToken    string
}

// NewAppendCommand creates the append command.
func NewAppendCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AppendOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "append",
		Short: "Append one snapshot row",
		Long: `Append one snapshot row to the store.

The natural key is (subject, hash, slice, anchor, retrieved-at): appending
the same coordinates twice is an idempotent duplicate, never an update.

Example:
  strata append --db cache.db --subject app-1 --hash <64-hex> \
    --mode window --slice channel=x --anchor 2024-03-01 \
    --numerator 12 --denominator 50 --sample-size 50`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAppend(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "subject identifier (required)")
	cmd.Flags().StringVar(&opts.Hash, "hash", "", "signature hash, 64 hex chars (required)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "window", "aggregation mode (window|cohort)")
	cmd.Flags().StringArrayVar(&opts.Slice, "slice", nil, "context dimension as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.Anchor, "anchor", "", "anchor day YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&opts.RetrievedAt, "retrieved-at", "", "retrieval instant RFC3339 (default now)")
	cmd.Flags().Float64Var(&opts.Numerator, "numerator", 0, "numerator statistic")
	cmd.Flags().Float64Var(&opts.Denominator, "denominator", 0, "denominator statistic")
	cmd.Flags().Int64Var(&opts.SampleSize, "sample-size", 0, "sample size")
	cmd.Flags().StringVar(&opts.RunToken, "run-token", "", "provenance run token")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("hash")
	_ = cmd.MarkFlagRequired("anchor")

	return cmd
}

func runAppend(opts *AppendOptions, cmd *cobra.Command) error {
	mode, err := series.ParseMode(opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --mode", err)
	}
	dims, err := parseDims(opts.Slice)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --slice", err)
	}
	slice, err := series.NewSliceKey(mode, dims)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid slice", err)
	}
	anchor, err := series.ParseDay(opts.Anchor)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --anchor", err)
	}
	retrievedAt := time.Now().UTC()
	if opts.RetrievedAt != "" {
		retrievedAt, err = time.Parse(time.RFC3339, opts.RetrievedAt)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --retrieved-at", err)
		}
	}

	snap := series.Snapshot{
		Subject:     opts.Subject,
		Hash:        opts.Hash,
		Slice:       slice,
		Anchor:      anchor,
		RetrievedAt: retrievedAt,
		Numerator:   opts.Numerator,
		Denominator: opts.Denominator,
		SampleSize:  opts.SampleSize,
		RunToken:    opts.RunToken,
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	id, inserted, err := st.Append(cmd.Context(), snap)
	if err != nil {
		return WrapExitError(ExitCommandError, "append", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		return f.Success(map[string]any{"id": id, "inserted": inserted})
	}
	if inserted {
		fmt.Fprintf(f.Writer, "inserted (id %d)\n", id)
	} else {
		fmt.Fprintf(f.Writer, "duplicate (id %d)\n", id)
	}
	return nil
}
