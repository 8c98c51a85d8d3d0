package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/aggregate"
	"github.com/fieldline/strata/internal/definition"
	"github.com/fieldline/strata/internal/reader"
	"github.com/fieldline/strata/internal/series"
)

// AggregateOptions holds flags for the aggregate command.
type AggregateOptions struct {
	*RootOptions
	Definitions     string
	DefinitionID    string
	AsOf            string
	Slice           []string
	Mode            string
	NoExpand        bool
	Strict          bool
	IgnoreExtraDims bool
}

// NewAggregateCommand creates the aggregate command.
func NewAggregateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AggregateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "aggregate <subject> <hash>",
		Short: "Sum sliced days against versioned partition definitions",
		Long: `Resolve the latest view, then sum each anchor day across its partition
slices. A day sums only when its slices form a complete, non-overlapping
partition under the definition in force at retrieval time; otherwise the
day is refused with a reason.

Example:
  strata aggregate --db cache.db app-1 <64-hex> \
    --definitions ./defs --definition-id channel --as-of 2024-03-10T13:00:00Z`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAggregate(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Definitions, "definitions", "", "directory of partition definition files")
	cmd.Flags().StringVar(&opts.DefinitionID, "definition-id", "", "definition to partition under (default: the sliced dimension name)")
	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "cutoff instant RFC3339 (default now)")
	cmd.Flags().StringArrayVar(&opts.Slice, "slice", nil, "slice filter as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "restrict to one aggregation mode")
	cmd.Flags().BoolVar(&opts.NoExpand, "no-expand", false, "read only the seed, ignore equivalence links")
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "fail when any day is refused")
	cmd.Flags().BoolVar(&opts.IgnoreExtraDims, "ignore-extra-dims", false, "tolerate extra dimensions that are constant across a day")
	_ = cmd.MarkFlagRequired("definitions")

	return cmd
}

func runAggregate(opts *AggregateOptions, subject, hash string, cmd *cobra.Command) error {
	asOf, err := parseAsOf(opts.AsOf)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	filter, err := buildFilter(opts.Slice, opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	archive, err := definition.LoadDir(opts.Definitions)
	if err != nil {
		return WrapExitError(ExitCommandError, "load definitions", err)
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	resolved, err := reader.New(st).ResolveLatest(cmd.Context(), reader.ResolveRequest{
		Seed:     series.Ref{Subject: subject, Hash: hash},
		AsOf:     asOf,
		Filter:   filter,
		NoExpand: opts.NoExpand,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve", err)
	}

	multi := aggregate.MultiRefuse
	if opts.IgnoreExtraDims {
		multi = aggregate.MultiIgnoreExtra
	}
	result, err := aggregate.New(definition.NewResolver(archive)).Aggregate(cmd.Context(), aggregate.Request{
		Rows:         resolved.Rows,
		DefinitionID: opts.DefinitionID,
		Multi:        multi,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "aggregate", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		if err := f.Success(map[string]any{
			"days":    result.Days,
			"refused": result.Refused,
		}); err != nil {
			return err
		}
	} else {
		writeDayTable(f, result)
	}

	if opts.Strict && len(result.Refused) > 0 {
		return WrapExitError(ExitFailure, "aggregation incomplete", result.Err())
	}
	return nil
}

func writeDayTable(f *OutputFormatter, result aggregate.Result) {
	if len(result.Days) == 0 && len(result.Refused) == 0 {
		fmt.Fprintln(f.Writer, "no days")
		return
	}

	if len(result.Days) > 0 {
		w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ANCHOR\tNUM\tDEN\tRATE\tSAMPLE\tSLICES")
		fmt.Fprintln(w, "------\t---\t---\t----\t------\t------")
		for _, day := range result.Days {
			rate := "n/a"
			if r, ok := day.Rate(); ok {
				rate = fmt.Sprintf("%.6g", r)
			}
			fmt.Fprintf(w, "%s\t%g\t%g\t%s\t%d\t%d\n",
				day.Anchor, day.Numerator, day.Denominator, rate, day.SampleSize, day.Slices)
		}
		w.Flush()
	}

	if len(result.Refused) > 0 {
		fmt.Fprintf(f.Writer, "\nrefused (%d):\n", len(result.Refused))
		for _, refusal := range result.Refused {
			fmt.Fprintf(f.Writer, "  %s\n", refusal)
		}
	}
}
