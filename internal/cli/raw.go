package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/reader"
	"github.com/fieldline/strata/internal/series"
)

// RawOptions holds flags for the raw command.
type RawOptions struct {
	*RootOptions
	AsOf     string
	Slice    []string
	Mode     string
	From     string
	To       string
	NoExpand bool
}

// NewRawCommand creates the raw command.
func NewRawCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RawOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "raw <subject> <hash>",
		Short: "Dump every stored snapshot without latest-wins collapsing",
		Long: `List all rows for the seed's equivalence closure in deterministic order,
including superseded generations. Useful for auditing what a resolve
collapsed away.

Example:
  strata raw --db cache.db app-1 <64-hex> --from 2024-03-01 --to 2024-03-31`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRaw(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "cutoff instant RFC3339 (default now)")
	cmd.Flags().StringArrayVar(&opts.Slice, "slice", nil, "slice filter as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "restrict to one aggregation mode")
	cmd.Flags().StringVar(&opts.From, "from", "", "first anchor day YYYY-MM-DD (inclusive)")
	cmd.Flags().StringVar(&opts.To, "to", "", "last anchor day YYYY-MM-DD (inclusive)")
	cmd.Flags().BoolVar(&opts.NoExpand, "no-expand", false, "read only the seed, ignore equivalence links")

	return cmd
}

func runRaw(opts *RawOptions, subject, hash string, cmd *cobra.Command) error {
	notAfter, err := parseAsOf(opts.AsOf)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	filter, err := buildFilter(opts.Slice, opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	var anchors *series.Window
	if opts.From != "" || opts.To != "" {
		if opts.From == "" || opts.To == "" {
			return NewExitError(ExitCommandError, "--from and --to must be given together")
		}
		from, err := series.ParseDay(opts.From)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --from", err)
		}
		to, err := series.ParseDay(opts.To)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --to", err)
		}
		w := series.Window{From: from, To: to}
		if err := w.Validate(); err != nil {
			return WrapExitError(ExitCommandError, "invalid anchor range", err)
		}
		anchors = &w
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	rows, err := reader.New(st).QueryRaw(cmd.Context(), reader.RawRequest{
		Seed:     series.Ref{Subject: subject, Hash: hash},
		Filter:   filter,
		NotAfter: notAfter,
		Anchors:  anchors,
		NoExpand: opts.NoExpand,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "raw query", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		return f.Success(map[string]any{"rows": rowsToJSON(rows)})
	}

	writeRowTable(f.Writer, rows)
	fmt.Fprintf(f.Writer, "\n%d row(s)\n", len(rows))
	return nil
}
