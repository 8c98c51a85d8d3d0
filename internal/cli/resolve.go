package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/query"
	"github.com/fieldline/strata/internal/reader"
	"github.com/fieldline/strata/internal/series"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	AsOf        string
	Slice       []string
	Mode        string
	NoExpand    bool
	ShowMembers bool
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve <subject> <hash>",
		Short: "Read the virtual latest view as of an instant",
		Long: `Resolve the latest snapshot per (anchor day, slice) across the seed's
equivalence closure, considering only rows retrieved at or before --as-of.

Example:
  strata resolve --db cache.db app-1 <64-hex> --as-of 2024-03-10T13:00:00Z \
    --slice channel=x --show-members`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(opts, args[0], args[1], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.AsOf, "as-of", "", "cutoff instant RFC3339 (default now)")
	cmd.Flags().StringArrayVar(&opts.Slice, "slice", nil, "slice filter as name=value (repeatable)")
	cmd.Flags().StringVar(&opts.Mode, "mode", "", "restrict to one aggregation mode")
	cmd.Flags().BoolVar(&opts.NoExpand, "no-expand", false, "read only the seed, ignore equivalence links")
	cmd.Flags().BoolVar(&opts.ShowMembers, "show-members", false, "list the closure members consulted")

	return cmd
}

// buildFilter combines --slice tokens and --mode into one filter.
func buildFilter(sliceTokens []string, mode string) (*query.Filter, error) {
	tokens := make([]string, 0, len(sliceTokens)+1)
	if mode != "" {
		tokens = append(tokens, "mode="+mode)
	}
	tokens = append(tokens, sliceTokens...)
	return query.Parse(tokens)
}

func runResolve(opts *ResolveOptions, subject, hash string, cmd *cobra.Command) error {
	asOf, err := parseAsOf(opts.AsOf)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	filter, err := buildFilter(opts.Slice, opts.Mode)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid filter", err)
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := reader.New(st).ResolveLatest(cmd.Context(), reader.ResolveRequest{
		Seed:     series.Ref{Subject: subject, Hash: hash},
		AsOf:     asOf,
		Filter:   filter,
		NoExpand: opts.NoExpand,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "resolve", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		data := map[string]any{"rows": rowsToJSON(result.Rows)}
		if opts.ShowMembers {
			data["members"] = refsToJSON(result.Members)
		}
		return f.Success(data)
	}

	writeRowTable(f.Writer, result.Rows)
	if opts.ShowMembers {
		fmt.Fprintln(f.Writer)
		fmt.Fprintf(f.Writer, "members (%d):\n", len(result.Members))
		for _, ref := range result.Members {
			fmt.Fprintf(f.Writer, "  %s %s\n", ref.Subject, ref.Hash)
		}
	}
	return nil
}

type refJSON struct {
	Subject string `json:"subject"`
	Hash    string `json:"hash"`
}

func refsToJSON(refs []series.Ref) []refJSON {
	out := make([]refJSON, 0, len(refs))
	for _, ref := range refs {
		out = append(out, refJSON{Subject: ref.Subject, Hash: ref.Hash})
	}
	return out
}
