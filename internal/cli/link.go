package cli

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/series"
	"github.com/fieldline/strata/internal/store"
)

// NewLinkCommand creates the link command group.
func NewLinkCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Manage equivalence links between series",
		Long: `Equivalence links declare that two (subject, hash) pairs name the same
underlying data. Reads expand the seed through the undirected closure of
active links.

Example:
  strata link create app-1 <hash-a> app-1-renamed <hash-b>
  strata link list
  strata link deactivate 3
  strata link closure app-1 <hash-a>`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newLinkCreateCommand(rootOpts))
	cmd.AddCommand(newLinkDeactivateCommand(rootOpts))
	cmd.AddCommand(newLinkListCommand(rootOpts))
	cmd.AddCommand(newLinkClosureCommand(rootOpts))

	return cmd
}

func newLinkCreateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "create <seed-subject> <seed-hash> <target-subject> <target-hash>",
		Short:         "Assert that two series are equivalent",
		Args:          cobra.ExactArgs(4),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			link := store.Link{
				Seed:   series.Ref{Subject: args[0], Hash: args[1]},
				Target: series.Ref{Subject: args[2], Hash: args[3]},
			}
			id, inserted, err := st.CreateLink(cmd.Context(), link)
			if err != nil {
				return WrapExitError(ExitCommandError, "create link", err)
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				return f.Success(map[string]any{"id": id, "inserted": inserted})
			}
			if inserted {
				fmt.Fprintf(f.Writer, "created link %d\n", id)
			} else {
				fmt.Fprintf(f.Writer, "link %d already active\n", id)
			}
			return nil
		},
	}
}

func newLinkDeactivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "deactivate <id>",
		Short:         "Deactivate an equivalence link without deleting it",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid link id %q", args[0]), err)
			}

			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.DeactivateLink(cmd.Context(), id); err != nil {
				if errors.Is(err, store.ErrLinkNotFound) {
					return NewExitError(ExitCommandError, fmt.Sprintf("link %d not found", id))
				}
				return WrapExitError(ExitCommandError, "deactivate link", err)
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				return f.Success(map[string]any{"id": id, "active": false})
			}
			fmt.Fprintf(f.Writer, "deactivated link %d\n", id)
			return nil
		},
	}
}

type linkJSON struct {
	ID            int64  `json:"id"`
	SeedSubject   string `json:"seed_subject"`
	SeedHash      string `json:"seed_hash"`
	TargetSubject string `json:"target_subject"`
	TargetHash    string `json:"target_hash"`
	Active        bool   `json:"active"`
}

func newLinkListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List all equivalence links, active and inactive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			links, err := st.Links(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list links", err)
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				out := make([]linkJSON, 0, len(links))
				for _, l := range links {
					out = append(out, linkJSON{
						ID:            l.ID,
						SeedSubject:   l.Seed.Subject,
						SeedHash:      l.Seed.Hash,
						TargetSubject: l.Target.Subject,
						TargetHash:    l.Target.Hash,
						Active:        l.Active,
					})
				}
				return f.Success(map[string]any{"links": out})
			}

			if len(links) == 0 {
				fmt.Fprintln(f.Writer, "no links")
				return nil
			}
			w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSEED\tTARGET\tACTIVE")
			fmt.Fprintln(w, "--\t----\t------\t------")
			for _, l := range links {
				fmt.Fprintf(w, "%d\t%s\t%s\t%t\n", l.ID, l.Seed, l.Target, l.Active)
			}
			return w.Flush()
		},
	}
}

func newLinkClosureCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "closure <subject> <hash>",
		Short:         "Show the equivalence closure of a seed",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()

			members, err := st.ResolveClosure(cmd.Context(), series.Ref{Subject: args[0], Hash: args[1]})
			if err != nil {
				return WrapExitError(ExitCommandError, "resolve closure", err)
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				return f.Success(map[string]any{"members": refsToJSON(members)})
			}
			for _, ref := range members {
				fmt.Fprintf(f.Writer, "%s %s\n", ref.Subject, ref.Hash)
			}
			return nil
		},
	}
}
