package cli

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/definition"
)

// NewDefinitionsCommand creates the definitions command group.
func NewDefinitionsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Inspect versioned partition definitions",
		Long: `Load a directory of partition definition files and inspect the version
history, or resolve the version in force at a given instant.

Example:
  strata definitions list ./defs
  strata definitions show ./defs channel --as-of 2024-03-10T13:00:00Z`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newDefinitionsListCommand(rootOpts))
	cmd.AddCommand(newDefinitionsShowCommand(rootOpts))

	return cmd
}

func newDefinitionsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list <dir>",
		Short:         "List definition IDs and their version history",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			archive, err := definition.LoadDir(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load definitions", err)
			}

			type versionsJSON struct {
				ID       string                    `json:"id"`
				Versions []definition.VersionStamp `json:"versions"`
			}
			histories := make([]versionsJSON, 0, len(archive.IDs()))
			for _, id := range archive.IDs() {
				stamps, err := archive.Versions(cmd.Context(), id)
				if err != nil {
					return WrapExitError(ExitCommandError, "read versions", err)
				}
				histories = append(histories, versionsJSON{ID: id, Versions: stamps})
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				return f.Success(map[string]any{"definitions": histories})
			}

			if len(histories) == 0 {
				fmt.Fprintln(f.Writer, "no definitions")
				return nil
			}
			w := tabwriter.NewWriter(f.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tEFFECTIVE")
			fmt.Fprintln(w, "--\t-------\t---------")
			for _, h := range histories {
				for _, stamp := range h.Versions {
					fmt.Fprintf(w, "%s\tv%d\t%s\n", h.ID, stamp.Version, stamp.EffectiveAt.UTC().Format(time.RFC3339))
				}
			}
			return w.Flush()
		},
	}
}

func newDefinitionsShowCommand(rootOpts *RootOptions) *cobra.Command {
	var asOf string

	cmd := &cobra.Command{
		Use:           "show <dir> <id>",
		Short:         "Resolve the definition version in force at an instant",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseAsOf(asOf)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid flags", err)
			}
			archive, err := definition.LoadDir(args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "load definitions", err)
			}

			def, err := definition.NewResolver(archive).AsOf(cmd.Context(), args[1], at)
			if err != nil {
				if errors.Is(err, definition.ErrNoDefinition) {
					return WrapExitError(ExitFailure, "no definition in force", err)
				}
				return WrapExitError(ExitCommandError, "resolve definition", err)
			}

			f := formatterFor(cmd, rootOpts)
			if f.JSON() {
				return f.Success(map[string]any{"definition": def})
			}

			fmt.Fprintf(f.Writer, "%s v%d (dimension %s, effective %s)\n",
				def.ID, def.Version, def.Dimension, def.EffectiveAt.UTC().Format(time.RFC3339))
			fmt.Fprintf(f.Writer, "values: %s\n", strings.Join(def.Values, ", "))
			if def.CatchAll.Bucket != "" {
				requirement := "optional"
				if def.CatchAll.Required {
					requirement = "required"
				}
				fmt.Fprintf(f.Writer, "catch-all: %s (%s)\n", def.CatchAll.Bucket, requirement)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&asOf, "as-of", "", "instant RFC3339 (default now)")

	return cmd
}
