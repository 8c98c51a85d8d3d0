package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/config"
	"github.com/fieldline/strata/internal/repair"
	"github.com/fieldline/strata/internal/store"
)

// RepairOptions holds flags for the repair command.
type RepairOptions struct {
	*RootOptions
	Subject       string
	SubjectPrefix string
	Window        time.Duration
	Apply         bool
	AllowDelete   bool
}

// NewRepairCommand creates the repair command.
func NewRepairCommand(rootOpts *RootOptions, defaults config.Config) *cobra.Command {
	opts := &RepairOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "repair",
		Short: "Collapse near-duplicate retrieval stamps left by older writers",
		Long: `Cluster each batch group's retrieval stamps by proximity and rewrite
every row in a cluster to the cluster's earliest stamp. Rows made
identical by the rewrite are deleted (with --delete). Clusters whose
duplicates disagree on values are never merged; the subject is reported
and left untouched.

Dry run by default. Nothing is written without --apply.

Example:
  strata repair --db cache.db --subject-prefix app- --window 10m --apply --delete`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRepair(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Subject, "subject", "", "repair exactly one subject")
	cmd.Flags().StringVar(&opts.SubjectPrefix, "subject-prefix", "", "repair subjects with this prefix")
	cmd.Flags().DurationVar(&opts.Window, "window", defaults.RepairWindow, "stamp proximity window for clustering")
	cmd.Flags().BoolVar(&opts.Apply, "apply", false, "write the planned changes")
	cmd.Flags().BoolVar(&opts.AllowDelete, "delete", false, "allow deleting rows made identical by a rewrite")

	return cmd
}

func runRepair(opts *RepairOptions, cmd *cobra.Command) error {
	if opts.Subject != "" && opts.SubjectPrefix != "" {
		return NewExitError(ExitCommandError, "--subject and --subject-prefix are mutually exclusive")
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	repairer := repair.New(st, repair.Options{
		Window:      opts.Window,
		Apply:       opts.Apply,
		AllowDelete: opts.AllowDelete,
		Scope:       store.SubjectScope{Subject: opts.Subject, Prefix: opts.SubjectPrefix},
	})
	report, err := repairer.Run(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "repair", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		if err := f.Success(repairReportJSON(report, opts.Apply)); err != nil {
			return err
		}
	} else {
		writeRepairReport(f, report, opts.Apply)
	}

	if report.HasCollisions() {
		return NewExitError(ExitFailure, "ambiguous duplicates found; affected subjects were left untouched")
	}
	return nil
}

type repairSubjectJSON struct {
	Subject    string   `json:"subject"`
	Groups     int      `json:"groups"`
	Clusters   int      `json:"clusters"`
	Rewrites   int      `json:"rewrites"`
	Deletes    int      `json:"deletes"`
	Skipped    int      `json:"skipped"`
	Aborted    bool     `json:"aborted"`
	Collisions []string `json:"collisions,omitempty"`
}

func repairReportJSON(report repair.Report, applied bool) map[string]any {
	subjects := make([]repairSubjectJSON, 0, len(report.Subjects))
	for _, sr := range report.Subjects {
		sj := repairSubjectJSON{
			Subject:  sr.Subject,
			Groups:   sr.Groups,
			Clusters: sr.Clusters,
			Rewrites: sr.Rewrites,
			Deletes:  sr.Deletes,
			Skipped:  sr.Skipped,
			Aborted:  sr.Aborted,
		}
		for _, collision := range sr.Collisions {
			sj.Collisions = append(sj.Collisions, collision.Error())
		}
		subjects = append(subjects, sj)
	}
	rewrites, deletes, skipped := report.Totals()
	return map[string]any{
		"applied":  applied,
		"subjects": subjects,
		"rewrites": rewrites,
		"deletes":  deletes,
		"skipped":  skipped,
	}
}

func writeRepairReport(f *OutputFormatter, report repair.Report, applied bool) {
	if !applied {
		fmt.Fprintf(f.Writer, "%s\n", color.New(color.FgYellow).Sprint("dry run: nothing written (use --apply)"))
	}

	for _, sr := range report.Subjects {
		if sr.Aborted {
			fmt.Fprintf(f.Writer, "%s %s: %s\n",
				color.New(color.FgRed).Sprint("ABORTED"), sr.Subject,
				"ambiguous duplicates, transaction rolled back")
			for _, collision := range sr.Collisions {
				fmt.Fprintf(f.Writer, "  %s\n", color.New(color.FgRed).Sprint(collision.Error()))
				for _, fp := range collision.Fingerprints {
					fmt.Fprintf(f.Writer, "    fingerprint %s\n", fp)
				}
			}
			continue
		}
		if sr.Clusters == 0 {
			continue
		}
		fmt.Fprintf(f.Writer, "%s: %d groups, %d clusters, %d rewrites, %d deletes",
			sr.Subject, sr.Groups, sr.Clusters, sr.Rewrites, sr.Deletes)
		if sr.Skipped > 0 {
			fmt.Fprintf(f.Writer, ", %s", color.New(color.FgYellow).Sprintf("%d skipped (needs --delete)", sr.Skipped))
		}
		fmt.Fprintln(f.Writer)
	}

	rewrites, deletes, skipped := report.Totals()
	summary := fmt.Sprintf("total: %d rewrites, %d deletes, %d skipped", rewrites, deletes, skipped)
	if applied && !report.HasCollisions() {
		summary = color.New(color.FgGreen).Sprint(strings.Replace(summary, "total:", "applied:", 1))
	}
	fmt.Fprintf(f.Writer, "%s\n", summary)
}
