package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/config"
	"github.com/fieldline/strata/internal/retrieval"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Provider     string
	Fixture      string
	CooldownBase time.Duration
	CooldownMax  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions, defaults config.Config) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <plan.yaml>",
		Short: "Execute a retrieval plan against a provider",
		Long: `Fetch every slice named by the plan and append the results. All slices
of one (subject, signature, family) batch share a single retrieval stamp;
a rate limit mid-batch invalidates the partial batch and retries the
whole group after a cooldown, bypassing the provider's own cache.

Example:
  strata run --db cache.db plan.yaml --provider fixture --fixture responses.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Provider, "provider", "fixture", "provider backend (fixture)")
	cmd.Flags().StringVar(&opts.Fixture, "fixture", "", "fixture responses file for the fixture provider")
	cmd.Flags().DurationVar(&opts.CooldownBase, "cooldown-base", defaults.CooldownBase, "minimum wait after a rate limit")
	cmd.Flags().DurationVar(&opts.CooldownMax, "cooldown-max", defaults.CooldownMax, "cap on provider retry-after hints")

	return cmd
}

func buildProvider(opts *RunOptions) (retrieval.Provider, error) {
	switch opts.Provider {
	case "fixture":
		if opts.Fixture == "" {
			return nil, NewExitError(ExitCommandError, "fixture provider needs --fixture")
		}
		provider, err := retrieval.LoadFixture(opts.Fixture)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "load fixture", err)
		}
		return provider, nil
	default:
		return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown provider %q", opts.Provider))
	}
}

func runPlan(opts *RunOptions, planPath string, cmd *cobra.Command) error {
	plan, err := retrieval.LoadPlan(planPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "load plan", err)
	}
	provider, err := buildProvider(opts)
	if err != nil {
		return err
	}

	st, err := openStore(opts.RootOptions)
	if err != nil {
		return err
	}
	defer st.Close()

	orch := retrieval.New(st, provider,
		retrieval.WithCooldown(retrieval.CooldownPolicy{Base: opts.CooldownBase, Max: opts.CooldownMax}))

	report, err := orch.Run(cmd.Context(), plan)
	if err != nil {
		if retrieval.IsRateLimit(err) {
			return WrapExitError(ExitFailure, "run aborted by rate limiting", err)
		}
		return WrapExitError(ExitFailure, "run failed", err)
	}

	f := formatterFor(cmd, opts.RootOptions)
	if f.JSON() {
		retried := make([]string, 0, len(report.Retried))
		for _, id := range report.Retried {
			retried = append(retried, id.String())
		}
		return f.Success(map[string]any{
			"token":      report.Token,
			"entries":    report.Entries,
			"fetched":    report.Fetched,
			"inserted":   report.Inserted,
			"duplicates": report.Duplicates,
			"retried":    retried,
		})
	}

	fmt.Fprintf(f.Writer, "run %s: %d entries, %d slices fetched, %d inserted, %d duplicates\n",
		report.Token, report.Entries, report.Fetched, report.Inserted, report.Duplicates)
	if len(report.Retried) > 0 {
		fmt.Fprintf(f.Writer, "retried after cooldown (%d):\n", len(report.Retried))
		for _, id := range report.Retried {
			fmt.Fprintf(f.Writer, "  %s\n", id)
		}
	}
	return nil
}
