// Package cli implements the strata command surface.
package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldline/strata/internal/config"
	"github.com/fieldline/strata/internal/store"
)

// RootOptions holds the persistent flags shared by every command.
type RootOptions struct {
	Database string
	Format   string // "json" | "text"
	Verbose  bool
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the strata CLI. Flag defaults
// come from the environment (STRATA_DB, STRATA_FORMAT, ...); flags override.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	defaults, envErr := config.FromEnv()
	if envErr != nil {
		defaults = config.Config{
			Format:       "text",
			CooldownBase: time.Second,
			CooldownMax:  30 * time.Second,
			RepairWindow: 10 * time.Minute,
		}
	}

	cmd := &cobra.Command{
		Use:   "strata",
		Short: "Strata - semantic cache for rate-limited time-series providers",
		Long: `Strata caches per-day statistics fetched from rate-limited analytics
providers in an append-only SQLite store. Rows are keyed by semantic
identity (subject, signature hash, slice, anchor day), every retrieval is
kept as its own generation, and reads expose a virtual "latest as-of"
view across equivalence-linked histories.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if envErr != nil {
				return WrapExitError(ExitCommandError, "invalid environment", envErr)
			}
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			logLevel := slog.LevelInfo
			if opts.Verbose {
				logLevel = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: logLevel,
			})))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Database, "db", defaults.Database, "path to the SQLite snapshot store")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", defaults.Format, "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", defaults.Verbose, "verbose output")

	cmd.AddCommand(NewAppendCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))
	cmd.AddCommand(NewRawCommand(opts))
	cmd.AddCommand(NewLinkCommand(opts))
	cmd.AddCommand(NewAggregateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts, defaults))
	cmd.AddCommand(NewRepairCommand(opts, defaults))
	cmd.AddCommand(NewDefinitionsCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openStore opens the snapshot store named by --db or STRATA_DB.
func openStore(opts *RootOptions) (*store.Store, error) {
	if opts.Database == "" {
		return nil, NewExitError(ExitCommandError, "no database: set --db or STRATA_DB")
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "open database", err)
	}
	return st, nil
}

// parseAsOf parses an --as-of flag. Empty means now.
func parseAsOf(value string) (time.Time, error) {
	if value == "" {
		return time.Now().UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --as-of %q: %w", value, err)
	}
	return at.UTC(), nil
}

// parseDims parses repeated k=v dimension flags.
func parseDims(tokens []string) (map[string]string, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	dims := make(map[string]string, len(tokens))
	for _, token := range tokens {
		name, value, ok := cutPair(token)
		if !ok {
			return nil, fmt.Errorf("dimension %q is not name=value", token)
		}
		dims[name] = value
	}
	return dims, nil
}

func cutPair(token string) (string, string, bool) {
	name, value, ok := strings.Cut(token, "=")
	return name, value, ok && name != "" && value != ""
}
