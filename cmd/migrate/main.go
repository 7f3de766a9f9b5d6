package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vladislavdragonenkov/bakery/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "BAKERY_POSTGRES_DSN"
)

type options struct {
	direction string
	steps     int
	dsn       string
	timeout   time.Duration
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fail("%v", err)
	}

	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fail("%v", err)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var opts options

	flags := pflag.NewFlagSet("migrate", pflag.ContinueOnError)
	flags.StringVarP(&opts.direction, "direction", "d", "up", "migration direction: up|down|status|list")
	flags.IntVarP(&opts.steps, "steps", "n", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flags.StringVar(&opts.dsn, "dsn", "", "PostgreSQL DSN (fallback: "+dsnEnv+")")
	flags.DurationVar(&opts.timeout, "timeout", defaultTimeout, "overall timeout")
	if err := flags.Parse(args); err != nil {
		return options{}, err
	}

	opts.direction = strings.ToLower(strings.TrimSpace(opts.direction))
	switch opts.direction {
	case "up", "down", "status", "list":
	default:
		return options{}, fmt.Errorf("unsupported direction: %s (use up|down|status|list)", opts.direction)
	}
	if opts.steps < 0 {
		return options{}, fmt.Errorf("steps must be >= 0")
	}
	if opts.timeout <= 0 {
		opts.timeout = defaultTimeout
	}

	opts.dsn = strings.TrimSpace(opts.dsn)
	if opts.dsn == "" {
		opts.dsn = strings.TrimSpace(getenv(dsnEnv))
	}
	if opts.dsn == "" {
		return options{}, fmt.Errorf("%s (or --dsn) is required", dsnEnv)
	}
	return opts, nil
}

func run(ctx context.Context, opts options, out io.Writer) error {
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	store, err := postgres.Open(ctx, opts.dsn)
	if err != nil {
		return fmt.Errorf("open postgres store: %w", err)
	}
	defer store.Close()

	switch opts.direction {
	case "up":
		if err := store.MigrateUp(ctx, opts.steps); err != nil {
			return fmt.Errorf("migrate up failed: %w", err)
		}
		return printStatus(ctx, store, out, "migrate up ok")
	case "down":
		steps := opts.steps
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			return fmt.Errorf("migrate down failed: %w", err)
		}
		return printStatus(ctx, store, out, "migrate down ok")
	case "status":
		return printStatus(ctx, store, out, "migration status")
	default:
		return printMigrations(ctx, store, out)
	}
}

func printStatus(ctx context.Context, store *postgres.Store, out io.Writer, prefix string) error {
	version, count, err := store.MigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("migration status failed: %w", err)
	}
	_, err = fmt.Fprintf(out, "%s: version=%d applied=%d\n", prefix, version, count)
	return err
}

func printMigrations(ctx context.Context, store *postgres.Store, out io.Writer) error {
	states, err := store.Migrations(ctx)
	if err != nil {
		return fmt.Errorf("list migrations failed: %w", err)
	}
	return writeMigrations(out, states)
}

func writeMigrations(out io.Writer, states []postgres.MigrationState) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED\tAPPLIED AT")
	for _, state := range states {
		appliedAt := "-"
		if state.Applied && !state.AppliedAt.IsZero() {
			appliedAt = state.AppliedAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%t\t%s\n", state.Version, state.Name, state.Applied, appliedAt)
	}
	return tw.Flush()
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
