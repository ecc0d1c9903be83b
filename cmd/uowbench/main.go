package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brain2-uow/internal/bench"
	"brain2-uow/internal/uow"
	"brain2-uow/pkg/logger"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
}

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Workers    int
	Increments int
	Backend    string
	SQLitePath string
	Strategy   string
	MaxRetries int
	MinDelay   time.Duration
	MaxDelay   time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := NewRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// NewRootCommand creates the root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "uowbench",
		Short: "Unit-of-work contention benchmark",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Format != "text" && opts.Format != "json" {
				return fmt.Errorf("invalid format %q: must be text or json", opts.Format)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	return cmd
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}
	defaults := uow.DefaultPolicy()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Increment one counter from many workers",
		Long: `Run concurrent increments of a single node through RetryUnitOfWork.

Every increment reads the node, bumps its counter and commits with an optimistic
version check. Conflicts rerun the whole unit with fresh reads, so the final value
must equal workers * increments.

Example:
  uowbench run --workers 16 --increments 100
  uowbench run --backend sqlite --sqlite-path /tmp/bench.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().IntVarP(&opts.Workers, "workers", "w", 8, "concurrent workers")
	cmd.Flags().IntVarP(&opts.Increments, "increments", "n", 100, "increments per worker")
	cmd.Flags().StringVar(&opts.Backend, "backend", "memory", "store backend (memory|sqlite)")
	cmd.Flags().StringVar(&opts.SQLitePath, "sqlite-path", "", "sqlite database file (temporary when empty)")
	cmd.Flags().StringVar(&opts.Strategy, "strategy", "none", "concurrency strategy (none|store_wins|client_wins)")
	cmd.Flags().IntVar(&opts.MaxRetries, "max-retries", 1000, "attempts per increment")
	cmd.Flags().DurationVar(&opts.MinDelay, "min-delay", defaults.MinDelay, "minimum backoff between attempts")
	cmd.Flags().DurationVar(&opts.MaxDelay, "max-delay", defaults.MaxDelay, "random backoff added on top of min-delay")

	return cmd
}

func runBench(ctx context.Context, opts *RunOptions, out io.Writer) error {
	strategy, err := uow.ParseConcurrencyStrategy(opts.Strategy)
	if err != nil {
		return err
	}
	level := "warn"
	if opts.Verbose {
		level = "debug"
	}
	log, err := logger.New(level, "console")
	if err != nil {
		return err
	}
	defer log.Sync()

	report, err := bench.Run(ctx, bench.Options{
		Workers:    opts.Workers,
		Increments: opts.Increments,
		Backend:    opts.Backend,
		SQLitePath: opts.SQLitePath,
		Strategy:   strategy,
		Policy: uow.Policy{
			MaxRetries: opts.MaxRetries,
			MinDelay:   opts.MinDelay,
			MaxDelay:   opts.MaxDelay,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	log.Debug("Benchmark finished", zap.Duration("duration", report.Duration))

	if opts.Format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(out, "backend:   %s (%s)\n", report.Backend, report.Strategy)
	fmt.Fprintf(out, "workers:   %d\n", report.Workers)
	fmt.Fprintf(out, "expected:  %d\n", report.Expected)
	fmt.Fprintf(out, "final:     %d\n", report.Final)
	fmt.Fprintf(out, "lost:      %d\n", report.Lost)
	fmt.Fprintf(out, "attempts:  %d\n", report.Attempts)
	fmt.Fprintf(out, "retries:   %d\n", report.Retries)
	fmt.Fprintf(out, "conflicts: %d\n", report.Conflicts)
	fmt.Fprintf(out, "resolved:  %d\n", report.Resolved)
	fmt.Fprintf(out, "failures:  %d\n", report.Failures)
	fmt.Fprintf(out, "duration:  %s\n", report.Duration)
	return nil
}
