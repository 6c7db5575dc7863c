package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/seantiz/vbin/internal/config"
	"github.com/seantiz/vbin/internal/failure"
	"github.com/seantiz/vbin/internal/printer"
	"github.com/seantiz/vbin/internal/runner"
	"github.com/seantiz/vbin/internal/store"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vbin [-v=<version>] <target> [args...]",
		Short: "Launch a versioned application from the repository",
		Long: `vbin resolves which version of an application this machine runs, fetches
the application's modules for that version and invokes its entry point.

The version comes from -v=<n>, from a v=<n> setting, or from the machine
version rules stored in the repository. Everything after the target name is
passed to the application unchanged.

Examples:
  vbin Billing.exe --month june
  vbin -v=5 Billing.exe
  vbin --cfg server=s3.internal:9000 debug -- Billing.exe`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceErrors:      true,
		SilenceUsage:       true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 && (args[0] == "-h" || args[0] == "--help") {
				return cmd.Help()
			}
			return launch(cmd.Context(), args)
		},
	}
}

func launch(ctx context.Context, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var opts []runner.Option
	if cfg.LedgerPath != "" {
		ledger, err := store.NewSQLiteStore(cfg.LedgerPath)
		if err != nil {
			return failure.Wrap(failure.Configuration, "open run ledger", err)
		}
		defer ledger.Close()
		opts = append(opts, runner.WithLedger(ledger))
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runner.New(cfg, opts...).Run(ctx, args)
}

// execute runs the launcher and returns the process exit status. Errors are
// printed once, here.
func execute(args []string) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	printer.Error(os.Stderr, "vbin", err)
	return failure.ExitCode(err)
}
