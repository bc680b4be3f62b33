package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/planfit-dev/planfit/internal/ledger"
	"github.com/planfit-dev/planfit/pkg/config"
)

func newCleanupCmd() *cobra.Command {
	var (
		retention time.Duration
		daemon    bool
		schedule  string
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete generation ledger entries past their retention period",
		Long: `cleanup removes terminal ledger entries (completed or failed)
older than the retention period. By default it runs a single pass and
exits; with --daemon it keeps running on the cron schedule.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), retention, daemon, schedule)
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", ledger.RetentionPeriod,
		"how long terminal entries are kept")
	cmd.Flags().BoolVar(&daemon, "daemon", false,
		"keep running and clean up on a schedule")
	cmd.Flags().StringVar(&schedule, "schedule", ledger.DefaultCleanupSchedule,
		"cron schedule used with --daemon")
	return cmd
}

func runCleanup(ctx context.Context, retention time.Duration, daemon bool, schedule string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	if cfg.GCPProject == "" {
		return errors.New("cleanup requires a GCP project (set gcp_project or GCP_PROJECT)")
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs, err := ledger.NewFirestore(ctx,
		ledger.WithProjectID(cfg.GCPProject),
		ledger.WithCredentialsFile(cfg.GCPCredentials),
		ledger.WithCollection(cfg.LedgerCollection),
	)
	if err != nil {
		return err
	}
	defer fs.Close()

	janitor := ledger.NewJanitor(fs,
		ledger.WithRetention(retention),
		ledger.WithSchedule(schedule),
	)

	if !daemon {
		return janitor.RunOnce(ctx)
	}

	if err := janitor.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	janitor.Stop()
	return nil
}
