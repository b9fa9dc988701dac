package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carebill/libs/config"
	"github.com/md-rashed-zaman/carebill/libs/db"
	otelx "github.com/md-rashed-zaman/carebill/libs/otel"
	"github.com/md-rashed-zaman/carebill/libs/runtime"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/app"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/appconfig"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/metrics"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/reconcile"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/sweep"
	"github.com/md-rashed-zaman/carebill/services/billing-service/migrations"
	"github.com/spf13/cobra"
)

const service = "billing-jobs"

type passFunc func(ctx context.Context, a *app.App, opts reconcile.Options) []sweep.Report

// runPass sets up the application, runs one pass and reports it. Only setup failures are
// returned as errors; row failures are part of the report and leave the exit code at 0.
func runPass(job string, opts reconcile.Options, pass passFunc) error {
	logger := runtime.NewLogger(service).With("job", job)
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Warn("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}
	defer a.Close()

	reports := pass(ctx, a, opts)
	summarize(logger, job, reports)

	if cfg.PushgatewayURL != "" {
		if err := metrics.Push(context.WithoutCancel(ctx), cfg.PushgatewayURL, service+"_"+job); err != nil {
			logger.Warn("metrics push failed", "err", err)
		}
	}
	return nil
}

func summarize(logger *slog.Logger, job string, reports []sweep.Report) {
	var claimed, succeeded, failed, skipped, aborted int
	for _, r := range reports {
		claimed += r.Claimed
		succeeded += r.Succeeded
		failed += r.Failed
		skipped += r.Skipped
		if r.Err != nil {
			aborted++
		}
	}
	level := slog.LevelInfo
	if failed > 0 || aborted > 0 {
		level = slog.LevelWarn
	}
	logger.Log(context.Background(), level, "job finished",
		"job", job,
		"passes", len(reports),
		"claimed", claimed,
		"succeeded", succeeded,
		"failed", failed,
		"skipped", skipped,
		"aborted_passes", aborted,
	)
}

func addCommonFlags(cmd *cobra.Command, opts *reconcile.Options) {
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum rows to claim (default RECONCILE_BATCH_SIZE)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list candidates without leasing or changing anything")
}

func gatewaySweepCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "gateway-sweep",
		Short: "Poll the gateway for aged pending transactions and apply status changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass("gateway_sweep", opts, func(ctx context.Context, a *app.App, o reconcile.Options) []sweep.Report {
				return []sweep.Report{a.Scheduler.GatewaySweep(ctx, o)}
			})
		},
	}
	addCommonFlags(cmd, &opts)
	return cmd
}

func crmSyncCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "crm-sync",
		Short: "Push approved transactions to the CRM",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass("crm_sync", opts, func(ctx context.Context, a *app.App, o reconcile.Options) []sweep.Report {
				return []sweep.Report{a.Scheduler.CRMSweep(ctx, o)}
			})
		},
	}
	addCommonFlags(cmd, &opts)
	cmd.Flags().BoolVar(&opts.PendingOnly, "pending", false, "only rows never attempted, skip failed retries")
	return cmd
}

func lostWebhooksCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "lost-webhooks",
		Short: "Re-check recent pending and approved transactions for missed webhooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass("lost_webhooks", opts, func(ctx context.Context, a *app.App, o reconcile.Options) []sweep.Report {
				return []sweep.Report{a.Scheduler.LostWebhookSweep(ctx, o)}
			})
		},
	}
	addCommonFlags(cmd, &opts)
	cmd.Flags().IntVar(&opts.Hours, "hours", 0, "look-back window in hours (default RECONCILE_LOST_WEBHOOK_HOURS)")
	return cmd
}

func reapCancellationsCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "reap-cancellations",
		Short: "Finalize cancellations whose grace period has ended",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass("reap_cancellations", opts, func(ctx context.Context, a *app.App, o reconcile.Options) []sweep.Report {
				return []sweep.Report{a.Reaper.Sweep(ctx, o.DryRun)}
			})
		},
	}
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "list due users without changing anything")
	return cmd
}

func runAllCmd() *cobra.Command {
	var opts reconcile.Options
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Run the gateway, CRM and lost-webhook passes concurrently, then the reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPass("run_all", opts, func(ctx context.Context, a *app.App, o reconcile.Options) []sweep.Report {
				return reconcile.RunAll(ctx, a.Scheduler, a.Reaper, o, true)
			})
		},
	}
	addCommonFlags(cmd, &opts)
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := runtime.NewLogger(service).With("job", "migrate")
			dbURL, err := config.RequiredString("DATABASE_URL")
			if err != nil {
				return err
			}
			if err := db.Migrate(dbURL, migrations.FS); err != nil {
				return err
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}
