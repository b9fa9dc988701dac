package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/sweep"
	"golang.org/x/sync/errgroup"
)

type Reaper interface {
	Sweep(ctx context.Context, dryRun bool) sweep.Report
}

// Runner drives the passes in-process on a ticker. The CLI is the primary trigger; this
// exists for deployments without an external scheduler.
type Runner struct {
	scheduler        *Scheduler
	reaper           Reaper
	logger           *slog.Logger
	lostWebhookEvery time.Duration
	lastLostWebhook  time.Time
}

func NewRunner(s *Scheduler, reaper Reaper, logger *slog.Logger, lostWebhookEvery time.Duration) *Runner {
	if lostWebhookEvery <= 0 {
		lostWebhookEvery = time.Hour
	}
	return &Runner{scheduler: s, reaper: reaper, logger: logger, lostWebhookEvery: lostWebhookEvery}
}

func (r *Runner) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("reconcile runner started", "interval", interval.String())
	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Runner) tick(ctx context.Context) {
	lost := time.Since(r.lastLostWebhook) >= r.lostWebhookEvery
	if lost {
		r.lastLostWebhook = time.Now()
	}
	RunAll(ctx, r.scheduler, r.reaper, Options{}, lost)
}

// RunAll runs the reconciliation passes concurrently, then the reaper. Concurrent passes
// are safe because each claims its rows through the ledger.
func RunAll(ctx context.Context, s *Scheduler, reaper Reaper, opts Options, includeLostWebhook bool) []sweep.Report {
	passes := []func(context.Context, Options) sweep.Report{s.GatewaySweep, s.CRMSweep}
	if includeLostWebhook {
		passes = append(passes, s.LostWebhookSweep)
	}
	reports := make([]sweep.Report, len(passes))
	var g errgroup.Group
	for i, pass := range passes {
		g.Go(func() error {
			reports[i] = pass(ctx, opts)
			return nil
		})
	}
	_ = g.Wait()

	if reaper != nil {
		reports = append(reports, reaper.Sweep(ctx, opts.DryRun))
	}
	return reports
}
