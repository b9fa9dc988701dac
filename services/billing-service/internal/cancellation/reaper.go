package cancellation

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/events"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/sweep"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const SweepReaper = "cancellation_reaper"

// Reaper finalizes cancellations whose grace period has ended.
type Reaper struct {
	tx        db.TxRunner
	store     Store
	publisher events.Publisher
	logger    *slog.Logger
	batch     int
	now       func() time.Time
	tracer    trace.Tracer
}

func NewReaper(tx db.TxRunner, store Store, publisher events.Publisher, logger *slog.Logger, batch int) *Reaper {
	if batch <= 0 {
		batch = 500
	}
	return &Reaper{
		tx:        tx,
		store:     store,
		publisher: publisher,
		logger:    logger,
		batch:     batch,
		now:       time.Now,
		tracer:    otel.Tracer("github.com/md-rashed-zaman/carebill/cancellation"),
	}
}

func (r *Reaper) Sweep(ctx context.Context, dryRun bool) sweep.Report {
	started := r.now()
	ctx, span := r.tracer.Start(ctx, "cancellation.reap")
	defer span.End()

	rep := sweep.Report{Sweep: SweepReaper, DryRun: dryRun}
	now := r.now()
	due, err := r.store.ListGraceExpired(ctx, now, r.batch)
	if err != nil {
		rep.Err = err
		return rep.Finish(r.logger, started)
	}
	rep.Claimed = len(due)

	for _, u := range due {
		if !u.GraceExpired(now) {
			rep.Add(sweep.Skipped)
			continue
		}
		if dryRun {
			r.logger.Info(SweepReaper+": would cancel", "user_id", u.ID, "plan", u.CurrentPlan, "scheduled_cancellation_date", u.ScheduledCancellationDate)
			rep.Add(sweep.Skipped)
			continue
		}
		rep.Add(sweep.Row(r.logger, SweepReaper, u.ID, func() sweep.Result {
			return r.finalize(ctx, u, now)
		}))
	}
	span.SetAttributes(attribute.Int("claimed", rep.Claimed), attribute.Int("succeeded", rep.Succeeded))
	return rep.Finish(r.logger, started)
}

func (r *Reaper) finalize(ctx context.Context, u model.User, now time.Time) sweep.Result {
	var done bool
	err := r.tx.InTx(ctx, func(tx pgx.Tx) error {
		ok, err := r.store.FinalizeCancellation(ctx, tx, u.ID, now)
		if err != nil || !ok {
			return err
		}
		done = true
		_, err = r.store.CancelActiveSubscriptions(ctx, tx, u.ID)
		return err
	})
	if err != nil {
		r.logger.Error(SweepReaper+": finalize failed", "user_id", u.ID, "err", err)
		return sweep.Failed
	}
	if !done {
		return sweep.Skipped
	}

	r.logger.Info(SweepReaper+": subscription canceled", "user_id", u.ID, "plan", u.CurrentPlan)
	evt, err := events.New(events.SubscriptionCanceled, "user", u.ID, canceledPayload{
		UserID: u.ID, Plan: u.CurrentPlan, Reason: u.CancellationReason,
	})
	if err == nil {
		events.PublishBestEffort(ctx, r.publisher, r.logger, evt)
	}
	return sweep.Succeeded
}
