// Package reconcile runs the batch passes that converge local ledger state with the payment
// gateway and the CRM. Rows are leased through the ledger, so any number of passes may run
// at once across processes.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/crm"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/payments"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/sweep"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	SweepGateway     = "gateway_sweep"
	SweepCRM         = "crm_sync"
	SweepLostWebhook = "lost_webhook_sweep"
)

type Claims interface {
	ClaimBatch(ctx context.Context, f ledger.Filter, limit int) ([]ledger.Claim, error)
	ListCandidates(ctx context.Context, f ledger.Filter, limit int) ([]model.Transaction, error)
	ReleaseStatusClaim(ctx context.Context, id, token string) error
	MarkCRMSynced(ctx context.Context, id, token, dealID string) error
	MarkCRMFailed(ctx context.Context, id, token, dealID, reason string) error
}

type Applier interface {
	Apply(ctx context.Context, txnID string, to model.PaymentStatus, source payments.Source) (payments.Outcome, error)
}

type Users interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	SetCRMContactID(ctx context.Context, userID, contactID string) (string, error)
}

type Config struct {
	BatchSize int
	// StatusGrace gives the webhook a head start before the gateway is polled.
	StatusGrace time.Duration
	PixExpiry   time.Duration
	Window      time.Duration
	// LostWebhookWindow is the look-back of the lost-webhook sweep.
	LostWebhookWindow time.Duration
	CRMMaxAttempts    int
	Currency          string
	DealStage         string
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.StatusGrace < 2*time.Minute {
		c.StatusGrace = 2 * time.Minute
	}
	if c.PixExpiry <= 0 {
		c.PixExpiry = 10 * time.Minute
	}
	if c.Window <= 0 {
		c.Window = 2 * time.Hour
	}
	if c.LostWebhookWindow <= 0 {
		c.LostWebhookWindow = 24 * time.Hour
	}
	if c.CRMMaxAttempts <= 0 {
		c.CRMMaxAttempts = 10
	}
	if c.Currency == "" {
		c.Currency = "BRL"
	}
	return c
}

type Options struct {
	Limit  int
	DryRun bool
	// PendingOnly restricts the CRM pass to rows that never failed.
	PendingOnly bool
	// Hours overrides the lost-webhook look-back.
	Hours int
}

type Scheduler struct {
	claims  Claims
	applier Applier
	gateway gateway.Gateway
	crm     crm.CRM
	users   Users
	catalog crm.Catalog
	cfg     Config
	logger  *slog.Logger
	now     func() time.Time
	tracer  trace.Tracer
}

func NewScheduler(claims Claims, applier Applier, gw gateway.Gateway, crmClient crm.CRM, users Users, catalog crm.Catalog, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		claims:  claims,
		applier: applier,
		gateway: gw,
		crm:     crmClient,
		users:   users,
		catalog: catalog,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		now:     time.Now,
		tracer:  otel.Tracer("github.com/md-rashed-zaman/carebill/reconcile"),
	}
}

// GatewaySweep polls the gateway for aged pending rows and applies any status change.
func (s *Scheduler) GatewaySweep(ctx context.Context, opts Options) sweep.Report {
	filter := ledger.PendingForStatusCheck{MinAge: s.cfg.StatusGrace, Window: s.cfg.Window}
	return s.statusPass(ctx, SweepGateway, filter, payments.SourceGatewaySweep, opts)
}

// LostWebhookSweep repeats the gateway reconciliation over a wide window and includes
// approved rows, so dropped approval and refund webhooks are both recovered.
func (s *Scheduler) LostWebhookSweep(ctx context.Context, opts Options) sweep.Report {
	window := s.cfg.LostWebhookWindow
	if opts.Hours > 0 {
		window = time.Duration(opts.Hours) * time.Hour
	}
	filter := ledger.PendingForStatusCheck{MinAge: s.cfg.StatusGrace, Window: window, IncludeApproved: true}
	return s.statusPass(ctx, SweepLostWebhook, filter, payments.SourceLostWebhookSweep, opts)
}

func (s *Scheduler) statusPass(ctx context.Context, name string, filter ledger.Filter, source payments.Source, opts Options) sweep.Report {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "reconcile."+name)
	defer span.End()

	rep := sweep.Report{Sweep: name, DryRun: opts.DryRun}
	if opts.DryRun {
		return s.dryRun(ctx, rep, filter, opts.Limit).Finish(s.logger, started)
	}

	claims, err := s.claims.ClaimBatch(ctx, filter, s.limit(opts))
	if err != nil {
		rep.Err = err
		span.SetStatus(codes.Error, err.Error())
		return rep.Finish(s.logger, started)
	}
	rep.Claimed = len(claims)
	for _, c := range claims {
		res := sweep.Row(s.logger, name, c.Transaction.ID, func() sweep.Result {
			return s.reconcileStatus(ctx, name, c, source)
		})
		rep.Add(res)
	}
	span.SetAttributes(attribute.Int("claimed", rep.Claimed), attribute.Int("failed", rep.Failed))
	return rep.Finish(s.logger, started)
}

func (s *Scheduler) reconcileStatus(ctx context.Context, name string, c ledger.Claim, source payments.Source) sweep.Result {
	txn := c.Transaction
	ctx, span := s.tracer.Start(ctx, "reconcile.status_row", trace.WithAttributes(
		attribute.String("transaction_id", txn.ID),
		attribute.String("status", string(txn.Status)),
	))
	defer span.End()
	defer func() {
		if err := s.claims.ReleaseStatusClaim(context.WithoutCancel(ctx), txn.ID, c.Token); err != nil {
			s.logger.Warn(name+": release claim failed", "transaction_id", txn.ID, "err", err)
		}
	}()

	log := s.logger.With("sweep", name, "transaction_id", txn.ID, "provider_payment_id", txn.ProviderPaymentID)
	remote, err := s.gateway.QueryStatus(ctx, txn.ProviderPaymentID)
	if err != nil {
		log.Warn(name+": query status failed", "err", err, "transient", gateway.IsTransient(err))
		span.SetStatus(codes.Error, err.Error())
		return sweep.Failed
	}

	if remote == txn.Status {
		if s.pixExpired(txn) {
			return s.expirePix(ctx, log, name, txn, source)
		}
		return sweep.Skipped
	}

	out, err := s.applier.Apply(ctx, txn.ID, remote, source)
	switch {
	case errors.Is(err, ledger.ErrIllegalTransition):
		log.Warn(name+": gateway reports a forbidden transition", "local", txn.Status, "remote", remote)
		return sweep.Skipped
	case err != nil:
		log.Error(name+": apply failed", "err", err, "remote", remote)
		span.SetStatus(codes.Error, err.Error())
		return sweep.Failed
	case !out.Applied:
		return sweep.Skipped
	}
	return sweep.Succeeded
}

func (s *Scheduler) pixExpired(txn model.Transaction) bool {
	return txn.Status == model.StatusPending &&
		txn.PaymentMethod == model.MethodPix &&
		txn.Age(s.now()) > s.cfg.PixExpiry
}

// expirePix cancels the intent at the gateway first. Only a confirmed remote cancel is
// mirrored locally, so a PIX paid at the last second is never cancelled here.
func (s *Scheduler) expirePix(ctx context.Context, log *slog.Logger, name string, txn model.Transaction, source payments.Source) sweep.Result {
	ok, err := s.gateway.CancelCharge(ctx, txn.ProviderPaymentID)
	if err != nil {
		log.Warn(name+": pix cancel failed", "err", err, "transient", gateway.IsTransient(err))
		return sweep.Failed
	}
	if !ok {
		log.Warn(name + ": gateway declined pix cancel")
		return sweep.Failed
	}
	if _, err := s.applier.Apply(ctx, txn.ID, model.StatusCancelled, source); err != nil {
		log.Error(name+": apply pix cancel failed", "err", err)
		return sweep.Failed
	}
	log.Info(name+": expired pix cancelled", "age", txn.Age(s.now()).Round(time.Second).String())
	return sweep.Succeeded
}

func (s *Scheduler) dryRun(ctx context.Context, rep sweep.Report, filter ledger.Filter, limit int) sweep.Report {
	cands, err := s.claims.ListCandidates(ctx, filter, s.limit(Options{Limit: limit}))
	if err != nil {
		rep.Err = err
		return rep
	}
	rep.Claimed = len(cands)
	for _, t := range cands {
		s.logger.Info(rep.Sweep+": would process",
			"transaction_id", t.ID,
			"status", t.Status,
			"payment_method", t.PaymentMethod,
			"crm_sync_status", t.CRMSyncStatus,
			"crm_sync_attempts", t.CRMSyncAttempts,
			"age", t.Age(s.now()).Round(time.Second).String(),
		)
		rep.Add(sweep.Skipped)
	}
	return rep
}

func (s *Scheduler) limit(opts Options) int {
	if opts.Limit > 0 {
		return opts.Limit
	}
	return s.cfg.BatchSize
}
