package reconcile

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/crm"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/gateway"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/ledger"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/sweep"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CRMSweep pushes approved transactions to the CRM. The claim itself counts the attempt,
// so a crash mid-sync still consumes one of the CRMMaxAttempts tries.
func (s *Scheduler) CRMSweep(ctx context.Context, opts Options) sweep.Report {
	started := s.now()
	ctx, span := s.tracer.Start(ctx, "reconcile."+SweepCRM)
	defer span.End()

	filter := ledger.CRMSync{MaxAttempts: s.cfg.CRMMaxAttempts, PendingOnly: opts.PendingOnly}
	rep := sweep.Report{Sweep: SweepCRM, DryRun: opts.DryRun}
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
		rep.Add(sweep.Row(s.logger, SweepCRM, c.Transaction.ID, func() sweep.Result {
			return s.syncRow(ctx, c)
		}))
	}
	span.SetAttributes(attribute.Int("claimed", rep.Claimed), attribute.Int("failed", rep.Failed))
	return rep.Finish(s.logger, started)
}

func (s *Scheduler) syncRow(ctx context.Context, c ledger.Claim) sweep.Result {
	txn := c.Transaction
	ctx, span := s.tracer.Start(ctx, "reconcile.crm_row", trace.WithAttributes(
		attribute.String("transaction_id", txn.ID),
		attribute.Int("attempt", txn.CRMSyncAttempts),
	))
	defer span.End()
	log := s.logger.With("sweep", SweepCRM, "transaction_id", txn.ID, "attempt", txn.CRMSyncAttempts)
	writeCtx := context.WithoutCancel(ctx)

	dealID, err := s.pushToCRM(ctx, log, txn)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		if markErr := s.claims.MarkCRMFailed(writeCtx, txn.ID, c.Token, dealID, err.Error()); markErr != nil {
			log.Warn("crm_sync: mark failed", "err", markErr)
		}
		if txn.CRMSyncAttempts >= s.cfg.CRMMaxAttempts {
			log.Error("crm_sync: attempts exhausted, giving up", "err", err, "crm_deal_id", dealID)
		} else {
			log.Warn("crm_sync: attempt failed", "err", err, "crm_deal_id", dealID)
		}
		return sweep.Failed
	}
	if err := s.claims.MarkCRMSynced(writeCtx, txn.ID, c.Token, dealID); err != nil {
		log.Warn("crm_sync: mark synced failed", "err", err, "crm_deal_id", dealID)
		return sweep.Failed
	}
	log.Info("crm_sync: synced", "crm_deal_id", dealID)
	return sweep.Succeeded
}

// pushToCRM returns the deal id as soon as one is known, even on failure, so the next
// attempt updates that deal.
func (s *Scheduler) pushToCRM(ctx context.Context, log *slog.Logger, txn model.Transaction) (string, error) {
	user, err := s.users.GetUser(ctx, txn.UserID)
	if err != nil {
		return txn.CRMDealID, fmt.Errorf("load user: %w", err)
	}
	contact := contactFromSnapshot(txn.Snapshot, user)

	contactID := user.CRMContactID
	if contactID == "" {
		created, err := s.crm.CreateContact(ctx, contact)
		if err != nil {
			return txn.CRMDealID, err
		}
		contactID, err = s.users.SetCRMContactID(ctx, user.ID, created)
		if err != nil {
			return txn.CRMDealID, fmt.Errorf("store crm contact id: %w", err)
		}
		if contactID != created {
			// Another sweep stored a contact first; the deal goes to the stored one.
			log.Warn("crm_sync: duplicate contact created", "user_id", user.ID, "crm_contact_id", contactID, "orphan_crm_contact_id", created)
		} else {
			log.Info("crm_sync: contact created", "user_id", user.ID, "crm_contact_id", contactID, "cpf", gateway.MaskCPF(contact.CPF))
		}
	} else if err := s.crm.UpdateContact(ctx, contactID, contact); err != nil {
		return txn.CRMDealID, err
	}

	deal := crm.Deal{
		Title:     dealTitle(txn),
		ContactID: contactID,
		Amount:    txn.Amount,
		Currency:  s.cfg.Currency,
		OriginID:  txn.ExternalReference,
		Stage:     s.cfg.DealStage,
	}
	dealID := txn.CRMDealID
	if dealID == "" {
		id, found, err := s.crm.FindDeal(ctx, contactID, txn.ExternalReference)
		if err != nil {
			return "", err
		}
		if found {
			dealID = id
		}
	}
	if dealID == "" {
		if dealID, err = s.crm.CreateDeal(ctx, deal); err != nil {
			return "", err
		}
	}

	rows := crm.RebuildProductRows(txn.Snapshot.LineItems, s.catalog, txn)
	if err := s.crm.ReplaceProductRows(ctx, dealID, rows); err != nil {
		return dealID, err
	}
	if err := s.crm.UpdateDeal(ctx, dealID, deal); err != nil {
		return dealID, err
	}
	return dealID, nil
}

// contactFromSnapshot prefers checkout-time data and only falls back to the user row
// for fields the snapshot lacks.
func contactFromSnapshot(snap model.Snapshot, user model.User) crm.Contact {
	c := crm.Contact{
		Name:    snap.CustomerName,
		Email:   snap.Email,
		Phone:   snap.Phone,
		CPF:     snap.CPF,
		Address: snap.Address,
	}
	if c.Name == "" {
		c.Name = user.FullName
	}
	if c.Email == "" {
		c.Email = user.Email
	}
	return c
}

func dealTitle(txn model.Transaction) string {
	plan := txn.PlanType
	if plan == "" {
		plan = "consultation"
	}
	ref := txn.ExternalReference
	if len(ref) > 8 {
		ref = ref[:8]
	}
	return fmt.Sprintf("%s (%s) #%s", plan, txn.BillingCycle, ref)
}
