package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
	"github.com/shopspring/decimal"
)

func TestPixExpiryBoundary(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "56.83")

	h.clock.Advance(9*time.Minute + 59*time.Second)
	rep := h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Claimed != 1 || rep.Skipped != 1 {
		t.Fatalf("expected one skipped row at 9m59s, got %s", rep)
	}
	if len(h.gateway.cancelled) != 0 {
		t.Fatalf("pix cancelled too early: %v", h.gateway.cancelled)
	}
	if got := h.ledger.get("t1").Status; got != model.StatusPending {
		t.Fatalf("expected pending, got %s", got)
	}

	h.clock.Advance(2 * time.Second)
	rep = h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Succeeded != 1 {
		t.Fatalf("expected expiry at 10m01s, got %s", rep)
	}
	if len(h.gateway.cancelled) != 1 || h.gateway.cancelled[0] != "pay_t1" {
		t.Fatalf("expected remote cancel, got %v", h.gateway.cancelled)
	}
	if got := h.ledger.get("t1").Status; got != model.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got)
	}
}

func TestPixPaidAtDeadlineIsNotCancelled(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.clock.Advance(11 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved

	h.scheduler.GatewaySweep(context.Background(), Options{})
	if got := h.ledger.get("t1").Status; got != model.StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}
	if len(h.gateway.cancelled) != 0 {
		t.Fatalf("approved pix must not be cancelled")
	}
}

func TestGatewaySweepRespectsGrace(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.gateway.statuses["pay_t1"] = model.StatusApproved

	h.clock.Advance(time.Minute)
	rep := h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Claimed != 0 || h.gateway.queries != 0 {
		t.Fatalf("row inside the webhook grace must not be polled: %s", rep)
	}
}

func TestLostWebhookSweepNeverRegressesApproved(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.clock.Advance(5 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.scheduler.GatewaySweep(context.Background(), Options{})
	if got := h.ledger.get("t1").Status; got != model.StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}

	h.gateway.statuses["pay_t1"] = model.StatusPending
	rep := h.scheduler.LostWebhookSweep(context.Background(), Options{})
	if rep.Claimed != 1 || rep.Skipped != 1 {
		t.Fatalf("expected skipped regression, got %s", rep)
	}
	if got := h.ledger.get("t1").Status; got != model.StatusApproved {
		t.Fatalf("approved regressed to %s", got)
	}
}

func TestLostWebhookSweepRecoversRefund(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.clock.Advance(5 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.scheduler.GatewaySweep(context.Background(), Options{})

	h.gateway.statuses["pay_t1"] = model.StatusRefunded
	h.clock.Advance(3 * time.Hour)
	if rep := h.scheduler.GatewaySweep(context.Background(), Options{}); rep.Claimed != 0 {
		t.Fatalf("gateway sweep should ignore approved rows: %s", rep)
	}
	rep := h.scheduler.LostWebhookSweep(context.Background(), Options{})
	if rep.Succeeded != 1 {
		t.Fatalf("expected refund applied, got %s", rep)
	}
	if got := h.ledger.get("t1").Status; got != model.StatusRefunded {
		t.Fatalf("expected refunded, got %s", got)
	}
}

func TestLostWebhookHoursOverride(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.clock.Advance(30 * time.Hour)

	if rep := h.scheduler.LostWebhookSweep(context.Background(), Options{}); rep.Claimed != 0 {
		t.Fatalf("row outside the default window was claimed: %s", rep)
	}
	rep := h.scheduler.LostWebhookSweep(context.Background(), Options{Hours: 48})
	if rep.Claimed != 1 || rep.Succeeded != 1 {
		t.Fatalf("expected recovery with a 48h window, got %s", rep)
	}
}

func TestTransientGatewayErrorLeavesRowForNextPass(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	delete(h.gateway.statuses, "pay_t1")
	h.clock.Advance(5 * time.Minute)

	rep := h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Failed != 1 {
		t.Fatalf("expected failure, got %s", rep)
	}
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	rep = h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Succeeded != 1 {
		t.Fatalf("claim was not released after failure: %s", rep)
	}
}

func TestDryRunTouchesNothing(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.clock.Advance(20 * time.Minute)

	rep := h.scheduler.GatewaySweep(context.Background(), Options{DryRun: true})
	if !rep.DryRun || rep.Claimed != 1 {
		t.Fatalf("unexpected dry-run report: %s", rep)
	}
	if h.gateway.queries != 0 || len(h.gateway.cancelled) != 0 {
		t.Fatalf("dry run called the gateway")
	}
	if got := h.ledger.get("t1").Status; got != model.StatusPending {
		t.Fatalf("dry run changed status to %s", got)
	}
	if h.ledger.rows["t1"].statusToken != "" {
		t.Fatalf("dry run leased a row")
	}
}

func TestPanickingRowDoesNotAbortPass(t *testing.T) {
	h := newHarness()
	h.addPix("t1", "10.00")
	h.clock.Advance(time.Second)
	h.addPix("t2", "20.00")
	h.gateway.statuses["pay_t2"] = model.StatusApproved
	h.gateway.panicOn = "pay_t1"
	h.clock.Advance(5 * time.Minute)

	rep := h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Claimed != 2 || rep.Failed != 1 || rep.Succeeded != 1 {
		t.Fatalf("unexpected report: %s", rep)
	}
	if got := h.ledger.get("t2").Status; got != model.StatusApproved {
		t.Fatalf("second row not processed: %s", got)
	}
	if h.ledger.rows["t1"].statusToken != "" {
		t.Fatalf("panicking row kept its lease")
	}
}

func TestCRMAttemptsCeiling(t *testing.T) {
	h := newHarness()
	h.store.users["user-1"] = model.User{ID: "user-1", FullName: "Ana Souza", Email: "ana@example.com"}
	h.addPix("t1", "10.00")
	h.clock.Advance(5 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.scheduler.GatewaySweep(context.Background(), Options{})

	h.crm.fail = true
	for i := 0; i < 12; i++ {
		h.scheduler.CRMSweep(context.Background(), Options{})
	}
	txn := h.ledger.get("t1")
	if txn.CRMSyncAttempts != 10 {
		t.Fatalf("expected 10 attempts, got %d", txn.CRMSyncAttempts)
	}
	if txn.CRMSyncStatus != model.CRMSyncFailed {
		t.Fatalf("expected failed, got %s", txn.CRMSyncStatus)
	}

	h.crm.fail = false
	if rep := h.scheduler.CRMSweep(context.Background(), Options{}); rep.Claimed != 0 {
		t.Fatalf("exhausted row was claimed again: %s", rep)
	}
}

func TestCRMPendingOnlySkipsFailedRows(t *testing.T) {
	h := newHarness()
	h.store.users["user-1"] = model.User{ID: "user-1", FullName: "Ana Souza"}
	h.addPix("t1", "10.00")
	h.clock.Advance(5 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.scheduler.GatewaySweep(context.Background(), Options{})

	h.crm.fail = true
	h.scheduler.CRMSweep(context.Background(), Options{})
	h.crm.fail = false
	if rep := h.scheduler.CRMSweep(context.Background(), Options{PendingOnly: true}); rep.Claimed != 0 {
		t.Fatalf("pending-only pass claimed a failed row: %s", rep)
	}
	if rep := h.scheduler.CRMSweep(context.Background(), Options{}); rep.Succeeded != 1 {
		t.Fatalf("retry pass did not sync: %s", rep)
	}
}

func TestApprovedPixEndToEnd(t *testing.T) {
	h := newHarness()
	h.store.users["user-1"] = model.User{ID: "user-1", FullName: "Ana Souza", Email: "ana@example.com", CurrentPlan: model.PlanNone}
	h.store.patients["user-1"] = "patient-1"
	h.store.appointments["appt-1"] = model.AppointmentWaitingPayment

	txn := model.Transaction{
		ID:                "t1",
		ProviderPaymentID: "pay_t1",
		UserID:            "user-1",
		PlanType:          "basic",
		BillingCycle:      model.CycleMonthly,
		Amount:            decimal.RequireFromString("56.83"),
		PaymentMethod:     model.MethodPix,
		Status:            model.StatusPending,
		AppointmentID:     "appt-1",
		CreatedAt:         h.clock.Now(),
		Snapshot: model.Snapshot{
			CustomerName: "Ana Souza",
			Email:        "ana@example.com",
			LineItems: []model.LineItem{
				{ProductID: "900", Name: "placeholder", Quantity: 1, UnitPrice: decimal.RequireFromString("56.83")},
			},
		},
	}
	h.ledger.add(txn)
	h.gateway.statuses["pay_t1"] = model.StatusApproved

	h.clock.Advance(3 * time.Minute)
	rep := h.scheduler.GatewaySweep(context.Background(), Options{})
	if rep.Succeeded != 1 {
		t.Fatalf("gateway sweep: %s", rep)
	}
	if got := h.ledger.get("t1").Status; got != model.StatusApproved {
		t.Fatalf("expected approved, got %s", got)
	}
	user := h.store.users["user-1"]
	if user.CurrentPlan != "basic" || user.SubscriptionStatus != model.SubscriptionActive {
		t.Fatalf("plan not activated: %+v", user)
	}
	if _, ok := h.store.subs["patient-1"]; !ok {
		t.Fatalf("subscription row not created")
	}
	if got := h.store.appointments["appt-1"]; got != model.AppointmentScheduled {
		t.Fatalf("expected scheduled appointment, got %s", got)
	}

	rep = h.scheduler.CRMSweep(context.Background(), Options{})
	if rep.Succeeded != 1 {
		t.Fatalf("crm sweep: %s", rep)
	}
	synced := h.ledger.get("t1")
	if synced.CRMSyncStatus != model.CRMSyncSynced || synced.CRMDealID == "" {
		t.Fatalf("expected synced with deal id, got %s %q", synced.CRMSyncStatus, synced.CRMDealID)
	}
	rows := h.crm.rows[synced.CRMDealID]
	if len(rows) != 1 || rows[0].ProductID != "100" || !rows[0].Price.Equal(decimal.RequireFromString("56.83")) {
		t.Fatalf("unexpected product rows: %+v", rows)
	}
	if h.store.users["user-1"].CRMContactID == "" {
		t.Fatalf("contact id not stored")
	}
}

func TestCRMSweepUsesContactStoredByConcurrentSweep(t *testing.T) {
	h := newHarness()
	h.store.users["user-1"] = model.User{ID: "user-1", FullName: "Ana Souza", Email: "ana@example.com"}
	h.addPix("t1", "10.00")
	h.clock.Advance(5 * time.Minute)
	h.gateway.statuses["pay_t1"] = model.StatusApproved
	h.scheduler.GatewaySweep(context.Background(), Options{})

	h.store.contactRace = "contact-first"
	if rep := h.scheduler.CRMSweep(context.Background(), Options{}); rep.Succeeded != 1 {
		t.Fatalf("crm sweep: %s", rep)
	}
	synced := h.ledger.get("t1")
	if got := h.crm.deals[synced.CRMDealID].ContactID; got != "contact-first" {
		t.Fatalf("deal linked to %q, want the stored contact", got)
	}
	if got := h.store.users["user-1"].CRMContactID; got != "contact-first" {
		t.Fatalf("stored contact overwritten: %q", got)
	}
}
