package ledger

import (
	"fmt"
	"time"
)

// Lane separates status and CRM claims so both sweeps can hold the same row at once.
type Lane string

const (
	LaneStatus Lane = "status"
	LaneCRM    Lane = "crm"
)

// Filter selects claimable rows. Implementations append their own arguments.
type Filter interface {
	Lane() Lane
	where(args *[]any) string
}

// PendingForStatusCheck selects rows whose gateway status should be polled.
type PendingForStatusCheck struct {
	// MinAge keeps fresh rows out so the webhook gets a chance first.
	MinAge time.Duration
	// Window bounds how far back to look; zero means unbounded.
	Window time.Duration
	// IncludeApproved also polls approved rows, catching dropped refund webhooks.
	IncludeApproved bool
}

func (PendingForStatusCheck) Lane() Lane { return LaneStatus }

func (f PendingForStatusCheck) where(args *[]any) string {
	clause := "status = 'pending'"
	if f.IncludeApproved {
		clause = "status IN ('pending', 'approved')"
	}
	clause += " AND provider_payment_id IS NOT NULL"
	clause += fmt.Sprintf(" AND created_at <= now() - make_interval(secs => %s)", bind(args, f.MinAge.Seconds()))
	if f.Window > 0 {
		clause += fmt.Sprintf(" AND created_at >= now() - make_interval(secs => %s)", bind(args, f.Window.Seconds()))
	}
	return clause
}

// CRMSync selects approved rows not yet propagated to the CRM.
type CRMSync struct {
	MaxAttempts int
	// PendingOnly skips rows that already failed at least once.
	PendingOnly bool
}

func (CRMSync) Lane() Lane { return LaneCRM }

func (f CRMSync) where(args *[]any) string {
	clause := "status = 'approved' AND crm_sync_status IN ('pending', 'failed')"
	if f.PendingOnly {
		clause = "status = 'approved' AND crm_sync_status = 'pending'"
	}
	if f.MaxAttempts > 0 {
		clause += fmt.Sprintf(" AND crm_sync_attempts < %s", bind(args, f.MaxAttempts))
	}
	return clause
}

func bind(args *[]any, v any) string {
	*args = append(*args, v)
	return fmt.Sprintf("$%d", len(*args))
}
