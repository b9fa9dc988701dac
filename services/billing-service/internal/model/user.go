package model

import "time"

type SubscriptionStatus string

const (
	SubscriptionActive      SubscriptionStatus = "active"
	SubscriptionPastDue     SubscriptionStatus = "past_due"
	SubscriptionCanceled    SubscriptionStatus = "canceled"
	SubscriptionGracePeriod SubscriptionStatus = "grace_period"
)

// PlanNone is the current plan of a user without entitlement.
const PlanNone = "none"

// User carries identity plus the entitlement fields the rest of the platform reads.
type User struct {
	ID                        string
	Email                     string
	FullName                  string
	CurrentPlan               string
	SubscriptionStatus        SubscriptionStatus
	AccessValidUntil          *time.Time
	ScheduledCancellationDate *time.Time
	CancellationReason        string
	ScheduledPlan             string
	CRMContactID              string
	GatewayCustomerID         string
	GatewaySubscriptionID     string
	UpdatedAt                 time.Time
}

// GraceExpired reports whether a grace-period cancellation is due for finalization.
func (u User) GraceExpired(now time.Time) bool {
	if u.SubscriptionStatus != SubscriptionGracePeriod || u.ScheduledCancellationDate == nil {
		return false
	}
	return !u.ScheduledCancellationDate.After(now)
}

// HasAccess is the entitlement check: grace-period users keep access until the paid-through date.
func (u User) HasAccess(now time.Time) bool {
	switch u.SubscriptionStatus {
	case SubscriptionActive, SubscriptionPastDue:
		return u.CurrentPlan != "" && u.CurrentPlan != PlanNone
	case SubscriptionGracePeriod:
		return u.AccessValidUntil != nil && now.Before(*u.AccessValidUntil)
	default:
		return false
	}
}

type Patient struct {
	ID     string
	UserID string
}
