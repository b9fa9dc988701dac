package model

// PaymentStatus is the canonical, provider-independent state of a transaction.
type PaymentStatus string

const (
	StatusPending   PaymentStatus = "pending"
	StatusApproved  PaymentStatus = "approved"
	StatusRejected  PaymentStatus = "rejected"
	StatusCancelled PaymentStatus = "cancelled"
	StatusRefunded  PaymentStatus = "refunded"
)

// transitions lists every legal edge. Anything absent is forbidden; in particular an
// approved transaction can never return to pending.
var transitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:  {StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved: {StatusRefunded},
}

func (s PaymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusRejected, StatusCancelled, StatusRefunded:
		return true
	default:
		return false
	}
}

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ReleasesHold reports whether resources held for the payment (appointment slots)
// must be given back.
func (s PaymentStatus) ReleasesHold() bool {
	return s == StatusRejected || s == StatusCancelled || s == StatusRefunded
}

// CRMSyncStatus tracks CRM propagation independently from payment status, so a CRM
// outage never blocks payment correctness.
type CRMSyncStatus string

const (
	CRMSyncPending CRMSyncStatus = "pending"
	CRMSyncSynced  CRMSyncStatus = "synced"
	CRMSyncFailed  CRMSyncStatus = "failed"
)

type PaymentMethod string

const (
	MethodPix  PaymentMethod = "pix"
	MethodCard PaymentMethod = "card"
)

func (m PaymentMethod) Valid() bool {
	return m == MethodPix || m == MethodCard
}

type BillingCycle string

const (
	CycleMonthly   BillingCycle = "monthly"
	CycleQuarterly BillingCycle = "quarterly"
	CycleOneOff    BillingCycle = "one_off"
)

// Months is the length of one billing cycle; zero for one-off purchases.
func (c BillingCycle) Months() int {
	switch c {
	case CycleMonthly:
		return 1
	case CycleQuarterly:
		return 3
	default:
		return 0
	}
}

func (c BillingCycle) Recurring() bool {
	return c.Months() > 0
}
