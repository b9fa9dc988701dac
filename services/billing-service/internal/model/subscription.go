package model

import "time"

type Subscription struct {
	ID              string
	PatientID       string
	PlanType        string
	FrequencyMonths int
	NextBillingDate time.Time
	Status          string
	UpdatedAt       time.Time
}

const (
	SubscriptionRecordActive   = "active"
	SubscriptionRecordCanceled = "canceled"
)

type AppointmentStatus string

const (
	AppointmentWaitingPayment AppointmentStatus = "waiting_payment"
	AppointmentScheduled      AppointmentStatus = "scheduled"
	AppointmentCancelled      AppointmentStatus = "cancelled"
	AppointmentCompleted      AppointmentStatus = "completed"
)

type Appointment struct {
	ID                 string
	PatientID          string
	DoctorID           string
	StartsAt           time.Time
	Status             AppointmentStatus
	CancellationReason string
	UpdatedAt          time.Time
}
