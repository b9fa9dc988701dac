package storage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

// ConfirmAppointment moves a held slot to scheduled. Already scheduled or cancelled
// appointments are left alone.
func (r *Repository) ConfirmAppointment(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	return r.moveAppointment(ctx, tx, id, model.AppointmentScheduled, "")
}

// ReleaseAppointment frees a held slot so it can be booked again.
func (r *Repository) ReleaseAppointment(ctx context.Context, tx pgx.Tx, id, reason string) (bool, error) {
	return r.moveAppointment(ctx, tx, id, model.AppointmentCancelled, reason)
}

func (r *Repository) moveAppointment(ctx context.Context, tx pgx.Tx, id string, to model.AppointmentStatus, reason string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE appointments
		SET status = $2, cancellation_reason = COALESCE($3, cancellation_reason), updated_at = now()
		WHERE id = $1 AND status = 'waiting_payment'
	`, id, string(to), nullIfEmpty(reason))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repository) IncrementCouponUsage(ctx context.Context, tx pgx.Tx, code string) error {
	_, err := tx.Exec(ctx, `UPDATE coupons SET times_used = times_used + 1 WHERE code = $1`, code)
	return err
}
