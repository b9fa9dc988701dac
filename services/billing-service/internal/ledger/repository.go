package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/md-rashed-zaman/carebill/libs/db"
	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/model"
)

const defaultLimit = 50

const columns = `
	id::text, external_reference, COALESCE(provider_payment_id, ''), user_id::text,
	plan_type, billing_cycle, amount_cents, payment_method, status,
	crm_sync_status, crm_sync_attempts, last_crm_sync_at, COALESCE(crm_deal_id, ''),
	COALESCE(appointment_id::text, ''), COALESCE(coupon_code, ''), metadata,
	created_at, updated_at`

// Claim is a leased row. Token must accompany every write-back.
type Claim struct {
	Transaction model.Transaction
	Token       string
	Lane        Lane
}

type Repository struct {
	pool  *db.Pool
	lease time.Duration
}

func NewRepository(pool *db.Pool, lease time.Duration) *Repository {
	if lease <= 0 {
		lease = 2 * time.Minute
	}
	return &Repository{pool: pool, lease: lease}
}

// ClaimBatch leases up to limit rows matching f in one short statement. Rows locked or
// leased by another worker are skipped, so concurrent callers receive disjoint batches.
// An expired lease is claimable again, which is how a crashed worker's rows come back.
func (r *Repository) ClaimBatch(ctx context.Context, f Filter, limit int) ([]Claim, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	lane := f.Lane()
	token := uuid.NewString()
	args := []any{token, r.lease.Seconds(), limit}
	where := f.where(&args)

	set := fmt.Sprintf("%[1]s_lease_token = $1, %[1]s_lease_until = now() + make_interval(secs => $2)", lane)
	if lane == LaneCRM {
		set += ", crm_sync_attempts = crm_sync_attempts + 1, last_crm_sync_at = now()"
	}
	q := fmt.Sprintf(`
		UPDATE transactions
		SET %s
		WHERE id IN (
			SELECT id FROM transactions
			WHERE %s
			  AND (%[3]s_lease_until IS NULL OR %[3]s_lease_until < now())
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, set, where, lane, columns)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("claim %s batch: %w", lane, err)
	}
	defer rows.Close()

	var out []Claim
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, Claim{Transaction: t, Token: token, Lane: lane})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Transaction.CreatedAt.Before(out[j].Transaction.CreatedAt)
	})
	return out, nil
}

// ListCandidates returns what ClaimBatch would take, without leasing or locking.
func (r *Repository) ListCandidates(ctx context.Context, f Filter, limit int) ([]model.Transaction, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	lane := f.Lane()
	args := []any{limit}
	where := f.where(&args)
	q := fmt.Sprintf(`
		SELECT %s FROM transactions
		WHERE %s
		  AND (%[3]s_lease_until IS NULL OR %[3]s_lease_until < now())
		ORDER BY created_at
		LIMIT $1
	`, columns, where, lane)

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetForUpdate locks the row for the remainder of tx.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (model.Transaction, error) {
	t, err := scanTransaction(tx.QueryRow(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, ErrNotFound
	}
	return t, err
}

// TransitionStatus moves a row from -> to. It returns false when the row is no longer
// in the from state, which means another path already applied a transition.
func (r *Repository) TransitionStatus(ctx context.Context, tx pgx.Tx, id string, from, to model.PaymentStatus) (bool, error) {
	if from == to {
		return false, nil
	}
	if !from.CanTransition(to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $3, status_checked_at = now(), updated_at = now()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseStatusClaim ends a status lease and records the check time.
func (r *Repository) ReleaseStatusClaim(ctx context.Context, id, token string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET status_lease_token = NULL, status_lease_until = NULL, status_checked_at = now()
		WHERE id = $1 AND status_lease_token = $2
	`, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (r *Repository) MarkCRMSynced(ctx context.Context, id, token, dealID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET crm_sync_status = 'synced', crm_deal_id = $3, crm_last_error = NULL,
		    crm_lease_token = NULL, crm_lease_until = NULL, updated_at = now()
		WHERE id = $1 AND crm_lease_token = $2
	`, id, token, dealID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// MarkCRMFailed records the failure. A deal created before the failure is kept so the
// next attempt updates it instead of creating a duplicate.
func (r *Repository) MarkCRMFailed(ctx context.Context, id, token, dealID, reason string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET crm_sync_status = 'failed', crm_deal_id = COALESCE($3::text, crm_deal_id), crm_last_error = $4,
		    crm_lease_token = NULL, crm_lease_until = NULL, updated_at = now()
		WHERE id = $1 AND crm_lease_token = $2
	`, id, token, nullIfEmpty(dealID), truncate(reason, 1000))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

// Insert stores a new pending transaction and fills in its id.
func (r *Repository) Insert(ctx context.Context, t *model.Transaction) error {
	if t.ExternalReference == "" {
		t.ExternalReference = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	meta, err := json.Marshal(t.Snapshot)
	if err != nil {
		return err
	}
	return r.pool.QueryRow(ctx, `
		INSERT INTO transactions (external_reference, provider_payment_id, user_id, plan_type, billing_cycle,
		                          amount_cents, payment_method, status, appointment_id, coupon_code, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id::text, crm_sync_status, created_at, updated_at
	`, t.ExternalReference, nullIfEmpty(t.ProviderPaymentID), t.UserID, t.PlanType, string(t.BillingCycle),
		model.AmountToCents(t.Amount), string(t.PaymentMethod), string(t.Status),
		nullIfEmpty(t.AppointmentID), nullIfEmpty(t.CouponCode), meta,
	).Scan(&t.ID, &t.CRMSyncStatus, &t.CreatedAt, &t.UpdatedAt)
}

// AttachProviderPayment links a charge created at the gateway to its ledger row.
func (r *Repository) AttachProviderPayment(ctx context.Context, id, providerPaymentID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE transactions
		SET provider_payment_id = $2, updated_at = now()
		WHERE id = $1 AND (provider_payment_id IS NULL OR provider_payment_id = $2)
	`, id, providerPaymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, id string) (model.Transaction, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM transactions WHERE id = $1`, id)
}

func (r *Repository) GetByProviderID(ctx context.Context, providerPaymentID string) (model.Transaction, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM transactions WHERE provider_payment_id = $1`, providerPaymentID)
}

func (r *Repository) GetByExternalReference(ctx context.Context, ref string) (model.Transaction, error) {
	return r.getOne(ctx, `SELECT `+columns+` FROM transactions WHERE external_reference = $1`, ref)
}

func (r *Repository) getOne(ctx context.Context, q string, arg string) (model.Transaction, error) {
	t, err := scanTransaction(r.pool.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Transaction{}, ErrNotFound
	}
	return t, err
}

func scanTransaction(row pgx.Row) (model.Transaction, error) {
	var t model.Transaction
	var cents int64
	var cycle, method, status, crmStatus string
	var meta []byte
	err := row.Scan(
		&t.ID, &t.ExternalReference, &t.ProviderPaymentID, &t.UserID,
		&t.PlanType, &cycle, &cents, &method, &status,
		&crmStatus, &t.CRMSyncAttempts, &t.LastCRMSyncAt, &t.CRMDealID,
		&t.AppointmentID, &t.CouponCode, &meta,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return model.Transaction{}, err
	}
	t.BillingCycle = model.BillingCycle(cycle)
	t.PaymentMethod = model.PaymentMethod(method)
	t.Status = model.PaymentStatus(status)
	t.CRMSyncStatus = model.CRMSyncStatus(crmStatus)
	t.Amount = model.CentsToAmount(cents)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Snapshot); err != nil {
			return model.Transaction{}, fmt.Errorf("decode metadata for %s: %w", t.ID, err)
		}
	}
	return t, nil
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
