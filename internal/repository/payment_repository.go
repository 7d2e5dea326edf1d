package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/iliyamo/game-code-market/internal/model"
)

// PaymentRepo persists payments rows.  Amount and fee are immutable once
// inserted; only payment_status and refund_ref ever change.
type PaymentRepo struct{ DB *sql.DB }

// NewPaymentRepo returns a PaymentRepo bound to the given database.
func NewPaymentRepo(db *sql.DB) *PaymentRepo { return &PaymentRepo{DB: db} }

const paymentColumns = `id, game_code_id, buyer_id, amount_cents, platform_fee_cents, currency,
	session_ref, payment_status, refund_ref, created_at, updated_at`

func scanPayment(s scanner) (*model.Payment, error) {
	var (
		p      model.Payment
		status string
		refund sql.NullString
	)
	err := s.Scan(&p.ID, &p.ListingID, &p.BuyerID, &p.AmountCents, &p.PlatformFeeCents, &p.Currency,
		&p.SessionRef, &status, &refund, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = model.PaymentStatus(status)
	p.RefundRef = strPtr(refund)
	return &p, nil
}

// Create inserts a pending payment.
func (r *PaymentRepo) Create(ctx context.Context, p *model.Payment) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payments
		(id, game_code_id, buyer_id, amount_cents, platform_fee_cents, currency, session_ref,
		 payment_status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.ListingID, p.BuyerID, p.AmountCents, p.PlatformFeeCents, p.Currency, p.SessionRef,
		string(p.Status), p.CreatedAt, p.UpdatedAt)
	if isDuplicate(err) {
		return ErrConflict
	}
	return err
}

// GetBySession loads the payment opened for a processor session.
func (r *PaymentRepo) GetBySession(ctx context.Context, sessionRef string) (*model.Payment, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+paymentColumns+" FROM payments WHERE session_ref=? LIMIT 1", sessionRef)
	return scanPayment(row)
}

// GetSucceededForListing returns the one successful payment of a listing.
func (r *PaymentRepo) GetSucceededForListing(ctx context.Context, listingID string) (*model.Payment, error) {
	row := r.DB.QueryRowContext(ctx,
		"SELECT "+paymentColumns+" FROM payments WHERE game_code_id=? AND payment_status=? LIMIT 1",
		listingID, string(model.PaymentSucceeded))
	return scanPayment(row)
}

// TransitionStatus moves a payment from any of the from states to to.  A
// second success for the same listing is rejected by the unique guard and
// reported as ErrConflict.
func (r *PaymentRepo) TransitionStatus(ctx context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus) error {
	if len(from) == 0 {
		return fmt.Errorf("transition payment %s: no source states", id)
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{string(to), id}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := r.DB.ExecContext(ctx,
		"UPDATE payments SET payment_status=? WHERE id=? AND payment_status IN ("+marks+")", args...)
	if err != nil {
		if isDuplicate(err) {
			return ErrConflict
		}
		return fmt.Errorf("update payments: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.DB.QueryRowContext(ctx, "SELECT 1 FROM payments WHERE id=?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// SetRefundRef records a processor refund once.
func (r *PaymentRepo) SetRefundRef(ctx context.Context, id, refundRef string) error {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE payments SET refund_ref=? WHERE id=? AND refund_ref IS NULL", refundRef, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

// ListStale returns open payments created before cutoff, oldest first.
func (r *PaymentRepo) ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+paymentColumns+` FROM payments WHERE payment_status IN (?,?) AND created_at < ?
		ORDER BY created_at LIMIT ?`,
		string(model.PaymentPending), string(model.PaymentProcessing), cutoff.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ListByBuyer returns a buyer's payments joined with their listings.
func (r *PaymentRepo) ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]model.Purchase, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := r.DB.QueryContext(ctx, `SELECT p.id, p.game_code_id, g.title, p.amount_cents, p.payment_status,
		gc.verification_status, gc.verification_deadline, gc.payout_status, p.created_at
		FROM payments p
		JOIN game_codes gc ON gc.id = p.game_code_id
		JOIN games g ON g.id = gc.game_id
		WHERE p.buyer_id=? ORDER BY p.created_at DESC LIMIT ? OFFSET ?`, buyerID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Purchase
	for rows.Next() {
		var (
			pu       model.Purchase
			amount   int64
			deadline sql.NullTime
		)
		if err := rows.Scan(&pu.PaymentID, &pu.ListingID, &pu.GameTitle, &amount, &pu.PaymentStatus,
			&pu.VerificationStatus, &deadline, &pu.PayoutStatus, &pu.CreatedAt); err != nil {
			return nil, err
		}
		pu.Amount = model.FormatCents(amount)
		pu.VerificationDeadline = timePtr(deadline)
		out = append(out, pu)
	}
	return out, rows.Err()
}
