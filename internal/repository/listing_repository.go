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

// ListingRepo persists game_codes rows.  Rows are never deleted.
type ListingRepo struct{ DB *sql.DB }

// NewListingRepo returns a ListingRepo bound to the given database.
func NewListingRepo(db *sql.DB) *ListingRepo { return &ListingRepo{DB: db} }

const listingColumns = `gc.id, gc.game_id, g.title, gc.seller_id, gc.price_cents, gc.code,
	gc.code_value_cents, gc.region, gc.expiration_date, gc.additional_info,
	gc.status, gc.payment_status, gc.verification_status, gc.verification_deadline,
	gc.payout_status, gc.payment_session_ref, gc.transfer_ref, gc.dispute_reason,
	gc.sold_at, gc.created_at, gc.updated_at`

const listingFrom = ` FROM game_codes gc JOIN games g ON g.id = gc.game_id`

func scanListing(s scanner) (*model.Listing, error) {
	var (
		l                                          model.Listing
		codeValue                                  sql.NullInt64
		region, info, session, transfer, dispute   sql.NullString
		expiration, deadline, soldAt               sql.NullTime
		status, payStatus, verification, payoutSts string
	)
	err := s.Scan(&l.ID, &l.GameID, &l.GameTitle, &l.SellerID, &l.PriceCents, &l.Code,
		&codeValue, &region, &expiration, &info,
		&status, &payStatus, &verification, &deadline,
		&payoutSts, &session, &transfer, &dispute,
		&soldAt, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	l.CodeValueCents = intPtr(codeValue)
	l.Region = strPtr(region)
	l.ExpirationDate = timePtr(expiration)
	l.AdditionalInfo = strPtr(info)
	l.Status = model.ListingStatus(status)
	l.PaymentStatus = model.PaymentStatus(payStatus)
	l.VerificationStatus = model.VerificationStatus(verification)
	l.VerificationDeadline = timePtr(deadline)
	l.PayoutStatus = model.PayoutStatus(payoutSts)
	l.PaymentSessionRef = strPtr(session)
	l.TransferRef = strPtr(transfer)
	l.DisputeReason = strPtr(dispute)
	l.SoldAt = timePtr(soldAt)
	return &l, nil
}

func scanListings(rows *sql.Rows) ([]model.Listing, error) {
	defer rows.Close()
	var out []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// Create inserts a new listing.  The game must exist.
func (r *ListingRepo) Create(ctx context.Context, l *model.Listing) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO game_codes
		(id, game_id, seller_id, price_cents, code, code_value_cents, region, expiration_date,
		 additional_info, status, payment_status, verification_status, payout_status, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.GameID, l.SellerID, l.PriceCents, l.Code, nullInt(l.CodeValueCents), nullString(l.Region),
		nullTime(l.ExpirationDate), nullString(l.AdditionalInfo), string(l.Status), string(l.PaymentStatus),
		string(l.VerificationStatus), string(l.PayoutStatus), l.CreatedAt, l.UpdatedAt)
	return err
}

// Get loads a listing by id.
func (r *ListingRepo) Get(ctx context.Context, id string) (*model.Listing, error) {
	row := r.DB.QueryRowContext(ctx, "SELECT "+listingColumns+listingFrom+" WHERE gc.id=? LIMIT 1", id)
	return scanListing(row)
}

// ListingFilter narrows the purchasable listing query.  Query matches the
// game title case-insensitively.
type ListingFilter struct {
	Query  string
	GameID string
	Limit  int
	Offset int
}

// ListAvailable returns one page of purchasable listings, newest first,
// together with the total number of matches.
func (r *ListingRepo) ListAvailable(ctx context.Context, f ListingFilter) ([]model.Listing, int, error) {
	limit, offset := clampPage(f.Limit, f.Offset)
	where := []string{"gc.status=?", "gc.payment_status=?"}
	args := []any{string(model.ListingAvailable), string(model.PaymentUnpaid)}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, "LOWER(g.title) LIKE ?")
		args = append(args, "%"+strings.ToLower(q)+"%")
	}
	if f.GameID != "" {
		where = append(where, "gc.game_id=?")
		args = append(args, f.GameID)
	}
	cond := " WHERE " + strings.Join(where, " AND ")

	var total int
	if err := r.DB.QueryRowContext(ctx, "SELECT COUNT(*)"+listingFrom+cond, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+listingColumns+listingFrom+cond+" ORDER BY gc.created_at DESC, gc.id LIMIT ? OFFSET ?",
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	out, err := scanListings(rows)
	return out, total, err
}

// ListBySeller returns every listing a seller created, newest first.
func (r *ListingRepo) ListBySeller(ctx context.Context, sellerID string, limit, offset int) ([]model.Listing, error) {
	limit, offset = clampPage(limit, offset)
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+listingColumns+listingFrom+" WHERE gc.seller_id=? ORDER BY gc.created_at DESC LIMIT ? OFFSET ?",
		sellerID, limit, offset)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// TransitionStatus compares (status, payment_status) with from and swaps in
// to, atomically.  Bookkeeping columns implied by the target state are set
// in the same statement: returning to the pool clears the session
// reference, a sale holds the payout and a reversal marks it reversed.
func (r *ListingRepo) TransitionStatus(ctx context.Context, id string, from, to model.ListingState) (*model.Listing, error) {
	sets := []string{"status=?", "payment_status=?"}
	args := []any{string(to.Status), string(to.Payment)}
	switch to {
	case model.StateAvailable:
		sets = append(sets, "payment_session_ref=NULL")
	case model.StateSold:
		sets = append(sets, "payout_status=?", "sold_at=?")
		args = append(args, string(model.PayoutHeld), time.Now().UTC())
	case model.StateReversed:
		sets = append(sets, "payout_status=?")
		args = append(args, string(model.PayoutReversed))
	}
	args = append(args, id, string(from.Status), string(from.Payment))

	q := "UPDATE game_codes SET " + strings.Join(sets, ", ") + " WHERE id=? AND status=? AND payment_status=?"
	if err := r.execCAS(ctx, q, id, args...); err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

// AttachSession records the processor session on a reserved listing.
func (r *ListingRepo) AttachSession(ctx context.Context, id, sessionRef string) error {
	return r.execCAS(ctx,
		"UPDATE game_codes SET payment_session_ref=? WHERE id=? AND status=? AND payment_status=?",
		id, sessionRef, id, string(model.ListingPending), string(model.PaymentPending))
}

// PromoteDeferred makes a seller's pending_payment_setup listings
// purchasable.  It returns the number of listings promoted.
func (r *ListingRepo) PromoteDeferred(ctx context.Context, sellerID string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		"UPDATE game_codes SET status=? WHERE seller_id=? AND status=? AND payment_status=?",
		string(model.ListingAvailable), sellerID, string(model.ListingPendingPaymentSetup), string(model.PaymentUnpaid))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// OpenVerification starts the escrow window on a freshly sold listing.
func (r *ListingRepo) OpenVerification(ctx context.Context, id string, deadline time.Time) error {
	return r.execCAS(ctx, `UPDATE game_codes SET verification_status=?, verification_deadline=?
		WHERE id=? AND status=? AND payment_status=? AND verification_status=?`,
		id, string(model.VerificationPending), deadline.UTC(), id,
		string(model.ListingSold), string(model.PaymentSucceeded), string(model.VerificationNone))
}

// CloseVerification moves a pending verification to its outcome.  Buyer
// actions (confirmed, disputed) must land before the deadline; the expiry
// outcome only applies once the deadline has passed.
func (r *ListingRepo) CloseVerification(ctx context.Context, id string, to model.VerificationStatus, reason *string, now time.Time) error {
	cmp := "verification_deadline > ?"
	if to == model.VerificationExpired {
		cmp = "verification_deadline <= ?"
	}
	return r.execCAS(ctx, `UPDATE game_codes SET verification_status=?, dispute_reason=COALESCE(?, dispute_reason)
		WHERE id=? AND verification_status=? AND `+cmp,
		id, string(to), nullString(reason), id, string(model.VerificationPending), now.UTC())
}

// MarkReleased records the seller transfer.  Only a held payout on a sold
// listing can be released, so a second release attempt is a conflict.
func (r *ListingRepo) MarkReleased(ctx context.Context, id, transferRef string) error {
	return r.execCAS(ctx, `UPDATE game_codes SET payout_status=?, transfer_ref=?
		WHERE id=? AND payout_status=? AND status=? AND payment_status=?`,
		id, string(model.PayoutReleased), transferRef, id, string(model.PayoutHeld),
		string(model.ListingSold), string(model.PaymentSucceeded))
}

// ListExpiredVerifications returns listings whose window lapsed without a
// buyer decision.
func (r *ListingRepo) ListExpiredVerifications(ctx context.Context, now time.Time, limit int) ([]model.Listing, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+listingColumns+listingFrom+` WHERE gc.verification_status=? AND gc.verification_deadline <= ?
		ORDER BY gc.verification_deadline LIMIT ?`,
		string(model.VerificationPending), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// ListHeldPayouts returns sold listings whose funds are still held and
// are not inside an open verification window.  Rows touched after
// settledBefore are skipped so in-flight settlements are left alone.
func (r *ListingRepo) ListHeldPayouts(ctx context.Context, settledBefore time.Time, limit int) ([]model.Listing, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+listingColumns+listingFrom+` WHERE gc.payout_status=? AND gc.status=?
		AND gc.verification_status<>? AND gc.updated_at <= ? ORDER BY gc.updated_at LIMIT ?`,
		string(model.PayoutHeld), string(model.ListingSold), string(model.VerificationPending),
		settledBefore.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// ListOrphanedReservations returns reserved listings with no open payment,
// left behind when a reservation could not be rolled back.
func (r *ListingRepo) ListOrphanedReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]model.Listing, error) {
	rows, err := r.DB.QueryContext(ctx,
		"SELECT "+listingColumns+listingFrom+` WHERE gc.status=? AND gc.payment_status=? AND gc.updated_at <= ?
		AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.game_code_id = gc.id AND p.payment_status IN (?,?))
		ORDER BY gc.updated_at LIMIT ?`,
		string(model.ListingPending), string(model.PaymentPending), reservedBefore.UTC(),
		string(model.PaymentPending), string(model.PaymentProcessing), limit)
	if err != nil {
		return nil, err
	}
	return scanListings(rows)
}

// execCAS runs a conditional update on game_codes.  When nothing matched it
// tells a missing row apart from a lost race.
func (r *ListingRepo) execCAS(ctx context.Context, q, id string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update game_codes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var one int
	err = r.DB.QueryRowContext(ctx, "SELECT 1 FROM game_codes WHERE id=?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}
