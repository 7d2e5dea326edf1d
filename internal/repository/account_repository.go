package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/game-code-market/internal/model"
)

// AccountRepo maps sellers to external payout accounts.
type AccountRepo struct{ DB *sql.DB }

// NewAccountRepo constructs an AccountRepo with the given DB handle.
func NewAccountRepo(db *sql.DB) *AccountRepo { return &AccountRepo{DB: db} }

func scanAccount(s scanner) (*model.PayoutAccount, error) {
	var (
		a   model.PayoutAccount
		ref sql.NullString
	)
	if err := s.Scan(&a.SellerID, &ref, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.AccountRef = strPtr(ref)
	return &a, nil
}

// GetBySeller returns the seller's mapping or ErrNotFound.
func (r *AccountRepo) GetBySeller(ctx context.Context, sellerID string) (*model.PayoutAccount, error) {
	return scanAccount(r.DB.QueryRowContext(ctx,
		"SELECT seller_id, account_ref, created_at, updated_at FROM payout_accounts WHERE seller_id=? LIMIT 1",
		sellerID))
}

// GetByRef resolves an external account reference back to its seller.
func (r *AccountRepo) GetByRef(ctx context.Context, accountRef string) (*model.PayoutAccount, error) {
	return scanAccount(r.DB.QueryRowContext(ctx,
		"SELECT seller_id, account_ref, created_at, updated_at FROM payout_accounts WHERE account_ref=? LIMIT 1",
		accountRef))
}

// Record stores ref for the seller unless a reference is already present,
// and returns the row as persisted.  Callers compare the returned
// reference with theirs to detect a concurrent winner.
func (r *AccountRepo) Record(ctx context.Context, sellerID, accountRef string) (*model.PayoutAccount, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO payout_accounts (seller_id, account_ref) VALUES (?,?)
		ON DUPLICATE KEY UPDATE account_ref=COALESCE(account_ref, VALUES(account_ref))`,
		sellerID, accountRef)
	if err != nil {
		if isDuplicate(err) {
			return nil, ErrConflict
		}
		return nil, err
	}
	return r.GetBySeller(ctx, sellerID)
}
