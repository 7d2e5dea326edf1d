package model

import "time"

// PayoutAccount maps a seller to their external payout account.  Whether
// the account can actually receive payouts is owned by the processor and
// is never stored here.
type PayoutAccount struct {
	SellerID   string    // payout_accounts.seller_id
	AccountRef *string   // payout_accounts.account_ref (nil until onboarding starts)
	CreatedAt  time.Time // payout_accounts.created_at
	UpdatedAt  time.Time // payout_accounts.updated_at
}

// HasRef reports whether an external account has been created.
func (a *PayoutAccount) HasRef() bool { return a != nil && a.AccountRef != nil && *a.AccountRef != "" }

// Game is a catalog entry listings point at.
type Game struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}
