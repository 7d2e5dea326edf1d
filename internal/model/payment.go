package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Payment mirrors a payments row.  AmountCents and PlatformFeeCents are
// fixed at reservation time and never updated.
type Payment struct {
	ID               string        `json:"id"`
	ListingID        string        `json:"listing_id"`
	BuyerID          string        `json:"buyer_id"`
	AmountCents      int64         `json:"amount_cents"`
	PlatformFeeCents int64         `json:"platform_fee_cents"`
	Currency         string        `json:"currency"`
	SessionRef       string        `json:"session_ref"`
	Status           PaymentStatus `json:"payment_status"`
	RefundRef        *string       `json:"refund_ref,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SellerAmountCents is what the seller receives on release.
func (p *Payment) SellerAmountCents() int64 { return p.AmountCents - p.PlatformFeeCents }

// Open reports whether the payment still awaits an outcome.
func (p *Payment) Open() bool {
	return p.Status == PaymentPending || p.Status == PaymentProcessing
}

// NewPayment builds a pending payment for a reservation.
func NewPayment(listingID, buyerID, sessionRef, currency string, amount, fee int64, now time.Time) (*Payment, error) {
	if listingID == "" || buyerID == "" || sessionRef == "" {
		return nil, errors.New("payment requires listing, buyer and session")
	}
	if amount <= 0 || fee < 0 || fee > amount {
		return nil, ErrInvalidAmount
	}
	return &Payment{
		ID:               uuid.NewString(),
		ListingID:        listingID,
		BuyerID:          buyerID,
		AmountCents:      amount,
		PlatformFeeCents: fee,
		Currency:         currency,
		SessionRef:       sessionRef,
		Status:           PaymentPending,
		CreatedAt:        now.UTC(),
		UpdatedAt:        now.UTC(),
	}, nil
}

// Purchase is a buyer's view of one of their payments joined with the
// listing it paid for.
type Purchase struct {
	PaymentID            string     `json:"payment_id"`
	ListingID            string     `json:"listing_id"`
	GameTitle            string     `json:"game_title"`
	Amount               string     `json:"amount"`
	PaymentStatus        string     `json:"payment_status"`
	VerificationStatus   string     `json:"verification_status"`
	VerificationDeadline *time.Time `json:"verification_deadline,omitempty"`
	PayoutStatus         string     `json:"payout_status"`
	CreatedAt            time.Time  `json:"created_at"`
}
