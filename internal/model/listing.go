package model

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ListingStatus is the sale lifecycle of a game code (game_codes.status).
type ListingStatus string

const (
	ListingAvailable           ListingStatus = "available"
	ListingPending             ListingStatus = "pending"
	ListingSold                ListingStatus = "sold"
	ListingPendingPaymentSetup ListingStatus = "pending_payment_setup"
)

// PaymentStatus is shared by game_codes.payment_status and
// payments.payment_status.  Unpaid only appears on listings.
type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSucceeded  PaymentStatus = "succeeded"
	PaymentFailed     PaymentStatus = "failed"
)

// VerificationStatus tracks the escrow verification window.
// VerificationExpired means the deadline passed without a dispute and the
// sale was implicitly confirmed.
type VerificationStatus string

const (
	VerificationNone      VerificationStatus = "none"
	VerificationPending   VerificationStatus = "pending"
	VerificationConfirmed VerificationStatus = "confirmed"
	VerificationExpired   VerificationStatus = "expired"
	VerificationDisputed  VerificationStatus = "disputed"
)

// PayoutStatus tracks custody of the captured funds.
type PayoutStatus string

const (
	PayoutNone     PayoutStatus = "none"
	PayoutHeld     PayoutStatus = "held"
	PayoutReleased PayoutStatus = "released"
	PayoutReversed PayoutStatus = "reversed"
)

// ListingState is the (status, payment_status) pair every listing CAS
// compares and swaps.
type ListingState struct {
	Status  ListingStatus
	Payment PaymentStatus
}

var (
	StateAvailable      = ListingState{ListingAvailable, PaymentUnpaid}
	StateReserved       = ListingState{ListingPending, PaymentPending}
	StateSold           = ListingState{ListingSold, PaymentSucceeded}
	StateReversed       = ListingState{ListingSold, PaymentFailed}
	StateAwaitingPayout = ListingState{ListingPendingPaymentSetup, PaymentUnpaid}
)

func (s ListingState) String() string { return string(s.Status) + "/" + string(s.Payment) }

// Listing mirrors a game_codes row.  Code is write-once and must never be
// serialised to anyone but the seller or the paying buyer; it carries no
// json tag for that reason.
type Listing struct {
	ID                   string
	GameID               string
	GameTitle            string
	SellerID             string
	PriceCents           int64
	Code                 string
	CodeValueCents       *int64
	Region               *string
	ExpirationDate       *time.Time
	AdditionalInfo       *string
	Status               ListingStatus
	PaymentStatus        PaymentStatus
	VerificationStatus   VerificationStatus
	VerificationDeadline *time.Time
	PayoutStatus         PayoutStatus
	PaymentSessionRef    *string
	TransferRef          *string
	DisputeReason        *string
	SoldAt               *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// State returns the listing's CAS pair.
func (l *Listing) State() ListingState {
	return ListingState{Status: l.Status, Payment: l.PaymentStatus}
}

// Purchasable reports whether buyers may reserve the listing.
func (l *Listing) Purchasable() bool {
	return l.State() == StateAvailable
}

// NewListingParams carries the validated inputs for NewListing.
type NewListingParams struct {
	GameID         string
	SellerID       string
	PriceCents     int64
	Code           string
	CodeValueCents *int64
	Region         *string
	ExpirationDate *time.Time
	AdditionalInfo *string
	Deferred       bool // seller not payout-capable yet
}

var (
	ErrInvalidPrice  = errors.New("price must be greater than zero")
	ErrEmptyCode     = errors.New("code must not be empty")
	ErrMissingGame   = errors.New("game id is required")
	ErrMissingSeller = errors.New("seller id is required")
)

// NewListing validates p and returns a fresh listing in its initial state.
func NewListing(p NewListingParams, now time.Time) (*Listing, error) {
	code := strings.TrimSpace(p.Code)
	switch {
	case p.PriceCents <= 0:
		return nil, ErrInvalidPrice
	case code == "":
		return nil, ErrEmptyCode
	case strings.TrimSpace(p.GameID) == "":
		return nil, ErrMissingGame
	case strings.TrimSpace(p.SellerID) == "":
		return nil, ErrMissingSeller
	}
	st := StateAvailable
	if p.Deferred {
		st = StateAwaitingPayout
	}
	return &Listing{
		ID:                 uuid.NewString(),
		GameID:             p.GameID,
		SellerID:           p.SellerID,
		PriceCents:         p.PriceCents,
		Code:               code,
		CodeValueCents:     p.CodeValueCents,
		Region:             p.Region,
		ExpirationDate:     p.ExpirationDate,
		AdditionalInfo:     p.AdditionalInfo,
		Status:             st.Status,
		PaymentStatus:      st.Payment,
		VerificationStatus: VerificationNone,
		PayoutStatus:       PayoutNone,
		CreatedAt:          now.UTC(),
		UpdatedAt:          now.UTC(),
	}, nil
}

// ListingView is the buyer-facing projection of a listing.  It never
// includes the code payload.
type ListingView struct {
	ID             string     `json:"id"`
	GameID         string     `json:"game_id"`
	GameTitle      string     `json:"game_title"`
	SellerID       string     `json:"seller_id"`
	Price          string     `json:"price"`
	PriceCents     int64      `json:"price_cents"`
	CodeValue      *string    `json:"code_value,omitempty"`
	Region         *string    `json:"region,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	AdditionalInfo *string    `json:"additional_info,omitempty"`
	Status         string     `json:"status"`
	PaymentStatus  string     `json:"payment_status"`
	CreatedAt      time.Time  `json:"created_at"`
}

// View projects l for buyers.
func (l *Listing) View() ListingView {
	v := ListingView{
		ID:             l.ID,
		GameID:         l.GameID,
		GameTitle:      l.GameTitle,
		SellerID:       l.SellerID,
		Price:          FormatCents(l.PriceCents),
		PriceCents:     l.PriceCents,
		Region:         l.Region,
		ExpirationDate: l.ExpirationDate,
		AdditionalInfo: l.AdditionalInfo,
		Status:         string(l.Status),
		PaymentStatus:  string(l.PaymentStatus),
		CreatedAt:      l.CreatedAt,
	}
	if l.CodeValueCents != nil {
		cv := FormatCents(*l.CodeValueCents)
		v.CodeValue = &cv
	}
	return v
}

// SellerListingView adds the escrow bookkeeping a seller sees on their
// dashboard.
type SellerListingView struct {
	ListingView
	VerificationStatus   string     `json:"verification_status"`
	VerificationDeadline *time.Time `json:"verification_deadline,omitempty"`
	PayoutStatus         string     `json:"payout_status"`
	TransferRef          *string    `json:"transfer_ref,omitempty"`
	DisputeReason        *string    `json:"dispute_reason,omitempty"`
	SoldAt               *time.Time `json:"sold_at,omitempty"`
}

// SellerView projects l for its seller.
func (l *Listing) SellerView() SellerListingView {
	return SellerListingView{
		ListingView:          l.View(),
		VerificationStatus:   string(l.VerificationStatus),
		VerificationDeadline: l.VerificationDeadline,
		PayoutStatus:         string(l.PayoutStatus),
		TransferRef:          l.TransferRef,
		DisputeReason:        l.DisputeReason,
		SoldAt:               l.SoldAt,
	}
}
