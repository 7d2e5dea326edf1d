// Package queue carries escrow domain events over RabbitMQ.  Publishing is
// best effort: the database is the source of truth and the audit consumer
// only appends what it receives.
package queue

import "time"

// Event types published on the escrow queue.
const (
	EventReserved         = "listing.reserved"
	EventReservationFreed = "listing.released"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventLateSuccess      = "payment.late_success"
	EventVerificationOpen = "verification.opened"
	EventConfirmed        = "verification.confirmed"
	EventExpired          = "verification.expired"
	EventDisputed         = "verification.disputed"
	EventPayoutReleased   = "payout.released"
	EventPayoutReversed   = "payout.reversed"
)

// EscrowEvent describes one state change of a listing/payment pair.  It
// carries enough for downstream consumers to log or notify without
// querying the primary database.
type EscrowEvent struct {
	Type        string    `json:"type"`
	ListingID   string    `json:"listing_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	BuyerID     string    `json:"buyer_id,omitempty"`
	SellerID    string    `json:"seller_id,omitempty"`
	AmountCents int64     `json:"amount_cents,omitempty"`
	FeeCents    int64     `json:"fee_cents,omitempty"`
	SessionRef  string    `json:"session_ref,omitempty"`
	TransferRef string    `json:"transfer_ref,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
