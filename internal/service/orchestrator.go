package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/monitoring"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// Reservation is what a buyer needs to finish paying out of band.
type Reservation struct {
	PaymentID         string `json:"payment_id"`
	ListingID         string `json:"listing_id"`
	SessionRef        string `json:"session_ref"`
	ClientSecret      string `json:"client_secret,omitempty"`
	RedirectURL       string `json:"redirect_url,omitempty"`
	Amount            string `json:"amount"`
	AmountCents       int64  `json:"amount_cents"`
	PlatformFeeCents  int64  `json:"platform_fee_cents"`
	SellerAmountCents int64  `json:"seller_amount_cents"`
	Currency          string `json:"currency"`
}

// Orchestrator reserves listings and opens payment sessions.  It never
// waits for the buyer to pay; settlement happens in Resolver.
type Orchestrator struct {
	listings ListingStore
	payments PaymentStore
	payouts  *PayoutRegistry
	proc     processor.Processor
	events   Publisher
	log      *slog.Logger

	feeRate  decimal.Decimal
	currency string
	retry    RetryPolicy
	now      func() time.Time
}

// NewOrchestrator creates the purchase orchestrator.  feeRate is the
// platform share taken from every sale.
func NewOrchestrator(listings ListingStore, payments PaymentStore, payouts *PayoutRegistry, proc processor.Processor,
	events Publisher, feeRate decimal.Decimal, currency string, log *slog.Logger) *Orchestrator {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		listings: listings,
		payments: payments,
		payouts:  payouts,
		proc:     proc,
		events:   events,
		log:      log,
		feeRate:  feeRate,
		currency: currency,
		retry:    DefaultRetryPolicy,
		now:      time.Now,
	}
}

// Reserve moves a listing from available/unpaid to pending/pending for
// buyerID and opens a payment session for its price.  Losing the race to
// another buyer is ErrAlreadyReserved and is not retried.  If the
// processor call or the payment insert fails, the reservation is rolled
// back before returning.
func (o *Orchestrator) Reserve(ctx context.Context, buyerID, listingID string) (*Reservation, error) {
	res, err := o.reserve(ctx, buyerID, listingID)
	monitoring.TrackReservation(reservationOutcome(err))
	return res, err
}

func reservationOutcome(err error) string {
	switch {
	case err == nil:
		return "reserved"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrSellerNotPayable):
		return "seller_not_payable"
	case errors.Is(err, ErrExternalProcessor):
		return "processor_error"
	case errors.Is(err, ErrAlreadyPurchased):
		return "already_purchased"
	default:
		return "error"
	}
}

func (o *Orchestrator) reserve(ctx context.Context, buyerID, listingID string) (*Reservation, error) {
	l, err := o.listings.Get(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.SellerID == buyerID {
		return nil, invalid("listing_id", "you cannot buy your own listing")
	}
	if !l.Purchasable() {
		return nil, o.unavailable(ctx, l, buyerID)
	}

	accountRef, err := o.payouts.PayableAccount(ctx, l.SellerID)
	if err != nil {
		return nil, err
	}

	split := ComputeFee(l.PriceCents, o.feeRate)

	if _, err := o.listings.TransitionStatus(ctx, l.ID, model.StateAvailable, model.StateReserved); err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, ErrAlreadyReserved
		case errors.Is(err, repository.ErrNotFound):
			return nil, ErrNotFound
		}
		return nil, err
	}

	sess, err := o.proc.CreateSession(ctx, processor.SessionRequest{
		AmountCents:        split.PriceCents,
		PlatformFeeCents:   split.PlatformFeeCents,
		Currency:           o.currency,
		DestinationAccount: accountRef,
		Metadata: map[string]string{
			"listing_id": l.ID,
			"buyer_id":   buyerID,
			"seller_id":  l.SellerID,
		},
		IdempotencyKey: "reserve-" + l.ID + "-" + uuid.NewString(),
	})
	if err != nil {
		o.log.Warn("payment session failed, releasing reservation",
			slog.String("listing_id", l.ID), slog.Any("error", err))
		o.rollback(ctx, l.ID)
		return nil, fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}

	p, err := model.NewPayment(l.ID, buyerID, sess.Ref, o.currency, split.PriceCents, split.PlatformFeeCents, o.now())
	if err == nil {
		err = o.payments.Create(ctx, p)
	}
	if err != nil {
		o.log.Error("payment insert failed, cancelling session",
			slog.String("listing_id", l.ID), slog.String("session_ref", sess.Ref), slog.Any("error", err))
		if cerr := o.proc.CancelSession(context.WithoutCancel(ctx), sess.Ref); cerr != nil {
			o.log.Error("session cancel failed", slog.String("session_ref", sess.Ref), slog.Any("error", cerr))
			monitoring.Alert("orphan_session")
		}
		o.rollback(ctx, l.ID)
		return nil, err
	}
	if err := o.listings.AttachSession(ctx, l.ID, sess.Ref); err != nil {
		o.log.Warn("session not attached to listing", slog.String("listing_id", l.ID), slog.Any("error", err))
	}

	_ = o.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventReserved, ListingID: l.ID, PaymentID: p.ID, BuyerID: buyerID, SellerID: l.SellerID,
		AmountCents: split.PriceCents, FeeCents: split.PlatformFeeCents, SessionRef: sess.Ref, OccurredAt: o.now().UTC(),
	})
	o.log.Info("listing reserved",
		slog.String("listing_id", l.ID), slog.String("buyer_id", buyerID), slog.String("session_ref", sess.Ref))

	return &Reservation{
		PaymentID:         p.ID,
		ListingID:         l.ID,
		SessionRef:        sess.Ref,
		ClientSecret:      sess.ClientSecret,
		RedirectURL:       sess.RedirectURL,
		Amount:            model.FormatCents(split.PriceCents),
		AmountCents:       split.PriceCents,
		PlatformFeeCents:  split.PlatformFeeCents,
		SellerAmountCents: split.SellerAmountCents,
		Currency:          o.currency,
	}, nil
}

// unavailable explains why l cannot be reserved by buyerID.
func (o *Orchestrator) unavailable(ctx context.Context, l *model.Listing, buyerID string) error {
	switch l.Status {
	case model.ListingPendingPaymentSetup:
		return ErrNotFound
	case model.ListingSold:
		p, err := o.payments.GetSucceededForListing(ctx, l.ID)
		if err == nil && p.BuyerID == buyerID && l.PayoutStatus != model.PayoutReversed {
			return ErrAlreadyPurchased
		}
	}
	return ErrAlreadyReserved
}

// rollback returns a reserved listing to the pool, retrying with backoff.
// It runs detached from the request context so a client disconnect cannot
// strand the listing; the orphan sweep covers a rollback that still fails.
func (o *Orchestrator) rollback(ctx context.Context, listingID string) {
	ctx = context.WithoutCancel(ctx)
	err := retry(ctx, o.log, o.retry, "rollback_reservation", func(ctx context.Context) error {
		_, err := o.listings.TransitionStatus(ctx, listingID, model.StateReserved, model.StateAvailable)
		return err
	})
	switch {
	case errors.Is(err, repository.ErrConflict):
		// someone else already moved the listing on
		return
	case err != nil:
		o.log.Error("reservation rollback failed", slog.String("listing_id", listingID), slog.Any("error", err))
		monitoring.Alert("rollback_failed")
		return
	}
	_ = o.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventReservationFreed, ListingID: listingID, Reason: "rollback", OccurredAt: o.now().UTC()})
}

// Purchases lists a buyer's payments.
func (o *Orchestrator) Purchases(ctx context.Context, buyerID string, limit, offset int) ([]model.Purchase, error) {
	return o.payments.ListByBuyer(ctx, buyerID, limit, offset)
}
