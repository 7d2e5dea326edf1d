package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/monitoring"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// Releaser moves held funds: a transfer to the seller on release, a
// refund to the buyer on reversal.  Both are keyed so that a retry after a
// partial failure cannot move money twice.
type Releaser struct {
	listings ListingStore
	payments PaymentStore
	payouts  *PayoutRegistry
	proc     processor.Processor
	events   Publisher
	log      *slog.Logger
	now      func() time.Time
}

// NewReleaser creates the payout releaser.
func NewReleaser(listings ListingStore, payments PaymentStore, payouts *PayoutRegistry, proc processor.Processor, events Publisher, log *slog.Logger) *Releaser {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Releaser{listings: listings, payments: payments, payouts: payouts, proc: proc, events: events, log: log, now: time.Now}
}

func releaseKey(listingID string) string { return "release-" + listingID }
func refundKey(paymentID string) string  { return "refund-" + paymentID }

// Release transfers the seller share of a sold listing.  Capability is
// re-checked live; an unpayable seller leaves the payout held for a later
// retry.
func (r *Releaser) Release(ctx context.Context, listingID string) error {
	l, p, err := r.load(ctx, listingID)
	if err != nil {
		return err
	}
	switch l.PayoutStatus {
	case model.PayoutReleased:
		return nil
	case model.PayoutHeld:
	default:
		return fmt.Errorf("listing %s payout is %s: %w", listingID, l.PayoutStatus, ErrConflict)
	}

	accountRef, err := r.payouts.LiveAccount(ctx, l.SellerID)
	if err != nil {
		monitoring.TrackPayout("deferred")
		r.log.Warn("payout held, seller not payable", slog.String("listing_id", l.ID), slog.Any("error", err))
		return err
	}

	transferRef, err := r.proc.Transfer(ctx, processor.TransferRequest{
		AmountCents:        p.SellerAmountCents(),
		Currency:           p.Currency,
		DestinationAccount: accountRef,
		SessionRef:         p.SessionRef,
		Group:              l.ID,
		IdempotencyKey:     releaseKey(l.ID),
	})
	if err != nil {
		monitoring.TrackPayout("transfer_failed")
		r.log.Error("seller transfer failed", slog.String("listing_id", l.ID), slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}

	if err := r.listings.MarkReleased(ctx, l.ID, transferRef); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil
		}
		// the transfer went through; the retry will reuse it via the idempotency key
		r.log.Error("transfer not recorded", slog.String("listing_id", l.ID), slog.String("transfer_ref", transferRef), slog.Any("error", err))
		monitoring.Alert("transfer_unrecorded")
		return err
	}
	monitoring.TrackPayout("released")
	_ = r.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventPayoutReleased, ListingID: l.ID, PaymentID: p.ID, SellerID: l.SellerID,
		AmountCents: p.AmountCents, FeeCents: p.PlatformFeeCents, TransferRef: transferRef, OccurredAt: r.now().UTC(),
	})
	r.log.Info("payout released", slog.String("listing_id", l.ID), slog.String("transfer_ref", transferRef))
	return nil
}

// Reverse refunds the buyer and marks the sale failed.  The listing is not
// relisted.
func (r *Releaser) Reverse(ctx context.Context, listingID, reason string) error {
	l, p, err := r.load(ctx, listingID)
	if err != nil {
		return err
	}
	if l.PayoutStatus == model.PayoutReversed {
		return nil
	}
	if l.PayoutStatus != model.PayoutHeld {
		return fmt.Errorf("listing %s payout is %s: %w", listingID, l.PayoutStatus, ErrConflict)
	}

	if err := r.refund(ctx, p); err != nil {
		monitoring.TrackPayout("refund_failed")
		return err
	}
	if _, err := r.listings.TransitionStatus(ctx, l.ID, model.StateSold, model.StateReversed); err != nil &&
		!errors.Is(err, repository.ErrConflict) {
		return err
	}
	monitoring.TrackPayout("reversed")
	_ = r.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventPayoutReversed, ListingID: l.ID, PaymentID: p.ID, BuyerID: p.BuyerID, SellerID: l.SellerID,
		AmountCents: p.AmountCents, Reason: reason, OccurredAt: r.now().UTC(),
	})
	r.log.Info("payout reversed", slog.String("listing_id", l.ID), slog.String("payment_id", p.ID))
	return nil
}

// refund returns a payment's money to the buyer once.
func (r *Releaser) refund(ctx context.Context, p *model.Payment) error {
	if p.RefundRef != nil {
		return nil
	}
	ref, err := r.proc.Refund(ctx, p.SessionRef, refundKey(p.ID))
	if err != nil {
		r.log.Error("refund failed", slog.String("payment_id", p.ID), slog.Any("error", err))
		return fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}
	if err := r.payments.SetRefundRef(ctx, p.ID, ref); err != nil && !errors.Is(err, repository.ErrConflict) {
		return err
	}
	p.RefundRef = &ref
	return nil
}

func (r *Releaser) load(ctx context.Context, listingID string) (*model.Listing, *model.Payment, error) {
	l, err := r.listings.Get(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := r.payments.GetSucceededForListing(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, fmt.Errorf("listing %s has no successful payment: %w", listingID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, err
	}
	return l, p, nil
}
