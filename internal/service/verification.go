package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/monitoring"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// Tracker runs the escrow verification window: funds stay held until the
// buyer confirms, disputes, or stays silent past the deadline.
type Tracker struct {
	listings ListingStore
	payments PaymentStore
	releaser *Releaser
	events   Publisher
	log      *slog.Logger
	window   time.Duration
	batch    int
	now      func() time.Time
}

// NewTracker creates a tracker that keeps buyer verification open for window.
func NewTracker(listings ListingStore, payments PaymentStore, releaser *Releaser, events Publisher, window time.Duration, batch int, log *slog.Logger) *Tracker {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	if batch <= 0 {
		batch = 100
	}
	return &Tracker{listings: listings, payments: payments, releaser: releaser, events: events, log: log, window: window, batch: batch, now: time.Now}
}

// Open starts the window on a sold listing and returns its deadline.
func (t *Tracker) Open(ctx context.Context, listingID string) (time.Time, error) {
	deadline := t.now().UTC().Add(t.window)
	if err := t.listings.OpenVerification(ctx, listingID, deadline); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return time.Time{}, ErrNotFound
		}
		if errors.Is(err, repository.ErrConflict) {
			return time.Time{}, ErrVerificationClosed
		}
		return time.Time{}, err
	}
	_ = t.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventVerificationOpen, ListingID: listingID, OccurredAt: t.now().UTC()})
	return deadline, nil
}

// Confirm records the buyer's acceptance and releases the seller's funds.
// Confirming twice is a no-op.  A failed transfer is left held for the
// payout sweep.
func (t *Tracker) Confirm(ctx context.Context, listingID, buyerID string) error {
	if _, err := t.authorize(ctx, listingID, buyerID); err != nil {
		return err
	}
	err := t.listings.CloseVerification(ctx, listingID, model.VerificationConfirmed, nil, t.now())
	if err != nil {
		return t.closeError(ctx, listingID, model.VerificationConfirmed, err)
	}
	_ = t.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventConfirmed, ListingID: listingID, BuyerID: buyerID, OccurredAt: t.now().UTC()})
	if err := t.releaser.Release(ctx, listingID); err != nil {
		t.log.Warn("release after confirmation deferred", slog.String("listing_id", listingID), slog.Any("error", err))
	}
	return nil
}

// Dispute flags a non-working code before the deadline, refunds the buyer
// and ends the sale as failed.
func (t *Tracker) Dispute(ctx context.Context, listingID, buyerID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return invalid("reason", "describe what is wrong with the code")
	}
	if _, err := t.authorize(ctx, listingID, buyerID); err != nil {
		return err
	}
	err := t.listings.CloseVerification(ctx, listingID, model.VerificationDisputed, &reason, t.now())
	if err != nil {
		return t.closeError(ctx, listingID, model.VerificationDisputed, err)
	}
	_ = t.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventDisputed, ListingID: listingID, BuyerID: buyerID, Reason: reason, OccurredAt: t.now().UTC()})
	if err := t.releaser.Reverse(ctx, listingID, reason); err != nil {
		// disputed listings with held funds are retried by the payout sweep
		t.log.Error("refund after dispute deferred", slog.String("listing_id", listingID), slog.Any("error", err))
	}
	return nil
}

// SweepExpired auto-confirms every window whose deadline has passed and
// releases its funds.  It returns the number of windows closed.
func (t *Tracker) SweepExpired(ctx context.Context) (int, error) {
	expired, err := t.listings.ListExpiredVerifications(ctx, t.now(), t.batch)
	if err != nil {
		monitoring.TrackSweep("verification", err)
		return 0, err
	}
	closed := 0
	for _, l := range expired {
		if ctx.Err() != nil {
			break
		}
		err := t.listings.CloseVerification(ctx, l.ID, model.VerificationExpired, nil, t.now())
		if errors.Is(err, repository.ErrConflict) {
			continue // buyer acted meanwhile
		}
		if err != nil {
			t.log.Error("verification expiry failed", slog.String("listing_id", l.ID), slog.Any("error", err))
			continue
		}
		closed++
		_ = t.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventExpired, ListingID: l.ID, OccurredAt: t.now().UTC()})
		if err := t.releaser.Release(ctx, l.ID); err != nil {
			t.log.Warn("release after expiry deferred", slog.String("listing_id", l.ID), slog.Any("error", err))
		}
	}
	monitoring.TrackSweep("verification", nil)
	if closed > 0 {
		t.log.Info("verification windows expired", slog.Int("count", closed))
	}
	return closed, ctx.Err()
}

// authorize checks that buyerID paid for the listing.
func (t *Tracker) authorize(ctx context.Context, listingID, buyerID string) (*model.Payment, error) {
	p, err := t.payments.GetSucceededForListing(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if p.BuyerID != buyerID {
		return nil, ErrForbidden
	}
	return p, nil
}

// closeError turns a lost verification CAS into an answer for the buyer.
// Repeating the action that already won is not an error.
func (t *Tracker) closeError(ctx context.Context, listingID string, wanted model.VerificationStatus, err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	if !errors.Is(err, repository.ErrConflict) {
		return err
	}
	l, gerr := t.listings.Get(ctx, listingID)
	if gerr == nil && l.VerificationStatus == wanted {
		return nil
	}
	return ErrVerificationClosed
}
