package service

import (
	"context"
	"time"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// ListingStore is the persistence the services need for game_codes.  The
// MySQL implementation is repository.ListingRepo.
type ListingStore interface {
	Create(ctx context.Context, l *model.Listing) error
	Get(ctx context.Context, id string) (*model.Listing, error)
	ListAvailable(ctx context.Context, f repository.ListingFilter) ([]model.Listing, int, error)
	ListBySeller(ctx context.Context, sellerID string, limit, offset int) ([]model.Listing, error)
	TransitionStatus(ctx context.Context, id string, from, to model.ListingState) (*model.Listing, error)
	AttachSession(ctx context.Context, id, sessionRef string) error
	PromoteDeferred(ctx context.Context, sellerID string) (int64, error)
	OpenVerification(ctx context.Context, id string, deadline time.Time) error
	CloseVerification(ctx context.Context, id string, to model.VerificationStatus, reason *string, now time.Time) error
	MarkReleased(ctx context.Context, id, transferRef string) error
	ListExpiredVerifications(ctx context.Context, now time.Time, limit int) ([]model.Listing, error)
	ListHeldPayouts(ctx context.Context, settledBefore time.Time, limit int) ([]model.Listing, error)
	ListOrphanedReservations(ctx context.Context, reservedBefore time.Time, limit int) ([]model.Listing, error)
}

// PaymentStore is the persistence for payments rows.
type PaymentStore interface {
	Create(ctx context.Context, p *model.Payment) error
	GetBySession(ctx context.Context, sessionRef string) (*model.Payment, error)
	GetSucceededForListing(ctx context.Context, listingID string) (*model.Payment, error)
	TransitionStatus(ctx context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus) error
	SetRefundRef(ctx context.Context, id, refundRef string) error
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]model.Payment, error)
	ListByBuyer(ctx context.Context, buyerID string, limit, offset int) ([]model.Purchase, error)
}

// AccountStore maps sellers to payout account references.
type AccountStore interface {
	GetBySeller(ctx context.Context, sellerID string) (*model.PayoutAccount, error)
	GetByRef(ctx context.Context, accountRef string) (*model.PayoutAccount, error)
	Record(ctx context.Context, sellerID, accountRef string) (*model.PayoutAccount, error)
}

// GameStore reads the catalog.
type GameStore interface {
	List(ctx context.Context) ([]model.Game, error)
	Get(ctx context.Context, id string) (*model.Game, error)
	Create(ctx context.Context, title string) (*model.Game, error)
}

// CapabilityCache holds short-lived payout capability answers.
type CapabilityCache interface {
	Get(ctx context.Context, accountRef string) (capable, found bool, err error)
	Set(ctx context.Context, accountRef string, capable bool) error
	Invalidate(ctx context.Context, accountRef string) error
}

// Publisher emits escrow events.  Failures never affect the state machine.
type Publisher interface {
	Publish(ctx context.Context, ev queue.EscrowEvent) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, queue.EscrowEvent) error { return nil }

type nopCache struct{}

func (nopCache) Get(context.Context, string) (bool, bool, error) { return false, false, nil }
func (nopCache) Set(context.Context, string, bool) error         { return nil }
func (nopCache) Invalidate(context.Context, string) error        { return nil }
