package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// CreateListingInput is the seller's listing form.  Money fields are
// decimal strings such as "19.99".
type CreateListingInput struct {
	GameID         string
	Price          string
	Code           string
	CodeValue      string
	Region         string
	ExpirationDate *time.Time
	AdditionalInfo string
}

// ListingService owns listing creation and the read paths around it.
type ListingService struct {
	listings ListingStore
	payments PaymentStore
	games    GameStore
	payouts  *PayoutRegistry
	policy   string
	titles   *lru.Cache // game id -> title
	log      *slog.Logger
	now      func() time.Time
}

// NewListingService wires the catalog to its stores and the listing policy.
func NewListingService(listings ListingStore, payments PaymentStore, games GameStore, payouts *PayoutRegistry, policy string, log *slog.Logger) *ListingService {
	titles, _ := lru.New(1024)
	if log == nil {
		log = slog.Default()
	}
	return &ListingService{
		listings: listings,
		payments: payments,
		games:    games,
		payouts:  payouts,
		policy:   policy,
		titles:   titles,
		log:      log,
		now:      time.Now,
	}
}

// Create validates the input and stores a new listing.  A seller who
// cannot be paid yet is either rejected (block policy) or gets a listing
// parked in pending_payment_setup until onboarding completes (defer).
func (s *ListingService) Create(ctx context.Context, sellerID string, in CreateListingInput) (*model.Listing, error) {
	price, err := model.ParseCents(in.Price)
	if err != nil {
		return nil, invalid("price", err.Error())
	}
	if price <= 0 {
		return nil, invalid("price", "must be greater than zero")
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, invalid("code", "must not be empty")
	}
	var codeValue *int64
	if strings.TrimSpace(in.CodeValue) != "" {
		v, err := model.ParseCents(in.CodeValue)
		if err != nil || v < 0 {
			return nil, invalid("code_value", "must be a non-negative amount")
		}
		codeValue = &v
	}
	if in.ExpirationDate != nil && in.ExpirationDate.Before(s.now()) {
		return nil, invalid("expiration_date", "code has already expired")
	}
	title, err := s.gameTitle(ctx, in.GameID)
	if err != nil {
		return nil, err
	}

	capable, err := s.payouts.IsPayoutCapable(ctx, sellerID)
	if err != nil {
		return nil, err
	}
	if !capable && s.policy == config.PolicyBlock {
		return nil, ErrSellerNotOnboarded
	}

	l, err := model.NewListing(model.NewListingParams{
		GameID:         in.GameID,
		SellerID:       sellerID,
		PriceCents:     price,
		Code:           in.Code,
		CodeValueCents: codeValue,
		Region:         optional(in.Region),
		ExpirationDate: in.ExpirationDate,
		AdditionalInfo: optional(in.AdditionalInfo),
		Deferred:       !capable,
	}, s.now())
	if err != nil {
		return nil, invalid("", err.Error())
	}
	if err := s.listings.Create(ctx, l); err != nil {
		return nil, err
	}
	l.GameTitle = title
	s.log.Info("listing created",
		slog.String("listing_id", l.ID), slog.String("seller_id", sellerID), slog.String("status", string(l.Status)))
	return l, nil
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (s *ListingService) gameTitle(ctx context.Context, gameID string) (string, error) {
	if strings.TrimSpace(gameID) == "" {
		return "", invalid("game_id", "is required")
	}
	if v, ok := s.titles.Get(gameID); ok {
		return v.(string), nil
	}
	g, err := s.games.Get(ctx, gameID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", invalid("game_id", "unknown game")
	}
	if err != nil {
		return "", err
	}
	s.titles.Add(gameID, g.Title)
	return g.Title, nil
}

// Games lists the catalog.
func (s *ListingService) Games(ctx context.Context) ([]model.Game, error) {
	return s.games.List(ctx)
}

// AddGame extends the catalog.
func (s *ListingService) AddGame(ctx context.Context, title string) (*model.Game, error) {
	if strings.TrimSpace(title) == "" {
		return nil, invalid("title", "is required")
	}
	g, err := s.games.Create(ctx, title)
	if errors.Is(err, repository.ErrConflict) {
		return nil, invalid("title", "already exists")
	}
	return g, err
}

// ListAvailable returns one page of purchasable listings.
func (s *ListingService) ListAvailable(ctx context.Context, f repository.ListingFilter) ([]model.Listing, int, error) {
	return s.listings.ListAvailable(ctx, f)
}

// Get returns a listing as seen by viewerID.  Listings waiting for payout
// setup are only visible to their seller.
func (s *ListingService) Get(ctx context.Context, id, viewerID string) (*model.Listing, error) {
	l, err := s.listings.Get(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if l.Status == model.ListingPendingPaymentSetup && l.SellerID != viewerID {
		return nil, ErrNotFound
	}
	return l, nil
}

// ListMine returns the seller's own listings.
func (s *ListingService) ListMine(ctx context.Context, sellerID string, limit, offset int) ([]model.Listing, error) {
	return s.listings.ListBySeller(ctx, sellerID, limit, offset)
}

// RevealCode returns the code payload to its seller, or to the buyer whose
// payment succeeded as long as the sale was not reversed.
func (s *ListingService) RevealCode(ctx context.Context, listingID, userID string) (string, error) {
	l, err := s.listings.Get(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if l.SellerID == userID {
		return l.Code, nil
	}
	if l.State() != model.StateSold || l.PayoutStatus == model.PayoutReversed {
		return "", ErrForbidden
	}
	p, err := s.payments.GetSucceededForListing(ctx, listingID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", ErrForbidden
	}
	if err != nil {
		return "", err
	}
	if p.BuyerID != userID {
		return "", ErrForbidden
	}
	return l.Code, nil
}
