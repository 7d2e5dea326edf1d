package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// SellerStatus is the live onboarding state of a seller.
type SellerStatus struct {
	AccountRef    string `json:"account_ref,omitempty"`
	HasAccount    bool   `json:"has_account"`
	PayoutCapable bool   `json:"payout_capable"`
	Promoted      int64  `json:"listings_promoted"`
}

// PayoutRegistry tracks which sellers can be paid.  Capability is always
// the processor's answer; the cache only shortens the purchase path.
type PayoutRegistry struct {
	accounts AccountStore
	listings ListingStore
	provider processor.AccountProvider
	cache    CapabilityCache
	log      *slog.Logger

	creating singleflight.Group
}

// NewPayoutRegistry creates a registry; cache may be nil.
func NewPayoutRegistry(accounts AccountStore, listings ListingStore, provider processor.AccountProvider, cache CapabilityCache, log *slog.Logger) *PayoutRegistry {
	if cache == nil {
		cache = nopCache{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &PayoutRegistry{accounts: accounts, listings: listings, provider: provider, cache: cache, log: log}
}

// EnsureAccount returns the seller's account reference, creating an
// external account only when none is recorded.  Concurrent calls for the
// same seller share one creation; a cross-instance race is settled by the
// first reference persisted.
func (r *PayoutRegistry) EnsureAccount(ctx context.Context, sellerID, email string) (string, error) {
	ch := r.creating.DoChan(sellerID, func() (any, error) {
		// shared by every waiter, so no single caller may cancel it
		ctx := context.WithoutCancel(ctx)
		acct, err := r.accounts.GetBySeller(ctx, sellerID)
		if err == nil && acct.HasRef() {
			return *acct.AccountRef, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
		ref, err := r.provider.CreateAccount(ctx, sellerID, email)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrExternalProcessor, err)
		}
		return r.RecordAccountRef(ctx, sellerID, ref)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// RecordAccountRef persists the seller -> account mapping.  It says nothing
// about capability.  The stored reference is returned, which differs from
// ref when another writer got there first.
func (r *PayoutRegistry) RecordAccountRef(ctx context.Context, sellerID, ref string) (string, error) {
	acct, err := r.accounts.Record(ctx, sellerID, ref)
	if err != nil {
		return "", err
	}
	if !acct.HasRef() {
		return "", fmt.Errorf("payout account for %s not recorded", sellerID)
	}
	if *acct.AccountRef != ref {
		r.log.Warn("payout account created twice, keeping first",
			slog.String("seller_id", sellerID), slog.String("kept", *acct.AccountRef), slog.String("dropped", ref))
	}
	return *acct.AccountRef, nil
}

// IsPayoutCapable asks the processor whether the seller can receive funds
// and refreshes the cache with the answer.
func (r *PayoutRegistry) IsPayoutCapable(ctx context.Context, sellerID string) (bool, error) {
	ref, err := r.accountRef(ctx, sellerID)
	if errors.Is(err, ErrSellerNotOnboarded) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return r.live(ctx, ref)
}

func (r *PayoutRegistry) live(ctx context.Context, ref string) (bool, error) {
	info, err := r.provider.GetAccount(ctx, ref)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}
	if err := r.cache.Set(ctx, ref, info.PayoutCapable); err != nil {
		r.log.Warn("capability cache write failed", slog.String("account_ref", ref), slog.Any("error", err))
	}
	return info.PayoutCapable, nil
}

// PayableAccount returns the seller's account if it can receive funds,
// trusting a cached answer.  Used to gate reservations, never transfers.
func (r *PayoutRegistry) PayableAccount(ctx context.Context, sellerID string) (string, error) {
	ref, err := r.accountRef(ctx, sellerID)
	if errors.Is(err, ErrSellerNotOnboarded) {
		return "", ErrSellerNotPayable
	}
	if err != nil {
		return "", err
	}
	capable, found, err := r.cache.Get(ctx, ref)
	if err != nil {
		r.log.Warn("capability cache read failed", slog.String("account_ref", ref), slog.Any("error", err))
	}
	if !found {
		if capable, err = r.live(ctx, ref); err != nil {
			return "", err
		}
	}
	if !capable {
		return "", ErrSellerNotPayable
	}
	return ref, nil
}

// LiveAccount is PayableAccount without the cache, for the final check
// before money moves.
func (r *PayoutRegistry) LiveAccount(ctx context.Context, sellerID string) (string, error) {
	ref, err := r.accountRef(ctx, sellerID)
	if errors.Is(err, ErrSellerNotOnboarded) {
		return "", ErrSellerNotPayable
	}
	if err != nil {
		return "", err
	}
	capable, err := r.live(ctx, ref)
	if err != nil {
		return "", err
	}
	if !capable {
		return "", ErrSellerNotPayable
	}
	return ref, nil
}

// OnboardingLink ensures an account exists and returns the processor's
// hosted onboarding URL for it.
func (r *PayoutRegistry) OnboardingLink(ctx context.Context, sellerID, email, returnURL, refreshURL string) (string, error) {
	ref, err := r.EnsureAccount(ctx, sellerID, email)
	if err != nil {
		return "", err
	}
	url, err := r.provider.CreateOnboardingLink(ctx, ref, returnURL, refreshURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}
	return url, nil
}

// Status reports live capability.  Once the seller is capable, listings
// created under the deferred policy become purchasable.
func (r *PayoutRegistry) Status(ctx context.Context, sellerID string) (SellerStatus, error) {
	ref, err := r.accountRef(ctx, sellerID)
	if errors.Is(err, ErrSellerNotOnboarded) {
		return SellerStatus{}, nil
	}
	if err != nil {
		return SellerStatus{}, err
	}
	st := SellerStatus{AccountRef: ref, HasAccount: true}
	if st.PayoutCapable, err = r.live(ctx, ref); err != nil {
		return st, err
	}
	if st.PayoutCapable {
		if st.Promoted, err = r.listings.PromoteDeferred(ctx, sellerID); err != nil {
			return st, err
		}
		if st.Promoted > 0 {
			r.log.Info("deferred listings promoted", slog.String("seller_id", sellerID), slog.Int64("count", st.Promoted))
		}
	}
	return st, nil
}

// RefreshAccount handles an account change notification from the
// processor.
func (r *PayoutRegistry) RefreshAccount(ctx context.Context, accountRef string) error {
	acct, err := r.accounts.GetByRef(ctx, accountRef)
	if errors.Is(err, repository.ErrNotFound) {
		r.log.Info("account update for unknown account ignored", slog.String("account_ref", accountRef))
		return nil
	}
	if err != nil {
		return err
	}
	if err := r.cache.Invalidate(ctx, accountRef); err != nil {
		r.log.Warn("capability cache invalidate failed", slog.String("account_ref", accountRef), slog.Any("error", err))
	}
	_, err = r.Status(ctx, acct.SellerID)
	return err
}

func (r *PayoutRegistry) accountRef(ctx context.Context, sellerID string) (string, error) {
	acct, err := r.accounts.GetBySeller(ctx, sellerID)
	if errors.Is(err, repository.ErrNotFound) || (err == nil && !acct.HasRef()) {
		return "", ErrSellerNotOnboarded
	}
	if err != nil {
		return "", err
	}
	return *acct.AccountRef, nil
}
