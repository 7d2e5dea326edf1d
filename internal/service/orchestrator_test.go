package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/queue"
)

func TestReserveOpensSessionWithFee(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "19.99")

	res, err := m.orch.Reserve(context.Background(), "buyer", l.ID)
	require.NoError(t, err)

	assert.Equal(t, int64(1999), res.AmountCents)
	assert.Equal(t, int64(100), res.PlatformFeeCents)
	assert.Equal(t, int64(1899), res.SellerAmountCents)
	assert.Equal(t, "19.99", res.Amount)
	assert.NotEmpty(t, res.SessionRef)

	row := m.listings.row(l.ID)
	assert.Equal(t, model.StateReserved, row.State())
	require.NotNil(t, row.PaymentSessionRef)
	assert.Equal(t, res.SessionRef, *row.PaymentSessionRef)

	ps := m.payments.forListing(l.ID)
	require.Len(t, ps, 1)
	assert.Equal(t, model.PaymentPending, ps[0].Status)
	assert.Equal(t, "buyer", ps[0].BuyerID)
	assert.Contains(t, m.events.types(), queue.EventReserved)
}

func TestReserveConcurrentBuyersOneWins(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "25.00")

	const buyers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := m.orch.Reserve(context.Background(), "buyer-"+string(rune('a'+i)), l.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, buyers-1, conflicts)
	assert.Len(t, m.payments.forListing(l.ID), 1)
	assert.Equal(t, model.StateReserved, m.listings.state(l.ID))
}

func TestReserveSecondBuyerGetsAlreadyReserved(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	_, err := m.orch.Reserve(context.Background(), "alice", l.ID)
	require.NoError(t, err)

	_, err = m.orch.Reserve(context.Background(), "bob", l.ID)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestReserveProcessorFailureRollsBack(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	m.proc.FailNext("create_session", errors.New("connection reset"))
	_, err := m.orch.Reserve(context.Background(), "buyer", l.ID)
	require.ErrorIs(t, err, ErrExternalProcessor)

	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
	assert.Empty(t, m.payments.forListing(l.ID))
	assert.Contains(t, m.events.types(), queue.EventReservationFreed)

	// the listing is purchasable again
	_, err = m.orch.Reserve(context.Background(), "buyer", l.ID)
	assert.NoError(t, err)
}

func TestRollbackLosingRaceStaysQuiet(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	// listing already back in the pool, so the CAS conflicts
	m.orch.rollback(context.Background(), l.ID)
	assert.NotContains(t, m.events.types(), queue.EventReservationFreed)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestReserveRejectsOwnListing(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	_, err := m.orch.Reserve(context.Background(), "seller", l.ID)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestReserveUnknownListing(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	_, err := m.orch.Reserve(context.Background(), "buyer", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReserveSellerLostCapability(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	ref := m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	m.proc.SetPayoutCapable(ref, false)
	_, err := m.orch.Reserve(context.Background(), "buyer", l.ID)
	assert.ErrorIs(t, err, ErrSellerNotPayable)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestReserveAlreadyPurchasedBySameBuyer(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	res, err := m.orch.Reserve(context.Background(), "buyer", l.ID)
	require.NoError(t, err)
	require.NoError(t, m.proc.Complete(res.SessionRef))
	_, err = m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
	require.NoError(t, err)

	_, err = m.orch.Reserve(context.Background(), "buyer", l.ID)
	assert.ErrorIs(t, err, ErrAlreadyPurchased)

	_, err = m.orch.Reserve(context.Background(), "other", l.ID)
	assert.ErrorIs(t, err, ErrAlreadyReserved)
}

func TestPurchasesListsBuyerPayments(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	a := m.list(t, "seller", "10.00")
	b := m.list(t, "seller", "12.00")

	_, err := m.orch.Reserve(context.Background(), "buyer", a.ID)
	require.NoError(t, err)
	_, err = m.orch.Reserve(context.Background(), "buyer", b.ID)
	require.NoError(t, err)

	got, err := m.orch.Purchases(context.Background(), "buyer", 20, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
}
