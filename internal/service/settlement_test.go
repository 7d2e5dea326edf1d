package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
)

func reserve(t *testing.T, m *market, buyer, listingID string) *Reservation {
	t.Helper()
	res, err := m.orch.Reserve(context.Background(), buyer, listingID)
	require.NoError(t, err)
	return res
}

func TestResolveSuccessEscrowHoldsFunds(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "19.99")
	res := reserve(t, m, "buyer", l.ID)

	require.NoError(t, m.proc.Complete(res.SessionRef))
	out, err := m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, out)

	row := m.listings.row(l.ID)
	assert.Equal(t, model.StateSold, row.State())
	assert.Equal(t, model.PayoutHeld, row.PayoutStatus)
	assert.Equal(t, model.VerificationPending, row.VerificationStatus)
	require.NotNil(t, row.VerificationDeadline)
	assert.NotNil(t, row.SoldAt)
	assert.Equal(t, 0, m.proc.TransferCount())

	out, err = m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)
	assert.Equal(t, model.StateSold, m.listings.state(l.ID))
}

func TestResolveSuccessDirectReleasesOnce(t *testing.T) {
	m := newMarket(t, config.ModeDirect, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "19.99")
	res := reserve(t, m, "buyer", l.ID)
	require.NoError(t, m.proc.Complete(res.SessionRef))

	var wg sync.WaitGroup
	outcomes := make(chan Outcome, 6)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
			assert.NoError(t, err)
			outcomes <- out
		}()
	}
	wg.Wait()
	close(outcomes)

	settled := 0
	for out := range outcomes {
		if out == OutcomeSettled {
			settled++
		}
	}
	assert.Equal(t, 1, settled)
	assert.Equal(t, 1, m.proc.TransferCount())

	row := m.listings.row(l.ID)
	assert.Equal(t, model.PayoutReleased, row.PayoutStatus)
	assert.NotNil(t, row.TransferRef)
	assert.Equal(t, model.VerificationNone, row.VerificationStatus)
}

func TestResolveFailureReturnsListingToPool(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")
	res := reserve(t, m, "buyer", l.ID)

	require.NoError(t, m.proc.Fail(res.SessionRef))
	out, err := m.resolver.ResolveFailure(context.Background(), res.SessionRef, "card_declined")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, out)

	row := m.listings.row(l.ID)
	assert.Equal(t, model.StateAvailable, row.State())
	assert.Nil(t, row.PaymentSessionRef)

	out, err = m.resolver.ResolveFailure(context.Background(), res.SessionRef, "card_declined")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, out)

	// a failure for a settled payment changes nothing
	res2 := reserve(t, m, "other", l.ID)
	require.NoError(t, m.proc.Complete(res2.SessionRef))
	_, err = m.resolver.ResolveSuccess(context.Background(), res2.SessionRef)
	require.NoError(t, err)
	out, err = m.resolver.ResolveFailure(context.Background(), res2.SessionRef, "late")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, model.StateSold, m.listings.state(l.ID))
}

func TestLateSuccessAfterTimeoutIsRefunded(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	a := reserve(t, m, "alice", l.ID)
	_, err := m.resolver.ResolveFailure(context.Background(), a.SessionRef, "timeout")
	require.NoError(t, err)

	b := reserve(t, m, "bob", l.ID)

	// alice's payment lands after all
	require.NoError(t, m.proc.Complete(a.SessionRef))
	out, err := m.resolver.ResolveSuccess(context.Background(), a.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRefunded, out)
	assert.True(t, m.proc.Refunded(a.SessionRef))
	assert.Contains(t, m.events.types(), queue.EventLateSuccess)

	// bob's reservation is untouched and can still complete
	assert.Equal(t, model.StateReserved, m.listings.state(l.ID))
	require.NoError(t, m.proc.Complete(b.SessionRef))
	out, err = m.resolver.ResolveSuccess(context.Background(), b.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, out)

	p, err := m.payments.GetSucceededForListing(context.Background(), l.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob", p.BuyerID)
}

func TestResolveUnknownSession(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	_, err := m.resolver.ResolveSuccess(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))

	_, err = m.resolver.HandleEvent(context.Background(), processor.Event{Kind: processor.EventPaymentSucceeded, SessionRef: "pi_from_elsewhere"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, Retryable(err))
	assert.True(t, Retryable(errors.New("deadlock found")))
}

func TestHandleSignedEvents(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")
	res := reserve(t, m, "buyer", l.ID)
	require.NoError(t, m.proc.Complete(res.SessionRef))

	body, sig, err := m.proc.Sign(processor.Event{Kind: processor.EventPaymentSucceeded, SessionRef: res.SessionRef})
	require.NoError(t, err)
	ev, err := m.proc.ParseEvent(body, sig)
	require.NoError(t, err)

	out, err := m.resolver.HandleEvent(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSettled, out)

	out, err = m.resolver.HandleEvent(context.Background(), processor.Event{Kind: processor.EventIgnored})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
}

func TestAccountUpdatedPromotesDeferredListings(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	ref := m.onboard(t, "seller", false)
	l := m.list(t, "seller", "10.00")
	assert.Equal(t, model.StateAwaitingPayout, m.listings.state(l.ID))

	m.proc.SetPayoutCapable(ref, true)
	_, err := m.resolver.HandleEvent(context.Background(), processor.Event{Kind: processor.EventAccountUpdated, AccountRef: ref})
	require.NoError(t, err)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestSyncAppliesProcessorStatus(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")
	res := reserve(t, m, "buyer", l.ID)

	_, err := m.resolver.Sync(context.Background(), "intruder", res.SessionRef)
	assert.ErrorIs(t, err, ErrNotFound)

	p, err := m.resolver.Sync(context.Background(), "buyer", res.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentPending, p.Status)

	require.NoError(t, m.proc.Complete(res.SessionRef))
	p, err = m.resolver.Sync(context.Background(), "buyer", res.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentSucceeded, p.Status)
	assert.Equal(t, model.StateSold, m.listings.state(l.ID))
}

func TestSweepStaleResolvesAbandonedAndPaidSessions(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	abandoned := m.list(t, "seller", "10.00")
	paid := m.list(t, "seller", "11.00")

	_ = reserve(t, m, "alice", abandoned.ID)
	res := reserve(t, m, "bob", paid.ID)
	require.NoError(t, m.proc.Complete(res.SessionRef))

	rep, err := m.resolver.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Checked, "fresh payments are inside the grace period")

	m.age(time.Hour)
	rep, err = m.resolver.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Checked)
	assert.Equal(t, 1, rep.Succeeded)
	assert.Equal(t, 1, rep.Failed)

	assert.Equal(t, model.StateAvailable, m.listings.state(abandoned.ID))
	assert.Equal(t, model.StateSold, m.listings.state(paid.ID))
}

func TestSweepStaleReleasesOrphanedReservation(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")

	// a reservation whose session was never opened and whose rollback was lost
	_, err := m.listings.TransitionStatus(context.Background(), l.ID, model.StateAvailable, model.StateReserved)
	require.NoError(t, err)
	m.age(time.Hour)

	rep, err := m.resolver.SweepStale(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orphans)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestReconcilePayoutsRetriesDeferredRelease(t *testing.T) {
	m := newMarket(t, config.ModeDirect, config.PolicyDefer)
	ref := m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")
	res := reserve(t, m, "buyer", l.ID)
	require.NoError(t, m.proc.Complete(res.SessionRef))

	m.proc.SetPayoutCapable(ref, false)
	_, err := m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
	require.NoError(t, err)
	assert.Equal(t, model.PayoutHeld, m.listings.row(l.ID).PayoutStatus)

	m.proc.SetPayoutCapable(ref, true)
	m.age(2 * time.Minute)
	n, err := m.resolver.ReconcilePayouts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.PayoutReleased, m.listings.row(l.ID).PayoutStatus)
	assert.Equal(t, 1, m.proc.TransferCount())
}

func TestSweepAllExpiresVerification(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "10.00")
	res := reserve(t, m, "buyer", l.ID)
	require.NoError(t, m.proc.Complete(res.SessionRef))
	_, err := m.resolver.ResolveSuccess(context.Background(), res.SessionRef)
	require.NoError(t, err)

	later := func() time.Time { return time.Now().Add(73 * time.Hour) }
	m.tracker.now = later

	rep, err := m.resolver.SweepAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)

	row := m.listings.row(l.ID)
	assert.Equal(t, model.VerificationExpired, row.VerificationStatus)
	assert.Equal(t, model.PayoutReleased, row.PayoutStatus)
}
