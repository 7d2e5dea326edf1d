package service

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/repository"
)

func TestCreateListingValidation(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name  string
		in    CreateListingInput
		field string
	}{
		{"zero price", CreateListingInput{GameID: "g1", Price: "0", Code: "X"}, "price"},
		{"three decimals", CreateListingInput{GameID: "g1", Price: "1.999", Code: "X"}, "price"},
		{"empty code", CreateListingInput{GameID: "g1", Price: "5.00", Code: "  "}, "code"},
		{"unknown game", CreateListingInput{GameID: "nope", Price: "5.00", Code: "X"}, "game_id"},
		{"expired", CreateListingInput{GameID: "g1", Price: "5.00", Code: "X", ExpirationDate: &past}, "expiration_date"},
		{"bad code value", CreateListingInput{GameID: "g1", Price: "5.00", Code: "X", CodeValue: "abc"}, "code_value"},
		{"price beyond int64", CreateListingInput{GameID: "g1", Price: "184467440737095517.16", Code: "X"}, "price"},
		{"price wraps negative", CreateListingInput{GameID: "g1", Price: "92233720368547758.08", Code: "X"}, "price"},
		{"price over cap", CreateListingInput{GameID: "g1", Price: "1000000.01", Code: "X"}, "price"},
		{"huge code value", CreateListingInput{GameID: "g1", Price: "5.00", Code: "X", CodeValue: "99999999999999999999"}, "code_value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.catalog.Create(context.Background(), "seller", tt.in)
			require.ErrorIs(t, err, ErrValidation)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateListingPolicies(t *testing.T) {
	t.Run("defer parks the listing", func(t *testing.T) {
		m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
		l := m.list(t, "newbie", "5.00")
		assert.Equal(t, model.StateAwaitingPayout, l.State())

		got, _, err := m.catalog.ListAvailable(context.Background(), repository.ListingFilter{})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = m.catalog.Get(context.Background(), l.ID, "someone")
		assert.ErrorIs(t, err, ErrNotFound)
		mine, err := m.catalog.Get(context.Background(), l.ID, "newbie")
		require.NoError(t, err)
		assert.Equal(t, l.ID, mine.ID)
	})

	t.Run("block rejects", func(t *testing.T) {
		m := newMarket(t, config.ModeEscrow, config.PolicyBlock)
		_, err := m.catalog.Create(context.Background(), "newbie", CreateListingInput{GameID: "g1", Price: "5.00", Code: "X"})
		assert.ErrorIs(t, err, ErrSellerNotOnboarded)

		m.onboard(t, "newbie", false)
		_, err = m.catalog.Create(context.Background(), "newbie", CreateListingInput{GameID: "g1", Price: "5.00", Code: "X"})
		assert.ErrorIs(t, err, ErrSellerNotOnboarded)
	})

	t.Run("capable seller lists directly", func(t *testing.T) {
		m := newMarket(t, config.ModeEscrow, config.PolicyBlock)
		m.onboard(t, "pro", true)
		l := m.list(t, "pro", "5.00")
		assert.True(t, l.Purchasable())
		assert.Equal(t, "Elden Ring", l.GameTitle)
	})
}

func TestRevealCode(t *testing.T) {
	m, l, _ := sold(t)

	code, err := m.catalog.RevealCode(context.Background(), l.ID, "buyer")
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB-CCCC", code)

	code, err = m.catalog.RevealCode(context.Background(), l.ID, "seller")
	require.NoError(t, err)
	assert.Equal(t, "AAAA-BBBB-CCCC", code)

	_, err = m.catalog.RevealCode(context.Background(), l.ID, "stranger")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRevealCodeBeforePayment(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	m.onboard(t, "seller", true)
	l := m.list(t, "seller", "5.00")
	_ = reserve(t, m, "buyer", l.ID)

	_, err := m.catalog.RevealCode(context.Background(), l.ID, "buyer")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAddGame(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	g, err := m.catalog.AddGame(context.Background(), "Hades")
	require.NoError(t, err)
	assert.Equal(t, "Hades", g.Title)

	_, err = m.catalog.AddGame(context.Background(), "Hades")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = m.catalog.AddGame(context.Background(), "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestSellerStatusPromotesAfterOnboarding(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)

	st, err := m.payouts.Status(context.Background(), "seller")
	require.NoError(t, err)
	assert.False(t, st.HasAccount)

	link, err := m.payouts.OnboardingLink(context.Background(), "seller", "s@example.com", "https://app/return", "https://app/refresh")
	require.NoError(t, err)
	assert.Contains(t, link, "https://app/return")

	l := m.list(t, "seller", "8.00")
	assert.Equal(t, model.StateAwaitingPayout, l.State())

	ref, err := m.payouts.EnsureAccount(context.Background(), "seller", "s@example.com")
	require.NoError(t, err)
	m.proc.SetPayoutCapable(ref, true)

	st, err = m.payouts.Status(context.Background(), "seller")
	require.NoError(t, err)
	assert.True(t, st.PayoutCapable)
	assert.Equal(t, int64(1), st.Promoted)
	assert.Equal(t, model.StateAvailable, m.listings.state(l.ID))
}

func TestEnsureAccountConcurrentCreatesOne(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	refs := make(chan string, 8)
	for i := 0; i < 8; i++ {
		go func() {
			ref, err := m.payouts.EnsureAccount(context.Background(), "seller", "s@example.com")
			assert.NoError(t, err)
			refs <- ref
		}()
	}
	first := <-refs
	for i := 1; i < 8; i++ {
		assert.Equal(t, first, <-refs)
	}
}

type gatedProvider struct {
	*processor.Sandbox
	started chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (g *gatedProvider) CreateAccount(ctx context.Context, ownerID, email string) (string, error) {
	if g.calls.Add(1) == 1 {
		close(g.started)
	}
	<-g.release
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return g.Sandbox.CreateAccount(ctx, ownerID, email)
}

func TestEnsureAccountSurvivesFirstCallerCancel(t *testing.T) {
	m := newMarket(t, config.ModeEscrow, config.PolicyDefer)
	prov := &gatedProvider{Sandbox: m.proc, started: make(chan struct{}), release: make(chan struct{})}
	reg := NewPayoutRegistry(m.accounts, m.listings, prov, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := reg.EnsureAccount(ctx, "seller", "s@example.com")
		firstErr <- err
	}()
	<-prov.started

	type result struct {
		ref string
		err error
	}
	second := make(chan result, 1)
	go func() {
		ref, err := reg.EnsureAccount(context.Background(), "seller", "s@example.com")
		second <- result{ref, err}
	}()
	time.Sleep(20 * time.Millisecond) // let the second caller join the flight

	cancel()
	assert.ErrorIs(t, <-firstErr, context.Canceled)
	close(prov.release)

	res := <-second
	require.NoError(t, res.err)
	assert.NotEmpty(t, res.ref)
	assert.Equal(t, int32(1), prov.calls.Load())
}
