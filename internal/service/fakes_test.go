package service

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// memListings follows the compare-and-swap rules of repository.ListingRepo
// behind a single mutex.
type memListings struct {
	mu      sync.Mutex
	rows    map[string]*model.Listing
	now     func() time.Time
	hasOpen func(listingID string) bool
}

func newMemListings() *memListings {
	return &memListings{rows: map[string]*model.Listing{}, now: time.Now}
}

func (m *memListings) Create(_ context.Context, l *model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *l
	m.rows[l.ID] = &cp
	return nil
}

func (m *memListings) Get(_ context.Context, id string) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (m *memListings) filter(keep func(*model.Listing) bool) []model.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Listing
	for _, l := range m.rows {
		if keep(l) {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *memListings) ListAvailable(_ context.Context, f repository.ListingFilter) ([]model.Listing, int, error) {
	out := m.filter(func(l *model.Listing) bool {
		return l.Purchasable() && (f.GameID == "" || l.GameID == f.GameID)
	})
	return out, len(out), nil
}

func (m *memListings) ListBySeller(_ context.Context, sellerID string, _, _ int) ([]model.Listing, error) {
	return m.filter(func(l *model.Listing) bool { return l.SellerID == sellerID }), nil
}

func (m *memListings) TransitionStatus(_ context.Context, id string, from, to model.ListingState) (*model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if l.State() != from {
		return nil, repository.ErrConflict
	}
	l.Status, l.PaymentStatus = to.Status, to.Payment
	switch to {
	case model.StateAvailable:
		l.PaymentSessionRef = nil
	case model.StateSold:
		now := m.now().UTC()
		l.PayoutStatus, l.SoldAt = model.PayoutHeld, &now
	case model.StateReversed:
		l.PayoutStatus = model.PayoutReversed
	}
	l.UpdatedAt = m.now().UTC()
	cp := *l
	return &cp, nil
}

func (m *memListings) AttachSession(_ context.Context, id, sessionRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.State() != model.StateReserved {
		return repository.ErrConflict
	}
	l.PaymentSessionRef = &sessionRef
	return nil
}

func (m *memListings) PromoteDeferred(_ context.Context, sellerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, l := range m.rows {
		if l.SellerID == sellerID && l.State() == model.StateAwaitingPayout {
			l.Status = model.ListingAvailable
			n++
		}
	}
	return n, nil
}

func (m *memListings) OpenVerification(_ context.Context, id string, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.State() != model.StateSold || l.VerificationStatus != model.VerificationNone {
		return repository.ErrConflict
	}
	l.VerificationStatus, l.VerificationDeadline = model.VerificationPending, &deadline
	return nil
}

func (m *memListings) CloseVerification(_ context.Context, id string, to model.VerificationStatus, reason *string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.VerificationStatus != model.VerificationPending || l.VerificationDeadline == nil {
		return repository.ErrConflict
	}
	lapsed := !l.VerificationDeadline.After(now)
	if (to == model.VerificationExpired) != lapsed {
		return repository.ErrConflict
	}
	l.VerificationStatus = to
	if reason != nil {
		l.DisputeReason = reason
	}
	return nil
}

func (m *memListings) MarkReleased(_ context.Context, id, transferRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	if l.PayoutStatus != model.PayoutHeld || l.State() != model.StateSold {
		return repository.ErrConflict
	}
	l.PayoutStatus, l.TransferRef = model.PayoutReleased, &transferRef
	return nil
}

func (m *memListings) ListExpiredVerifications(_ context.Context, now time.Time, _ int) ([]model.Listing, error) {
	return m.filter(func(l *model.Listing) bool {
		return l.VerificationStatus == model.VerificationPending && l.VerificationDeadline != nil && !l.VerificationDeadline.After(now)
	}), nil
}

func (m *memListings) ListHeldPayouts(_ context.Context, before time.Time, _ int) ([]model.Listing, error) {
	return m.filter(func(l *model.Listing) bool {
		return l.PayoutStatus == model.PayoutHeld && l.Status == model.ListingSold &&
			l.VerificationStatus != model.VerificationPending && !l.UpdatedAt.After(before)
	}), nil
}

func (m *memListings) ListOrphanedReservations(_ context.Context, before time.Time, _ int) ([]model.Listing, error) {
	return m.filter(func(l *model.Listing) bool {
		return l.State() == model.StateReserved && !l.UpdatedAt.After(before) && (m.hasOpen == nil || !m.hasOpen(l.ID))
	}), nil
}

func (m *memListings) state(id string) model.ListingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].State()
}

func (m *memListings) row(id string) model.Listing {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

// memPayments enforces one succeeded payment per listing, like the unique
// guard column.
type memPayments struct {
	mu   sync.Mutex
	rows map[string]*model.Payment
}

func newMemPayments() *memPayments { return &memPayments{rows: map[string]*model.Payment{}} }

func (m *memPayments) Create(_ context.Context, p *model.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.rows {
		if q.SessionRef == p.SessionRef {
			return repository.ErrConflict
		}
	}
	cp := *p
	m.rows[p.ID] = &cp
	return nil
}

func (m *memPayments) GetBySession(_ context.Context, ref string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.SessionRef == ref {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) GetSucceededForListing(_ context.Context, listingID string) (*model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ListingID == listingID && p.Status == model.PaymentSucceeded {
			cp := *p
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPayments) TransitionStatus(_ context.Context, id string, from []model.PaymentStatus, to model.PaymentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok {
		return repository.ErrNotFound
	}
	match := false
	for _, f := range from {
		match = match || p.Status == f
	}
	if !match {
		return repository.ErrConflict
	}
	if to == model.PaymentSucceeded {
		for _, q := range m.rows {
			if q.ID != id && q.ListingID == p.ListingID && q.Status == model.PaymentSucceeded {
				return repository.ErrConflict
			}
		}
	}
	p.Status = to
	return nil
}

func (m *memPayments) SetRefundRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[id]
	if !ok || p.RefundRef != nil {
		return repository.ErrConflict
	}
	p.RefundRef = &ref
	return nil
}

func (m *memPayments) ListStale(_ context.Context, cutoff time.Time, _ int) ([]model.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Payment
	for _, p := range m.rows {
		if p.Open() && p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *memPayments) ListByBuyer(_ context.Context, buyerID string, _, _ int) ([]model.Purchase, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Purchase
	for _, p := range m.rows {
		if p.BuyerID == buyerID {
			out = append(out, model.Purchase{PaymentID: p.ID, ListingID: p.ListingID, PaymentStatus: string(p.Status)})
		}
	}
	return out, nil
}

func (m *memPayments) hasOpen(listingID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.rows {
		if p.ListingID == listingID && p.Open() {
			return true
		}
	}
	return false
}

func (m *memPayments) forListing(listingID string) []model.Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Payment
	for _, p := range m.rows {
		if p.ListingID == listingID {
			out = append(out, *p)
		}
	}
	return out
}

type memAccounts struct {
	mu   sync.Mutex
	refs map[string]string // seller -> ref
}

func newMemAccounts() *memAccounts { return &memAccounts{refs: map[string]string{}} }

func (m *memAccounts) GetBySeller(_ context.Context, sellerID string) (*model.PayoutAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ref, ok := m.refs[sellerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &model.PayoutAccount{SellerID: sellerID, AccountRef: &ref}, nil
}

func (m *memAccounts) GetByRef(_ context.Context, accountRef string) (*model.PayoutAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for seller, ref := range m.refs {
		if ref == accountRef {
			r := ref
			return &model.PayoutAccount{SellerID: seller, AccountRef: &r}, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memAccounts) Record(_ context.Context, sellerID, accountRef string) (*model.PayoutAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.refs[sellerID]; !ok {
		m.refs[sellerID] = accountRef
	}
	ref := m.refs[sellerID]
	return &model.PayoutAccount{SellerID: sellerID, AccountRef: &ref}, nil
}

type memGames struct{ games map[string]model.Game }

func (m *memGames) List(context.Context) ([]model.Game, error) {
	var out []model.Game
	for _, g := range m.games {
		out = append(out, g)
	}
	return out, nil
}

func (m *memGames) Get(_ context.Context, id string) (*model.Game, error) {
	g, ok := m.games[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &g, nil
}

func (m *memGames) Create(_ context.Context, title string) (*model.Game, error) {
	for _, g := range m.games {
		if g.Title == title {
			return nil, repository.ErrConflict
		}
	}
	g := model.Game{ID: "game-" + title, Title: title}
	m.games[g.ID] = g
	return &g, nil
}

type recorder struct {
	mu     sync.Mutex
	events []queue.EscrowEvent
}

func (r *recorder) Publish(_ context.Context, ev queue.EscrowEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// market wires every service over the in-memory stores and the sandbox
// processor.
type market struct {
	listings *memListings
	payments *memPayments
	accounts *memAccounts
	games    *memGames
	proc     *processor.Sandbox
	events   *recorder

	payouts  *PayoutRegistry
	catalog  *ListingService
	orch     *Orchestrator
	releaser *Releaser
	tracker  *Tracker
	resolver *Resolver
}

var quickRetry = RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, MaxElapsed: 200 * time.Millisecond, MaxTries: 5}

func newMarket(t *testing.T, mode, policy string) *market {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := &market{
		listings: newMemListings(),
		payments: newMemPayments(),
		accounts: newMemAccounts(),
		games:    &memGames{games: map[string]model.Game{"g1": {ID: "g1", Title: "Elden Ring"}}},
		proc:     processor.NewSandbox("whsec_test"),
		events:   &recorder{},
	}
	m.listings.hasOpen = m.payments.hasOpen
	m.payouts = NewPayoutRegistry(m.accounts, m.listings, m.proc, nil, log)
	m.catalog = NewListingService(m.listings, m.payments, m.games, m.payouts, policy, log)
	m.orch = NewOrchestrator(m.listings, m.payments, m.payouts, m.proc, m.events, decimal.RequireFromString("0.05"), "usd", log)
	m.orch.retry = quickRetry
	m.releaser = NewReleaser(m.listings, m.payments, m.payouts, m.proc, m.events, log)
	m.tracker = NewTracker(m.listings, m.payments, m.releaser, m.events, 72*time.Hour, 50, log)
	m.resolver = NewResolver(m.listings, m.payments, m.proc, m.tracker, m.releaser, m.payouts, m.events,
		ResolverConfig{Mode: mode, Grace: 30 * time.Minute, Batch: 50, Concurrency: 4}, log)
	m.resolver.retry = quickRetry
	return m
}

// onboard gives seller a payout account with the given capability.
func (m *market) onboard(t *testing.T, seller string, capable bool) string {
	t.Helper()
	ref, err := m.payouts.EnsureAccount(context.Background(), seller, seller+"@example.com")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	m.proc.SetPayoutCapable(ref, capable)
	return ref
}

func (m *market) list(t *testing.T, seller, price string) *model.Listing {
	t.Helper()
	l, err := m.catalog.Create(context.Background(), seller, CreateListingInput{GameID: "g1", Price: price, Code: "AAAA-BBBB-CCCC"})
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return l
}

// age moves every timestamp the sweeps look at into the past.
func (m *market) age(d time.Duration) {
	m.listings.mu.Lock()
	for _, l := range m.listings.rows {
		l.UpdatedAt = l.UpdatedAt.Add(-d)
	}
	m.listings.mu.Unlock()
	m.payments.mu.Lock()
	for _, p := range m.payments.rows {
		p.CreatedAt = p.CreatedAt.Add(-d)
	}
	m.payments.mu.Unlock()
}
