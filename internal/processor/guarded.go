package processor

import (
	"context"
	"time"

	"github.com/iliyamo/game-code-market/internal/monitoring"
)

// Client is everything the services need from the external side.
type Client interface {
	Processor
	AccountProvider
}

// Guarded wraps a Client with a circuit breaker and latency metrics.
// ParseEvent is local and bypasses both.
type Guarded struct {
	inner   Client
	breaker *Breaker
}

// NewGuarded wraps inner with breaker.
func NewGuarded(inner Client, breaker *Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

func (g *Guarded) call(op string, fn func() error) error {
	started := time.Now()
	err := g.breaker.Do(func() (bool, error) {
		err := fn()
		return err != nil && !IsPermanent(err), err
	})
	monitoring.TrackProcessorCall(op, started, err)
	return err
}

func (g *Guarded) CreateSession(ctx context.Context, req SessionRequest) (out Session, err error) {
	err = g.call("create_session", func() error {
		out, err = g.inner.CreateSession(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) SessionStatus(ctx context.Context, ref string) (out SessionStatus, err error) {
	err = g.call("session_status", func() error {
		out, err = g.inner.SessionStatus(ctx, ref)
		return err
	})
	return out, err
}

func (g *Guarded) CancelSession(ctx context.Context, ref string) error {
	return g.call("cancel_session", func() error { return g.inner.CancelSession(ctx, ref) })
}

func (g *Guarded) Transfer(ctx context.Context, req TransferRequest) (out string, err error) {
	err = g.call("transfer", func() error {
		out, err = g.inner.Transfer(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Refund(ctx context.Context, ref, key string) (out string, err error) {
	err = g.call("refund", func() error {
		out, err = g.inner.Refund(ctx, ref, key)
		return err
	})
	return out, err
}

func (g *Guarded) ParseEvent(payload []byte, signature string) (Event, error) {
	return g.inner.ParseEvent(payload, signature)
}

func (g *Guarded) CreateAccount(ctx context.Context, ownerID, email string) (out string, err error) {
	err = g.call("create_account", func() error {
		out, err = g.inner.CreateAccount(ctx, ownerID, email)
		return err
	})
	return out, err
}

func (g *Guarded) GetAccount(ctx context.Context, ref string) (out AccountInfo, err error) {
	err = g.call("get_account", func() error {
		out, err = g.inner.GetAccount(ctx, ref)
		return err
	})
	return out, err
}

func (g *Guarded) CreateOnboardingLink(ctx context.Context, ref, returnURL, refreshURL string) (out string, err error) {
	err = g.call("onboarding_link", func() error {
		out, err = g.inner.CreateOnboardingLink(ctx, ref, returnURL, refreshURL)
		return err
	})
	return out, err
}
