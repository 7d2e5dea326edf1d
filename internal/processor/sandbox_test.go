package processor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox("whsec")

	sess, err := sb.CreateSession(ctx, SessionRequest{AmountCents: 2500, Currency: "usd"})
	require.NoError(t, err)
	st, err := sb.SessionStatus(ctx, sess.Ref)
	require.NoError(t, err)
	assert.Equal(t, SessionOpen, st)

	require.NoError(t, sb.Complete(sess.Ref))
	st, _ = sb.SessionStatus(ctx, sess.Ref)
	assert.Equal(t, SessionSucceeded, st)

	// cancelling a settled session leaves it alone
	require.NoError(t, sb.CancelSession(ctx, sess.Ref))
	st, _ = sb.SessionStatus(ctx, sess.Ref)
	assert.Equal(t, SessionSucceeded, st)
}

func TestSandboxWebhookSignature(t *testing.T) {
	sb := NewSandbox("whsec")
	body, sig, err := sb.Sign(Event{Kind: EventPaymentSucceeded, SessionRef: "sbx_pi_1"})
	require.NoError(t, err)

	ev, err := sb.ParseEvent(body, sig)
	require.NoError(t, err)
	assert.Equal(t, EventPaymentSucceeded, ev.Kind)
	assert.Equal(t, "sbx_pi_1", ev.SessionRef)

	_, err = sb.ParseEvent(body, "deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.True(t, IsPermanent(err))
}

func TestSandboxTransferIsIdempotent(t *testing.T) {
	ctx := context.Background()
	sb := NewSandbox("whsec")
	acct, err := sb.CreateAccount(ctx, "seller-1", "")
	require.NoError(t, err)

	_, err = sb.Transfer(ctx, TransferRequest{AmountCents: 950, DestinationAccount: acct, IdempotencyKey: "k1"})
	assert.True(t, IsPermanent(err), "uncapable account must reject transfers")

	sb.SetPayoutCapable(acct, true)
	a, err := sb.Transfer(ctx, TransferRequest{AmountCents: 950, DestinationAccount: acct, IdempotencyKey: "k1"})
	require.NoError(t, err)
	b, err := sb.Transfer(ctx, TransferRequest{AmountCents: 950, DestinationAccount: acct, IdempotencyKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, sb.TransferCount())
}

func TestSandboxFailNext(t *testing.T) {
	sb := NewSandbox("whsec")
	boom := errors.New("boom")
	sb.FailNext("create_session", boom)

	_, err := sb.CreateSession(context.Background(), SessionRequest{AmountCents: 100})
	assert.ErrorIs(t, err, boom)
	_, err = sb.CreateSession(context.Background(), SessionRequest{AmountCents: 100})
	assert.NoError(t, err)
}

func TestGuardedOpensOnTransientFailures(t *testing.T) {
	sb := NewSandbox("whsec")
	g := NewGuarded(sb, NewBreaker())
	transient := errors.New("timeout")

	for i := 0; i < 5; i++ {
		sb.FailNext("session_status", transient)
		_, err := g.SessionStatus(context.Background(), "x")
		assert.ErrorIs(t, err, transient)
	}
	_, err := g.SessionStatus(context.Background(), "x")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}
