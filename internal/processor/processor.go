// Package processor abstracts the external payment processor and payout
// account provider.  Adapters are constructed explicitly and passed to the
// services that need them; nothing here is process-wide state.
package processor

import (
	"context"
	"errors"
)

// SessionStatus is the processor's view of a payment session.
type SessionStatus string

const (
	SessionOpen       SessionStatus = "open" // awaiting the buyer
	SessionProcessing SessionStatus = "processing"
	SessionSucceeded  SessionStatus = "succeeded"
	SessionFailed     SessionStatus = "failed"
	SessionCanceled   SessionStatus = "canceled"
)

// Terminal reports whether the session can no longer change.
func (s SessionStatus) Terminal() bool {
	return s == SessionSucceeded || s == SessionFailed || s == SessionCanceled
}

// SessionRequest opens a capture session.  Funds are captured to the
// platform; the seller share is moved later with Transfer.
type SessionRequest struct {
	AmountCents        int64
	PlatformFeeCents   int64
	Currency           string
	DestinationAccount string
	Metadata           map[string]string
	IdempotencyKey     string
}

// Session is what the buyer needs to complete payment out of band.
type Session struct {
	Ref          string `json:"session_ref"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
}

// TransferRequest moves the seller share of a captured session.
type TransferRequest struct {
	AmountCents        int64
	Currency           string
	DestinationAccount string
	SessionRef         string
	Group              string
	IdempotencyKey     string
}

// EventKind classifies an asynchronous processor notification.
type EventKind string

const (
	EventPaymentSucceeded  EventKind = "payment.succeeded"
	EventPaymentProcessing EventKind = "payment.processing"
	EventPaymentFailed     EventKind = "payment.failed"
	EventPaymentCanceled   EventKind = "payment.canceled"
	EventAccountUpdated    EventKind = "account.updated"
	EventIgnored           EventKind = "ignored"
)

// Event is a verified processor notification keyed by session or account.
type Event struct {
	ID         string
	Kind       EventKind
	SessionRef string
	AccountRef string
}

// Processor is the payment side of the external collaborator.
type Processor interface {
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	SessionStatus(ctx context.Context, sessionRef string) (SessionStatus, error)
	CancelSession(ctx context.Context, sessionRef string) error
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Refund(ctx context.Context, sessionRef, idempotencyKey string) (string, error)
	ParseEvent(payload []byte, signature string) (Event, error)
}

// AccountInfo is the live capability of a payout account.
type AccountInfo struct {
	Ref           string
	PayoutCapable bool
}

// AccountProvider creates and inspects seller payout accounts.
type AccountProvider interface {
	CreateAccount(ctx context.Context, ownerID, email string) (string, error)
	GetAccount(ctx context.Context, accountRef string) (AccountInfo, error)
	CreateOnboardingLink(ctx context.Context, accountRef, returnURL, refreshURL string) (string, error)
}

var (
	ErrInvalidSignature = errors.New("processor: invalid event signature")
	ErrUnknownSession   = errors.New("processor: unknown session")
	ErrUnknownAccount   = errors.New("processor: unknown account")
	ErrBreakerOpen      = errors.New("processor: circuit breaker is open")
)

// Error wraps a failed processor call.  Permanent errors will fail the
// same way on retry (bad request, unknown object); everything else is
// treated as transient.
type Error struct {
	Op        string
	Permanent bool
	Err       error
}

func (e *Error) Error() string { return "processor " + e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }

// IsPermanent reports whether retrying err is pointless.
func IsPermanent(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Permanent
	}
	return errors.Is(err, ErrUnknownSession) || errors.Is(err, ErrUnknownAccount) || errors.Is(err, ErrInvalidSignature)
}
