package service

import (
	"errors"
	"fmt"

	"github.com/iliyamo/game-code-market/internal/processor"
)

// ValidationError reports bad input the user must correct.  It matches
// ErrValidation with errors.Is.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return e.Field + ": " + e.Msg
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error { return &ValidationError{Field: field, Msg: msg} }

var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("this code is no longer available")
	ErrAlreadyReserved    = fmt.Errorf("listing reserved by another buyer: %w", ErrConflict)
	ErrSellerNotOnboarded = errors.New("seller has no payout account")
	ErrSellerNotPayable   = errors.New("payment setup required")
	ErrExternalProcessor  = errors.New("payment failed, please try again")
	ErrAlreadyPurchased   = errors.New("already purchased")
	ErrForbidden          = errors.New("forbidden")
	ErrVerificationClosed = errors.New("verification window is closed")
)

// Retryable reports whether a webhook delivery that failed with err should
// be redelivered by the processor.  Input and state errors will fail the
// same way every time.  An unknown session stays unknown: the payment row
// is committed before the buyer ever sees the client secret.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrValidation), errors.Is(err, ErrForbidden),
		errors.Is(err, ErrVerificationClosed):
		return false
	case processor.IsPermanent(err):
		return false
	default:
		return true
	}
}
