package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// RetryPolicy bounds compensating actions.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxTries        uint
}

// DefaultRetryPolicy keeps retrying a rollback for up to two minutes; the
// orphan sweep picks up anything that still fails.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 200 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	MaxElapsed:      2 * time.Minute,
	MaxTries:        20,
}

// retry runs fn until it succeeds, returns a permanent error, or the
// policy is exhausted.  Not-found and conflict results are final: the row
// is gone or already moved on.
func retry(ctx context.Context, log *slog.Logger, p RetryPolicy, op string, fn func(context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		if errors.Is(err, repository.ErrNotFound) || errors.Is(err, repository.ErrConflict) || processor.IsPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
		backoff.WithMaxTries(p.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("retrying", slog.String("op", op), slog.Any("error", err), slog.Duration("next", next))
		}),
	)
	return err
}
