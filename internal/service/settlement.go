package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/game-code-market/internal/config"
	"github.com/iliyamo/game-code-market/internal/model"
	"github.com/iliyamo/game-code-market/internal/monitoring"
	"github.com/iliyamo/game-code-market/internal/processor"
	"github.com/iliyamo/game-code-market/internal/queue"
	"github.com/iliyamo/game-code-market/internal/repository"
)

// Outcome says what a settlement call did.
type Outcome string

const (
	OutcomeSettled     Outcome = "settled"
	OutcomeFailed      Outcome = "failed"
	OutcomeProcessing  Outcome = "processing"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeLateSuccess Outcome = "late_success"
	OutcomeRefunded    Outcome = "refunded"
	OutcomeIgnored     Outcome = "ignored"
)

var openPayment = []model.PaymentStatus{model.PaymentPending, model.PaymentProcessing}

// SweepReport summarises one stale-payment sweep.
type SweepReport struct {
	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Orphans   int `json:"orphans"`
	Expired   int `json:"verifications_expired"`
	Payouts   int `json:"payouts_reconciled"`
}

// Resolver applies payment outcomes to the listing/payment pair.  Every
// path first swaps the payment status, which is the serialisation point
// between webhook deliveries, manual syncs and the sweep.
type Resolver struct {
	listings ListingStore
	payments PaymentStore
	proc     processor.Processor
	tracker  *Tracker
	releaser *Releaser
	payouts  *PayoutRegistry
	events   Publisher
	log      *slog.Logger

	mode        string
	grace       time.Duration
	batch       int
	concurrency int
	retry       RetryPolicy
	now         func() time.Time
}

// ResolverConfig carries the settlement knobs.
type ResolverConfig struct {
	Mode        string
	Grace       time.Duration
	Batch       int
	Concurrency int
}

// NewResolver builds the settlement resolver from its collaborators.
func NewResolver(listings ListingStore, payments PaymentStore, proc processor.Processor, tracker *Tracker, releaser *Releaser,
	payouts *PayoutRegistry, events Publisher, cfg ResolverConfig, log *slog.Logger) *Resolver {
	if events == nil {
		events = nopPublisher{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Resolver{
		listings:    listings,
		payments:    payments,
		proc:        proc,
		tracker:     tracker,
		releaser:    releaser,
		payouts:     payouts,
		events:      events,
		log:         log,
		mode:        cfg.Mode,
		grace:       cfg.Grace,
		batch:       cfg.Batch,
		concurrency: cfg.Concurrency,
		retry:       DefaultRetryPolicy,
		now:         time.Now,
	}
}

// ResolveSuccess finalises a paid session.  Only the caller that moves the
// listing to sold does the follow-up work, so redelivery is a no-op.  A
// success arriving after the payment was already failed is refunded and
// raised as an alert.
func (r *Resolver) ResolveSuccess(ctx context.Context, sessionRef string) (Outcome, error) {
	p, err := r.payment(ctx, sessionRef)
	if err != nil {
		return "", err
	}
	switch p.Status {
	case model.PaymentSucceeded:
		// already marked; the listing may still need finishing
	case model.PaymentFailed:
		return r.lateSuccess(ctx, p, "late_success")
	default:
		if err := r.payments.TransitionStatus(ctx, p.ID, openPayment, model.PaymentSucceeded); err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				return "", err
			}
			cur, gerr := r.payment(ctx, sessionRef)
			if gerr != nil {
				return "", gerr
			}
			switch cur.Status {
			case model.PaymentSucceeded:
			case model.PaymentFailed:
				return r.lateSuccess(ctx, cur, "late_success")
			default:
				// still open: another payment for this listing already succeeded
				if ferr := r.payments.TransitionStatus(ctx, cur.ID, openPayment, model.PaymentFailed); ferr != nil && !errors.Is(ferr, repository.ErrConflict) {
					return "", ferr
				}
				cur.Status = model.PaymentFailed
				return r.lateSuccess(ctx, cur, "duplicate_capture")
			}
		}
	}

	l, err := r.listings.TransitionStatus(ctx, p.ListingID, model.StateReserved, model.StateSold)
	if err != nil {
		if !errors.Is(err, repository.ErrConflict) {
			// the payment is marked; the next delivery or the sweep finishes the listing
			return "", err
		}
		cur, gerr := r.listings.Get(ctx, p.ListingID)
		if gerr != nil {
			return "", gerr
		}
		if cur.Status != model.ListingSold {
			// the reservation was released while the buyer paid
			if ferr := r.payments.TransitionStatus(ctx, p.ID, []model.PaymentStatus{model.PaymentSucceeded}, model.PaymentFailed); ferr != nil {
				r.log.Error("could not fail orphaned payment", slog.String("payment_id", p.ID), slog.Any("error", ferr))
			}
			p.Status = model.PaymentFailed
			return r.lateSuccess(ctx, p, "listing_released")
		}
		// whoever moved the listing to sold finishes the sale
		return OutcomeDuplicate, nil
	}

	monitoring.TrackSettlement("succeeded")
	_ = r.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventPaymentSucceeded, ListingID: l.ID, PaymentID: p.ID, BuyerID: p.BuyerID, SellerID: l.SellerID,
		AmountCents: p.AmountCents, FeeCents: p.PlatformFeeCents, SessionRef: sessionRef, OccurredAt: r.now().UTC(),
	})
	r.log.Info("payment settled", slog.String("listing_id", l.ID), slog.String("payment_id", p.ID), slog.String("mode", r.mode))

	if r.mode == config.ModeDirect {
		if err := r.releaser.Release(ctx, l.ID); err != nil {
			r.log.Warn("direct release deferred", slog.String("listing_id", l.ID), slog.Any("error", err))
		}
		return OutcomeSettled, nil
	}
	if _, err := r.tracker.Open(ctx, l.ID); err != nil {
		r.log.Error("verification window not opened", slog.String("listing_id", l.ID), slog.Any("error", err))
	}
	return OutcomeSettled, nil
}

// lateSuccess refunds money captured for a payment the system already
// considers failed.  The refund is keyed on the payment, so repeats are
// harmless.
func (r *Resolver) lateSuccess(ctx context.Context, p *model.Payment, reason string) (Outcome, error) {
	r.log.Error("captured payment has no sale, refunding",
		slog.String("payment_id", p.ID), slog.String("listing_id", p.ListingID),
		slog.String("session_ref", p.SessionRef), slog.String("reason", reason))
	monitoring.Alert(reason)
	_ = r.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventLateSuccess, ListingID: p.ListingID, PaymentID: p.ID, BuyerID: p.BuyerID,
		AmountCents: p.AmountCents, SessionRef: p.SessionRef, Reason: reason, OccurredAt: r.now().UTC(),
	})
	if err := r.releaser.refund(ctx, p); err != nil {
		return OutcomeLateSuccess, err
	}
	return OutcomeRefunded, nil
}

// ResolveFailure fails an open payment and returns its listing to the
// pool.  A failure for a payment that already succeeded is ignored.
func (r *Resolver) ResolveFailure(ctx context.Context, sessionRef, reason string) (Outcome, error) {
	p, err := r.payment(ctx, sessionRef)
	if err != nil {
		return "", err
	}
	switch p.Status {
	case model.PaymentFailed:
		return OutcomeDuplicate, nil
	case model.PaymentSucceeded:
		r.log.Warn("failure reported for settled payment ignored", slog.String("payment_id", p.ID), slog.String("reason", reason))
		return OutcomeIgnored, nil
	}

	if err := r.payments.TransitionStatus(ctx, p.ID, openPayment, model.PaymentFailed); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return OutcomeDuplicate, nil
		}
		return "", err
	}

	err = retry(context.WithoutCancel(ctx), r.log, r.retry, "release_listing", func(ctx context.Context) error {
		l, err := r.listings.Get(ctx, p.ListingID)
		if err != nil {
			return err
		}
		if l.PaymentSessionRef != nil && *l.PaymentSessionRef != p.SessionRef {
			return repository.ErrConflict
		}
		_, err = r.listings.TransitionStatus(ctx, p.ListingID, model.StateReserved, model.StateAvailable)
		return err
	})
	if err != nil && !errors.Is(err, repository.ErrConflict) {
		r.log.Error("listing not released after payment failure", slog.String("listing_id", p.ListingID), slog.Any("error", err))
		monitoring.Alert("release_failed")
		return "", err
	}

	monitoring.TrackSettlement("failed")
	_ = r.events.Publish(ctx, queue.EscrowEvent{
		Type: queue.EventPaymentFailed, ListingID: p.ListingID, PaymentID: p.ID, BuyerID: p.BuyerID,
		SessionRef: sessionRef, Reason: reason, OccurredAt: r.now().UTC(),
	})
	r.log.Info("payment failed, listing back in pool", slog.String("listing_id", p.ListingID), slog.String("reason", reason))
	return OutcomeFailed, nil
}

// MarkProcessing notes that the processor is still working on a payment.
func (r *Resolver) MarkProcessing(ctx context.Context, sessionRef string) (Outcome, error) {
	p, err := r.payment(ctx, sessionRef)
	if err != nil {
		return "", err
	}
	err = r.payments.TransitionStatus(ctx, p.ID, []model.PaymentStatus{model.PaymentPending}, model.PaymentProcessing)
	if errors.Is(err, repository.ErrConflict) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	return OutcomeProcessing, nil
}

// HandleEvent dispatches a verified processor notification.
func (r *Resolver) HandleEvent(ctx context.Context, ev processor.Event) (Outcome, error) {
	switch ev.Kind {
	case processor.EventPaymentSucceeded:
		return r.ResolveSuccess(ctx, ev.SessionRef)
	case processor.EventPaymentFailed:
		return r.ResolveFailure(ctx, ev.SessionRef, "payment_failed")
	case processor.EventPaymentCanceled:
		return r.ResolveFailure(ctx, ev.SessionRef, "canceled")
	case processor.EventPaymentProcessing:
		return r.MarkProcessing(ctx, ev.SessionRef)
	case processor.EventAccountUpdated:
		if r.payouts == nil || ev.AccountRef == "" {
			return OutcomeIgnored, nil
		}
		return OutcomeSettled, r.payouts.RefreshAccount(ctx, ev.AccountRef)
	default:
		return OutcomeIgnored, nil
	}
}

// Sync asks the processor for the session status and applies it.  Only
// the paying buyer may sync their session.
func (r *Resolver) Sync(ctx context.Context, buyerID, sessionRef string) (*model.Payment, error) {
	p, err := r.payment(ctx, sessionRef)
	if err != nil {
		return nil, err
	}
	if p.BuyerID != buyerID {
		return nil, ErrNotFound
	}
	if p.Open() {
		if _, err := r.apply(ctx, p); err != nil {
			return nil, err
		}
		if p, err = r.payment(ctx, sessionRef); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// apply polls the processor for p and runs the matching transition.
func (r *Resolver) apply(ctx context.Context, p *model.Payment) (Outcome, error) {
	st, err := r.proc.SessionStatus(ctx, p.SessionRef)
	if err != nil {
		if errors.Is(err, processor.ErrUnknownSession) {
			return r.ResolveFailure(ctx, p.SessionRef, "unknown_session")
		}
		return "", fmt.Errorf("%w: %v", ErrExternalProcessor, err)
	}
	switch st {
	case processor.SessionSucceeded:
		return r.ResolveSuccess(ctx, p.SessionRef)
	case processor.SessionFailed:
		return r.ResolveFailure(ctx, p.SessionRef, "payment_failed")
	case processor.SessionCanceled:
		return r.ResolveFailure(ctx, p.SessionRef, "canceled")
	case processor.SessionProcessing:
		return r.MarkProcessing(ctx, p.SessionRef)
	default:
		return OutcomeIgnored, nil
	}
}

// SweepStale resolves payments left open past the grace period.  The
// processor is polled first so a paid session is never failed; abandoned
// sessions are cancelled and then failed.  Reservations whose rollback
// never completed are released too.
func (r *Resolver) SweepStale(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	cutoff := r.now().Add(-r.grace)

	stale, err := r.payments.ListStale(ctx, cutoff, r.batch)
	if err != nil {
		monitoring.TrackSweep("stale_payments", err)
		return rep, err
	}

	var succeeded, failed, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i := range stale {
		p := stale[i]
		g.Go(func() error {
			out, err := r.sweepOne(gctx, &p)
			if err != nil {
				r.log.Warn("stale payment not resolved", slog.String("payment_id", p.ID), slog.Any("error", err))
				skipped.Add(1)
				return nil
			}
			switch out {
			case OutcomeSettled, OutcomeDuplicate:
				succeeded.Add(1)
			case OutcomeFailed, OutcomeRefunded:
				failed.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	err = g.Wait()
	rep.Checked = len(stale)
	rep.Succeeded = int(succeeded.Load())
	rep.Failed = int(failed.Load())
	rep.Skipped = int(skipped.Load())

	orphans, oerr := r.releaseOrphans(ctx, cutoff)
	rep.Orphans = orphans
	if err == nil {
		err = oerr
	}
	monitoring.TrackSweep("stale_payments", err)
	if rep.Checked > 0 || rep.Orphans > 0 {
		r.log.Info("stale sweep finished",
			slog.Int("checked", rep.Checked), slog.Int("succeeded", rep.Succeeded),
			slog.Int("failed", rep.Failed), slog.Int("skipped", rep.Skipped), slog.Int("orphans", rep.Orphans))
	}
	return rep, err
}

func (r *Resolver) sweepOne(ctx context.Context, p *model.Payment) (Outcome, error) {
	st, err := r.proc.SessionStatus(ctx, p.SessionRef)
	switch {
	case errors.Is(err, processor.ErrUnknownSession):
		return r.ResolveFailure(ctx, p.SessionRef, "unknown_session")
	case err != nil:
		return "", err
	}
	switch st {
	case processor.SessionSucceeded:
		return r.ResolveSuccess(ctx, p.SessionRef)
	case processor.SessionProcessing:
		// funds are in flight; failing now would only force a refund later
		_, _ = r.MarkProcessing(ctx, p.SessionRef)
		return OutcomeProcessing, nil
	case processor.SessionFailed, processor.SessionCanceled:
		return r.ResolveFailure(ctx, p.SessionRef, "expired")
	}
	if err := r.proc.CancelSession(ctx, p.SessionRef); err != nil {
		return "", err
	}
	// the buyer may have paid between the poll and the cancel
	if st, err := r.proc.SessionStatus(ctx, p.SessionRef); err == nil && st == processor.SessionSucceeded {
		return r.ResolveSuccess(ctx, p.SessionRef)
	}
	return r.ResolveFailure(ctx, p.SessionRef, "expired")
}

func (r *Resolver) releaseOrphans(ctx context.Context, before time.Time) (int, error) {
	orphans, err := r.listings.ListOrphanedReservations(ctx, before, r.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range orphans {
		if p, err := r.payments.GetSucceededForListing(ctx, l.ID); err == nil {
			// paid, but the listing update was lost
			if _, err := r.ResolveSuccess(ctx, p.SessionRef); err != nil {
				r.log.Warn("paid reservation not finished", slog.String("listing_id", l.ID), slog.Any("error", err))
			}
			continue
		}
		_, err := r.listings.TransitionStatus(ctx, l.ID, model.StateReserved, model.StateAvailable)
		if err != nil {
			if !errors.Is(err, repository.ErrConflict) {
				r.log.Warn("orphaned reservation not released", slog.String("listing_id", l.ID), slog.Any("error", err))
			}
			continue
		}
		n++
		_ = r.events.Publish(ctx, queue.EscrowEvent{Type: queue.EventReservationFreed, ListingID: l.ID, Reason: "orphaned", OccurredAt: r.now().UTC()})
	}
	return n, nil
}

// SweepAll runs every periodic job once: stale payments, expired
// verification windows, then held payouts.  It keeps going after a job
// fails and returns the first error.
func (r *Resolver) SweepAll(ctx context.Context) (SweepReport, error) {
	rep, err := r.SweepStale(ctx)
	if r.mode == config.ModeEscrow {
		n, xerr := r.tracker.SweepExpired(ctx)
		rep.Expired = n
		if err == nil {
			err = xerr
		}
	}
	n, perr := r.ReconcilePayouts(ctx)
	rep.Payouts = n
	if err == nil {
		err = perr
	}
	return rep, err
}

// ReconcilePayouts retries held funds on sold listings outside an open
// verification window: confirmed or expired sales are released, disputed
// ones refunded.  An escrow sale whose window never opened gets one now.
func (r *Resolver) ReconcilePayouts(ctx context.Context) (int, error) {
	held, err := r.listings.ListHeldPayouts(ctx, r.now().Add(-time.Minute), r.batch)
	if err != nil {
		monitoring.TrackSweep("payouts", err)
		return 0, err
	}
	monitoring.SetHeldPayouts(len(held))
	done := 0
	for _, l := range held {
		if ctx.Err() != nil {
			break
		}
		var err error
		switch l.VerificationStatus {
		case model.VerificationDisputed:
			err = r.releaser.Reverse(ctx, l.ID, valueOr(l.DisputeReason, "disputed"))
		case model.VerificationNone:
			if r.mode == config.ModeEscrow {
				_, err = r.tracker.Open(ctx, l.ID)
			} else {
				err = r.releaser.Release(ctx, l.ID)
			}
		default:
			err = r.releaser.Release(ctx, l.ID)
		}
		if err != nil {
			r.log.Warn("held payout still pending", slog.String("listing_id", l.ID), slog.Any("error", err))
			continue
		}
		done++
	}
	monitoring.TrackSweep("payouts", nil)
	return done, ctx.Err()
}

func (r *Resolver) payment(ctx context.Context, sessionRef string) (*model.Payment, error) {
	p, err := r.payments.GetBySession(ctx, sessionRef)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("session %s: %w", sessionRef, ErrNotFound)
	}
	return p, err
}

func valueOr(p *string, def string) string {
	if p == nil || *p == "" {
		return def
	}
	return *p
}
