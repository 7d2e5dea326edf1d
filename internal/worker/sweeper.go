// Package worker runs the periodic settlement jobs.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/game-code-market/internal/service"
)

const lockKey = "lock:escrow-sweep"

// releaseScript deletes the lock only if this instance still owns it.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Jobs is the work one sweep performs.
type Jobs interface {
	SweepAll(ctx context.Context) (service.SweepReport, error)
}

// Sweeper ticks SweepAll.  When Redis is configured a lease makes sure only
// one instance sweeps at a time; without Redis every instance sweeps, which
// is still safe because every transition is a compare-and-swap.
type Sweeper struct {
	rdb      redis.Cmdable
	jobs     Jobs
	interval time.Duration
	lockTTL  time.Duration
	log      *slog.Logger
	token    func() string
}

// NewSweeper creates a sweeper; rdb may be nil.
func NewSweeper(rdb redis.Cmdable, jobs Jobs, interval, lockTTL time.Duration, log *slog.Logger) *Sweeper {
	if cl, ok := rdb.(*redis.Client); ok && cl == nil {
		rdb = nil
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if lockTTL <= 0 || lockTTL > interval {
		lockTTL = interval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{rdb: rdb, jobs: jobs, interval: interval, lockTTL: lockTTL, log: log, token: uuid.NewString}
}

// Run sweeps once immediately and then on every tick until ctx ends.
func (s *Sweeper) Run(ctx context.Context) {
	s.log.Info("sweeper started", slog.Duration("interval", s.interval))
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("sweep failed", slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep if the lease can be taken.  It reports
// whether a sweep ran.
func (s *Sweeper) RunOnce(ctx context.Context) (bool, error) {
	if s.rdb != nil {
		tok := s.token()
		ok, err := s.rdb.SetNX(ctx, lockKey, tok, s.lockTTL).Result()
		if err != nil {
			// Redis trouble should not stall settlement
			s.log.Warn("sweep lock unavailable, sweeping anyway", slog.Any("error", err))
		} else if !ok {
			return false, nil
		} else {
			defer func() {
				if err := releaseScript.Run(context.WithoutCancel(ctx), s.rdb, []string{lockKey}, tok).Err(); err != nil {
					s.log.Warn("sweep lock release failed", slog.Any("error", err))
				}
			}()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()
	started := time.Now()
	rep, err := s.jobs.SweepAll(ctx)
	s.log.Debug("sweep finished",
		slog.Duration("took", time.Since(started)),
		slog.Int("stale_checked", rep.Checked), slog.Int("orphans", rep.Orphans),
		slog.Int("expired", rep.Expired), slog.Int("payouts", rep.Payouts))
	return true, err
}
