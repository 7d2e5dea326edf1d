package processor

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "open"
	}
}

type breakerCounts struct {
	Requests            uint32
	TotalFailures       uint32
	ConsecutiveFailures uint32
}

// Breaker trips after enough failures in a counting interval and rejects
// calls until the open timeout elapses.  In half-open state a limited
// number of probe calls pass; one success closes it, one failure reopens.
type Breaker struct {
	minRequests     uint32
	maxConsecutive  uint32
	failureRatio    float64
	interval        time.Duration
	timeout         time.Duration
	halfOpenAllowed uint32
	now             func() time.Time

	mu         sync.Mutex
	state      BreakerState
	generation uint64
	counts     breakerCounts
	expiry     time.Time
}

// NewBreaker returns a breaker with the defaults used for processor calls.
func NewBreaker() *Breaker {
	return &Breaker{
		minRequests:     20,
		maxConsecutive:  5,
		failureRatio:    0.6,
		interval:        60 * time.Second,
		timeout:         30 * time.Second,
		halfOpenAllowed: 1,
		now:             time.Now,
		state:           BreakerClosed,
	}
}

// Do runs fn unless the breaker is open.  fn reports whether its outcome
// counts as a failure, so permanent client errors do not trip the breaker.
func (b *Breaker) Do(fn func() (failed bool, err error)) error {
	gen, err := b.before()
	if err != nil {
		return err
	}
	var failed bool
	defer func() {
		if e := recover(); e != nil {
			b.after(gen, false)
			panic(e)
		}
	}()
	failed, err = fn()
	b.after(gen, !failed)
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, _ := b.current(b.now())
	return st
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, gen := b.current(b.now())
	if state == BreakerOpen {
		return gen, ErrBreakerOpen
	}
	if state == BreakerHalfOpen && b.counts.Requests >= b.halfOpenAllowed {
		return gen, ErrBreakerOpen
	}
	b.counts.Requests++
	return gen, nil
}

func (b *Breaker) after(before uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, gen := b.current(now)
	if gen != before {
		return
	}
	if success {
		b.counts.ConsecutiveFailures = 0
		if state == BreakerHalfOpen {
			b.setState(BreakerClosed, now)
		}
		return
	}
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	if state == BreakerHalfOpen || b.readyToTrip() {
		b.setState(BreakerOpen, now)
	}
}

func (b *Breaker) readyToTrip() bool {
	if b.counts.ConsecutiveFailures >= b.maxConsecutive {
		return true
	}
	return b.counts.Requests >= b.minRequests &&
		float64(b.counts.TotalFailures)/float64(b.counts.Requests) >= b.failureRatio
}

func (b *Breaker) current(now time.Time) (BreakerState, uint64) {
	switch b.state {
	case BreakerClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case BreakerOpen:
		if b.expiry.Before(now) {
			b.setState(BreakerHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(st BreakerState, now time.Time) {
	b.state = st
	b.newGeneration(now)
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts = breakerCounts{}
	switch b.state {
	case BreakerClosed:
		b.expiry = now.Add(b.interval)
	case BreakerOpen:
		b.expiry = now.Add(b.timeout)
	default:
		b.expiry = time.Time{}
	}
}
