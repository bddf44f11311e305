package ai

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/visionagent/backend/pkg/logger"
)

// BreakerState represents the current state of a circuit breaker
type BreakerState string

const (
	// BreakerClosed lets requests through.
	BreakerClosed BreakerState = "closed"
	// BreakerOpen short-circuits requests until the cooldown elapses.
	BreakerOpen BreakerState = "open"
	// BreakerHalfOpen lets a single probe request through.
	BreakerHalfOpen BreakerState = "half-open"
)

// Breaker stops dialing the LLM service after repeated transport failures.
// Empty replies and caller cancellations do not count as failures.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	threshold   int
	cooldown    time.Duration
	failures    int
	probing     bool
	nextAttempt time.Time
	openCount   uint64
	now         func() time.Time
	log         *logger.Logger
}

// NewBreaker returns nil when threshold is not positive; a nil Breaker lets
// every request through.
func NewBreaker(threshold int, cooldown time.Duration, log *logger.Logger) *Breaker {
	if threshold <= 0 {
		return nil
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       logger.OrDiscard(log).Component("llm-breaker"),
	}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(fn func() error) error {
	if b == nil {
		return fn()
	}
	if !b.allow() {
		return &TransportError{Reason: "circuit open", Err: ErrCircuitOpen}
	}

	err := fn()
	if countsAsFailure(err) {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
	return err
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return false
		}
		b.state = BreakerHalfOpen
		b.probing = true
		b.log.Info("circuit breaker half-open")
		return true
	case BreakerHalfOpen:
		// 半开状态只放行一个探测请求
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.log.Info("circuit breaker closed")
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.probing = false
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.state = BreakerOpen
		b.openCount++
		b.nextAttempt = b.now().Add(b.cooldown)
		b.log.Warn("circuit breaker opened",
			"failures", b.failures,
			"next_attempt", b.nextAttempt.Format(time.RFC3339),
		)
	}
}

func countsAsFailure(err error) bool {
	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	return !errors.Is(te.Err, context.Canceled)
}
