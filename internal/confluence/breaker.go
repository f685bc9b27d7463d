package confluence

import (
	"errors"
	"sync"
	"time"

	"github.com/mescon/contentguardian/internal/clock"
)

// ErrCircuitOpen is returned without touching the network while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open: confluence unavailable")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a Breaker. Zero fields take defaults.
type BreakerConfig struct {
	FailureThreshold int           // consecutive failures that open the circuit, default 5
	ResetTimeout     time.Duration // time before a trial request is allowed, default 30s
	SuccessThreshold int           // trial successes needed to close again, default 2
}

// Breaker stops a Client from hammering a Confluence site that keeps failing.
// The client records one outcome per call after its retries are exhausted,
// so a single call never trips the breaker halfway through its retries.
type Breaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	now         func() time.Time
	state       BreakerState
	failures    int
	successes   int
	lastFailure time.Time
	rejected    int64
}

// NewBreaker creates a closed breaker timed by clk. A nil clk uses real time.
func NewBreaker(cfg BreakerConfig, clk clock.Clock) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &Breaker{cfg: cfg, now: clk.Now}
}

// Allow reports whether a request may be sent now.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != BreakerOpen {
		return true
	}
	if b.now().Sub(b.lastFailure) >= b.cfg.ResetTimeout {
		b.state = BreakerHalfOpen
		b.successes = 0
		return true
	}
	b.rejected++
	return false
}

// Success records a healthy response.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen, BreakerOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		} else {
			b.state = BreakerHalfOpen
		}
	}
}

// Failure records an unhealthy response.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.successes = 0
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen || b.failures >= b.cfg.FailureThreshold {
		b.state = BreakerOpen
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Rejected returns how many requests were refused while open.
func (b *Breaker) Rejected() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rejected
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.successes = 0
}
