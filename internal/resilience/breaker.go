package resilience

import (
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker stops traffic to a repeatedly failing provider. Shared across all
// users of that provider.
//
// Closed counts consecutive failures; reaching the threshold opens the
// breaker for a cooldown window. Once the cooldown elapses the breaker lets
// one probe through (half-open): success closes it and resets the cooldown,
// failure reopens it with the cooldown doubled, capped at a maximum.
type Breaker struct {
	name         string
	threshold    int
	baseCooldown time.Duration
	maxCooldown  time.Duration

	mu       sync.Mutex
	state    BreakerState
	failures int
	cooldown time.Duration
	openedAt time.Time

	now     func() time.Time
	onState func(name string, s BreakerState)
}

func NewBreaker(name string, threshold int, baseCooldown, maxCooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if baseCooldown <= 0 {
		baseCooldown = 30 * time.Second
	}
	if maxCooldown < baseCooldown {
		maxCooldown = 8 * baseCooldown
	}
	return &Breaker{
		name:         name,
		threshold:    threshold,
		baseCooldown: baseCooldown,
		maxCooldown:  maxCooldown,
		cooldown:     baseCooldown,
		now:          time.Now,
	}
}

// SetStateHook registers a callback invoked on every state transition.
// The callback runs under the breaker lock; keep it cheap.
func (b *Breaker) SetStateHook(hook func(name string, s BreakerState)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = hook
}

// Allow reports whether an attempt may proceed, moving Open to HalfOpen
// when the cooldown has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.setState(StateHalfOpen)
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess closes the breaker after a half-open probe and clears the
// failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateHalfOpen {
		b.cooldown = b.baseCooldown
		b.setState(StateClosed)
	}
}

// RecordFailure counts a failed provider sequence. A failure while
// half-open reopens immediately with the cooldown doubled.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateHalfOpen:
		b.cooldown *= 2
		if b.cooldown > b.maxCooldown {
			b.cooldown = b.maxCooldown
		}
		b.openedAt = b.now()
		b.setState(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.failures = 0
			b.openedAt = b.now()
			b.setState(StateOpen)
		}
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onState != nil {
		b.onState(b.name, s)
	}
}
