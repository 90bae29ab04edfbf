package notify

import (
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
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

const (
	defaultBreakerThreshold = 5
	defaultBreakerPeriod    = time.Minute
	defaultBreakerCooldown  = 30 * time.Second
)

// BreakerConfig controls when a breaker opens and how long it stays open.
type BreakerConfig struct {
	// Threshold consecutive failures within Period open the breaker.
	Threshold int
	Period    time.Duration
	Cooldown  time.Duration
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = defaultBreakerThreshold
	}
	if c.Period <= 0 {
		c.Period = defaultBreakerPeriod
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultBreakerCooldown
	}
	return c
}

// Breaker isolates one failing channel. It is safe for concurrent use.
type Breaker struct {
	mu           sync.Mutex
	cfg          BreakerConfig
	state        State
	failures     int
	firstFailure time.Time
	openedAt     time.Time
	trialing     bool
	onChange     func(State)
}

// NewBreaker returns a closed breaker. onChange, when set, observes every
// state change and is called with the breaker lock held.
func NewBreaker(cfg BreakerConfig, onChange func(State)) *Breaker {
	return &Breaker{cfg: cfg.normalized(), onChange: onChange}
}

// Allow reserves a send. It returns ErrCircuitOpen while the breaker is open
// or while the single half-open trial send is in flight.
func (b *Breaker) Allow(now time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.Cooldown {
			return ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trialing = true
		return nil
	case StateHalfOpen:
		if b.trialing {
			return ErrCircuitOpen
		}
		b.trialing = true
		return nil
	default:
		return nil
	}
}

// Success records a send that reached the provider.
func (b *Breaker) Success(time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialing = false
	if b.state != StateClosed {
		b.setState(StateClosed)
	}
}

// Failure records a failed send.
func (b *Breaker) Failure(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen {
		b.trialing = false
		b.open(now)
		return
	}
	if b.state == StateOpen {
		return
	}
	if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Period {
		b.failures = 0
		b.firstFailure = now
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.open(now)
	}
}

// Release gives back a reservation whose send never reached the provider.
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialing = false
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open(now time.Time) {
	b.failures = 0
	b.openedAt = now
	b.setState(StateOpen)
}

func (b *Breaker) setState(state State) {
	b.state = state
	if b.onChange != nil {
		b.onChange(state)
	}
}

// BreakerSet holds one breaker per channel.
type BreakerSet struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
	onChange func(channel string, state State)
}

// NewBreakerSet builds an empty set; breakers are created on first use.
func NewBreakerSet(cfg BreakerConfig, onChange func(channel string, state State)) *BreakerSet {
	return &BreakerSet{cfg: cfg, breakers: map[string]*Breaker{}, onChange: onChange}
}

// For returns the breaker of channel.
func (s *BreakerSet) For(channel string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if breaker, ok := s.breakers[channel]; ok {
		return breaker
	}
	var observe func(State)
	if s.onChange != nil {
		observe = func(state State) { s.onChange(channel, state) }
	}
	breaker := NewBreaker(s.cfg, observe)
	s.breakers[channel] = breaker
	return breaker
}
