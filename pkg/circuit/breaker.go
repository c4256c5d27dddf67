package circuit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State represents circuit breaker state
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// Config holds circuit breaker configuration
type Config struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	HalfOpenMax   int
	OnStateChange func(name string, from, to State)
	Now           func() time.Time
}

// Breaker trips after MaxFailures consecutive failures, rejects calls for
// Timeout, then lets up to HalfOpenMax trial calls through.
type Breaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int
	lastFailure time.Time
}

// NewBreaker creates a new circuit breaker
func NewBreaker(cfg Config) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Breaker{cfg: cfg}
}

// Name returns the breaker name
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker rejects the call. Context
// cancellation before the call counts as neither success nor failure.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.allow(); err != nil {
		return err
	}

	err := fn()
	b.record(err)
	return err
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.cfg.Now().Sub(b.lastFailure) < b.cfg.Timeout {
			return ErrCircuitOpen
		}
		b.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if b.inFlight >= b.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		b.inFlight++
	}
	return nil
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.inFlight > 0 {
		b.inFlight--
	}

	if err != nil {
		b.lastFailure = b.cfg.Now()
		switch b.state {
		case StateClosed:
			b.failures++
			if b.failures >= b.cfg.MaxFailures {
				b.transition(StateOpen)
			}
		case StateHalfOpen:
			b.transition(StateOpen)
		}
		return
	}

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.HalfOpenMax {
			b.transition(StateClosed)
		}
	}
}

// transition must be called with mu held
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.inFlight = 0
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}

// State returns current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns current consecutive failure count
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// BreakerGroup lazily creates one breaker per name from a shared config
type BreakerGroup struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
}

// NewBreakerGroup creates a new breaker group
func NewBreakerGroup(defaultConfig Config) *BreakerGroup {
	return &BreakerGroup{
		breakers: make(map[string]*Breaker),
		config:   defaultConfig,
	}
}

// Get returns or creates a circuit breaker for the given name
func (g *BreakerGroup) Get(name string) *Breaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if b, ok := g.breakers[name]; ok {
		return b
	}
	cfg := g.config
	cfg.Name = name
	b := NewBreaker(cfg)
	g.breakers[name] = b
	return b
}

// States returns all breaker states
func (g *BreakerGroup) States() map[string]State {
	g.mu.Lock()
	defer g.mu.Unlock()

	states := make(map[string]State, len(g.breakers))
	for name, b := range g.breakers {
		states[name] = b.State()
	}
	return states
}
