package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Breaker opens after a run of consecutive collaborator failures and lets a
// single probe through once the cool-down has elapsed.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	coolDown    time.Duration
	openedAt    time.Time
	probing     bool
	onChange    func(State)
	now         func() time.Time
}

// NewBreaker returns a closed breaker. maxFailures <= 0 disables tripping.
func NewBreaker(maxFailures int, coolDown time.Duration) *Breaker {
	return &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		coolDown:    coolDown,
		now:         time.Now,
	}
}

// OnStateChange registers a hook invoked (under no lock) after each transition.
func (b *Breaker) OnStateChange(fn func(State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// State reports the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Do runs fn unless the breaker is open. Errors caused by the caller's own
// context ending are passed through without counting as collaborator failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	prev := b.state
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	next, hook := b.state, b.onChange
	b.mu.Unlock()

	if hook != nil && next != prev {
		hook(next)
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	var hook func(State)
	allowed := false
	switch b.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.coolDown {
			b.state = StateHalfOpen
			b.probing = true
			hook = b.onChange
			allowed = true
		}
	case StateHalfOpen:
		if !b.probing {
			b.probing = true
			allowed = true
		}
	}
	b.mu.Unlock()

	if hook != nil {
		hook(StateHalfOpen)
	}
	return allowed
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	b.probing = false
	if b.state == StateHalfOpen || (b.maxFailures > 0 && b.failures >= b.maxFailures) {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.probing = false
	b.state = StateClosed
}
