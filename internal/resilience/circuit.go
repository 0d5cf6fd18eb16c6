// Package resilience wraps calls to OCR, model and download providers with
// retries and per-provider circuit breakers.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is a provider breaker's state.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	// CircuitHalfOpen admits one trial call after the cooldown.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON output.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ErrCircuitOpen matches every rejection by an open breaker.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// OpenError is returned instead of calling a provider whose breaker is open.
// RetryIn is zero while another caller's trial call is in flight.
type OpenError struct {
	Provider string
	RetryIn  time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: circuit open, retry in %s", e.Provider, e.RetryIn.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// BreakerConfig controls every provider breaker in a registry.
type BreakerConfig struct {
	// Threshold is the number of consecutive failures that opens a breaker.
	Threshold int
	// Cooldown is how long an open breaker rejects calls before a trial call.
	Cooldown time.Duration
}

// DefaultBreakerConfig opens after 5 failures for 30 seconds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Cooldown: 30 * time.Second}
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	d := DefaultBreakerConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// Breaker guards one provider. A provider that keeps failing is skipped
// until the cooldown passes, so a fallback chain moves on immediately.
type Breaker struct {
	provider string
	cfg      BreakerConfig
	now      func() time.Time
	onChange func(provider string, from, to CircuitState)

	mu       sync.Mutex
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(provider string, cfg BreakerConfig, now func() time.Time) *Breaker {
	return &Breaker{
		provider: provider,
		cfg:      cfg.withDefaults(),
		now:      now,
		onChange: logTransition,
	}
}

// Call runs fn unless b is open. Failures count toward opening b; a caller
// cancelling its own context does not.
func Call[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	trial, err := b.acquire()
	if err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.release(trial, err)
	return val, err
}

// State reports the breaker's state, showing an open breaker whose
// cooldown has passed as half-open.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.cooledDown() {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current run of consecutive failures.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *Breaker) cooledDown() bool {
	return b.now().Sub(b.openedAt) >= b.cfg.Cooldown
}

func (b *Breaker) acquire() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if !b.cooledDown() {
			return false, &OpenError{Provider: b.provider, RetryIn: b.cfg.Cooldown - b.now().Sub(b.openedAt)}
		}
		b.set(CircuitHalfOpen)
		b.probing = true
		return true, nil
	case CircuitHalfOpen:
		if b.probing {
			return false, &OpenError{Provider: b.provider}
		}
		b.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) release(trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.probing = false
	}

	switch {
	case errors.Is(err, context.Canceled):
		return
	case err == nil:
		b.failures = 0
		if b.state != CircuitClosed {
			b.set(CircuitClosed)
		}
		return
	}

	b.failures++
	if trial || b.failures >= b.cfg.Threshold {
		b.openedAt = b.now()
		if b.state != CircuitOpen {
			b.set(CircuitOpen)
		}
	}
}

func (b *Breaker) set(to CircuitState) {
	from := b.state
	b.state = to
	if b.onChange != nil {
		b.onChange(b.provider, from, to)
	}
}

func logTransition(provider string, from, to CircuitState) {
	log := zap.L().Info
	if to == CircuitOpen {
		log = zap.L().Warn
	}
	log("provider circuit state changed",
		zap.String("provider", provider),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
	)
}

// Breakers holds one Breaker per provider name.
type Breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu         sync.Mutex
	byProvider map[string]*Breaker
}

// NewBreakers creates an empty registry; breakers are created on first use.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg.withDefaults(), now: time.Now, byProvider: make(map[string]*Breaker)}
}

// For returns the breaker for provider.
func (r *Breakers) For(provider string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.byProvider[provider]
	if !ok {
		b = newBreaker(provider, r.cfg, r.now)
		r.byProvider[provider] = b
	}
	return b
}

// States snapshots every provider's state for health reporting.
func (r *Breakers) States() map[string]CircuitState {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.byProvider))
	for _, b := range r.byProvider {
		list = append(list, b)
	}
	r.mu.Unlock()

	states := make(map[string]CircuitState, len(list))
	for _, b := range list {
		states[b.provider] = b.State()
	}
	return states
}
