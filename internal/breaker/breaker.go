// Package breaker implements the circuit breaker wrapped around outbound
// broker publishes and database writes.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned without attempting the underlying call while the
// circuit is open. Callers treat it as a transient failure.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type Config struct {
	Enabled bool
	// ErrorPercent opens the circuit once this failure percentage is reached
	// over at least VolumeThreshold calls.
	ErrorPercent    int
	VolumeThreshold int
	// CallTimeout bounds each protected call; a timeout counts as a failure.
	CallTimeout time.Duration
	// ResetTimeout is how long the circuit stays open before a half-open probe.
	ResetTimeout time.Duration
	// RollingWindow resets the call/failure counters so stale history cannot
	// keep the error percentage pinned.
	RollingWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		ErrorPercent:    50,
		VolumeThreshold: 5,
		CallTimeout:     2500 * time.Millisecond,
		ResetTimeout:    10 * time.Second,
		RollingWindow:   60 * time.Second,
	}
}

type Breaker struct {
	name string
	cfg  Config

	mu          sync.Mutex
	state       State
	calls       int
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probing     bool

	now func() time.Time
}

func New(name string, cfg Config) *Breaker {
	if cfg.ErrorPercent <= 0 {
		cfg.ErrorPercent = 50
	}
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = 5
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 2500 * time.Millisecond
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 10 * time.Second
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 60 * time.Second
	}
	return &Breaker{
		name: name,
		cfg:  cfg,
		now:  time.Now,
	}
}

// Do runs fn under the breaker. When the circuit is open it fails fast with
// ErrOpen; otherwise fn runs with the configured call timeout.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if b == nil || !b.cfg.Enabled {
		return fn(ctx)
	}
	if err := b.allow(); err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	err := fn(cctx)
	b.record(err)
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Name() string { return b.name }

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	switch b.state {
	case StateOpen:
		if now.Sub(b.openedAt) < b.cfg.ResetTimeout {
			return ErrOpen
		}
		// One probe at a time in half-open.
		b.state = StateHalfOpen
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	default:
		if b.windowStart.IsZero() || now.Sub(b.windowStart) >= b.cfg.RollingWindow {
			b.windowStart = now
			b.calls = 0
			b.failures = 0
		}
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probing = false
		if err != nil {
			b.state = StateOpen
			b.openedAt = b.now()
			return
		}
		b.state = StateClosed
		b.calls = 0
		b.failures = 0
		b.windowStart = b.now()
		return
	}

	b.calls++
	if err != nil {
		b.failures++
	}
	if b.calls >= b.cfg.VolumeThreshold && b.failures*100/b.calls >= b.cfg.ErrorPercent {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}
