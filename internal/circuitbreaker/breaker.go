// Package circuitbreaker stops dispatching to endpoints that fail
// persistently, so a dead receiver does not soak up worker capacity.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while an endpoint is cooling down.
var ErrCircuitOpen = errors.New("circuit open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

type endpoint struct {
	state               state
	consecutiveFailures int
	openedAt            time.Time
	probing             bool
}

// Breaker tracks consecutive delivery failures per endpoint URL. After
// threshold consecutive failures the endpoint opens for the cooldown
// period; the first Allow after the cooldown becomes a single half-open
// probe, and its outcome decides whether the circuit closes or re-opens.
//
// A threshold of zero or less disables the breaker entirely.
type Breaker struct {
	mu        sync.Mutex
	endpoints map[string]*endpoint
	threshold int
	cooldown  time.Duration
	clock     func() time.Time
}

func New(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		endpoints: make(map[string]*endpoint),
		threshold: threshold,
		cooldown:  cooldown,
		clock:     time.Now,
	}
}

// WithClock replaces the time source. Only for tests.
func (b *Breaker) WithClock(clock func() time.Time) *Breaker {
	b.clock = clock
	return b
}

// Allow reports whether a dispatch to url may proceed. It returns
// ErrCircuitOpen while the endpoint is open or while a half-open probe
// is already in flight.
func (b *Breaker) Allow(url string) error {
	if b.threshold <= 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[url]
	if !ok {
		return nil
	}

	switch ep.state {
	case stateOpen:
		if b.clock().Sub(ep.openedAt) < b.cooldown {
			return ErrCircuitOpen
		}
		ep.state = stateHalfOpen
		ep.probing = true
		return nil
	case stateHalfOpen:
		if ep.probing {
			return ErrCircuitOpen
		}
		ep.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes the circuit and resets the failure count.
func (b *Breaker) RecordSuccess(url string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ep, ok := b.endpoints[url]; ok {
		ep.state = stateClosed
		ep.consecutiveFailures = 0
		ep.probing = false
	}
}

// RecordFailure counts a failed dispatch and opens the circuit once the
// endpoint reaches the failure threshold. A failed half-open probe
// re-opens immediately.
func (b *Breaker) RecordFailure(url string) {
	if b.threshold <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[url]
	if !ok {
		ep = &endpoint{}
		b.endpoints[url] = ep
	}

	ep.consecutiveFailures++
	ep.probing = false

	if ep.state == stateHalfOpen || ep.consecutiveFailures >= b.threshold {
		ep.state = stateOpen
		ep.openedAt = b.clock()
	}
}
