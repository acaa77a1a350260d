// Package channel provides the in-process event bus carrying domain events
// from the session subsystem into the dispatcher.
package channel

import (
	"context"
	"errors"

	"github.com/guilhermetechmakers/agentforms-webhooks/internal/domain"
)

// ErrBufferFull is returned when the bus cannot accept an event without
// blocking. Emitters must treat this as a dropped event; the caller's
// domain operation proceeds regardless.
var ErrBufferFull = errors.New("event bus buffer full")

// MetricsSink records bus health. Methods must be non-blocking.
type MetricsSink interface {
	BufferSizeUpdate(size int)
	EmitError()
}

type Option func(*EventBus)

// WithMetrics attaches a metrics sink to the bus.
func WithMetrics(sink MetricsSink) Option {
	return func(b *EventBus) { b.metrics = sink }
}

type EventBus struct {
	ch      chan domain.Event
	metrics MetricsSink // optional, nil = disabled
}

func NewEventBus(buffer int, opts ...Option) *EventBus {
	b := &EventBus{ch: make(chan domain.Event, buffer)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Emit enqueues an event without blocking. A full buffer yields
// ErrBufferFull: webhook delivery is best-effort from the emitter's view
// and must never stall a session lifecycle transition.
func (b *EventBus) Emit(ctx context.Context, event domain.Event) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.ch <- event:
		if b.metrics != nil {
			b.metrics.BufferSizeUpdate(len(b.ch))
		}
		return nil
	default:
		if b.metrics != nil {
			b.metrics.EmitError()
		}
		return ErrBufferFull
	}
}

func (b *EventBus) Channel() <-chan domain.Event {
	return b.ch
}
