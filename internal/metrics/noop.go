package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryScheduled(reason string)                                              {}
func (n *NoopSink) RateLimitDenied()                                                          {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) WebhooksMatched(count int)                                                 {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) EmitError()                                                                {}

var _ Sink = (*NoopSink)(nil)
