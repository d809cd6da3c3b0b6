// Package metrics defines the tiny observer interface the broker
// reports counter events through, along with a no-op default and an
// in-memory counter implementation used by the admin stats surface and
// by tests.
package metrics

import "sync/atomic"

// Observer receives counter events from the broker's connection and
// routing machinery. Implementations must not block; callers invoke
// these from hot paths such as message forwarding.
type Observer interface {
	// IncrDropped counts a message dropped from a connection's
	// outbound queue due to backpressure.
	IncrDropped()

	// IncrBound counts a successful subscription bind.
	IncrBound()

	// IncrRejected counts a subscription bind rejected for capacity or
	// an inactive streamer.
	IncrRejected()

	// IncrForwarded counts a message forwarded from one connection to
	// another.
	IncrForwarded()

	// ObserveConnections records the current connection count for a
	// role, keyed by an opaque role label so this package need not
	// depend on the registry's role type.
	ObserveConnections(role string, count int)
}

// NoopObserver discards every event. It is the default Observer when
// none is configured.
type NoopObserver struct{}

var _ Observer = NoopObserver{}

// IncrDropped implements Observer.
func (NoopObserver) IncrDropped() {}

// IncrBound implements Observer.
func (NoopObserver) IncrBound() {}

// IncrRejected implements Observer.
func (NoopObserver) IncrRejected() {}

// IncrForwarded implements Observer.
func (NoopObserver) IncrForwarded() {}

// ObserveConnections implements Observer.
func (NoopObserver) ObserveConnections(string, int) {}

// CounterObserver is an in-memory Observer backed by atomic counters.
// The admin /stats endpoint and tests use it to assert on broker
// behavior without standing up a real metrics backend.
type CounterObserver struct {
	dropped   atomic.Int64
	bound     atomic.Int64
	rejected  atomic.Int64
	forwarded atomic.Int64

	gauges struct {
		players   atomic.Int64
		streamers atomic.Int64
		sfus      atomic.Int64
	}
}

// NewCounterObserver creates a CounterObserver with all counters at zero.
func NewCounterObserver() *CounterObserver {
	return &CounterObserver{}
}

var _ Observer = (*CounterObserver)(nil)

// IncrDropped implements Observer.
func (c *CounterObserver) IncrDropped() { c.dropped.Add(1) }

// IncrBound implements Observer.
func (c *CounterObserver) IncrBound() { c.bound.Add(1) }

// IncrRejected implements Observer.
func (c *CounterObserver) IncrRejected() { c.rejected.Add(1) }

// IncrForwarded implements Observer.
func (c *CounterObserver) IncrForwarded() { c.forwarded.Add(1) }

// ObserveConnections implements Observer.
func (c *CounterObserver) ObserveConnections(role string, count int) {
	switch role {
	case "player":
		c.gauges.players.Store(int64(count))
	case "streamer":
		c.gauges.streamers.Store(int64(count))
	case "sfu":
		c.gauges.sfus.Store(int64(count))
	}
}

// Snapshot is a point-in-time read of every counter and gauge.
type Snapshot struct {
	Dropped   int64 `json:"dropped"`
	Bound     int64 `json:"bound"`
	Rejected  int64 `json:"rejected"`
	Forwarded int64 `json:"forwarded"`
	Players   int64 `json:"players"`
	Streamers int64 `json:"streamers"`
	SFUs      int64 `json:"sfus"`
}

// Snapshot returns the current values of every counter and gauge.
func (c *CounterObserver) Snapshot() Snapshot {
	return Snapshot{
		Dropped:   c.dropped.Load(),
		Bound:     c.bound.Load(),
		Rejected:  c.rejected.Load(),
		Forwarded: c.forwarded.Load(),
		Players:   c.gauges.players.Load(),
		Streamers: c.gauges.streamers.Load(),
		SFUs:      c.gauges.sfus.Load(),
	}
}
