package metrics

import "testing"

func TestCounterObserver(t *testing.T) {
	c := NewCounterObserver()

	c.IncrDropped()
	c.IncrDropped()
	c.IncrBound()
	c.IncrRejected()
	c.IncrForwarded()
	c.IncrForwarded()
	c.IncrForwarded()
	c.ObserveConnections("player", 7)
	c.ObserveConnections("streamer", 2)
	c.ObserveConnections("sfu", 1)
	c.ObserveConnections("bogus", 99) // ignored

	snap := c.Snapshot()
	want := Snapshot{Dropped: 2, Bound: 1, Rejected: 1, Forwarded: 3, Players: 7, Streamers: 2, SFUs: 1}
	if snap != want {
		t.Errorf("Snapshot() = %+v, want %+v", snap, want)
	}
}

func TestNoopObserverDoesNotPanic(t *testing.T) {
	var o Observer = NoopObserver{}
	o.IncrDropped()
	o.IncrBound()
	o.IncrRejected()
	o.IncrForwarded()
	o.ObserveConnections("player", 1)
}
