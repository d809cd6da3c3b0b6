// Package subscription tracks which players are bound to which
// streamer. Bind/unbind are serialized per streamer so the capacity
// check is atomic with insertion; cross-streamer operations proceed in
// parallel. The graph stores no connection references itself: it
// resolves IDs through the registry and mutates the atomic bookkeeping
// fields that live directly on conn.Conn.
package subscription

import (
	"sync"

	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/registry"
)

// BindResult reports the outcome of a bind attempt.
type BindResult int

const (
	Bound BindResult = iota
	RejectedCapacity
	RejectedStreamerInactive
)

// String implements fmt.Stringer.
func (r BindResult) String() string {
	switch r {
	case Bound:
		return "bound"
	case RejectedCapacity:
		return "rejected:capacity"
	case RejectedStreamerInactive:
		return "rejected:streamer-inactive"
	default:
		return "unknown"
	}
}

// streamerLock serializes bind/unbind for one streamer's subscriber set
// and holds the set itself, keyed by player internal ID.
type streamerLock struct {
	mu          sync.Mutex
	subscribers map[string]struct{}
}

// Graph is the subscription edge set: a directed (player, streamer)
// pair exists exactly when the player has been bound, enforcing
// |subscribers(S)| <= maxSubscribers(S) per streamer.
type Graph struct {
	reg *registry.Registry

	mu     sync.Mutex // protects the locks map itself, not the sets within
	locks  map[string]*streamerLock

	onCountChanged func(streamerID string, count int)
	onUnbound      func(playerID, streamerID string)
}

// New creates a Graph resolving connections through reg.
func New(reg *registry.Registry) *Graph {
	return &Graph{
		reg:   reg,
		locks: make(map[string]*streamerLock),
	}
}

// SetOnCountChanged registers the callback fired after a streamer's
// subscriber count changes, with locks released, so the caller can push
// a playerCount refresh. Must be set before first use.
func (g *Graph) SetOnCountChanged(fn func(streamerID string, count int)) {
	g.onCountChanged = fn
}

// SetOnUnbound registers the callback fired for each player removed by
// SweepStreamer or Unbind, with locks released.
func (g *Graph) SetOnUnbound(fn func(playerID, streamerID string)) {
	g.onUnbound = fn
}

func (g *Graph) lockFor(streamerID string) *streamerLock {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.locks[streamerID]
	if !ok {
		l = &streamerLock{subscribers: make(map[string]struct{})}
		g.locks[streamerID] = l
	}
	return l
}

// Bind attempts to subscribe playerID to streamerID. The capacity check
// is atomic with insertion under the streamer's lock.
func (g *Graph) Bind(playerID, streamerID string) (BindResult, error) {
	streamerConn, ok := g.reg.Get(conn.RoleStreamer, streamerID)
	if !ok || !streamerConn.Alive() {
		return RejectedStreamerInactive, nil
	}

	l := g.lockFor(streamerID)
	l.mu.Lock()

	if !streamerConn.HasCapacity() {
		l.mu.Unlock()
		return RejectedCapacity, nil
	}

	l.subscribers[playerID] = struct{}{}
	streamerConn.IncrSubscribers()
	count := len(l.subscribers)
	l.mu.Unlock()

	if playerConn, ok := g.reg.Get(conn.RolePlayer, playerID); ok {
		playerConn.SetSubscribedStreamer(streamerID)
	}

	if g.onCountChanged != nil {
		g.onCountChanged(streamerID, count)
	}

	return Bound, nil
}

// Unbind removes playerID's subscription edge, if any. Idempotent.
func (g *Graph) Unbind(playerID string) {
	playerConn, ok := g.reg.Get(conn.RolePlayer, playerID)
	if !ok {
		return
	}
	streamerID := playerConn.SubscribedStreamer()
	if streamerID == "" {
		return
	}
	g.unbindFrom(playerID, streamerID)
}

func (g *Graph) unbindFrom(playerID, streamerID string) {
	l := g.lockFor(streamerID)
	l.mu.Lock()
	_, present := l.subscribers[playerID]
	if present {
		delete(l.subscribers, playerID)
	}
	count := len(l.subscribers)
	l.mu.Unlock()

	if !present {
		return
	}

	if streamerConn, ok := g.reg.Get(conn.RoleStreamer, streamerID); ok {
		streamerConn.DecrSubscribers()
	}
	if playerConn, ok := g.reg.Get(conn.RolePlayer, playerID); ok {
		playerConn.SetSubscribedStreamer("")
	}

	if g.onUnbound != nil {
		g.onUnbound(playerID, streamerID)
	}
	if g.onCountChanged != nil {
		g.onCountChanged(streamerID, count)
	}
}

// SweepStreamer removes every edge incident to streamerID, called when
// a streamer disconnects. Each affected player's subscribedStreamer is
// cleared and onUnbound fires for it. The streamer's lock record is
// released too, so long-lived processes don't accumulate one per
// streamer ever connected.
func (g *Graph) SweepStreamer(streamerID string) {
	g.mu.Lock()
	l, ok := g.locks[streamerID]
	delete(g.locks, streamerID)
	g.mu.Unlock()
	if !ok {
		return
	}

	l.mu.Lock()
	playerIDs := make([]string, 0, len(l.subscribers))
	for id := range l.subscribers {
		playerIDs = append(playerIDs, id)
	}
	l.subscribers = make(map[string]struct{})
	l.mu.Unlock()

	for _, playerID := range playerIDs {
		if playerConn, ok := g.reg.Get(conn.RolePlayer, playerID); ok {
			playerConn.SetSubscribedStreamer("")
		}
		if g.onUnbound != nil {
			g.onUnbound(playerID, streamerID)
		}
	}
}

// Subscribers returns a snapshot of the player IDs currently bound to
// streamerID.
func (g *Graph) Subscribers(streamerID string) []string {
	l := g.lockFor(streamerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.subscribers))
	for id := range l.subscribers {
		out = append(out, id)
	}
	return out
}

// IsSubscriber reports whether playerID is currently bound to
// streamerID.
func (g *Graph) IsSubscriber(streamerID, playerID string) bool {
	l := g.lockFor(streamerID)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subscribers[playerID]
	return ok
}
