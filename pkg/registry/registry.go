// Package registry is the process-wide index of live connections:
// three role-keyed maps with add/remove/get/enumerate, a stable
// streamer-selection policy for auto-subscription, and a background
// reaper that evicts connections whose lastActivity has gone stale.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
)

// roleIndex is a thread-safe map plus an insertion-ordered slice, so
// FindAvailableStreamer can apply a deterministic first-in policy
// without depending on Go's randomized map iteration order.
type roleIndex struct {
	mu    sync.RWMutex
	byID  map[string]*conn.Conn
	order []string
}

func newRoleIndex() *roleIndex {
	return &roleIndex{byID: make(map[string]*conn.Conn)}
}

func (r *roleIndex) add(c *conn.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[c.ID()]; exists {
		return
	}
	r.byID[c.ID()] = c
	r.order = append(r.order, c.ID())
}

func (r *roleIndex) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; !exists {
		return
	}
	delete(r.byID, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *roleIndex) get(id string) (*conn.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

func (r *roleIndex) enumerate() []*conn.Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn.Conn, 0, len(r.order))
	for _, id := range r.order {
		if c, ok := r.byID[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *roleIndex) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Registry is the process-wide connection index: an internal ID
// appears in at most one of its three role maps at any time.
type Registry struct {
	players   *roleIndex
	streamers *roleIndex
	sfus      *roleIndex

	idleTimeout time.Duration
	log         logger.Logger

	stopReaper chan struct{}
	reaperOnce sync.Once
}

// New creates an empty Registry. idleTimeout is the threshold the
// background reaper uses to evict half-open connections.
func New(idleTimeout time.Duration, log logger.Logger) *Registry {
	return &Registry{
		players:     newRoleIndex(),
		streamers:   newRoleIndex(),
		sfus:        newRoleIndex(),
		idleTimeout: idleTimeout,
		log:         log,
		stopReaper:  make(chan struct{}),
	}
}

func (reg *Registry) indexFor(role conn.Role) *roleIndex {
	switch role {
	case conn.RolePlayer:
		return reg.players
	case conn.RoleStreamer:
		return reg.streamers
	case conn.RoleSFU:
		return reg.sfus
	default:
		return nil
	}
}

// Add registers c under its role. A no-op if c's internal ID is already
// present (invariant: an ID appears in at most one mapping).
func (reg *Registry) Add(c *conn.Conn) {
	if idx := reg.indexFor(c.Role()); idx != nil {
		idx.add(c)
	}
}

// Remove unregisters c. Idempotent.
func (reg *Registry) Remove(c *conn.Conn) {
	if idx := reg.indexFor(c.Role()); idx != nil {
		idx.remove(c.ID())
	}
}

// Get looks up a connection by role and internal ID.
func (reg *Registry) Get(role conn.Role, id string) (*conn.Conn, bool) {
	idx := reg.indexFor(role)
	if idx == nil {
		return nil, false
	}
	return idx.get(id)
}

// Enumerate returns a snapshot slice of every connection currently
// registered under role, in insertion order.
func (reg *Registry) Enumerate(role conn.Role) []*conn.Conn {
	idx := reg.indexFor(role)
	if idx == nil {
		return nil
	}
	return idx.enumerate()
}

// Count returns the number of live connections for role.
func (reg *Registry) Count(role conn.Role) int {
	idx := reg.indexFor(role)
	if idx == nil {
		return 0
	}
	return idx.len()
}

// FindAvailableStreamer returns the first-registered streamer whose
// subscriber count is strictly below its capacity. First-in selection
// is deterministic given the same live set. It returns false if no
// streamer has spare capacity.
func (reg *Registry) FindAvailableStreamer() (*conn.Conn, bool) {
	for _, c := range reg.streamers.enumerate() {
		if c.Alive() && c.HasCapacity() {
			return c, true
		}
	}
	return nil, false
}

// HasAnyStreamer reports whether at least one streamer is currently
// registered, regardless of capacity. Used to distinguish "no streamer
// connected at all" (stay silently unbound) from "every streamer is at
// capacity" (report an error to the player).
func (reg *Registry) HasAnyStreamer() bool {
	return reg.streamers.len() > 0
}

// RunReaper starts the periodic idle sweep and blocks until ctx is
// cancelled or Stop is called. Run it in its own goroutine.
func (reg *Registry) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-reg.stopReaper:
			return
		case <-ticker.C:
			reg.sweepIdle()
		}
	}
}

// Stop halts the reaper goroutine if RunReaper is active.
func (reg *Registry) Stop() {
	reg.reaperOnce.Do(func() { close(reg.stopReaper) })
}

func (reg *Registry) sweepIdle() {
	now := time.Now()
	for _, idx := range []*roleIndex{reg.players, reg.streamers, reg.sfus} {
		for _, c := range idx.enumerate() {
			if now.Sub(c.LastActivity()) > reg.idleTimeout {
				if reg.log != nil {
					reg.log.Info("reaper evicting idle connection",
						logger.ConnID(c.ID()),
						logger.String("role", c.Role().String()),
						logger.Duration("idleFor", now.Sub(c.LastActivity())),
					)
				}
				c.Close()
			}
		}
	}
}
