// Package broker implements the per-role message state machines:
// identification, forwarding, broadcast, and disconnect handling
// for players, streamers, and SFUs. Engine is the shared skeleton every
// role dispatches through; player.go, streamer.go and sfu.go hold the
// per-type switch statements.
package broker

import (
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/metrics"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
	"github.com/lumenstream/pixelbroker/pkg/registry"
	"github.com/lumenstream/pixelbroker/pkg/subscription"
)

// Engine wires the registry, subscription graph, metrics and logger
// together and dispatches an inbound message to the handler for the
// connection's role. It holds no per-connection state of its own.
type Engine struct {
	Registry *registry.Registry
	Graph    *subscription.Graph
	Metrics  metrics.Observer
	Log      logger.Logger
}

// New creates an Engine and wires the subscription graph's callbacks so
// a bind or unbind pushes a playerCount refresh to the affected
// streamer, entirely outside the graph's locks. A sweep sends no
// playerCount; it only logs each removed edge.
func New(reg *registry.Registry, graph *subscription.Graph, obs metrics.Observer, log logger.Logger) *Engine {
	e := &Engine{
		Registry: reg,
		Graph:    graph,
		Metrics:  obs,
		Log:      log,
	}
	if e.Metrics == nil {
		e.Metrics = metrics.NoopObserver{}
	}
	graph.SetOnCountChanged(func(streamerID string, count int) {
		if streamerConn, ok := reg.Get(conn.RoleStreamer, streamerID); ok {
			streamerConn.Send(protocol.NewPlayerCount(count))
		}
	})
	graph.SetOnUnbound(func(playerID, streamerID string) {
		if log != nil {
			log.Debug("subscription edge removed",
				logger.PlayerID(playerID), logger.StreamerID(streamerID))
		}
	})
	return e
}

// Register adds c to the registry and refreshes the connection gauge
// for its role. The transport layer calls it once per accepted
// connection, pairing with Teardown.
func (e *Engine) Register(c *conn.Conn) {
	e.Registry.Add(c)
	e.Metrics.ObserveConnections(c.Role().String(), e.Registry.Count(c.Role()))
}

// Dispatch routes msg to the handler for c's role. It is the single
// entry point the transport layer's reader pump calls for every decoded
// frame.
func (e *Engine) Dispatch(c *conn.Conn, msg *protocol.Message) {
	c.TouchActivity()

	switch c.Role() {
	case conn.RolePlayer:
		e.handlePlayerMessage(c, msg)
	case conn.RoleStreamer:
		e.handleStreamerMessage(c, msg)
	case conn.RoleSFU:
		e.handleSFUMessage(c, msg)
	}
}

// Teardown unregisters c and removes any subscription edges it held,
// propagating a disconnect to the rest of the session graph. It is
// wired as c's OnTeardown callback by the transport layer at connection
// creation time.
func (e *Engine) Teardown(c *conn.Conn) {
	switch c.Role() {
	case conn.RolePlayer:
		e.Graph.Unbind(c.ID())
	case conn.RoleStreamer:
		e.Graph.SweepStreamer(c.ID())
	case conn.RoleSFU:
		e.Graph.SweepStreamer(c.ID())
	}
	e.Registry.Remove(c)
	e.Metrics.ObserveConnections(c.Role().String(), e.Registry.Count(c.Role()))
}

// sendError is the shared user-visible failure path: a single error
// message back to the offending peer, session continues.
func sendError(c *conn.Conn, message string) {
	c.Send(protocol.NewError(message))
}

// forwardStampingID stamps msg's id with stampID in place, only if the
// incoming frame did not already carry one, and sends it to target.
func (e *Engine) forwardStampingID(target *conn.Conn, msg *protocol.Message, stampID string) {
	if !msg.HasID() {
		msg.SetID(stampID)
	}
	e.trackedSend(target, msg)
}

// trackedSend sends msg to c, counting the drop when the oldest
// non-critical message is evicted from a full outbound queue.
func (e *Engine) trackedSend(c *conn.Conn, msg *protocol.Message) {
	if !c.Send(msg) && c.Alive() {
		e.Metrics.IncrDropped()
	}
}
