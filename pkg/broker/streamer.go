package broker

import (
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
)

// forwardableByStreamer are the types a streamer sends toward a
// specific subscriber, addressed by the routing id field.
var forwardableByStreamer = map[string]struct{}{
	protocol.TypeOffer:             {},
	protocol.TypeAnswer:            {},
	protocol.TypeICECandidate:      {},
	protocol.TypeICECandidateError: {},
}

func (e *Engine) handleStreamerMessage(c *conn.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeIdentify:
		e.streamerIdentify(c, msg)

	case protocol.TypePing:
		c.Send(protocol.NewPong())

	case protocol.TypeDisconnect:
		c.Close()

	case protocol.TypeStreamerDataChannels:
		e.broadcastToSubscribers(c, msg)

	default:
		if _, ok := forwardableByStreamer[msg.Type]; ok {
			e.streamerForward(c, msg)
			return
		}
		if e.Log != nil {
			e.Log.Debug("streamer: unknown message type, ignoring",
				logger.MsgType(msg.Type), logger.ConnID(c.ID()))
		}
	}
}

// streamerIdentify sets the streamer's logical ID, auto-generating one
// from the internal ID if the peer supplied none, and announces a
// change to every current subscriber.
func (e *Engine) streamerIdentify(c *conn.Conn, msg *protocol.Message) {
	prior := c.LogicalID()

	newID := msg.StringField("streamerId")
	if newID == "" {
		newID = "streamer_" + c.ShortID()
	}
	c.SetLogicalID(newID)

	if prior != "" && prior != newID {
		for _, playerID := range e.Graph.Subscribers(c.ID()) {
			if playerConn, ok := e.Registry.Get(conn.RolePlayer, playerID); ok {
				playerConn.Send(protocol.NewStreamerIDChanged(newID))
			}
		}
	}

	c.Send(protocol.NewConfig(protocol.PeerConnectionOptions{}))
}

// streamerForward routes a targeted WebRTC control message to the
// player named by msg.id, requiring that player to be a live subscriber
// of this streamer. A missing id, an unknown target, or a non-subscriber
// target is silently dropped with a debug log. The id is hop-local
// routing metadata, not payload: it is stripped before delivery, so the
// player receives only the fields the streamer's frame carried beyond
// the address.
func (e *Engine) streamerForward(c *conn.Conn, msg *protocol.Message) {
	if !msg.HasID() {
		if e.Log != nil {
			e.Log.Debug("streamer: forward missing target id, dropping", logger.MsgType(msg.Type))
		}
		return
	}

	target, ok := e.Registry.Get(conn.RolePlayer, msg.ID)
	if !ok || !target.Alive() {
		if e.Log != nil {
			e.Log.Debug("streamer: forward target not found, dropping",
				logger.MsgType(msg.Type), logger.TargetID(msg.ID))
		}
		return
	}
	if !e.Graph.IsSubscriber(c.ID(), msg.ID) {
		if e.Log != nil {
			e.Log.Debug("streamer: forward target is not a subscriber, dropping",
				logger.MsgType(msg.Type), logger.TargetID(msg.ID))
		}
		return
	}

	fwd := *msg
	fwd.ID = ""
	e.trackedSend(target, &fwd)
	e.Metrics.IncrForwarded()
}

// broadcastToSubscribers sends msg verbatim to every current subscriber
// of c, pruning any that are no longer live during the walk.
func (e *Engine) broadcastToSubscribers(c *conn.Conn, msg *protocol.Message) {
	for _, playerID := range e.Graph.Subscribers(c.ID()) {
		playerConn, ok := e.Registry.Get(conn.RolePlayer, playerID)
		if !ok || !playerConn.Alive() {
			e.Graph.Unbind(playerID)
			continue
		}
		e.trackedSend(playerConn, msg)
	}
}
