package broker

import (
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
	"github.com/lumenstream/pixelbroker/pkg/subscription"
)

// forwardableByPlayer are the types a subscribed player may send toward
// its streamer; every other type either gets a direct reply (ping) or
// is a control message handled inline (identify, disconnect).
var forwardableByPlayer = map[string]struct{}{
	protocol.TypeOffer:              {},
	protocol.TypeAnswer:             {},
	protocol.TypeICECandidate:       {},
	protocol.TypeICECandidateError:  {},
	protocol.TypeDataChannelRequest: {},
}

func (e *Engine) handlePlayerMessage(c *conn.Conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeIdentify:
		e.playerIdentify(c, msg)

	case protocol.TypePing:
		c.Send(protocol.NewPong())

	case protocol.TypeListStreamers:
		e.playerListStreamers(c)

	case protocol.TypeDisconnect:
		c.Close()

	default:
		if _, ok := forwardableByPlayer[msg.Type]; ok {
			e.playerForward(c, msg)
			return
		}
		if e.Log != nil {
			e.Log.Debug("player: unknown message type, ignoring",
				logger.MsgType(msg.Type), logger.ConnID(c.ID()))
		}
	}
}

// playerIdentify captures the peer-supplied playerId, sends config, and
// attempts to auto-subscribe to an available streamer.
func (e *Engine) playerIdentify(c *conn.Conn, msg *protocol.Message) {
	if playerID := msg.StringField("playerId"); playerID != "" {
		c.SetLogicalID(playerID)
	}

	c.Send(protocol.NewConfig(protocol.PeerConnectionOptions{}))
	e.tryAutoSubscribe(c)
}

// tryAutoSubscribe binds c to the first available streamer. Two
// "no subscription happened" outcomes are distinguished: if no streamer
// is registered at all, the player silently stays unbound (it may be
// the first to connect); if at least one streamer exists but every one
// is at capacity, the player is told so explicitly.
func (e *Engine) tryAutoSubscribe(c *conn.Conn) {
	streamerConn, ok := e.Registry.FindAvailableStreamer()
	if !ok {
		if e.Registry.HasAnyStreamer() {
			e.Metrics.IncrRejected()
			sendError(c, "streamer at capacity")
		}
		return
	}

	result, err := e.Graph.Bind(c.ID(), streamerConn.ID())
	if err != nil {
		if e.Log != nil {
			e.Log.Error("bind failed", logger.Err(err), logger.PlayerID(c.ID()))
		}
		return
	}

	switch result {
	case subscription.Bound:
		e.Metrics.IncrBound()
		// The streamer needs to know which peer just joined before the
		// first offer/answer for it arrives; the routing id on those
		// frames is this same internal ID.
		e.trackedSend(streamerConn, protocol.NewPlayerConnected(c.ID(), true, false, false))
	default:
		e.Metrics.IncrRejected()
		sendError(c, "streamer at capacity")
	}
}

// playerListStreamers replies with the logical IDs of every registered
// streamer, falling back to the internal ID for streamers that have not
// identified yet.
func (e *Engine) playerListStreamers(c *conn.Conn) {
	ids := make([]string, 0)
	for _, s := range e.Registry.Enumerate(conn.RoleStreamer) {
		if id := s.LogicalID(); id != "" {
			ids = append(ids, id)
		} else {
			ids = append(ids, s.ID())
		}
	}
	c.Send(protocol.NewStreamerList(ids))
}

// playerForward stamps the player's internal ID onto a WebRTC control
// message (only if the frame did not already carry one) and forwards it
// verbatim to the subscribed streamer. A player with no subscription
// gets a single error and nothing else is touched.
func (e *Engine) playerForward(c *conn.Conn, msg *protocol.Message) {
	streamerID := c.SubscribedStreamer()
	if streamerID == "" {
		sendError(c, "no active streamer")
		return
	}

	streamerConn, ok := e.Registry.Get(conn.RoleStreamer, streamerID)
	if !ok || !streamerConn.Alive() {
		sendError(c, "no active streamer")
		return
	}

	e.forwardStampingID(streamerConn, msg, c.ID())
	e.Metrics.IncrForwarded()
}
