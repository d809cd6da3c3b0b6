package broker

import (
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
)

// sfuOnlyTypes are accepted and acknowledged but not yet routed
// anywhere, so routing can be added later without a protocol change.
var sfuOnlyTypes = map[string]struct{}{
	protocol.TypeSFURecvDataChannelReady:  {},
	protocol.TypeSFUPeerDataChannelsReady: {},
	protocol.TypeLayerPreference:          {},
}

// handleSFUMessage is the Streamer state machine plus the SFU-specific
// acknowledged-but-unrouted types.
func (e *Engine) handleSFUMessage(c *conn.Conn, msg *protocol.Message) {
	if _, ok := sfuOnlyTypes[msg.Type]; ok {
		if e.Log != nil {
			e.Log.Debug("sfu: accepted SFU-only message, no routing defined yet",
				logger.MsgType(msg.Type), logger.ConnID(c.ID()))
		}
		return
	}

	switch msg.Type {
	case protocol.TypeIdentify:
		e.sfuIdentify(c, msg)
	default:
		e.handleStreamerMessage(c, msg)
	}
}

// sfuIdentify mirrors streamerIdentify but reads the peer-supplied
// sfuId field instead of streamerId.
func (e *Engine) sfuIdentify(c *conn.Conn, msg *protocol.Message) {
	prior := c.LogicalID()

	newID := msg.StringField("sfuId")
	if newID == "" {
		newID = "sfu_" + c.ShortID()
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
