// Package conn implements the per-socket connection primitive: a
// bounded outbound queue, a single writer goroutine, a reader pump
// that decodes frames, keepalive, idle tracking, and an idempotent
// close with a bounded drain window. Message interpretation itself
// belongs to the broker's role state machines, reached through the
// dispatch callback passed to ReadLoop.
package conn

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
)

// Role identifies which state machine owns a connection.
type Role int

const (
	RolePlayer Role = iota
	RoleStreamer
	RoleSFU
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RolePlayer:
		return "player"
	case RoleStreamer:
		return "streamer"
	case RoleSFU:
		return "sfu"
	default:
		return "unknown"
	}
}

// outboundQueueDepth bounds each connection's outbound queue.
const outboundQueueDepth = 64

// drainWindow bounds how long Close waits for the writer to flush the
// queue before hard-closing the socket.
const drainWindow = 500 * time.Millisecond

// Conn is one signalling connection: a 128-bit internal ID, a role, an
// optional peer-supplied logical ID, and the write path's bounded queue.
// Role-specific subscription state (subscribed streamer for players,
// subscriber count for streamers/SFUs) lives here so the registry (which
// must not import the subscription graph) can still read it directly.
type Conn struct {
	id   string
	role Role
	ws   *websocket.Conn
	log  logger.Logger

	pingInterval time.Duration
	idleTimeout  time.Duration

	sendCh     chan *protocol.Message
	criticalCh chan *protocol.Message

	closeOnce sync.Once
	closed    atomic.Bool
	closeCh   chan struct{}

	connectedAt  time.Time
	lastActivity atomic.Int64 // unix nanos

	teardownOnce sync.Once
	onTeardown   func(*Conn)

	mu          sync.RWMutex
	logicalID   string
	subscribed  string // player: the streamer internal ID this player is bound to, "" if none

	maxSubscribers  int
	subscriberCount atomic.Int64
}

// Options configures a new Conn.
type Options struct {
	Role           Role
	PingInterval   time.Duration
	IdleTimeout    time.Duration
	MaxSubscribers int // meaningful for streamer/SFU roles
	Logger         logger.Logger
}

// New wraps an already-upgraded WebSocket in a Conn. The caller must
// invoke Run to start the writer pump.
func New(ws *websocket.Conn, opts Options) *Conn {
	c := &Conn{
		id:             uuid.New().String(),
		role:           opts.Role,
		ws:             ws,
		log:            opts.Logger,
		pingInterval:   opts.PingInterval,
		idleTimeout:    opts.IdleTimeout,
		sendCh:         make(chan *protocol.Message, outboundQueueDepth),
		criticalCh:     make(chan *protocol.Message, 8),
		closeCh:        make(chan struct{}),
		connectedAt:    time.Now(),
		maxSubscribers: opts.MaxSubscribers,
	}
	c.lastActivity.Store(c.connectedAt.UnixNano())
	return c
}

// ID returns the 128-bit internal identifier assigned at acceptance time.
func (c *Conn) ID() string { return c.id }

// Role returns the connection's role.
func (c *Conn) Role() Role { return c.role }

// LogicalID returns the peer-supplied streamer/player/sfu ID, if any.
func (c *Conn) LogicalID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.logicalID
}

// SetLogicalID records the peer-supplied logical identifier.
func (c *Conn) SetLogicalID(id string) {
	c.mu.Lock()
	c.logicalID = id
	c.mu.Unlock()
}

// SubscribedStreamer returns the internal ID of the streamer this player
// connection is currently bound to, or "" if unbound. Meaningless for
// non-player roles.
func (c *Conn) SubscribedStreamer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribed
}

// SetSubscribedStreamer is called by the subscription graph only, so
// the player's pointer and the streamer's subscriber set stay
// bidirectionally consistent.
func (c *Conn) SetSubscribedStreamer(streamerID string) {
	c.mu.Lock()
	c.subscribed = streamerID
	c.mu.Unlock()
}

// MaxSubscribers returns the configured capacity for a streamer/SFU
// connection.
func (c *Conn) MaxSubscribers() int { return c.maxSubscribers }

// SubscriberCount returns the current subscriber count for a
// streamer/SFU connection. Mutated exclusively by the subscription
// graph via IncrSubscribers/DecrSubscribers.
func (c *Conn) SubscriberCount() int { return int(c.subscriberCount.Load()) }

// HasCapacity reports whether this streamer/SFU can accept one more
// subscriber. The graph re-checks this under its per-streamer mutex so
// the check is atomic with insertion.
func (c *Conn) HasCapacity() bool {
	return int(c.subscriberCount.Load()) < c.maxSubscribers
}

// IncrSubscribers increments the subscriber count. Called by the
// subscription graph under its per-streamer mutex.
func (c *Conn) IncrSubscribers() { c.subscriberCount.Add(1) }

// DecrSubscribers decrements the subscriber count, floored at zero.
func (c *Conn) DecrSubscribers() {
	for {
		cur := c.subscriberCount.Load()
		if cur <= 0 {
			return
		}
		if c.subscriberCount.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ConnectedAt returns the acceptance timestamp.
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

// LastActivity returns the last time a frame was read from this
// connection. It never precedes ConnectedAt and never decreases.
func (c *Conn) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// TouchActivity records an observation of the connection being alive.
func (c *Conn) TouchActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// Alive reports whether the connection has not yet been closed.
func (c *Conn) Alive() bool { return !c.closed.Load() }

// OnTeardown registers the callback fired exactly once when the
// connection closes. Must be set before Run.
func (c *Conn) OnTeardown(fn func(*Conn)) { c.onTeardown = fn }

// Send enqueues msg for delivery, non-blocking for ordinary messages. It
// reports false if the connection is closed, or if the queue was full:
// then the oldest queued message is evicted to make room for msg (msg
// itself is dropped only if the queue refills before the retry).
// Critical messages (error, disconnect) use a separate small queue and
// are never dropped by the oldest-message eviction policy; a full
// critical queue blocks until the writer frees a slot or the connection
// closes, since by construction at most a handful are ever in flight.
func (c *Conn) Send(msg *protocol.Message) bool {
	if !c.Alive() {
		return false
	}
	if protocol.IsCritical(msg.Type) {
		select {
		case c.criticalCh <- msg:
			return true
		case <-c.closeCh:
			return false
		}
	}

	select {
	case c.sendCh <- msg:
		return true
	default:
		// Queue full: drop the oldest non-critical message, then retry
		// once. The caller (metrics-aware layer) is responsible for
		// counting the drop via the dropped return value.
		select {
		case <-c.sendCh:
		default:
		}
		select {
		case c.sendCh <- msg:
			return false // delivered, but only by evicting an older message
		default:
			return false
		}
	}
}

// Run starts the writer pump. It blocks until the connection closes, so
// callers invoke it in its own goroutine.
func (c *Conn) Run() {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.criticalCh:
			if !ok {
				return
			}
			c.writeMessage(msg)
			if msg.Type == protocol.TypeDisconnect {
				c.Close()
				return
			}

		case msg, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.writeMessage(msg)

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.pingInterval))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.closeCh:
			return
		}
	}
}

// ReadLoop decodes text frames off the socket and invokes dispatch for
// each parsed message, until the socket errors or closes. Binary frames
// are logged and discarded. Callers invoke this in its own goroutine,
// alongside Run.
func (c *Conn) ReadLoop(dispatch func(*protocol.Message), onMalformed func(error)) {
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.TouchActivity()
		c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))
		return nil
	})

	for {
		wsType, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		c.TouchActivity()
		c.ws.SetReadDeadline(time.Now().Add(c.idleTimeout))

		if wsType != websocket.TextMessage {
			if c.log != nil {
				c.log.Debug("discarding non-text frame", logger.ConnID(c.id))
			}
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			if onMalformed != nil {
				onMalformed(err)
			}
			continue
		}
		dispatch(msg)
	}
}

func (c *Conn) writeMessage(msg *protocol.Message) {
	data, err := msg.Marshal()
	if err != nil {
		if c.log != nil {
			c.log.Error("failed to marshal outgoing message", logger.Err(err), logger.ConnID(c.id))
		}
		return
	}
	c.ws.SetWriteDeadline(time.Now().Add(c.pingInterval))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.Close()
	}
}

// Close is idempotent: it sends a graceful close frame, allows up to the
// drain window for in-flight writes, then hard-closes the socket and
// fires the teardown callback exactly once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)

		c.ws.SetWriteDeadline(time.Now().Add(drainWindow))
		c.ws.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))

		time.AfterFunc(drainWindow, func() { c.ws.Close() })
	})

	c.teardownOnce.Do(func() {
		if c.onTeardown != nil {
			c.onTeardown(c)
		}
	})
}

// ShortID returns the first 8 characters of the internal ID, used to
// auto-generate a streamer's logical ID when the peer supplies none.
func (c *Conn) ShortID() string {
	id := strings.ReplaceAll(c.id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
