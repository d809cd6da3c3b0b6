package transport

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenstream/pixelbroker/pkg/broker"
	"github.com/lumenstream/pixelbroker/pkg/config"
	"github.com/lumenstream/pixelbroker/pkg/metrics"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
	"github.com/lumenstream/pixelbroker/pkg/registry"
	"github.com/lumenstream/pixelbroker/pkg/subscription"
)

// freePort reserves an ephemeral TCP port, releases it immediately, and
// returns its number, good enough for a test server bound moments
// later on the same machine.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to reserve a port: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Unified.Port = freePort(t)
	cfg.Split.Enabled = false
	cfg.PingInterval = 30 * time.Millisecond
	cfg.ConnectionTimeout = 300 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(time.Minute, nil)
	graph := subscription.New(reg)
	eng := broker.New(reg, graph, metrics.NewCounterObserver(), nil)
	srv := New(cfg, eng, nil)
	srv.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})
	// Give the listener goroutine a moment to bind.
	time.Sleep(30 * time.Millisecond)
	return srv, reg
}

func wsURL(host string, port int, path string) string {
	return "ws://" + host + ":" + strconv.Itoa(port) + path
}

func TestUnifiedDispatchPlayerIdentify(t *testing.T) {
	cfg := testConfig(t)
	newTestServer(t, cfg)

	url := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.PlayerPath)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	msg := protocol.New(protocol.TypeIdentify)
	_ = msg.SetField("playerId", "P1")
	data, _ := msg.Marshal()
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	got, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Type != protocol.TypeConfig {
		t.Fatalf("expected config reply, got %s", got.Type)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	cfg := testConfig(t)
	newTestServer(t, cfg)

	url := wsURL(cfg.Host, cfg.Unified.Port, "/unknown")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to fail for an unknown path")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		status := -1
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("expected HTTP 404 for an unknown path, got %d", status)
	}
}

func TestSFUDisabledPathReturns404(t *testing.T) {
	cfg := testConfig(t)
	cfg.EnableSFU = false
	newTestServer(t, cfg)

	url := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.SFUPath)
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected the upgrade to fail when SFU is disabled")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected HTTP 404 when SFU disabled, got response %v", resp)
	}
}

func TestUnrealPathIsFullPlayerMembership(t *testing.T) {
	cfg := testConfig(t)
	newTestServer(t, cfg)

	streamerURL := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.StreamerPath)
	streamer, _, err := websocket.DefaultDialer.Dial(streamerURL, nil)
	if err != nil {
		t.Fatalf("streamer dial failed: %v", err)
	}
	defer streamer.Close()

	identify := protocol.New(protocol.TypeIdentify)
	_ = identify.SetField("streamerId", "S1")
	data, _ := identify.Marshal()
	if err := streamer.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("streamer identify write failed: %v", err)
	}
	streamer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := streamer.ReadMessage(); err != nil { // config
		t.Fatalf("streamer config read failed: %v", err)
	}

	unrealURL := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.UnrealPath)
	unreal, _, err := websocket.DefaultDialer.Dial(unrealURL, nil)
	if err != nil {
		t.Fatalf("/unreal dial failed: %v", err)
	}
	defer unreal.Close()

	pIdentify := protocol.New(protocol.TypeIdentify)
	_ = pIdentify.SetField("playerId", "U1")
	data, _ = pIdentify.Marshal()
	if err := unreal.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("/unreal identify write failed: %v", err)
	}
	unreal.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := unreal.ReadMessage(); err != nil { // config
		t.Fatalf("/unreal config read failed: %v", err)
	}

	// A connection accepted on /unreal resolves as a full player: it
	// must actually join the streamer's subscriber set, not just gain a
	// forwarding path, so the streamer observes a playerCount update.
	streamer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := streamer.ReadMessage()
	if err != nil {
		t.Fatalf("streamer did not receive a playerCount after /unreal identify: %v", err)
	}
	got, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Type != protocol.TypePlayerCount {
		t.Fatalf("expected playerCount after /unreal bind, got %s", got.Type)
	}
	var count int
	got.Field("count", &count)
	if count != 1 {
		t.Errorf("playerCount = %d, want 1 (the /unreal connection must count as a real subscriber)", count)
	}
}

func TestOversizedFrameClosesConnectionWithoutCrashingListener(t *testing.T) {
	cfg := testConfig(t)
	cfg.MaxFrameSize = 64
	newTestServer(t, cfg)

	url := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.PlayerPath)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	oversized := protocol.New(protocol.TypeIdentify)
	_ = oversized.SetField("playerId", string(make([]byte, 500)))
	data, _ := oversized.Marshal()
	if len(data) <= int(cfg.MaxFrameSize) {
		t.Fatalf("test frame (%d bytes) must exceed maxFrameSize (%d)", len(data), cfg.MaxFrameSize)
	}
	if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatal("expected the oversized-frame connection to be closed, not served")
	}

	// The listener itself must survive: a fresh connection still
	// upgrades and gets served normally.
	c2, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("listener did not survive an oversized frame on another connection: %v", err)
	}
	defer c2.Close()

	ok := protocol.New(protocol.TypeIdentify)
	_ = ok.SetField("playerId", "P2")
	data2, _ := ok.Marshal()
	if err := c2.WriteMessage(websocket.TextMessage, data2); err != nil {
		t.Fatalf("write on second connection failed: %v", err)
	}
	c2.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := c2.ReadMessage(); err != nil {
		t.Fatalf("listener did not serve a fresh connection after the oversized frame: %v", err)
	}
}

func TestSplitPortModeServesEachRoleOnItsOwnPort(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Unified.Enabled = false
	cfg.Split.Enabled = true
	cfg.Split.PlayerPort = freePort(t)
	cfg.Split.StreamerPort = freePort(t)
	cfg.Split.SFUPort = freePort(t)
	cfg.PingInterval = 30 * time.Millisecond
	cfg.ConnectionTimeout = 300 * time.Millisecond
	newTestServer(t, cfg)

	streamerURL := wsURL(cfg.Host, cfg.Split.StreamerPort, "/")
	streamer, _, err := websocket.DefaultDialer.Dial(streamerURL, nil)
	if err != nil {
		t.Fatalf("streamer split-port dial failed: %v", err)
	}
	defer streamer.Close()

	identify := protocol.New(protocol.TypeIdentify)
	_ = identify.SetField("streamerId", "S1")
	data, _ := identify.Marshal()
	if err := streamer.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("streamer identify write failed: %v", err)
	}
	streamer.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, resp, err := streamer.ReadMessage(); err != nil {
		t.Fatalf("streamer config read failed: %v", err)
	} else if got, _ := protocol.Parse(resp); got.Type != protocol.TypeConfig {
		t.Fatalf("expected config on the streamer split port, got %s", got.Type)
	}

	playerURL := wsURL(cfg.Host, cfg.Split.PlayerPort, "/")
	player, _, err := websocket.DefaultDialer.Dial(playerURL, nil)
	if err != nil {
		t.Fatalf("player split-port dial failed: %v", err)
	}
	defer player.Close()

	pIdentify := protocol.New(protocol.TypeIdentify)
	_ = pIdentify.SetField("playerId", "P1")
	data, _ = pIdentify.Marshal()
	if err := player.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("player identify write failed: %v", err)
	}
	player.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := player.ReadMessage(); err != nil { // config
		t.Fatalf("player config read failed: %v", err)
	}

	// The streamer and player are on independent listeners, sharing one
	// registry/graph: the streamer must still see a playerCount update.
	streamer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, resp, err := streamer.ReadMessage()
	if err != nil {
		t.Fatalf("streamer did not receive playerCount across split-port listeners: %v", err)
	}
	got, err := protocol.Parse(resp)
	if err != nil {
		t.Fatalf("Parse() error: %v", err)
	}
	if got.Type != protocol.TypePlayerCount {
		t.Fatalf("expected playerCount, got %s", got.Type)
	}

	sfuURL := wsURL(cfg.Host, cfg.Split.SFUPort, "/")
	sfu, _, err := websocket.DefaultDialer.Dial(sfuURL, nil)
	if err != nil {
		t.Fatalf("sfu split-port dial failed: %v", err)
	}
	defer sfu.Close()

	sIdentify := protocol.New(protocol.TypeIdentify)
	_ = sIdentify.SetField("sfuId", "SFU1")
	data, _ = sIdentify.Marshal()
	if err := sfu.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("sfu identify write failed: %v", err)
	}
	sfu.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, resp, err := sfu.ReadMessage(); err != nil {
		t.Fatalf("sfu config read failed: %v", err)
	} else if got, _ := protocol.Parse(resp); got.Type != protocol.TypeConfig {
		t.Fatalf("expected config on the sfu split port, got %s", got.Type)
	}
}

func TestKeepaliveAndIdleClose(t *testing.T) {
	cfg := testConfig(t)
	newTestServer(t, cfg)

	url := wsURL(cfg.Host, cfg.Unified.Port, cfg.Unified.PlayerPath)
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	pinged := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pinged <- struct{}{}:
		default:
		}
		return nil
	})
	c.SetReadDeadline(time.Now().Add(2 * time.Second))

	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	select {
	case <-pinged:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("did not observe a keepalive ping within 500ms of a 30ms interval")
	}

	// No application traffic is sent: the server should close us once
	// ConnectionTimeout elapses.
	select {
	case err := <-readErr:
		if err == nil {
			t.Fatal("expected a close/read error once idle timeout elapses")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed after exceeding connectionTimeout while idle")
	}
}
