package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lumenstream/pixelbroker/pkg/conn"
)

// newTestConn returns a live server-side *conn.Conn backed by a real
// WebSocket, since Conn has no test seam around its socket.
func newTestConn(t *testing.T, role conn.Role, maxSubscribers int) (*conn.Conn, func()) {
	t.Helper()

	var c *conn.Conn
	ready := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		c = conn.New(ws, conn.Options{
			Role:           role,
			PingInterval:   time.Second,
			IdleTimeout:    time.Minute,
			MaxSubscribers: maxSubscribers,
		})
		go c.Run()
		close(ready)
	}))

	wsURL := "ws" + srv.URL[len("http"):]
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	<-ready

	return c, func() {
		client.Close()
		srv.Close()
	}
}

func TestRegistryAddGetRemove(t *testing.T) {
	reg := New(time.Minute, nil)
	c, cleanup := newTestConn(t, conn.RolePlayer, 0)
	defer cleanup()

	reg.Add(c)
	if reg.Count(conn.RolePlayer) != 1 {
		t.Fatalf("Count() = %d, want 1", reg.Count(conn.RolePlayer))
	}
	got, ok := reg.Get(conn.RolePlayer, c.ID())
	if !ok || got != c {
		t.Fatal("Get() did not return the added connection")
	}

	reg.Remove(c)
	if reg.Count(conn.RolePlayer) != 0 {
		t.Errorf("Count() after Remove = %d, want 0", reg.Count(conn.RolePlayer))
	}
	if _, ok := reg.Get(conn.RolePlayer, c.ID()); ok {
		t.Error("Get() should fail after Remove")
	}
}

func TestRegistryRolesAreIndependent(t *testing.T) {
	reg := New(time.Minute, nil)
	p, cleanupP := newTestConn(t, conn.RolePlayer, 0)
	defer cleanupP()
	s, cleanupS := newTestConn(t, conn.RoleStreamer, 5)
	defer cleanupS()

	reg.Add(p)
	reg.Add(s)

	if _, ok := reg.Get(conn.RoleStreamer, p.ID()); ok {
		t.Error("player ID should not resolve under the streamer role")
	}
	if reg.Count(conn.RoleStreamer) != 1 {
		t.Errorf("streamer count = %d, want 1", reg.Count(conn.RoleStreamer))
	}
}

func TestFindAvailableStreamerSkipsFullOnes(t *testing.T) {
	reg := New(time.Minute, nil)
	full, cleanupFull := newTestConn(t, conn.RoleStreamer, 1)
	defer cleanupFull()
	full.IncrSubscribers()

	avail, cleanupAvail := newTestConn(t, conn.RoleStreamer, 2)
	defer cleanupAvail()

	reg.Add(full)
	reg.Add(avail)

	got, ok := reg.FindAvailableStreamer()
	if !ok {
		t.Fatal("expected an available streamer")
	}
	if got.ID() != avail.ID() {
		t.Errorf("FindAvailableStreamer() returned the full streamer")
	}
}

func TestFindAvailableStreamerIsFirstIn(t *testing.T) {
	reg := New(time.Minute, nil)
	first, cleanup1 := newTestConn(t, conn.RoleStreamer, 2)
	defer cleanup1()
	second, cleanup2 := newTestConn(t, conn.RoleStreamer, 2)
	defer cleanup2()

	reg.Add(first)
	reg.Add(second)

	got, ok := reg.FindAvailableStreamer()
	if !ok || got.ID() != first.ID() {
		t.Error("FindAvailableStreamer() should deterministically return the first-registered streamer")
	}
}

func TestHasAnyStreamerDistinguishesNoneFromFull(t *testing.T) {
	reg := New(time.Minute, nil)
	if reg.HasAnyStreamer() {
		t.Error("empty registry should report no streamers")
	}

	full, cleanup := newTestConn(t, conn.RoleStreamer, 1)
	defer cleanup()
	full.IncrSubscribers()
	reg.Add(full)

	if !reg.HasAnyStreamer() {
		t.Error("registry with one (full) streamer should still report HasAnyStreamer")
	}
	if _, ok := reg.FindAvailableStreamer(); ok {
		t.Error("no streamer should be reported available when all are at capacity")
	}
}

func TestReaperEvictsIdleConnections(t *testing.T) {
	reg := New(10*time.Millisecond, nil)
	c, cleanup := newTestConn(t, conn.RolePlayer, 0)
	defer cleanup()
	reg.Add(c)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.RunReaper(ctx, 5*time.Millisecond)
	defer reg.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !c.Alive() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("reaper did not evict an idle connection within 1s")
}
