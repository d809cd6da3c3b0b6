// Package transport is the WebSocket front-end: HTTP upgrade,
// path-to-role dispatch in unified mode or one-listener-per-role
// in legacy split mode, and the per-connection reader pump that decodes
// frames and hands them to the broker Engine.
package transport

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"

	"github.com/lumenstream/pixelbroker/pkg/broker"
	"github.com/lumenstream/pixelbroker/pkg/config"
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/protocol"
)

// Server runs the configured listener(s) and wires every accepted
// connection through the broker Engine.
type Server struct {
	cfg *config.Config
	eng *broker.Engine
	log logger.Logger

	upgrader websocket.Upgrader
	servers  []*http.Server
}

// New creates a Server. cfg selects unified vs. split mode and every
// transport-level tunable (maxFrameSize, paths, ports).
func New(cfg *config.Config, eng *broker.Engine, log logger.Logger) *Server {
	return &Server{
		cfg: cfg,
		eng: eng,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start begins listening per the configured mode(s). It returns once
// every listener's goroutine has started; a listener error is logged
// and closes only that listener, so one bad port does not take down the
// process.
func (s *Server) Start() {
	if s.cfg.Unified.Enabled {
		s.startUnified()
	}
	if s.cfg.Split.Enabled {
		s.startSplit()
	}
}

// Stop gracefully shuts down every listener.
func (s *Server) Stop(ctx context.Context) {
	for _, srv := range s.servers {
		srv.Shutdown(ctx)
	}
}

func (s *Server) startUnified() {
	mux := http.NewServeMux()

	mux.HandleFunc(s.cfg.Unified.PlayerPath, s.handlerFor(conn.RolePlayer))
	mux.HandleFunc(s.cfg.Unified.StreamerPath, s.handlerFor(conn.RoleStreamer))
	if s.cfg.EnableSFU {
		mux.HandleFunc(s.cfg.Unified.SFUPath, s.handlerFor(conn.RoleSFU))
	}
	mux.HandleFunc(s.cfg.Unified.UnrealPath, s.handlerFor(conn.RolePlayer))
	// Root is legacy-mapped to streamer for backward compatibility.
	// ServeMux's "/" pattern also catches every unknown path, so the
	// handler guards on the exact path to keep unknown paths at 404
	// instead of falling through to the streamer role.
	mux.HandleFunc("/", s.rootHandler)

	srv := &http.Server{
		Addr:    addr(s.cfg.Host, s.cfg.Unified.Port),
		Handler: mux,
	}
	s.servers = append(s.servers, srv)
	go s.serve(srv)
}

// rootHandler implements the "root is legacy-streamer, anything else
// unknown is 404" rule.
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/" {
		s.handlerFor(conn.RoleStreamer)(w, r)
		return
	}
	http.NotFound(w, r)
}

func (s *Server) startSplit() {
	s.startSplitListener(conn.RolePlayer, s.cfg.Split.PlayerPort)
	s.startSplitListener(conn.RoleStreamer, s.cfg.Split.StreamerPort)
	if s.cfg.EnableSFU {
		s.startSplitListener(conn.RoleSFU, s.cfg.Split.SFUPort)
	}
}

func (s *Server) startSplitListener(role conn.Role, port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handlerFor(role))
	srv := &http.Server{Addr: addr(s.cfg.Host, port), Handler: mux}
	s.servers = append(s.servers, srv)
	go s.serve(srv)
}

func (s *Server) serve(srv *http.Server) {
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		if s.log != nil {
			s.log.Error("listener stopped", logger.Err(err), logger.String("addr", srv.Addr))
		}
	}
}

// handlerFor returns the HTTP handler that upgrades a connection for
// the given role and starts its writer pump and reader loop.
func (s *Server) handlerFor(role conn.Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			if s.log != nil {
				s.log.Debug("upgrade failed", logger.Err(err))
			}
			return
		}
		ws.SetReadLimit(s.cfg.MaxFrameSize)

		c := conn.New(ws, conn.Options{
			Role:           role,
			PingInterval:   s.cfg.PingInterval,
			IdleTimeout:    s.cfg.ConnectionTimeout,
			MaxSubscribers: s.cfg.MaxSubscribers,
			Logger:         s.log,
		})
		c.OnTeardown(s.eng.Teardown)
		s.eng.Register(c)

		go c.Run()
		go c.ReadLoop(
			func(msg *protocol.Message) { s.eng.Dispatch(c, msg) },
			func(err error) {
				if s.log != nil {
					s.log.Debug("malformed frame", logger.Err(err), logger.ConnID(c.ID()))
				}
				c.Send(protocol.NewError("malformed message"))
			},
		)
	}
}

func addr(host string, port int) string {
	return host + ":" + strconv.Itoa(port)
}
