// Package admin is the read-only HTTP administrative surface: health,
// a stats snapshot, and a redacted config dump. It sits beside the
// signalling core and never mutates broker state.
package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/lumenstream/pixelbroker/pkg/config"
	"github.com/lumenstream/pixelbroker/pkg/conn"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/metrics"
	"github.com/lumenstream/pixelbroker/pkg/registry"
	"github.com/lumenstream/pixelbroker/pkg/subscription"
)

// Server exposes /healthz, /stats, and /config over HTTP.
type Server struct {
	cfg   *config.Config
	reg   *registry.Registry
	graph *subscription.Graph
	obs   *metrics.CounterObserver
	log   logger.Logger
	srv   *http.Server
	boot  time.Time
}

// New creates an admin Server bound to cfg.Admin.Port. obs and graph
// may be nil, in which case /stats reports zeroed counters and omits
// per-streamer subscriber counts respectively.
func New(cfg *config.Config, reg *registry.Registry, graph *subscription.Graph, obs *metrics.CounterObserver, log logger.Logger) *Server {
	s := &Server{cfg: cfg, reg: reg, graph: graph, obs: obs, log: log, boot: time.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/config", s.handleConfig)

	s.srv = &http.Server{
		Addr:    cfg.Host + ":" + strconv.Itoa(cfg.Admin.Port),
		Handler: mux,
	}
	return s
}

// Start begins listening in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("admin server stopped", logger.Err(err))
			}
		}
	}()
}

// Stop gracefully shuts down the admin server.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.boot).String(),
	})
}

// statsResponse is the /stats payload: live connection counts per role,
// the counter snapshot, and each streamer's current subscriber count.
type statsResponse struct {
	Players             int              `json:"players"`
	Streamers           int              `json:"streamers"`
	SFUs                int              `json:"sfus"`
	Counters            metrics.Snapshot `json:"counters"`
	StreamerSubscribers map[string]int   `json:"streamerSubscribers,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Players:   s.reg.Count(conn.RolePlayer),
		Streamers: s.reg.Count(conn.RoleStreamer),
		SFUs:      s.reg.Count(conn.RoleSFU),
	}
	if s.obs != nil {
		resp.Counters = s.obs.Snapshot()
	}
	if s.graph != nil {
		resp.StreamerSubscribers = make(map[string]int)
		for _, streamerConn := range s.reg.Enumerate(conn.RoleStreamer) {
			resp.StreamerSubscribers[streamerConn.ID()] = len(s.graph.Subscribers(streamerConn.ID()))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// configResponse is a redacted view of the running config: no secrets
// exist in this config today, but this type is the single place a
// future sensitive field would be excluded before exposure.
type configResponse struct {
	Host              string        `json:"host"`
	Unified           interface{}   `json:"unified"`
	Split             interface{}   `json:"split"`
	MaxSubscribers    int           `json:"maxSubscribers"`
	EnableSFU         bool          `json:"enableSfu"`
	MaxFrameSize      int64         `json:"maxFrameSize"`
	PingInterval      time.Duration `json:"pingIntervalNs"`
	ConnectionTimeout time.Duration `json:"connectionTimeoutNs"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, configResponse{
		Host:              s.cfg.Host,
		Unified:           s.cfg.Unified,
		Split:             s.cfg.Split,
		MaxSubscribers:    s.cfg.MaxSubscribers,
		EnableSFU:         s.cfg.EnableSFU,
		MaxFrameSize:      s.cfg.MaxFrameSize,
		PingInterval:      s.cfg.PingInterval,
		ConnectionTimeout: s.cfg.ConnectionTimeout,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
