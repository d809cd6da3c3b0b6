// Package pixelbroker wires the signalling broker's components (config,
// registry, subscription graph, engine, transport, admin) into a single
// process-lifecycle type with New/Start/Stop.
package pixelbroker

import (
	"context"
	"fmt"

	"github.com/lumenstream/pixelbroker/pkg/admin"
	"github.com/lumenstream/pixelbroker/pkg/broker"
	"github.com/lumenstream/pixelbroker/pkg/config"
	"github.com/lumenstream/pixelbroker/pkg/logger"
	"github.com/lumenstream/pixelbroker/pkg/metrics"
	"github.com/lumenstream/pixelbroker/pkg/registry"
	"github.com/lumenstream/pixelbroker/pkg/subscription"
	"github.com/lumenstream/pixelbroker/pkg/transport"
)

// Broker is a fully wired signalling broker process: the connection
// registry, subscription graph, role state machines, WebSocket
// transport, and the read-only admin surface.
type Broker struct {
	Config    *config.Config
	Log       logger.Logger
	Registry  *registry.Registry
	Graph     *subscription.Graph
	Metrics   *metrics.CounterObserver
	Engine    *broker.Engine
	Transport *transport.Server
	Admin     *admin.Server

	reaperCancel context.CancelFunc
}

// New wires every component from cfg. It does not start any listener;
// call Start for that.
func New(cfg *config.Config, log logger.Logger) *Broker {
	if log == nil {
		log = logger.NewDefaultLogger(logger.InfoLevel, "text")
	}

	reg := registry.New(cfg.ConnectionTimeout, log)
	graph := subscription.New(reg)
	obs := metrics.NewCounterObserver()
	eng := broker.New(reg, graph, obs, log)

	b := &Broker{
		Config:    cfg,
		Log:       log,
		Registry:  reg,
		Graph:     graph,
		Metrics:   obs,
		Engine:    eng,
		Transport: transport.New(cfg, eng, log),
	}
	if cfg.Admin.Enabled {
		b.Admin = admin.New(cfg, reg, graph, obs, log)
	}
	return b
}

// Start begins listening on every configured transport and starts the
// background idle reaper. It returns once every goroutine has been
// launched; listener failures are logged asynchronously rather than
// returned here, so one bad port does not take down the process.
func (b *Broker) Start(ctx context.Context) error {
	reaperCtx, cancel := context.WithCancel(ctx)
	b.reaperCancel = cancel
	go b.Registry.RunReaper(reaperCtx, b.Config.ReaperInterval)

	b.Transport.Start()
	if b.Admin != nil {
		b.Admin.Start()
	}

	b.Log.Info("pixelbroker started",
		logger.String("host", b.Config.Host),
		logger.Bool("unified", b.Config.Unified.Enabled),
		logger.Bool("split", b.Config.Split.Enabled),
		logger.Bool("sfu", b.Config.EnableSFU),
	)
	return nil
}

// Stop gracefully shuts down every listener and the reaper, bounded by
// ctx's deadline.
func (b *Broker) Stop(ctx context.Context) error {
	if b.reaperCancel != nil {
		b.reaperCancel()
	}
	b.Registry.Stop()

	b.Transport.Stop(ctx)

	if b.Admin != nil {
		if err := b.Admin.Stop(ctx); err != nil {
			return fmt.Errorf("admin server shutdown: %w", err)
		}
	}
	return nil
}
