// Command pixelbroker-server runs the WebRTC signalling broker as a
// standalone process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	pixelbroker "github.com/lumenstream/pixelbroker"
	"github.com/lumenstream/pixelbroker/pkg/config"
	"github.com/lumenstream/pixelbroker/pkg/logger"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to the YAML config file")
	dev := flag.Bool("dev", false, "enable verbose development logging")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("pixelbroker-server %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := logger.ParseLevel(cfg.Logging.Level)
	if *dev {
		level = logger.DebugLevel
	}
	log := logger.NewDefaultLogger(level, cfg.Logging.Format)

	b := pixelbroker.New(cfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := b.Start(ctx); err != nil {
		log.Fatal("failed to start broker", logger.Err(err))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := b.Stop(shutdownCtx); err != nil {
		log.Error("error during shutdown", logger.Err(err))
	}
}
