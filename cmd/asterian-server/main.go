package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/stobieee-bit/AsterianServer/internal/announce"
	"github.com/stobieee-bit/AsterianServer/internal/config"
	"github.com/stobieee-bit/AsterianServer/internal/guard"
	"github.com/stobieee-bit/AsterianServer/internal/hub"
	"github.com/stobieee-bit/AsterianServer/internal/logging"
	"github.com/stobieee-bit/AsterianServer/internal/metrics"
	"github.com/stobieee-bit/AsterianServer/internal/transport"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(logger)

	metricsRegistry := metrics.NewRegistry()
	admissionGuard := guard.New(cfg.CPURejectThreshold, cfg.MemoryLimit, logger)

	relayHub := hub.New(hub.Options{
		Capacity:          cfg.MaxPlayers,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		JoinDeadline:      cfg.JoinDeadline,
		Logger:            logger,
		Metrics:           metricsRegistry,
	})

	server := transport.NewServer(cfg, logger, relayHub, admissionGuard, metricsRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		relayHub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		admissionGuard.Start(ctx)
	}()

	if cfg.NATSURL != "" {
		relay, err := announce.Start(cfg.NATSURL, cfg.AnnounceSubject, relayHub, logger)
		if err != nil {
			logger.Error().Err(err).Msg("announcement relay unavailable, continuing without it")
		} else {
			defer relay.Close()
		}
	}

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("http server error")
		stop()
	}

	stop()
	wg.Wait()
	logger.Info().Msg("shutdown complete")
}
