package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	listen := flag.String("listen", "", "WebSocket listen address (overrides relay.listen_addr)")
	quicAddr := flag.String("quic", "", "QUIC listen address (overrides relay.quic_addr)")
	level := flag.String("log", "", "Log level (overrides log.level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Relay.ListenAddr = *listen
	}
	if *quicAddr != "" {
		cfg.Relay.QUICAddr = *quicAddr
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay := injector.InitializeRelay(cfg)
	logger := log.Provide()
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting relay",
		log.String("listen", cfg.Relay.ListenAddr),
		log.String("quic", cfg.Relay.QUICAddr),
		log.Int("max_peers", cfg.Relay.MaxPeers))

	if err := relay.Run(ctx); err != nil {
		logger.Error("Relay stopped with error", log.Error(err))
		os.Exit(1)
	}
	logger.Info("Relay stopped")
}
