// Command peer is a headless warpsync participant backed by the sandbox host.
// It flies one vessel on a straight line, mirrors everyone else's and jumps to
// the most advanced peer's time on SIGUSR1.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-gl/mathgl/mgl64"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/events/bus"
	"github.com/zeusync/warpsync/internal/core/models"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/injector"
	"github.com/zeusync/warpsync/internal/peer"
	"github.com/zeusync/warpsync/internal/sandbox"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML configuration file")
	id := flag.String("id", "", "Peer id (overrides peer.id)")
	relayURL := flag.String("relay", "", "Relay url, ws://host:port/ws or quic://host:port (overrides peer.relay_url)")
	bodyName := flag.String("body", "kerbin", "Parent body of the local vessel")
	start := flag.Float64("start", 1, "Initial simulation time in seconds")
	speed := flag.Float64("speed", 100, "Vessel speed in m/s")
	warp := flag.Float64("warp", 1, "Time multiplier")
	maneuver := flag.Bool("maneuver", false, "Keep varying the throttle")
	level := flag.String("log", "", "Log level (overrides log.level)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error loading config:", err)
		os.Exit(1)
	}
	if *id != "" {
		cfg.Peer.ID = *id
	}
	if *relayURL != "" {
		cfg.Peer.RelayURL = *relayURL
	}
	if *level != "" {
		cfg.Log.Level = *level
	}

	world := sandbox.NewWorld(sandbox.NewBody(*bodyName, 2*math.Pi/21549.4))
	clock := sandbox.NewClock(*start)
	clock.SetTimeMultiplier(*warp)

	vessel := sandbox.NewEntity("vessel", "capsule", *bodyName, &sandbox.LinearTrajectory{
		Anchor:   *start,
		Position: mgl64.Vec3{700000, 0, 0},
		Velocity: mgl64.Vec3{0, *speed, 0},
	})
	world.AddLocal(vessel)
	if err := world.Control(vessel.ID()); err != nil {
		fmt.Fprintln(os.Stderr, "Error creating vessel:", err)
		os.Exit(1)
	}

	step := func(dt float64) {
		now := clock.Advance(dt)
		if *maneuver {
			vessel.SetControls(models.Controls{
				EngineOn: true,
				Throttle: float32(0.5 + 0.5*math.Sin(now)),
			})
		}
	}

	session, err := injector.InitializePeer(cfg, world, clock, sandbox.LinearModel{}, step)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error creating session:", err)
		os.Exit(1)
	}
	logger := log.Provide().With(log.String("peer_id", session.ID()))
	defer func() { _ = log.Provide().Sync() }()

	for _, typ := range []string{peer.EventPeerJoined, peer.EventPeerLeft, peer.EventSyncJump, peer.EventSyncFailed, peer.EventAuthorityApplied} {
		if _, err := session.Events().SubscribeTopic(peer.Topic, typ, func(ev bus.Event) error {
			logger.Info("Session event", log.String("event", ev.Type()), log.Any("data", ev.Data()))
			return nil
		}); err != nil {
			logger.Fatal("Failed to subscribe", log.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncCh := make(chan os.Signal, 1)
	signal.Notify(syncCh, syscall.SIGUSR1)
	defer signal.Stop(syncCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-syncCh:
				session.RequestSync("")
			}
		}
	}()

	logger.Info("Starting peer",
		log.String("relay", cfg.Peer.RelayURL),
		log.Float64("start", *start),
		log.Float64("warp", *warp))

	if err := session.Run(ctx); err != nil {
		logger.Error("Peer stopped with error", log.Error(err))
		_ = session.Close()
		os.Exit(1)
	}
	_ = session.Close()
	logger.Info("Peer stopped")
}
