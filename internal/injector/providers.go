package injector

import (
	"github.com/google/uuid"
	"github.com/google/wire"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/events/bus"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
	"github.com/zeusync/warpsync/internal/peer"
	"github.com/zeusync/warpsync/internal/server"
	"github.com/zeusync/warpsync/sdk/go/client"
)

var CommonSet = wire.NewSet(ProvideLogger, ProvideCodec)

var RelaySet = wire.NewSet(CommonSet, ProvideRelay)

var PeerSet = wire.NewSet(CommonSet, ProvideEventBus, ProvideLink, ProvideSession)

func ProvideLogger(cfg config.Config) log.Log {
	return log.New(log.ParseLevel(cfg.Log.Level))
}

func ProvideCodec() protocol.Codec {
	return protocol.NewMsgpackCodec()
}

func ProvideRelay(cfg config.Config, codec protocol.Codec, logger log.Log) *server.Server {
	return server.NewServer(cfg.Relay, codec, logger)
}

// ProvideEventBus logs failed session event deliveries.
func ProvideEventBus(logger log.Log) bus.EventBus {
	b := bus.New()
	b.AddObserver(bus.NewLogObserver(logger.With(log.String("component", "events"))))
	return b
}

// ProvideLink names the peer when the configuration leaves it anonymous.
func ProvideLink(cfg config.Config, codec protocol.Codec, logger log.Log) *client.Client {
	clientCfg := client.ConfigFrom(cfg.Peer, cfg.Relay)
	if clientCfg.PeerID == "" {
		clientCfg.PeerID = "peer-" + uuid.NewString()[:8]
	}
	return client.New(clientCfg, codec, logger)
}

// ProvideSession installs step as the host step when it is not nil.
func ProvideSession(cfg config.Config, world host.World, sim host.SimClock, model host.TrajectoryModel, step peer.StepFunc, link *client.Client, codec protocol.Codec, events bus.EventBus, logger log.Log) (*peer.Session, error) {
	var opts []peer.Option
	if step != nil {
		opts = append(opts, peer.WithStep(step))
	}
	return peer.New(cfg, world, sim, model, link, codec, events, logger, opts...)
}
