//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/core/host"
	"github.com/zeusync/warpsync/internal/peer"
	"github.com/zeusync/warpsync/internal/server"
)

func InitializeRelay(cfg config.Config) *server.Server {
	wire.Build(RelaySet)
	return nil
}

func InitializePeer(cfg config.Config, world host.World, sim host.SimClock, model host.TrajectoryModel, step peer.StepFunc) (*peer.Session, error) {
	wire.Build(PeerSet)
	return nil, nil
}
