package injector

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeusync/warpsync/internal/core/config"
	"github.com/zeusync/warpsync/internal/sandbox"
)

func quietConfig() config.Config {
	cfg := config.Default()
	cfg.Log.Level = "silent"
	cfg.Relay.ListenAddr = "127.0.0.1:0"
	return cfg
}

func TestInitializeRelay(t *testing.T) {
	relay := InitializeRelay(quietConfig())
	require.NoError(t, relay.Start(context.Background()))
	assert.NotNil(t, relay.Addr())
	require.NoError(t, relay.Close())
}

func TestInitializePeerNamesAnonymousPeer(t *testing.T) {
	world := sandbox.NewWorld(sandbox.NewBody("kerbin", 0))
	session, err := InitializePeer(quietConfig(), world, sandbox.NewClock(1), sandbox.LinearModel{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	assert.True(t, strings.HasPrefix(session.ID(), "peer-"))
	assert.NotNil(t, session.Events())
	assert.NoError(t, session.Tick())
}

func TestInitializePeerKeepsConfiguredID(t *testing.T) {
	cfg := quietConfig()
	cfg.Peer.ID = "alice"
	session, err := InitializePeer(cfg, sandbox.NewWorld(), sandbox.NewClock(1), sandbox.LinearModel{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	assert.Equal(t, "alice", session.ID())
}
