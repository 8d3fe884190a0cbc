package quic

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/warpsync/internal/core/observability/log"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

func TestDialListenExchange(t *testing.T) {
	opts := Options{MaxMessageSize: 1024, WriteTimeout: time.Second, MaxIdleTimeout: 5 * time.Second}

	ln, err := Listen("127.0.0.1:0", nil, opts, log.NewNop())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr().String(), nil, opts)
	require.NoError(t, err)
	defer client.Close()

	// the stream becomes visible to the listener once data flows
	require.NoError(t, client.Send(ctx, []byte("first")))

	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	defer server.Close()

	got, err := server.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	require.NoError(t, server.Send(ctx, []byte{}))
	require.NoError(t, server.Send(ctx, []byte("second")))

	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = client.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), got)

	assert.Equal(t, uint64(2), server.Stats().MessagesSent)
	assert.Equal(t, uint64(2), client.Stats().MessagesReceived)
}

func TestSendRejectsOversizedFrame(t *testing.T) {
	opts := Options{MaxMessageSize: 2}

	ln, err := Listen("127.0.0.1:0", nil, opts, log.NewNop())
	require.NoError(t, err)
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Dial(ctx, ln.Addr().String(), nil, opts)
	require.NoError(t, err)
	defer client.Close()

	assert.ErrorIs(t, client.Send(ctx, []byte("abc")), protocol.ErrMessageTooLarge)
}

func TestAcceptAfterClose(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil, Options{}, log.NewNop())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	assert.NoError(t, ln.Close())

	_, err = ln.Accept(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}
