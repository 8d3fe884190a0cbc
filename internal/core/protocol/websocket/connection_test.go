package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/warpsync/internal/core/protocol"
)

func echoServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	up := NewUpgrader(opts)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := conn.Receive(context.Background())
			if err != nil {
				return
			}
			if err := conn.Send(context.Background(), data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnectionEcho(t *testing.T) {
	opts := Options{MaxMessageSize: 1024, WriteTimeout: time.Second}
	srv := echoServer(t, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := Dial(ctx, wsURL(srv), opts)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Send(ctx, []byte("hello")))
	got, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	stats := conn.Stats()
	assert.Equal(t, uint64(1), stats.MessagesSent)
	assert.Equal(t, uint64(1), stats.MessagesReceived)
	assert.Equal(t, uint64(5), stats.BytesReceived)
	assert.NotEmpty(t, conn.ID())
	assert.NotNil(t, conn.RemoteAddr())
}

func TestSendRejectsOversizedMessage(t *testing.T) {
	opts := Options{MaxMessageSize: 4}
	srv := echoServer(t, opts)

	conn, err := Dial(context.Background(), wsURL(srv), opts)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Send(context.Background(), []byte("too long"))
	assert.ErrorIs(t, err, protocol.ErrMessageTooLarge)
}

func TestReceiveHonoursContext(t *testing.T) {
	srv := echoServer(t, Options{})

	conn, err := Dial(context.Background(), wsURL(srv), Options{})
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedConnection(t *testing.T) {
	srv := echoServer(t, Options{})

	conn, err := Dial(context.Background(), wsURL(srv), Options{})
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.True(t, conn.IsClosed())
	assert.NoError(t, conn.Close())

	assert.ErrorIs(t, conn.Send(context.Background(), []byte("x")), protocol.ErrConnectionClosed)
	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}
