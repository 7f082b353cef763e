package utp_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-utp/utp"
	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/simnet"
)

func buildSockets(t *testing.T) (*utp.Socket, *utp.Socket, simnet.Addr, simnet.Addr) {
	t.Helper()
	net := simnet.NewNetwork(1)
	clientAddr, serverAddr := simnet.Addr("client:1"), simnet.Addr("server:1")
	cfg := config.DefaultConfig()
	cfg.ConnectTimeoutMS = 4000
	cfg.MaxTimeoutMS = 2000

	client := utp.NewSocket(net.Conn(clientAddr), utp.SystemClock{}, cfg, nil)
	server := utp.NewSocket(net.Conn(serverAddr), utp.SystemClock{}, cfg, nil)
	t.Cleanup(func() { client.Close() })
	t.Cleanup(func() { server.Close() })
	return client, server, clientAddr, serverAddr
}

// TestHandshakeLeavesBothSidesConnected confirms the SYN/STATE exchange
// leaves both sides CONNECTED, without relying on any internal field
// (spec.md §4.2, §4.9).
func TestHandshakeLeavesBothSidesConnected(t *testing.T) {
	client, server, _, serverAddr := buildSockets(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverStreamCh := make(chan *utp.Stream, 1)
	go func() {
		st, err := server.Accept(ctx)
		require.NoError(t, err)
		serverStreamCh <- st
	}()

	clientStream, err := client.Connect(ctx, serverAddr)
	require.NoError(t, err)
	require.Equal(t, utp.StateConnected, clientStream.State())

	serverStream := <-serverStreamCh
	require.Equal(t, utp.StateConnected, serverStream.State())
}

// TestHandshakeAcceptsExactlyOneStream verifies that one Connect hands
// exactly one stream to the responder's Accept: a second Accept call
// receives nothing and times out.
func TestHandshakeAcceptsExactlyOneStream(t *testing.T) {
	client, server, _, serverAddr := buildSockets(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acceptDone := make(chan struct{})
	go func() {
		_, err := server.Accept(ctx)
		require.NoError(t, err)
		close(acceptDone)
	}()

	_, err := client.Connect(ctx, serverAddr)
	require.NoError(t, err)

	select {
	case <-acceptDone:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the handshake")
	}

	// A second Accept call must not receive anything further: the
	// handshake produced exactly one stream.
	shortCtx, shortCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer shortCancel()
	_, err = server.Accept(shortCtx)
	require.Error(t, err)
}

// TestCloseIsIdempotent confirms Stream.Close may be called more than once
// without blocking or panicking (spec.md §6).
func TestCloseIsIdempotent(t *testing.T) {
	client, server, _, serverAddr := buildSockets(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go func() { _, _ = server.Accept(ctx) }()
	cs, err := client.Connect(ctx, serverAddr)
	require.NoError(t, err)

	require.NoError(t, cs.Close(utp.CloseGraceful))
	require.NoError(t, cs.Close(utp.CloseGraceful))
}
