package utp_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-utp/utp"
	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/simnet"
)

// newPair wires a client/server Socket pair over a fresh simnet.Network
// with the given per-direction impairment, and returns both sockets.
func newPair(t *testing.T, seed int64, link simnet.Link) (*utp.Socket, *utp.Socket, *simnet.Network, simnet.Addr, simnet.Addr) {
	t.Helper()
	net := simnet.NewNetwork(seed)
	clientAddr, serverAddr := simnet.Addr("client"), simnet.Addr("server")
	net.SetLink(clientAddr, serverAddr, link)
	net.SetLink(serverAddr, clientAddr, link)

	cfg := config.DefaultConfig()
	cfg.ConnectTimeoutMS = 4_000
	cfg.MaxTimeoutMS = 2_000
	cfg.NumResends = 3

	clientConn := net.Conn(clientAddr)
	serverConn := net.Conn(serverAddr)

	client := utp.NewSocket(clientConn, utp.SystemClock{}, cfg, nil)
	server := utp.NewSocket(serverConn, utp.SystemClock{}, cfg, nil)
	t.Cleanup(func() { client.Close(); server.Close() })
	return client, server, net, clientAddr, serverAddr
}

func dial(t *testing.T, client, server *utp.Socket, serverAddr simnet.Addr) (*utp.Stream, *utp.Stream) {
	t.Helper()
	type acceptResult struct {
		st  *utp.Stream
		err error
	}
	acceptCh := make(chan acceptResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := server.Accept(ctx)
		acceptCh <- acceptResult{st, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs, err := client.Connect(ctx, serverAddr)
	require.NoError(t, err)

	r := <-acceptCh
	require.NoError(t, r.err)
	return cs, r.st
}

// Scenario tests below exercise end-to-end connection lifecycles over
// internal/simnet; they are distinct from (and do not replace) the
// literal-counter S1-S6 scenarios named in spec.md §8, which describe
// specific simulation-test fixtures from the original implementation.
// TestSequenceNumberWraparound (wraparound_test.go) covers spec.md's S6.

// A clean link delivers a bulk transfer byte-for-byte.
func TestScenarioCleanBulkTransfer(t *testing.T) {
	client, server, _, _, serverAddr := newPair(t, 1, simnet.Link{})
	cs, ss := dial(t, client, server, serverAddr)

	payload := randomBytes(256 * 1024)
	done := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		done <- err
	}()

	got := readExactly(t, ss, len(payload))
	require.NoError(t, <-done)
	require.True(t, bytes.Equal(payload, got))
}

// Moderate loss and reordering still deliver the stream intact,
// exercising SACK-driven fast retransmit and the incoming reorder buffer.
func TestScenarioLossyReorderedLink(t *testing.T) {
	link := simnet.Link{
		Latency:            5 * time.Millisecond,
		Jitter:             3 * time.Millisecond,
		LossProbability:    0.05,
		ReorderProbability: 0.1,
		ReorderExtra:       20 * time.Millisecond,
	}
	client, server, _, _, serverAddr := newPair(t, 2, link)
	cs, ss := dial(t, client, server, serverAddr)

	payload := randomBytes(128 * 1024)
	done := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		done <- err
	}()

	got := readExactly(t, ss, len(payload))
	require.NoError(t, <-done)
	require.Equal(t, sha256.Sum256(payload), sha256.Sum256(got))

	snap := cs.Stats()
	t.Logf("resends=%d fastRetransmit=%d redundant=%d", snap.PacketResend, snap.FastRetransmit, snap.RedundantPktsIn)
}

// A bandwidth-constrained, high-latency link still completes a
// transfer, exercising LEDBAT's slow-start-to-steady-state transition.
func TestScenarioConstrainedBandwidth(t *testing.T) {
	link := simnet.Link{
		BandwidthBytesPerSec: 64 << 10,
		Latency:              40 * time.Millisecond,
	}
	client, server, _, _, serverAddr := newPair(t, 3, link)
	cs, ss := dial(t, client, server, serverAddr)

	payload := randomBytes(32 * 1024)
	done := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		done <- err
	}()

	got := readExactly(t, ss, len(payload))
	require.NoError(t, <-done)
	require.Equal(t, len(payload), len(got))
}

// A graceful close drains the write queue: the peer reads every byte and
// then observes EventClosed.
func TestScenarioGracefulClose(t *testing.T) {
	client, server, _, _, serverAddr := newPair(t, 4, simnet.Link{})
	cs, ss := dial(t, client, server, serverAddr)

	payload := randomBytes(4096)
	_, err := cs.Write(payload)
	require.NoError(t, err)
	require.NoError(t, cs.Close(utp.CloseGraceful))

	got := readExactly(t, ss, len(payload))
	require.True(t, bytes.Equal(payload, got))

	waitForEvent(t, ss, utp.EventClosed, 5*time.Second)
}

// A reset propagates to the peer as a terminal error rather than a
// graceful FIN close.
func TestScenarioReset(t *testing.T) {
	client, server, _, _, serverAddr := newPair(t, 5, simnet.Link{})
	cs, ss := dial(t, client, server, serverAddr)

	require.NoError(t, cs.Close(utp.CloseReset))

	ev := waitForEvent(t, ss, utp.EventError, 5*time.Second)
	require.Equal(t, utp.ReasonReset, ev.Reason)
}

// A black-holed peer (all datagrams dropped after the handshake)
// eventually fails the stream via the RTO/NumResends path rather than
// hanging forever.
func TestScenarioBlackHoledPeerTimesOut(t *testing.T) {
	client, server, net, clientAddr, serverAddr := newPair(t, 6, simnet.Link{})
	cs, ss := dial(t, client, server, serverAddr)
	_ = ss

	// Black-hole every subsequent datagram in both directions so the
	// stream can only discover the failure through RTO expiry.
	net.SetLink(clientAddr, serverAddr, simnet.Link{LossProbability: 1})
	net.SetLink(serverAddr, clientAddr, simnet.Link{LossProbability: 1})

	_, err := cs.Write(randomBytes(4096))
	require.NoError(t, err)

	ev := waitForEvent(t, cs, utp.EventError, 30*time.Second)
	require.Error(t, ev.Err)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	r := rand.New(rand.NewSource(42))
	_, _ = r.Read(b)
	return b
}

func readExactly(t *testing.T, s *utp.Stream, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := io.ReadFull(s, buf)
	require.NoError(t, err)
	return buf
}

func waitForEvent(t *testing.T, s *utp.Stream, kind utp.EventKind, timeout time.Duration) utp.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("events channel closed before observing kind %v", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event kind %v", kind)
		}
	}
}
