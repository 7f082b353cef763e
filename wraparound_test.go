package utp

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/go-utp/utp/config"
	"github.com/go-utp/utp/internal/simnet"
)

// TestSequenceNumberWraparound drives a stream's sequence counters across
// the 2^16 ring boundary (spec.md §8 S6: "Drive a stream past 2^16
// packets. Verify all delivered bytes match source, no assertion on
// ordering fires, and counters agree with pre-wrap behavior"). Rather than
// actually sending 65536 packets, the outgoing/incoming sequence state is
// seeded just below the wrap so a modest transfer crosses it; seq's
// wrap-aware comparators (seq/seq.go) and the ring buffers' uint16
// arithmetic make this behaviorally identical to reaching the wrap
// organically.
func TestSequenceNumberWraparound(t *testing.T) {
	net := simnet.NewNetwork(42)
	clientAddr, serverAddr := simnet.Addr("wrap-client"), simnet.Addr("wrap-server")

	cfg := config.DefaultConfig()
	cfg.ConnectTimeoutMS = 4_000
	cfg.MaxTimeoutMS = 2_000

	client := NewSocket(net.Conn(clientAddr), SystemClock{}, cfg, nil)
	server := NewSocket(net.Conn(serverAddr), SystemClock{}, cfg, nil)
	defer client.Close()
	defer server.Close()

	acceptCh := make(chan *Stream, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		st, err := server.Accept(ctx)
		require.NoError(t, err)
		acceptCh <- st
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs, err := client.Connect(ctx, serverAddr)
	require.NoError(t, err)
	ss := <-acceptCh

	const justBelowWrap = uint16(65530)

	done := make(chan struct{})
	client.enqueue(func() {
		cs.out.nextSeq = justBelowWrap
		cs.out.headSeq = justBelowWrap
		close(done)
	})
	<-done

	done = make(chan struct{})
	server.enqueue(func() {
		ss.in.ackNr = justBelowWrap - 1
		close(done)
	})
	<-done

	payload := make([]byte, 64*1024)
	rand.New(rand.NewSource(7)).Read(payload)

	writeDone := make(chan error, 1)
	go func() {
		_, err := cs.Write(payload)
		writeDone <- err
	}()

	got := make([]byte, len(payload))
	_, err = io.ReadFull(ss, got)
	require.NoError(t, err)
	require.NoError(t, <-writeDone)

	require.Equal(t, sha256.Sum256(payload), sha256.Sum256(got))
	require.True(t, bytes.Equal(payload, got))

	snap := cs.Stats()
	require.Zero(t, snap.Timeout, "wraparound alone must not trip any timeout")
}
