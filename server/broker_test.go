package server_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wlvchandler/go-broker/client"
	"github.com/wlvchandler/go-broker/config"
	"github.com/wlvchandler/go-broker/message"
	"github.com/wlvchandler/go-broker/server"
)

// waitForConsumed polls s until its Consumed counter reaches at least want
// consumed messages, or the timeout elapses.
func waitForConsumed(t *testing.T, s *server.Server, want uint64, timeout time.Duration) server.Snapshot {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		snap := s.Stats()
		if snap.Consumed >= want {
			return snap
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d consumed messages, got %+v", want, s.Stats())
	return server.Snapshot{}
}

func newTestServer(t *testing.T, cfg config.Config) (*server.Server, string) {
	t.Helper()
	cfg.Port = 0
	s, err := server.New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	return s, s.Addr().String()
}

func validMessage(seq uint64, size int) []byte {
	now := uint64(time.Now().UnixNano())
	payload := make([]byte, size-message.HeaderSize)
	return message.Encode(now, seq, payload)
}

// Scenario A: single valid message round trip.
func TestScenarioA_SingleMessageRoundTrip(t *testing.T) {
	s, addr := newTestServer(t, config.Default())

	c, err := client.Connect(addr, client.WithBatchSize(1))
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Send(validMessage(0, 1024)))

	snap := waitForConsumed(t, s, 1, 2*time.Second)
	require.Equal(t, uint64(1), snap.Consumed)
	require.Equal(t, uint64(1), snap.Processed)
	require.Equal(t, uint64(0), snap.Errors)
}

// Scenario B: batch of 1024 identical valid messages.
func TestScenarioB_BatchOf1024(t *testing.T) {
	s, addr := newTestServer(t, config.Default())

	c, err := client.Connect(addr, client.WithBatchSize(1024))
	require.NoError(t, err)
	defer c.Close()

	for i := uint64(0); i < 1024; i++ {
		require.NoError(t, c.Send(validMessage(i, 1024)))
	}

	snap := waitForConsumed(t, s, 1024, 5*time.Second)
	require.Equal(t, uint64(1024), snap.Consumed)
	require.Equal(t, uint64(1024), snap.Processed)
	require.Equal(t, uint64(0), snap.Errors)
}

// Scenario C: checksum failure.
func TestScenarioC_ChecksumFailure(t *testing.T) {
	s, addr := newTestServer(t, config.Default())

	c, err := client.Connect(addr, client.WithBatchSize(1))
	require.NoError(t, err)
	defer c.Close()

	msg := validMessage(0, 1024)
	msg[16] ^= 0x01 // tamper checksum byte

	require.NoError(t, c.Send(msg))

	snap := waitForConsumed(t, s, 1, 2*time.Second)
	require.Equal(t, uint64(1), snap.Consumed)
	require.Equal(t, uint64(0), snap.Processed)
	require.Equal(t, uint64(1), snap.Errors)
}

// Scenario E: stale message.
func TestScenarioE_StaleMessage(t *testing.T) {
	s, addr := newTestServer(t, config.Default())

	c, err := client.Connect(addr, client.WithBatchSize(1))
	require.NoError(t, err)
	defer c.Close()

	staleTs := uint64(time.Now().Add(-2 * time.Second).UnixNano())
	msg := message.Encode(staleTs, 0, make([]byte, 1024-message.HeaderSize))
	require.NoError(t, c.Send(msg))

	snap := waitForConsumed(t, s, 1, 2*time.Second)
	require.Equal(t, uint64(1), snap.Consumed)
	require.Equal(t, uint64(0), snap.Processed)
	require.Equal(t, uint64(1), snap.Stale)
	require.Equal(t, uint64(0), snap.Errors)
}

// Scenario D: backpressure against a small ring, ingress spins on Full
// until the consumer drains, no drops, no reordering.
func TestScenarioD_Backpressure(t *testing.T) {
	cfg := config.Default()
	cfg.RingCapacity = 64 << 10 // 64 KiB, per spec.md scenario D

	s, addr := newTestServer(t, cfg)

	c, err := client.Connect(addr, client.WithBatchSize(100))
	require.NoError(t, err)
	defer c.Close()

	const count = 10_000
	payloadSize := 1024 - message.HeaderSize
	for i := uint64(0); i < count; i++ {
		payload := bytes.Repeat([]byte{byte(i)}, payloadSize)
		require.NoError(t, c.SendMessage(payload))
	}
	require.NoError(t, c.Flush())

	snap := waitForConsumed(t, s, count, 30*time.Second)
	require.Equal(t, uint64(count), snap.Consumed)
	require.Equal(t, uint64(count), snap.Processed)
	require.Equal(t, uint64(0), snap.Errors)
}

// Scenario F: connection churn. Two sequential client connections, each
// sending one batch of 1024 messages; both must be fully drained across
// the two consumer lifetimes (2048 total consumed).
func TestScenarioF_ConnectionChurn(t *testing.T) {
	s, addr := newTestServer(t, config.Default())

	sendBatch := func(seqBase uint64) {
		c, err := client.Connect(addr, client.WithBatchSize(1024))
		require.NoError(t, err)
		defer c.Close()

		for i := uint64(0); i < 1024; i++ {
			require.NoError(t, c.Send(validMessage(seqBase+i, 1024)))
		}
	}

	sendBatch(0)
	// Give the first connection's ingress a moment to land in the ring
	// before the second connection supersedes it.
	waitForConsumed(t, s, 1024, 5*time.Second)

	sendBatch(1024)
	snap := waitForConsumed(t, s, 2048, 5*time.Second)

	require.Equal(t, uint64(2048), snap.Consumed)
	require.Equal(t, uint64(2048), snap.Processed)
}

// TestScenarioF_ConnectionChurnWithBacklog is the companion to
// TestScenarioF_ConnectionChurn that does NOT wait for the first
// connection's batch to fully drain before starting the second: the
// first batch is made large enough, against a deliberately small ring,
// that the first connection's consumer is almost certainly still
// mid-drain (with unread backlog bytes sitting in the ring) at the
// moment the second connection supersedes it. This exercises the
// handoff path where a freshly-started consumer must inherit backlog
// written under the previous connection's frame size rather than
// default to treating it as one oversized message.
func TestScenarioF_ConnectionChurnWithBacklog(t *testing.T) {
	cfg := config.Default()
	cfg.RingCapacity = 64 << 10 // small ring: first batch can't fit all at once

	s, addr := newTestServer(t, cfg)

	const firstBatch = 5000
	const secondBatch = 1024

	c1, err := client.Connect(addr, client.WithBatchSize(100))
	require.NoError(t, err)
	for i := uint64(0); i < firstBatch; i++ {
		require.NoError(t, c1.Send(validMessage(i, 1024)))
	}
	require.NoError(t, c1.Flush())
	// Deliberately no waitForConsumed here: the second connection is
	// dialed immediately, while the first connection's consumer is very
	// likely still draining backlog out of the ring.
	c1.Close()

	c2, err := client.Connect(addr, client.WithBatchSize(secondBatch))
	require.NoError(t, err)
	defer c2.Close()
	for i := uint64(0); i < secondBatch; i++ {
		require.NoError(t, c2.Send(validMessage(firstBatch+i, 1024)))
	}

	snap := waitForConsumed(t, s, firstBatch+secondBatch, 30*time.Second)
	require.Equal(t, uint64(firstBatch+secondBatch), snap.Consumed)
	require.Equal(t, uint64(firstBatch+secondBatch), snap.Processed)
	require.Equal(t, uint64(0), snap.Errors)
}

// TCP_NODELAY is set on both ends; this is a smoke test that Connect
// doesn't error out when dialing a live listener.
func TestClientConnect_NoDelaySmoke(t *testing.T) {
	_, addr := newTestServer(t, config.Default())

	c, err := client.Connect(addr)
	require.NoError(t, err)
	defer c.Close()
}
