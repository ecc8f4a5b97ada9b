package rpcclient

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
)

func newManagerWithFakeConn(t *testing.T) *ClientConnectionManager {
	t.Helper()
	m := NewClientConnectionManager("127.0.0.1:1", zaptest.NewLogger(t))

	// grpc.NewClient never dials until Connect()/an RPC is attempted, so this
	// gives shutdown a non-nil conn to Close() without any real network I/O.
	conn, err := grpc.NewClient(m.target, m.dialOpts...)
	require.NoError(t, err)
	m.mu.Lock()
	m.conn = conn
	m.mu.Unlock()
	return m
}

func TestClose_IsIdempotent(t *testing.T) {
	m := NewClientConnectionManager("127.0.0.1:1", zaptest.NewLogger(t))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestClose_NoopWhenNeverDialed(t *testing.T) {
	m := NewClientConnectionManager("127.0.0.1:1", zaptest.NewLogger(t))
	require.NoError(t, m.Close())
}

func TestShutdown_WaitsForInflightCallWithinDrainDeadline(t *testing.T) {
	m := newManagerWithFakeConn(t)

	m.inflight.Add(1)
	release := make(chan struct{})
	go func() {
		<-release
		m.inflight.Done()
	}()

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- m.shutdown(time.Second) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before the in-flight call finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)

	select {
	case err := <-shutdownDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("shutdown did not return after the in-flight call finished")
	}
}

func TestShutdown_ReturnsAfterDrainDeadlineEvenIfInflightNeverFinishes(t *testing.T) {
	m := newManagerWithFakeConn(t)
	m.inflight.Add(1) // deliberately never Done()

	start := time.Now()
	err := m.shutdown(50 * time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestDispose_SkipsDrainWait(t *testing.T) {
	m := newManagerWithFakeConn(t)
	m.inflight.Add(1) // deliberately never Done()

	done := make(chan error, 1)
	go func() { done <- m.Dispose() }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Dispose blocked waiting on an in-flight call")
	}
}
