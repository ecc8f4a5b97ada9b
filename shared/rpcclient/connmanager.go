package rpcclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

// FailureKind classifies why a channel raised a connection failure (spec §4.2).
type FailureKind int

const (
	FailureUnrecoverableTransport FailureKind = iota
	FailureReconnectDeadlineElapsed
	FailureKeepaliveTimeout
	FailurePeerClosed
)

func (k FailureKind) String() string {
	switch k {
	case FailureUnrecoverableTransport:
		return "unrecoverable_transport"
	case FailureReconnectDeadlineElapsed:
		return "reconnect_deadline_elapsed"
	case FailureKeepaliveTimeout:
		return "keepalive_timeout"
	case FailurePeerClosed:
		return "peer_closed"
	default:
		return "unknown"
	}
}

// FailureEvent is delivered to connection-failure listeners.
type FailureEvent struct {
	Kind   FailureKind
	Detail string
}

// FailureListener observes a connection failure. It must not mutate the
// channel from within the callback (spec §4.2).
type FailureListener func(FailureEvent)

const closeDrainDeadline = 10 * time.Second

// ClientConnectionManager owns one lazily-connected gRPC channel to a
// single peer and surfaces connection-failure events at most once per
// channel (spec §4.2).
type ClientConnectionManager struct {
	target   string
	dialOpts []grpc.DialOption
	logger   *zap.Logger

	mu        sync.Mutex
	conn      *grpc.ClientConn
	listeners []FailureListener
	raised    bool
	watchCancel context.CancelFunc
	closed    bool

	inflight sync.WaitGroup
}

// NewClientConnectionManager creates a manager for target. Dialing is
// lazy — no network activity happens until the first CallAsync.
func NewClientConnectionManager(target string, logger *zap.Logger, extraOpts ...grpc.DialOption) *ClientConnectionManager {
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, extraOpts...)
	return &ClientConnectionManager{
		target:   target,
		dialOpts: opts,
		logger:   logger.Named("connmanager").With(zap.String("target", target)),
	}
}

// OnConnectionFailure registers a listener. Safe to call at any time.
func (m *ClientConnectionManager) OnConnectionFailure(l FailureListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// getConn returns the (lazily dialed) channel, blocking until it reports
// connectivity.Ready or ctx is done.
func (m *ClientConnectionManager) getConn(ctx context.Context) (*grpc.ClientConn, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("rpcclient: channel to %s is closed", m.target)
	}
	if m.conn == nil {
		conn, err := grpc.NewClient(m.target, m.dialOpts...)
		if err != nil {
			m.mu.Unlock()
			return nil, fmt.Errorf("rpcclient: dial %s failed: %w", m.target, err)
		}
		m.conn = conn
		watchCtx, cancel := context.WithCancel(context.Background())
		m.watchCancel = cancel
		go m.watchConnection(watchCtx, conn)
	}
	conn := m.conn
	m.mu.Unlock()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			return conn, nil
		}
		if !conn.WaitForStateChange(ctx, state) {
			return nil, ctx.Err()
		}
	}
}

// watchConnection fires a failure event the first time the channel drops
// out of Ready after having reached it at least once.
func (m *ClientConnectionManager) watchConnection(ctx context.Context, conn *grpc.ClientConn) {
	wasReady := false
	state := conn.GetState()
	for {
		if state == connectivity.Ready {
			wasReady = true
		}
		if wasReady && (state == connectivity.TransientFailure || state == connectivity.Shutdown) {
			m.raiseFailure(FailureEvent{Kind: FailureUnrecoverableTransport, Detail: state.String()})
			return
		}
		if !conn.WaitForStateChange(ctx, state) {
			return
		}
		state = conn.GetState()
	}
}

func (m *ClientConnectionManager) raiseFailure(ev FailureEvent) {
	m.mu.Lock()
	if m.raised {
		m.mu.Unlock()
		return
	}
	m.raised = true
	listeners := append([]FailureListener(nil), m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("connection failure", zap.String("kind", ev.Kind.String()), zap.String("detail", ev.Detail))
	for _, l := range listeners {
		l(ev)
	}
}

// CallAsync runs fn against the managed channel under policy's retry
// rules, returning a uniform Result. Defined as a free function (not a
// method) because Go methods cannot carry their own type parameters.
//
// The whole call (all retry attempts included) counts as one in-flight
// unit against m's drain tracking, so a graceful Close only waits for
// the retry loop to finish, not for each individual attempt.
func CallAsync[T any](ctx context.Context, m *ClientConnectionManager, policy Policy, fn func(ctx context.Context, cc grpc.ClientConnInterface) (T, error)) Result[T] {
	m.inflight.Add(1)
	defer m.inflight.Done()

	return Call(ctx, policy, func(ctx context.Context) (T, time.Duration, error) {
		waitStart := time.Now()
		cc, err := m.getConn(ctx)
		waitDur := time.Since(waitStart)
		if err != nil {
			var zero T
			return zero, waitDur, err
		}
		value, err := fn(ctx, cc)
		return value, waitDur, err
	})
}

// Close gracefully shuts the channel down, draining within closeDrainDeadline.
// Idempotent.
func (m *ClientConnectionManager) Close() error {
	return m.shutdown(closeDrainDeadline)
}

// Dispose hard-aborts the channel immediately, with no drain wait.
func (m *ClientConnectionManager) Dispose() error {
	return m.shutdown(0)
}

func (m *ClientConnectionManager) shutdown(drain time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	conn := m.conn
	cancel := m.watchCancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	if drain > 0 {
		// Wait for in-flight CallAsync invocations to finish, bounded by
		// drain: a caller stuck past the deadline is abandoned so Close
		// still returns.
		done := make(chan struct{})
		go func() {
			m.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drain):
		}
	}
	return conn.Close()
}
