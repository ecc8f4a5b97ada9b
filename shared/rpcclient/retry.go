package rpcclient

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Policy configures the bounded retry loop (spec §4.1).
type Policy struct {
	// MaxAttempts bounds how many times Call will invoke fn. Default 3 for
	// unary calls, 1 for calls standing in for streaming semantics (a
	// single WorkerNotificationManager send is never retried — the next
	// batch supersedes it).
	MaxAttempts int
	// InitialBackoff, MaxBackoff bound the jittered exponential backoff
	// between attempts.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// Clock is overridable so tests never sleep on the wall clock.
	Clock clockwork.Clock
}

// DefaultUnaryPolicy returns the spec §4.1 defaults for a unary call:
// up to 3 attempts, 100ms initial backoff capped at 5s.
func DefaultUnaryPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		Clock:          clockwork.NewRealClock(),
	}
}

// DefaultStreamingPolicy returns the spec §4.1 defaults for a call standing
// in for streaming semantics: exactly one attempt, no retry.
func DefaultStreamingPolicy() Policy {
	p := DefaultUnaryPolicy()
	p.MaxAttempts = 1
	return p
}

// transientCodes is the whitelist of gRPC status codes treated as transient
// — a transport blip worth retrying rather than a real application error
// (spec §4.1: transport socket error, connection closed, timeout, or a
// small whitelist of cancellation codes indicating reconnect opportunity).
var transientCodes = map[codes.Code]bool{
	codes.Unavailable:     true,
	codes.DeadlineExceeded: true,
	codes.Aborted:         true,
	codes.ResourceExhausted: true,
}

// IsTransient classifies err per spec §4.1. nil is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	st, ok := status.FromError(err)
	if !ok {
		// Not a gRPC status error at all — e.g. a raw net error from a
		// failed dial. Treat as transient: these are exactly the socket
		// and connection-closed cases spec §4.1 calls out.
		return true
	}
	return transientCodes[st.Code()]
}

// Attempt is one invocation of the wrapped call. It returns the value (if
// any), how long it spent blocked waiting for the channel to become ready
// before the call itself could start, and the error (if any).
type Attempt[T any] func(ctx context.Context) (value T, waitForConnection time.Duration, err error)

// Call runs attempt under policy, retrying transient failures with jittered
// exponential backoff bounded by ctx's deadline, and returns a uniform
// Result. Cancellation of ctx terminates retry immediately and yields
// StateCancelled — no further attempts are made after cancellation.
func Call[T any](ctx context.Context, policy Policy, attempt Attempt[T]) Result[T] {
	if policy.MaxAttempts <= 0 {
		policy = DefaultUnaryPolicy()
	}
	clock := policy.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialBackoff
	bo.MaxInterval = policy.MaxBackoff
	bo.Multiplier = 2.0
	bo.RandomizationFactor = 0.2 // up to ±20% jitter, per spec §4.1
	bo.MaxElapsedTime = 0        // unbounded; the caller's ctx deadline governs
	bo.Reset()

	var (
		totalDuration time.Duration
		totalWait     time.Duration
		lastErr       error
	)

	for i := 0; i < policy.MaxAttempts; i++ {
		if ctx.Err() != nil {
			return cancelled[T](i, totalDuration, totalWait)
		}

		start := clock.Now()
		value, waitDur, err := attempt(ctx)
		elapsed := clock.Now().Sub(start)
		totalDuration += elapsed
		totalWait += waitDur

		if err == nil {
			return succeeded(value, i+1, totalDuration, totalWait)
		}

		lastErr = err

		if ctx.Err() != nil {
			return cancelled[T](i+1, totalDuration, totalWait)
		}

		last := i == policy.MaxAttempts-1
		if last || !IsTransient(err) {
			return failed[T](err, i+1, totalDuration, totalWait)
		}

		wait := bo.NextBackOff()
		select {
		case <-ctx.Done():
			return cancelled[T](i+1, totalDuration, totalWait)
		case <-clock.After(wait):
		}
	}

	return failed[T](lastErr, policy.MaxAttempts, totalDuration, totalWait)
}
