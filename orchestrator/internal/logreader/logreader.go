// Package logreader implements WorkerExecutionLogReader (spec §4.6): the
// per-worker ordered, idempotent replay of execution-log blobs into the
// scheduler's log sink, with enqueue-time back-pressure.
package logreader

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/pipforge/distbuild/orchestrator/internal/scheduler"
)

type blob struct {
	seq  int32
	data []byte
}

// WorkerExecutionLogReader replays one worker's numbered execution-log
// blobs into target in strict sequence order.
type WorkerExecutionLogReader struct {
	target scheduler.ExecutionLogTarget
	logger *zap.Logger

	queue chan blob
	done  chan struct{}

	mu       sync.Mutex
	lastSeq  int32
	disabled bool

	finalizeOnce sync.Once
}

// New creates a reader for one worker and starts its consumer goroutine.
// lastBlobSeqNumber starts at -1 per spec §4.6.
func New(target scheduler.ExecutionLogTarget, logger *zap.Logger) *WorkerExecutionLogReader {
	r := &WorkerExecutionLogReader{
		target:  target,
		logger:  logger.Named("logreader"),
		queue:   make(chan blob, 1),
		done:    make(chan struct{}),
		lastSeq: -1,
	}
	go r.consume()
	return r
}

func (r *WorkerExecutionLogReader) consume() {
	defer close(r.done)
	for b := range r.queue {
		r.mu.Lock()
		if r.disabled {
			r.mu.Unlock()
			continue
		}
		if b.seq <= r.lastSeq {
			r.mu.Unlock()
			continue
		}
		if b.seq > r.lastSeq+1 {
			r.disabled = true
			r.logger.Error("execution log sequence gap, disabling further processing for this worker",
				zap.Int32("seq", b.seq), zap.Int32("expected", r.lastSeq+1))
			r.mu.Unlock()
			continue
		}
		if err := r.target.Apply(b.data); err != nil {
			r.disabled = true
			r.logger.Error("execution log decode failure, disabling further processing for this worker",
				zap.Int32("seq", b.seq), zap.Error(err))
			r.mu.Unlock()
			continue
		}
		r.lastSeq = b.seq
		r.mu.Unlock()
	}
}

// Enqueue accepts one blob into the single-slot queue, blocking until
// there is room (i.e. until the previous blob has been dequeued). The
// caller ACKs the RPC only after Enqueue returns, which is what gives the
// orchestrator back-pressure over a fast-sending worker. Duplicates and
// blobs arriving after this reader has been disabled by a protocol
// violation are silently dropped — the call still ACKs.
func (r *WorkerExecutionLogReader) Enqueue(ctx context.Context, seq int32, data []byte) error {
	r.mu.Lock()
	disabled := r.disabled
	last := r.lastSeq
	r.mu.Unlock()

	if disabled || seq <= last {
		return nil
	}

	select {
	case r.queue <- blob{seq: seq, data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finalize signals that no further blobs will be enqueued. Safe to call
// more than once.
func (r *WorkerExecutionLogReader) Finalize() {
	r.finalizeOnce.Do(func() { close(r.queue) })
}

// AwaitDrained blocks until Finalize has been called and every enqueued
// blob has been applied. If Finalize was already called with an empty
// queue (or no blob was ever enqueued), this returns immediately.
func (r *WorkerExecutionLogReader) AwaitDrained(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastSequence returns the last applied sequence number, for tests.
func (r *WorkerExecutionLogReader) LastSequence() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// Disabled reports whether a protocol violation or decode failure has
// stopped further processing for this worker.
func (r *WorkerExecutionLogReader) Disabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.disabled
}
