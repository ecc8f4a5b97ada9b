// Package scheduler defines the narrow interfaces the distribution core
// uses to hand work to, and receive results from, the genuinely external
// pip scheduler (spec §1 — scheduling policy, fingerprinting, and caching
// are explicitly out of scope for this core). A minimal in-memory
// reference implementation is included so the core can be driven
// end-to-end in tests without a real build engine attached.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipforge/distbuild/shared/pipmodel"
)

// ExecutionLogTarget is the scheduler-owned sink for decoded execution-log
// blobs (spec §4.6). The core treats it as opaque: Apply either succeeds
// or fails, and a failure disables further log processing for that worker
// without failing the build.
type ExecutionLogTarget interface {
	Apply(blob []byte) error
}

// NoopExecutionLogTarget discards every blob. Useful as a default when no
// real scheduler-owned log sink is wired up.
type NoopExecutionLogTarget struct{}

func (NoopExecutionLogTarget) Apply([]byte) error { return nil }

// RecordingExecutionLogTarget accumulates applied blobs verbatim, for use
// in tests that assert on ordering.
type RecordingExecutionLogTarget struct {
	mu     sync.Mutex
	Blobs  [][]byte
	FailOn map[int]error // index (0-based, in Apply-call order) -> error to return
	calls  int
}

func NewRecordingExecutionLogTarget() *RecordingExecutionLogTarget {
	return &RecordingExecutionLogTarget{FailOn: make(map[int]error)}
}

func (t *RecordingExecutionLogTarget) Apply(blob []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.calls
	t.calls++
	if err, ok := t.FailOn[idx]; ok {
		return err
	}
	cp := append([]byte(nil), blob...)
	t.Blobs = append(t.Blobs, cp)
	return nil
}

// InMemoryScheduler is a minimal reference Scheduler: it dispatches a
// caller-supplied list of pips to a RemoteWorker-shaped executor function
// and blocks until every pip completes or one is abandoned. It exists to exercise RemoteWorker and
// OrchestratorService in integration tests and the demo binaries — a real
// build engine replaces this entirely.
type InMemoryScheduler struct {
	mu      sync.Mutex
	results map[pipmodel.PipID]pipmodel.ExecutionResult
}

func NewInMemoryScheduler() *InMemoryScheduler {
	return &InMemoryScheduler{results: make(map[pipmodel.PipID]pipmodel.ExecutionResult)}
}

// Executor dispatches pips to a worker, returning one channel per pip that
// resolves with its outcome. RemoteWorker.ExecutePips has the same shape,
// with remoteworker.CompletionOutcome channels in place of Outcome.
type Executor func(ctx context.Context, pips []pipmodel.Request, hashes []pipmodel.FileHashEntry) (map[pipmodel.PipID]<-chan Outcome, error)

// Outcome mirrors remoteworker.CompletionOutcome without importing that
// package, so scheduler stays a leaf dependency.
type Outcome struct {
	Result    pipmodel.ExecutionResult
	Abandoned bool
	Cancelled bool
}

// Run dispatches pips via exec and waits for the outcomes, recording
// successful results. It returns at the first abandoned or cancelled pip,
// naming that pip in the error; outcomes not yet read are not waited for.
func (s *InMemoryScheduler) Run(ctx context.Context, exec Executor, pips []pipmodel.Request, hashes []pipmodel.FileHashEntry) error {
	channels, err := exec(ctx, pips, hashes)
	if err != nil {
		return fmt.Errorf("scheduler: dispatch failed: %w", err)
	}

	for id, ch := range channels {
		select {
		case outcome := <-ch:
			if outcome.Abandoned || outcome.Cancelled {
				return fmt.Errorf("scheduler: pip %d was abandoned or cancelled", id)
			}
			s.mu.Lock()
			s.results[id] = outcome.Result
			s.mu.Unlock()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Result returns the recorded result for a pip, if any.
func (s *InMemoryScheduler) Result(id pipmodel.PipID) (pipmodel.ExecutionResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id]
	return r, ok
}
