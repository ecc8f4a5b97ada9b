// Package localscheduler hides pip execution behind a narrow interface, the
// same way orchestrator/internal/scheduler hides build-wide scheduling: the
// opaque scheduler owns fingerprinting, caching, and sandboxing, and the
// worker core only ever sees Enqueue/ResultSink.
package localscheduler

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/pipforge/distbuild/shared/pipmodel"
)

// ResultSink receives a pip's result once the scheduler finishes it. The
// notification manager implements this.
type ResultSink interface {
	EnqueueResult(result Completion)
}

// Completion is what a LocalScheduler hands its ResultSink per pip.
type Completion struct {
	PipID        pipmodel.PipID
	Step         string
	QueueTicks   int64
	ExecuteTicks int64
	Result       pipmodel.ExecutionResult
}

// LocalScheduler accepts a batch of pips dispatched by ExecutePips and is
// responsible for eventually reporting exactly one Completion per pip to
// its ResultSink — never interpreting Fingerprint or the file-hash table,
// only forwarding them to whatever executes the pip.
type LocalScheduler interface {
	Enqueue(ctx context.Context, pips []pipmodel.Request, hashes []pipmodel.FileHashEntry) error
}

// Stub is a deterministic reference LocalScheduler: every enqueued pip
// succeeds immediately with a zero-hash, zero-duration result. It exists so
// the worker service and notification manager can be exercised end to end
// without a real sandboxed executor, the same role
// scheduler.InMemoryScheduler plays on the orchestrator side.
type Stub struct {
	sink   ResultSink
	clock  clockwork.Clock
	logger *zap.Logger
}

// NewStub builds a Stub reporting completions to sink.
func NewStub(sink ResultSink, clock clockwork.Clock, logger *zap.Logger) *Stub {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Stub{sink: sink, clock: clock, logger: logger.Named("localscheduler")}
}

// Enqueue reports every pip as succeeded, each on its own goroutine so a
// large batch doesn't serialize behind the slowest entry.
func (s *Stub) Enqueue(ctx context.Context, pips []pipmodel.Request, hashes []pipmodel.FileHashEntry) error {
	for _, p := range pips {
		p := p
		start := s.clock.Now()
		go func() {
			select {
			case <-ctx.Done():
				return
			default:
			}
			s.logger.Debug("stub executing pip", zap.Uint32("pip_id", uint32(p.PipID)), zap.String("step", p.Step))
			s.sink.EnqueueResult(Completion{
				PipID:        p.PipID,
				Step:         p.Step,
				QueueTicks:   0,
				ExecuteTicks: s.clock.Now().Sub(start).Nanoseconds(),
				Result: pipmodel.ExecutionResult{
					ExitCode:  0,
					Succeeded: true,
				},
			})
		}()
	}
	return nil
}
