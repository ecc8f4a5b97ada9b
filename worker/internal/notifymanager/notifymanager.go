// Package notifymanager implements WorkerNotificationManager (spec §4.5):
// the single component that owns the pip-result queue, the forwarding
// event listener, and the execution-log sink, and drives the one sender
// goroutine that batches all three into outbound RPCs. Per spec §9's
// design note on collapsing partial classes, this is one cohesive struct
// rather than three cooperating types.
package notifymanager

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/worker/internal/localscheduler"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/eventkeys"
	"github.com/pipforge/distbuild/shared/pipresult"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

// LogFlushThreshold is the buffered-bytes size that triggers an automatic
// execution-log flush (spec §8 boundary behavior: exactly 32 MiB triggers,
// 32 MiB−1 does not).
const LogFlushThreshold = 32 * 1024 * 1024

// SendInterval is the minimum time between sends once at least one pip
// result is queued (spec §4.5 batching rule).
const SendInterval = 50 * time.Millisecond

// MaxQueuedPips forces an immediate send regardless of SendInterval.
const MaxQueuedPips = 32

// pollInterval governs how often the sender loop re-checks its send
// conditions between wake signals; coarse enough to be cheap, fine enough
// to honor SendInterval promptly.
const pollInterval = 10 * time.Millisecond

// ForwardedEventDedupWindow drops a repeat of the same (eventId, text) pair
// arriving within this window, so a pip spamming an identical warning
// doesn't flood the orchestrator (SPEC_FULL §5).
const ForwardedEventDedupWindow = 2 * time.Second

type dedupKey struct {
	eventID int32
	text    string
}

// EventFilter decides whether an in-process log event should be forwarded
// to the orchestrator. Composed by value at construction time, per spec §9
// design note 1 ("capability set: filter(event) → bool ... compose by
// value") rather than a class hierarchy.
type EventFilter func(ev distpb.EventMessage) bool

// DefaultEventFilter keeps warning/error-level events, excluding anything
// carrying the NotForwardable or DistributionRPC keyword bits (spec §4.5,
// §6, invariant 6).
func DefaultEventFilter(ev distpb.EventMessage) bool {
	kw := eventkeys.Keywords(ev.EventKeywords)
	if kw.Has(eventkeys.NotForwardable) || kw.Has(eventkeys.DistributionRPC) {
		return false
	}
	return zapcore.Level(ev.Level) >= zapcore.WarnLevel
}

// WorkerNotificationManager batches pip completions, forwarded events, and
// execution-log flushes into serial ReportPipResults calls.
type WorkerNotificationManager struct {
	workerID   uint32
	invocation distid.Invocation
	conn       *rpcclient.ClientConnectionManager
	logger     *zap.Logger
	clock      clockwork.Clock
	filter     EventFilter

	mu              sync.Mutex
	resultQueue     []localscheduler.Completion
	forwardedEvents []distpb.EventMessage
	recentEvents    map[dedupKey]time.Time
	logBuf          bytes.Buffer
	pendingFlush    []byte
	logSeq          int32
	logDeactivated  bool
	draining        bool

	wake chan struct{}
	done chan struct{}
}

// New creates a manager that sends to the orchestrator at target. invocation
// is stamped onto every outbound PipResultsInfo/ExecutionLogInfo so the
// orchestrator can reject a stray report from a build it isn't running
// (spec §3, §6).
func New(workerID uint32, invocation distid.Invocation, target string, logger *zap.Logger, clock clockwork.Clock, filter EventFilter) *WorkerNotificationManager {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if filter == nil {
		filter = DefaultEventFilter
	}
	m := &WorkerNotificationManager{
		workerID:   workerID,
		invocation: invocation,
		conn:       rpcclient.NewClientConnectionManager(target, logger),
		logger:     logger.Named("notifymanager").With(zap.Uint32("worker_id", workerID)),
		clock:      clock,
		filter:     filter,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	return m
}

// Start launches the single sender goroutine. Call once, after Attach.
func (m *WorkerNotificationManager) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *WorkerNotificationManager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// EnqueueResult implements localscheduler.ResultSink: the scheduler's entry
// point as each pip finishes. Dropped silently once draining (spec §4.5:
// "no new enqueues").
func (m *WorkerNotificationManager) EnqueueResult(r localscheduler.Completion) {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.resultQueue = append(m.resultQueue, r)
	full := len(m.resultQueue) >= MaxQueuedPips
	m.mu.Unlock()
	if full {
		m.signal()
	}
}

// ForwardEvent applies the configured filter and the forwarded-event
// de-duplication window, then enqueues ev for the next batch if both pass.
func (m *WorkerNotificationManager) ForwardEvent(ev distpb.EventMessage) {
	if !m.filter(ev) {
		return
	}

	key := dedupKey{eventID: ev.EventID, text: ev.Text}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.draining {
		return
	}

	if m.recentEvents == nil {
		m.recentEvents = make(map[dedupKey]time.Time)
	}
	for k, t := range m.recentEvents {
		if now.Sub(t) >= ForwardedEventDedupWindow {
			delete(m.recentEvents, k)
		}
	}
	if last, ok := m.recentEvents[key]; ok && now.Sub(last) < ForwardedEventDedupWindow {
		return
	}
	m.recentEvents[key] = now

	m.forwardedEvents = append(m.forwardedEvents, ev)
}

// WriteLogBytes implements the NotifyExecutionLogTarget sink: binary
// execution-log events accumulate here until LogFlushThreshold is crossed,
// at which point they become the next pendingFlush (spec §4.5, §8).
// Writes are dropped once the target has been deactivated by Exit.
func (m *WorkerNotificationManager) WriteLogBytes(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.logDeactivated {
		return
	}
	m.logBuf.Write(data)
	if m.logBuf.Len() >= LogFlushThreshold {
		m.flushLogLocked()
	}
}

func (m *WorkerNotificationManager) flushLogLocked() {
	if m.logBuf.Len() == 0 {
		return
	}
	size := m.logBuf.Len()
	m.pendingFlush = append([]byte(nil), m.logBuf.Bytes()...)
	m.logBuf.Reset()
	m.logger.Debug("execution log flush ready", zap.String("size", humanize.Bytes(uint64(size))))
}

// FlushNow forces any buffered execution-log bytes out immediately via the
// sequenced ReportExecutionLog RPC, bypassing the regular batch cycle. Used
// right after Attach, when there may be no pip traffic yet to piggyback a
// BuildManifestBlob on.
func (m *WorkerNotificationManager) FlushNow(ctx context.Context) error {
	m.mu.Lock()
	m.flushLogLocked()
	blob := m.pendingFlush
	m.pendingFlush = nil
	seq := m.logSeq
	if blob != nil {
		m.logSeq++
	}
	m.mu.Unlock()

	if blob == nil {
		return nil
	}

	res := rpcclient.CallAsync(ctx, m.conn, rpcclient.DefaultStreamingPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.ExecutionLogAck, error) {
		return distpb.NewOrchestratorServiceClient(cc).ReportExecutionLog(ctx, &distpb.ExecutionLogInfo{
			WorkerID:      m.workerID,
			SessionID:     m.invocation.SessionID,
			Environment:   m.invocation.Environment,
			EngineVersion: m.invocation.EngineVersion,
			Events:        distpb.ExecutionLogDataWire{SequenceNumber: seq, DataBlob: blob},
		})
	})
	if res.State != rpcclient.StateSucceeded {
		m.logger.Warn("failed to force-flush execution log", zap.String("state", res.State.String()))
	}
	return nil
}

// Drain switches the manager into Draining: no new enqueues are accepted,
// the log target is deactivated, and the sender flushes remaining content
// before exiting (spec §4.5). Blocks until the sender has exited or ctx is
// done.
func (m *WorkerNotificationManager) Drain(ctx context.Context) error {
	m.mu.Lock()
	m.draining = true
	m.logDeactivated = true
	m.flushLogLocked()
	m.mu.Unlock()
	m.signal()

	select {
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *WorkerNotificationManager) hasPendingLocked() bool {
	return len(m.resultQueue) > 0 || len(m.forwardedEvents) > 0 || m.pendingFlush != nil
}

func (m *WorkerNotificationManager) run(ctx context.Context) {
	defer close(m.done)
	lastSend := m.clock.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		case <-m.clock.After(pollInterval):
		}

		m.mu.Lock()
		hasPips := len(m.resultQueue) > 0
		queueFull := len(m.resultQueue) >= MaxQueuedPips
		hasFlush := m.pendingFlush != nil
		draining := m.draining
		elapsedOK := m.clock.Now().Sub(lastSend) >= SendInterval
		pending := m.hasPendingLocked()
		m.mu.Unlock()

		shouldSend := (hasPips && elapsedOK) || queueFull || hasFlush || draining

		if !shouldSend {
			if draining && !pending {
				return
			}
			continue
		}
		if !pending {
			if draining {
				return
			}
			continue
		}

		batch := m.drainBatch()
		m.sendBatch(ctx, batch)
		lastSend = m.clock.Now()

		if draining {
			m.mu.Lock()
			empty := !m.hasPendingLocked()
			m.mu.Unlock()
			if empty {
				return
			}
		}
	}
}

func (m *WorkerNotificationManager) drainBatch() *distpb.PipResultsInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	sentAt := m.clock.Now().UnixNano()
	pips := make([]distpb.PipCompletionDataWire, 0, len(m.resultQueue))
	for _, r := range m.resultQueue {
		blob, err := pipresult.Serialize(r.Result)
		if err != nil {
			m.logger.Error("failed to serialize pip result, dropping", zap.Uint32("pip_id", uint32(r.PipID)), zap.Error(err))
			continue
		}
		pips = append(pips, distpb.PipCompletionDataWire{
			PipID:           uint32(r.PipID),
			Step:            r.Step,
			QueueTicks:      r.QueueTicks,
			ExecuteTicks:    r.ExecuteTicks,
			ResultBlob:      blob,
			BeforeSendTicks: sentAt,
		})
	}
	m.resultQueue = nil

	manifest := m.pendingFlush
	m.pendingFlush = nil

	events := m.forwardedEvents
	m.forwardedEvents = nil

	return &distpb.PipResultsInfo{
		WorkerID:          m.workerID,
		SessionID:         m.invocation.SessionID,
		Environment:       m.invocation.Environment,
		EngineVersion:     m.invocation.EngineVersion,
		CompletedPips:     pips,
		BuildManifestBlob: manifest,
		ForwardedEvents:   events,
	}
}

// sendBatch is serial by construction: run() only calls it from the single
// sender goroutine, and the next batch is composed only after this call
// returns — the at-most-one-in-flight guarantee the orchestrator's log
// reader relies on (spec §4.5).
func (m *WorkerNotificationManager) sendBatch(ctx context.Context, batch *distpb.PipResultsInfo) {
	res := rpcclient.CallAsync(ctx, m.conn, rpcclient.DefaultStreamingPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.PipResultsAck, error) {
		return distpb.NewOrchestratorServiceClient(cc).ReportPipResults(ctx, batch)
	})
	if res.State != rpcclient.StateSucceeded {
		m.logger.Warn("failed to report pip results batch",
			zap.String("state", res.State.String()),
			zap.Int("pips", len(batch.CompletedPips)),
			zap.Int("events", len(batch.ForwardedEvents)))
	}
}

// Close releases the underlying connection. Idempotent.
func (m *WorkerNotificationManager) Close() error {
	return m.conn.Close()
}
