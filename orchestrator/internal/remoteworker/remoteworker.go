// Package remoteworker implements RemoteWorker, the orchestrator-side
// proxy for one worker slot (spec §4.3). One instance exists per slot for
// the lifetime of the build; it owns the outbound client channel to the
// worker, drives the attach handshake, dispatches pip-execute calls, and
// ingests the three inbound callback streams the gRPC server forwards to
// it (pip results, execution log, forwarded events — the log and event
// paths are handled by sibling packages; this package owns pip completion).
package remoteworker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/pipmodel"
	"github.com/pipforge/distbuild/shared/pipresult"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

// Status is a RemoteWorker's position in the state machine (spec §4.3).
type Status int

const (
	StatusNotStarted Status = iota
	StatusStarting
	StatusAttached
	StatusStopping
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "NotStarted"
	case StatusStarting:
		return "Starting"
	case StatusAttached:
		return "Attached"
	case StatusStopping:
		return "Stopping"
	case StatusStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// StopReason records why a Stopped worker stopped, for logging.
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonFailed
	StopReasonCancelled
	StopReasonDrained
)

func (r StopReason) String() string {
	switch r {
	case StopReasonFailed:
		return "failed"
	case StopReasonCancelled:
		return "cancelled"
	case StopReasonDrained:
		return "drained"
	default:
		return "none"
	}
}

// DefaultDrainTimeout bounds how long a Stopping worker is given to drain
// in-flight results before being forced to Stopped (spec §4.3).
const DefaultDrainTimeout = 30 * time.Second

// CompletionOutcome is delivered exactly once on the channel returned for
// each pip dispatched via ExecutePips (spec §8 invariant 2): a real
// result, a synthetic abandonment, or a cancellation.
type CompletionOutcome struct {
	Result    pipmodel.ExecutionResult
	Abandoned bool
	Cancelled bool
}

type pendingCompletion struct {
	ch   chan CompletionOutcome
	once sync.Once
}

func newPendingCompletion() *pendingCompletion {
	return &pendingCompletion{ch: make(chan CompletionOutcome, 1)}
}

// resolve delivers outcome exactly once; later calls are no-ops, matching
// the "duplicate arrivals are dropped" requirement (spec §4.3).
func (p *pendingCompletion) resolve(outcome CompletionOutcome) {
	p.once.Do(func() {
		p.ch <- outcome
		close(p.ch)
	})
}

// EventClass is the result of classifying a forwarded event against this
// worker's known infrastructure-failure signatures (spec §4.4 step 3,
// error taxonomy #5).
type EventClass int

const (
	EventClassNormal EventClass = iota
	EventClassInfrastructureError
)

// infrastructureEventIDs is the small well-known set of event ids that
// indicate the worker itself is failing (resource exhaustion, disk full)
// rather than a pip misbehaving. The build continues; only this worker is
// considered lost.
var infrastructureEventIDs = map[int32]bool{
	9001: true, // out of memory
	9002: true, // disk full
	9003: true, // worker process unresponsive (watchdog)
}

// RemoteWorker is the orchestrator-side proxy for one worker slot.
type RemoteWorker struct {
	workerID uint32
	logger   *zap.Logger
	conn     *rpcclient.ClientConnectionManager
	clock    clockwork.Clock

	drainTimeout time.Duration

	mu                     sync.Mutex
	location               distid.Location
	status                 Status
	stopReason             StopReason
	lastFailure            error
	attemptsByKind         map[string]int
	pending                map[pipmodel.PipID]*pendingCompletion
	inFlight               map[pipmodel.PipID]struct{}
	expectedValidationHash uint64
	attachErr              error
	attachDone             chan struct{}
	attachClosed           bool
}

// New creates a RemoteWorker for workerID at location, dialing lazily.
func New(workerID uint32, location distid.Location, logger *zap.Logger, clock clockwork.Clock) *RemoteWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	w := &RemoteWorker{
		workerID:       workerID,
		location:       location,
		logger:         logger.Named("remoteworker").With(zap.Uint32("worker_id", workerID), zap.String("location", location.String())),
		conn:           rpcclient.NewClientConnectionManager(location.String(), logger),
		clock:          clock,
		drainTimeout:   DefaultDrainTimeout,
		status:         StatusNotStarted,
		attemptsByKind: make(map[string]int),
		pending:        make(map[pipmodel.PipID]*pendingCompletion),
		inFlight:       make(map[pipmodel.PipID]struct{}),
		attachDone:     make(chan struct{}),
	}
	w.conn.OnConnectionFailure(w.handleConnectionFailure)
	return w
}

// WorkerID returns the slot's fixed id.
func (w *RemoteWorker) WorkerID() uint32 { return w.workerID }

// Status returns the current state-machine status.
func (w *RemoteWorker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// IsDowngraded reports whether errors newly forwarded from this worker
// should be logged at a downgraded (verbose) level rather than their
// native level — true once the slot has left Attached (spec §4.3, §4.4 step 3).
func (w *RemoteWorker) IsDowngraded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status == StatusStopping || w.status == StatusStopped
}

// ClassifyEvent reports whether ev identifies an infrastructure error this
// worker cannot survive (spec §4.4 step 3).
func (w *RemoteWorker) ClassifyEvent(ev distpb.EventMessage) EventClass {
	if infrastructureEventIDs[ev.EventID] {
		return EventClassInfrastructureError
	}
	return EventClassNormal
}

func (w *RemoteWorker) recordAttempt(kind string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attemptsByKind[kind]++
}

// Attach sends BuildStartData to the worker and blocks until the worker's
// AttachCompleted callback resolves the handshake, retrying the RPC per
// the default unary policy (spec §4.3).
func (w *RemoteWorker) Attach(ctx context.Context, start distpb.BuildStartData) error {
	w.mu.Lock()
	if w.status != StatusNotStarted {
		w.mu.Unlock()
		return fmt.Errorf("remoteworker: Attach called from status %s", w.status)
	}
	w.status = StatusStarting
	w.expectedValidationHash = start.ValidationHash
	w.mu.Unlock()

	w.recordAttempt("Attach")
	res := rpcclient.CallAsync(ctx, w.conn, rpcclient.DefaultUnaryPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.Ack, error) {
		return distpb.NewWorkerServiceClient(cc).Attach(ctx, &start)
	})
	if res.State != rpcclient.StateSucceeded {
		err := w.attachFailure(res)
		w.transitionToStopped(StopReasonFailed, err)
		return err
	}

	select {
	case <-w.attachDone:
		w.mu.Lock()
		err := w.attachErr
		w.mu.Unlock()
		if err != nil {
			w.transitionToStopped(StopReasonFailed, err)
			return err
		}
		w.logger.Info("worker attached")
		return nil
	case <-ctx.Done():
		w.transitionToStopped(StopReasonCancelled, ctx.Err())
		return ctx.Err()
	}
}

func (w *RemoteWorker) attachFailure(res rpcclient.Result[*distpb.Ack]) error {
	if res.State == rpcclient.StateCancelled {
		return context.Canceled
	}
	return fmt.Errorf("remoteworker: Attach RPC failed after %d attempt(s): %w", res.Attempts, res.LastFailure())
}

// OnAttachCompleted is invoked by OrchestratorService when the worker's
// AttachCompleted RPC arrives. A cache-validation hash mismatch is a
// protocol violation (spec §7 taxonomy #3) and aborts this slot only.
func (w *RemoteWorker) OnAttachCompleted(info distpb.AttachCompletionInfo) error {
	w.mu.Lock()
	if w.attachClosed {
		w.mu.Unlock()
		return nil // duplicate callback; ignore
	}
	if w.status != StatusStarting {
		w.mu.Unlock()
		return fmt.Errorf("remoteworker: AttachCompleted received in status %s", w.status)
	}
	var err error
	if info.CacheValidationHash != w.expectedValidationHash {
		err = fmt.Errorf("remoteworker: attach validation hash mismatch: expected %x got %x", w.expectedValidationHash, info.CacheValidationHash)
	} else {
		w.status = StatusAttached
	}
	w.attachErr = err
	w.attachClosed = true
	close(w.attachDone)
	w.mu.Unlock()
	return err
}

// ExecutePips dispatches a batch of pips to the worker. A pending
// completion channel is registered for every pip before the RPC is sent,
// so a result (or abandonment) can never race ahead of its registration
// (spec §4.3).
func (w *RemoteWorker) ExecutePips(ctx context.Context, pips []pipmodel.Request, fileHashes []pipmodel.FileHashEntry) (map[pipmodel.PipID]<-chan CompletionOutcome, error) {
	w.mu.Lock()
	if w.status != StatusAttached {
		w.mu.Unlock()
		return nil, fmt.Errorf("remoteworker: ExecutePips called while status is %s, not Attached", w.status)
	}
	result := make(map[pipmodel.PipID]<-chan CompletionOutcome, len(pips))
	for _, p := range pips {
		pc := newPendingCompletion()
		w.pending[p.PipID] = pc
		w.inFlight[p.PipID] = struct{}{}
		result[p.PipID] = pc.ch
	}
	w.mu.Unlock()

	req := &distpb.PipBuildRequest{
		Pips:       toWirePips(pips),
		FileHashes: toWireHashes(fileHashes),
	}

	w.recordAttempt("ExecutePips")
	res := rpcclient.CallAsync(ctx, w.conn, rpcclient.DefaultUnaryPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.Ack, error) {
		return distpb.NewWorkerServiceClient(cc).ExecutePips(ctx, req)
	})
	if res.State != rpcclient.StateSucceeded {
		// The batch was never accepted — release every pip we just
		// registered so the scheduler is not left waiting forever.
		w.abandonPips(pipIDs(pips), res.State == rpcclient.StateCancelled)
		if res.State == rpcclient.StateCancelled {
			return nil, context.Canceled
		}
		return nil, fmt.Errorf("remoteworker: ExecutePips RPC failed after %d attempt(s): %w", res.Attempts, res.LastFailure())
	}
	return result, nil
}

func pipIDs(pips []pipmodel.Request) []pipmodel.PipID {
	ids := make([]pipmodel.PipID, len(pips))
	for i, p := range pips {
		ids[i] = p.PipID
	}
	return ids
}

func toWirePips(pips []pipmodel.Request) []distpb.PipRequestWire {
	out := make([]distpb.PipRequestWire, len(pips))
	for i, p := range pips {
		out[i] = distpb.PipRequestWire{
			PipID:       uint32(p.PipID),
			Fingerprint: p.Fingerprint,
			Priority:    int32(p.Priority),
			Step:        p.Step,
		}
	}
	return out
}

func toWireHashes(hashes []pipmodel.FileHashEntry) []distpb.FileHashEntryWire {
	out := make([]distpb.FileHashEntryWire, len(hashes))
	for i, h := range hashes {
		out[i] = distpb.FileHashEntryWire{Path: h.Path, Hash: h.Hash}
	}
	return out
}

// NotifyPipCompletion is called by OrchestratorService upon receipt of a
// pip result. It deserializes ResultBlob and resolves the pending
// completion. Duplicate arrivals for the same pip id are dropped (spec §4.3).
func (w *RemoteWorker) NotifyPipCompletion(data distpb.PipCompletionDataWire) {
	id := pipmodel.PipID(data.PipID)

	w.mu.Lock()
	pc, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
		delete(w.inFlight, id)
	}
	w.mu.Unlock()

	if !ok {
		w.logger.Debug("dropping pip completion for unknown or already-resolved pip", zap.Uint32("pip_id", data.PipID))
		return
	}

	result, err := pipresult.Deserialize(data.ResultBlob)
	if err != nil {
		w.logger.Error("failed to deserialize pip result, treating as abandonment",
			zap.Uint32("pip_id", data.PipID), zap.Error(err))
		pc.resolve(CompletionOutcome{Abandoned: true})
		return
	}
	pc.resolve(CompletionOutcome{Result: result})
}

// abandonPips resolves the given pips' pending completions, either as a
// synthetic abandonment (for the scheduler to reschedule) or a
// cancellation (caller's context was cancelled).
func (w *RemoteWorker) abandonPips(ids []pipmodel.PipID, cancelled bool) {
	w.mu.Lock()
	pcs := make([]*pendingCompletion, 0, len(ids))
	for _, id := range ids {
		if pc, ok := w.pending[id]; ok {
			pcs = append(pcs, pc)
			delete(w.pending, id)
			delete(w.inFlight, id)
		}
	}
	w.mu.Unlock()

	outcome := CompletionOutcome{Abandoned: true}
	if cancelled {
		outcome = CompletionOutcome{Cancelled: true}
	}
	for _, pc := range pcs {
		pc.resolve(outcome)
	}
}

// handleConnectionFailure is the ClientConnectionManager failure listener.
// It moves the slot to Stopping, abandons every pending pip with a
// synthetic failure the scheduler can reschedule elsewhere, and starts the
// bounded drain timer (spec §4.3 "Connection failure handling").
func (w *RemoteWorker) handleConnectionFailure(ev rpcclient.FailureEvent) {
	w.mu.Lock()
	if w.status == StatusStopped || w.status == StatusStopping {
		w.mu.Unlock()
		return
	}
	w.status = StatusStopping
	w.lastFailure = fmt.Errorf("connection failure: %s (%s)", ev.Kind, ev.Detail)
	ids := make([]pipmodel.PipID, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	w.logger.Warn("worker connection failed, abandoning in-flight pips", zap.Int("pending_pips", len(ids)))
	w.abandonPips(ids, false)

	go func() {
		w.clock.Sleep(w.drainTimeout)
		w.transitionToStopped(StopReasonFailed, w.lastFailure)
	}()
}

// Exit signals the worker to drain and shut down. Idempotent; failure is
// tolerated since the worker may already be gone (spec §4.3).
func (w *RemoteWorker) Exit(ctx context.Context, endData distpb.BuildEndData, cancel bool) error {
	w.mu.Lock()
	if w.status == StatusStopped {
		w.mu.Unlock()
		return nil
	}
	w.status = StatusStopping
	w.mu.Unlock()

	w.recordAttempt("Exit")
	res := rpcclient.CallAsync(ctx, w.conn, rpcclient.DefaultUnaryPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.Ack, error) {
		return distpb.NewWorkerServiceClient(cc).Exit(ctx, &endData)
	})
	if res.State != rpcclient.StateSucceeded {
		w.logger.Warn("Exit RPC did not succeed, worker may already be gone",
			zap.String("state", res.State.String()))
	}

	reason := StopReasonDrained
	if cancel {
		reason = StopReasonCancelled
	}
	w.transitionToStopped(reason, nil)
	return nil
}

func (w *RemoteWorker) transitionToStopped(reason StopReason, err error) {
	w.mu.Lock()
	if w.status == StatusStopped {
		w.mu.Unlock()
		return
	}
	w.status = StatusStopped
	w.stopReason = reason
	if err != nil {
		w.lastFailure = err
	}
	ids := make([]pipmodel.PipID, 0, len(w.pending))
	for id := range w.pending {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	if len(ids) > 0 {
		w.abandonPips(ids, reason == StopReasonCancelled)
	}

	if err := w.conn.Dispose(); err != nil {
		w.logger.Debug("error disposing connection on stop", zap.Error(err))
	}
	w.logger.Info("worker stopped", zap.String("reason", reason.String()))
}

// Snapshot is a point-in-time view of this slot, for logging and tests.
type Snapshot struct {
	WorkerID     uint32
	Location     distid.Location
	Status       Status
	StopReason   StopReason
	LastFailure  error
	PendingCount int
	InFlightCount int
}

// Snapshot returns a consistent point-in-time view of the slot's state.
func (w *RemoteWorker) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		WorkerID:      w.workerID,
		Location:      w.location,
		Status:        w.status,
		StopReason:    w.stopReason,
		LastFailure:   w.lastFailure,
		PendingCount:  len(w.pending),
		InFlightCount: len(w.inFlight),
	}
}
