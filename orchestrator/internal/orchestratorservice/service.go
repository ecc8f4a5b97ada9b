// Package orchestratorservice implements OrchestratorService (spec §4.4):
// the fixed-size slot array, the Hello handshake, and the fan-in of the
// three inbound worker callback RPCs.
package orchestratorservice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pipforge/distbuild/orchestrator/internal/logreader"
	"github.com/pipforge/distbuild/orchestrator/internal/metrics"
	"github.com/pipforge/distbuild/orchestrator/internal/remoteworker"
	"github.com/pipforge/distbuild/orchestrator/internal/scheduler"
	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/eventkeys"
	"github.com/pipforge/distbuild/shared/handshake"
)

// attachTimeout bounds how long a newly assigned slot's background Attach
// dispatch may take before being abandoned (spec §4.4 sequence: Hello is
// followed by an orchestrator-initiated Attach, off the Hello call path).
const attachTimeout = 30 * time.Second

// ErrorSink lets the outer build tool account for errors the orchestrator
// has logged on behalf of pip-process events (spec §4.4 step 4).
type ErrorSink interface {
	RecordLoggedError(eventID int32)
}

// NoopErrorSink discards every record.
type NoopErrorSink struct{}

func (NoopErrorSink) RecordLoggedError(int32) {}

// LogTargetFactory builds the scheduler-owned execution-log sink for one
// worker, invoked once per slot assignment.
type LogTargetFactory func(workerID uint32) scheduler.ExecutionLogTarget

type slot struct {
	worker *remoteworker.RemoteWorker
	target scheduler.ExecutionLogTarget
	reader *logreader.WorkerExecutionLogReader
	// quiesced is set by Quiesce; Hello answers Released only for such a slot.
	quiesced bool
}

// Service implements distpb.OrchestratorServiceServer.
type Service struct {
	distpb.UnimplementedOrchestratorServiceServer

	invocation distid.Invocation
	logger     *zap.Logger
	clock      clockwork.Clock
	logTargets LogTargetFactory
	errorSink  ErrorSink

	mu            sync.Mutex
	slots         []slot
	locationIndex map[string]uint32 // Location.String() -> workerID

	terminated atomic.Bool
	autoAttach atomic.Bool
}

// EnableAutoAttach turns on the background Attach dispatch every
// newly-assigned slot gets after Hello (spec §8 happy-path sequence: Attach
// follows Hello without the worker waiting on it). Off by default so unit
// tests that never stand up a real worker listener don't race a background
// RPC attempt against test teardown; production wiring turns it on once
// after constructing the Service.
func (s *Service) EnableAutoAttach() {
	s.autoAttach.Store(true)
}

// New creates a Service with numSlots fixed slots (spec §2: "a fixed-size
// array of RemoteWorker slots").
func New(invocation distid.Invocation, numSlots int, logger *zap.Logger, clock clockwork.Clock, logTargets LogTargetFactory, errorSink ErrorSink) *Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logTargets == nil {
		logTargets = func(uint32) scheduler.ExecutionLogTarget { return scheduler.NoopExecutionLogTarget{} }
	}
	if errorSink == nil {
		errorSink = NoopErrorSink{}
	}
	return &Service{
		invocation:    invocation,
		logger:        logger.Named("orchestratorservice"),
		clock:         clock,
		logTargets:    logTargets,
		errorSink:     errorSink,
		slots:         make([]slot, numSlots),
		locationIndex: make(map[string]uint32),
	}
}

// Terminate short-circuits ReportExecutionLog per spec §4.4 ("internal-
// error termination"). Idempotent.
func (s *Service) Terminate() {
	s.terminated.Store(true)
}

func (s *Service) isTerminated() bool {
	return s.terminated.Load()
}

// checkInvocation rejects a call whose invocation id doesn't match this
// build's (spec §3: "Every RPC carries it; a peer whose invocation id
// differs rejects the call" — §6, §8: equality is reflexive, symmetric,
// transitive, unequal on any component mismatch, no implicit wildcard).
func (s *Service) checkInvocation(sessionID, environment, engineVersion string) error {
	got := distid.Invocation{SessionID: sessionID, Environment: environment, EngineVersion: engineVersion}
	if !got.Equal(s.invocation) {
		return status.Errorf(codes.FailedPrecondition, "orchestratorservice: invocation mismatch: want %s got %s", s.invocation, got)
	}
	return nil
}

// Hello implements spec §4.4's four-step slot-assignment algorithm.
func (s *Service) Hello(ctx context.Context, req *distpb.HelloRequest) (*distpb.HelloResponse, error) {
	if err := s.checkInvocation(req.SessionID, req.Environment, req.EngineVersion); err != nil {
		return nil, err
	}

	loc := distid.Location{IPAddress: req.IPAddress, Port: req.Port}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.locationIndex[loc.String()]; ok {
		return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeOk, WorkerID: id}, nil
	}

	targetIdx := -1
	if req.RequestedID != 0 {
		if req.RequestedID > uint32(len(s.slots)) {
			return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeNoSlots}, nil
		}
		idx := int(req.RequestedID) - 1
		if s.slots[idx].worker != nil {
			if s.slots[idx].quiesced {
				return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeReleased}, nil
			}
			return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeNoSlots}, nil
		}
		targetIdx = idx
	} else {
		for i := range s.slots {
			if s.slots[i].worker == nil {
				targetIdx = i
				break
			}
		}
		if targetIdx == -1 {
			return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeNoSlots}, nil
		}
	}

	workerID := uint32(targetIdx + 1)
	target := s.logTargets(workerID)
	w := remoteworker.New(workerID, loc, s.logger, s.clock)
	s.slots[targetIdx] = slot{
		worker: w,
		target: target,
		reader: logreader.New(target, s.logger),
	}
	s.locationIndex[loc.String()] = workerID

	s.logger.Info("worker assigned to slot", zap.Uint32("worker_id", workerID), zap.String("location", loc.String()))
	if s.autoAttach.Load() {
		go s.dispatchAttach(workerID, w)
	}
	return &distpb.HelloResponse{Outcome: distpb.HelloOutcomeOk, WorkerID: workerID}, nil
}

// dispatchAttach pushes BuildStartData to a newly assigned slot off the
// Hello call path — the happy-path sequence in spec §8 has Attach follow
// Hello without the worker waiting on the Hello response for it.
func (s *Service) dispatchAttach(workerID uint32, w *remoteworker.RemoteWorker) {
	start := distpb.BuildStartData{
		SessionID:     s.invocation.SessionID,
		Environment:   s.invocation.Environment,
		EngineVersion: s.invocation.EngineVersion,
	}
	start.ValidationHash = handshake.ValidationHash(start)

	ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
	defer cancel()
	if err := w.Attach(ctx, start); err != nil {
		s.logger.Warn("attach dispatch failed", zap.Uint32("worker_id", workerID), zap.Error(err))
	}
}

func (s *Service) slotByID(workerID uint32) (slot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workerID == 0 || int(workerID) > len(s.slots) {
		return slot{}, fmt.Errorf("orchestratorservice: unknown worker id %d", workerID)
	}
	sl := s.slots[workerID-1]
	if sl.worker == nil {
		return slot{}, fmt.Errorf("orchestratorservice: worker id %d has not attached", workerID)
	}
	return sl, nil
}

// AttachCompleted delegates to the slot's RemoteWorker.
func (s *Service) AttachCompleted(ctx context.Context, info *distpb.AttachCompletionInfo) (*distpb.Ack, error) {
	sl, err := s.slotByID(info.WorkerID)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err := sl.worker.OnAttachCompleted(*info); err != nil {
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	s.logger.Info("worker attach completed",
		zap.Uint32("worker_id", info.WorkerID),
		zap.Int32("available_slots", info.AvailableSlots),
		zap.Int32("cpu_count", info.Resources.CPUCount),
		zap.Int64("total_memory_mb", info.Resources.TotalMemoryMB))
	return &distpb.Ack{}, nil
}

// ReportExecutionLog delegates to the slot's log reader (spec §4.6).
func (s *Service) ReportExecutionLog(ctx context.Context, info *distpb.ExecutionLogInfo) (*distpb.ExecutionLogAck, error) {
	if err := s.checkInvocation(info.SessionID, info.Environment, info.EngineVersion); err != nil {
		return nil, err
	}
	if s.isTerminated() {
		return &distpb.ExecutionLogAck{}, nil
	}
	sl, err := s.slotByID(info.WorkerID)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err := sl.reader.Enqueue(ctx, info.Events.SequenceNumber, info.Events.DataBlob); err != nil {
		return nil, err
	}
	return &distpb.ExecutionLogAck{}, nil
}

// ReportPipResults implements the six-step pipeline of spec §4.4.
func (s *Service) ReportPipResults(ctx context.Context, info *distpb.PipResultsInfo) (*distpb.PipResultsAck, error) {
	if err := s.checkInvocation(info.SessionID, info.Environment, info.EngineVersion); err != nil {
		return nil, err
	}
	if s.isTerminated() {
		return &distpb.PipResultsAck{}, nil
	}

	sl, err := s.slotByID(info.WorkerID)
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}

	// Step 1/2: a non-empty manifest chunk is applied synchronously so the
	// ACK provides back-pressure; otherwise we fall straight through.
	if len(info.BuildManifestBlob) > 0 {
		if err := sl.target.Apply(info.BuildManifestBlob); err != nil {
			s.logger.Error("failed to apply build manifest chunk",
				zap.Uint32("worker_id", info.WorkerID), zap.Error(err))
		}
	}

	// Step 3/4: forward events in arrival order.
	for _, ev := range info.ForwardedEvents {
		s.logForwardedEvent(sl.worker, ev)
	}

	// Step 5: end-to-end send latency.
	if len(info.CompletedPips) > 0 {
		var maxBeforeSend int64
		for _, p := range info.CompletedPips {
			if p.BeforeSendTicks > maxBeforeSend {
				maxBeforeSend = p.BeforeSendTicks
			}
		}
		sentAt := time.Unix(0, maxBeforeSend)
		metrics.PipResultsLatency.Observe(s.clock.Now().Sub(sentAt).Seconds())
	}

	// Step 6: resolve every pip's completion promise in parallel.
	g, _ := errgroup.WithContext(ctx)
	workerIDLabel := fmt.Sprintf("%d", info.WorkerID)
	for _, p := range info.CompletedPips {
		p := p
		g.Go(func() error {
			sl.worker.NotifyPipCompletion(p)
			metrics.PipsCompletedTotal.WithLabelValues(workerIDLabel).Inc()
			return nil
		})
	}
	_ = g.Wait()

	return &distpb.PipResultsAck{}, nil
}

// WorkerPerfInfo records the periodic ram/cpu report.
func (s *Service) WorkerPerfInfo(ctx context.Context, info *distpb.WorkerPerfInfoWire) (*distpb.WorkerPerfInfoAck, error) {
	if err := s.checkInvocation(info.SessionID, info.Environment, info.EngineVersion); err != nil {
		return nil, err
	}
	if _, err := s.slotByID(info.WorkerID); err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	s.logger.Debug("worker perf report",
		zap.Uint32("worker_id", info.WorkerID),
		zap.Float64("cpu_percent", info.Metrics.CPUPercent),
		zap.Float64("mem_percent", info.Metrics.MemPercent),
		zap.Float64("disk_percent", info.Metrics.DiskPercent))
	return &distpb.WorkerPerfInfoAck{}, nil
}

// Quiesce early-releases a slot per the Open Question decision in spec §9:
// the scheduler must explicitly quiesce a slot before Hello may answer
// Released for it, rather than the core inferring releasability from
// status on its own.
func (s *Service) Quiesce(ctx context.Context, workerID uint32) error {
	sl, err := s.slotByID(workerID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.slots[workerID-1].quiesced = true
	s.mu.Unlock()
	err = sl.worker.Exit(ctx, distpb.BuildEndData{Reason: distpb.ExitReasonEarlyRelease}, false)
	metrics.SlotsStoppedTotal.WithLabelValues("early_release").Inc()
	return err
}

// Shutdown exits every attached slot, for orchestrator-wide shutdown.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	slots := append([]slot(nil), s.slots...)
	s.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, sl := range slots {
		if sl.worker == nil {
			continue
		}
		w := sl.worker
		r := sl.reader
		g.Go(func() error {
			_ = w.Exit(ctx, distpb.BuildEndData{Reason: distpb.ExitReasonOrchestratorShutdown}, false)
			if r != nil {
				r.Finalize()
			}
			metrics.SlotsStoppedTotal.WithLabelValues("orchestrator_shutdown").Inc()
			return nil
		})
	}
	return g.Wait()
}

func (s *Service) logForwardedEvent(w *remoteworker.RemoteWorker, ev distpb.EventMessage) {
	if eventkeys.Keywords(ev.EventKeywords).Has(eventkeys.NotForwardable) {
		return
	}
	if eventkeys.Keywords(ev.EventKeywords).Has(eventkeys.DistributionRPC) {
		return
	}

	level := zapcore.Level(ev.Level)
	levelLabel := level.String()

	switch {
	case w.ClassifyEvent(ev) == remoteworker.EventClassInfrastructureError:
		level = zapcore.WarnLevel
		levelLabel = "infrastructure_warning"
	case w.IsDowngraded():
		level = zapcore.DebugLevel
		levelLabel = "downgraded"
	}
	metrics.ForwardedEventsTotal.WithLabelValues(levelLabel).Inc()

	fields := []zap.Field{
		zap.Uint32("worker_id", w.WorkerID()),
		zap.Int32("event_id", ev.EventID),
		zap.String("event_name", ev.EventName),
	}
	if ev.HasPipProcess {
		pp := ev.PipProcess
		fields = append(fields,
			zap.String("semi_stable_hash", pp.SemiStableHash),
			zap.String("spec_path", pp.SpecPath),
			zap.String("executable", pp.Executable),
			zap.Int32("exit_code", pp.ExitCode),
			zap.String("short_description", pp.ShortDesc),
		)
		s.errorSink.RecordLoggedError(ev.EventID)
	}

	if ce := s.logger.Check(level, ev.Text); ce != nil {
		ce.Write(fields...)
	}
}
