// Package workerservice implements distpb.WorkerServiceServer: the three
// RPCs an orchestrator drives on a worker — Attach, ExecutePips, Exit (spec
// §4.5, §6).
package workerservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/worker/internal/localscheduler"
	"github.com/pipforge/distbuild/worker/internal/notifymanager"
	"github.com/pipforge/distbuild/worker/internal/perfreporter"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/handshake"
	"github.com/pipforge/distbuild/shared/pipmodel"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

// DefaultDrainTimeout bounds how long Exit waits for the notification
// manager to flush remaining content before Exit returns anyway
// (spec §4.5, mirroring remoteworker.DefaultDrainTimeout on the other
// side of the same conversation).
const DefaultDrainTimeout = 30 * time.Second

// Service implements distpb.WorkerServiceServer over a single worker
// process's lifetime: one Attach, any number of ExecutePips batches, one
// Exit.
type Service struct {
	distpb.UnimplementedWorkerServiceServer

	logger *zap.Logger

	orchestratorConn *rpcclient.ClientConnectionManager
	notifier         *notifymanager.WorkerNotificationManager
	scheduler        localscheduler.LocalScheduler
	perf             *perfreporter.Reporter

	mu         sync.Mutex
	attached   bool
	invocation distid.Invocation
	slots      int32
}

// New builds a Service. invocation is this worker's own expected build
// identity, checked field-by-field against the orchestrator's BuildStartData
// on Attach (spec §3, §6, §8: invocation equality is reflexive, symmetric,
// transitive, and unequal on any component mismatch — SessionID and
// Environment matter just as much as EngineVersion).
func New(invocation distid.Invocation, slots int32, notifier *notifymanager.WorkerNotificationManager, scheduler localscheduler.LocalScheduler, perf *perfreporter.Reporter, orchestratorConn *rpcclient.ClientConnectionManager, logger *zap.Logger) *Service {
	return &Service{
		logger:           logger.Named("workerservice"),
		orchestratorConn: orchestratorConn,
		notifier:         notifier,
		scheduler:        scheduler,
		perf:             perf,
		invocation:       invocation,
		slots:            slots,
	}
}

// Attach validates the incoming BuildStartData's invocation id, computes
// its validation hash, and reports that hash in AttachCompletionInfo back
// to the orchestrator, which compares it with the hash it stamped. An
// invocation mismatch fails the RPC outright — per spec §4.5 this worker
// must never run pips under an invocation it cannot trust.
func (s *Service) Attach(ctx context.Context, start *distpb.BuildStartData) (*distpb.Ack, error) {
	incoming := distid.Invocation{SessionID: start.SessionID, Environment: start.Environment, EngineVersion: start.EngineVersion}
	if !incoming.Equal(s.invocation) {
		s.logger.Error("invocation mismatch on attach",
			zap.String("orchestrator_invocation", incoming.String()),
			zap.String("worker_invocation", s.invocation.String()))
		return nil, fmt.Errorf("workerservice: invocation mismatch: orchestrator=%s worker=%s", incoming, s.invocation)
	}

	hash := handshake.ValidationHash(*start)

	s.mu.Lock()
	s.attached = true
	s.mu.Unlock()

	resources := distpb.WorkerResourceInfo{}
	if s.perf != nil {
		resources = s.perf.Snapshot()
	}

	info := &distpb.AttachCompletionInfo{
		CacheValidationHash: hash,
		AvailableSlots:      s.slots,
		Resources:           resources,
	}

	res := rpcclient.CallAsync(ctx, s.orchestratorConn, rpcclient.DefaultUnaryPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.Ack, error) {
		return distpb.NewOrchestratorServiceClient(cc).AttachCompleted(ctx, info)
	})
	if res.State != rpcclient.StateSucceeded {
		s.logger.Error("failed to report attach completion", zap.String("state", res.State.String()))
		return nil, fmt.Errorf("workerservice: report attach completion: %s", res.State)
	}

	s.notifier.Start(context.Background())
	if err := s.notifier.FlushNow(ctx); err != nil {
		s.logger.Warn("initial log flush failed", zap.Error(err))
	}

	return &distpb.Ack{}, nil
}

// ExecutePips hands the batch to the local scheduler and ACKs immediately
// — completion is reported asynchronously through the notification
// manager, never on this call path (spec §4.5).
func (s *Service) ExecutePips(ctx context.Context, req *distpb.PipBuildRequest) (*distpb.Ack, error) {
	s.mu.Lock()
	attached := s.attached
	s.mu.Unlock()
	if !attached {
		return nil, fmt.Errorf("workerservice: ExecutePips before Attach")
	}

	pips := make([]pipmodel.Request, 0, len(req.Pips))
	for _, p := range req.Pips {
		pips = append(pips, pipmodel.Request{
			PipID:       pipmodel.PipID(p.PipID),
			Fingerprint: p.Fingerprint,
			Priority:    pipmodel.Priority(p.Priority),
			Step:        p.Step,
		})
	}
	hashes := make([]pipmodel.FileHashEntry, 0, len(req.FileHashes))
	for _, h := range req.FileHashes {
		hashes = append(hashes, pipmodel.FileHashEntry{Path: h.Path, Hash: h.Hash})
	}

	if err := s.scheduler.Enqueue(ctx, pips, hashes); err != nil {
		return nil, fmt.Errorf("workerservice: enqueue pips: %w", err)
	}
	return &distpb.Ack{}, nil
}

// Exit switches the notification manager into Draining and waits (bounded
// by DefaultDrainTimeout) for it to flush remaining pip results and
// execution-log bytes before returning — spec §4.5: "the sender flushes
// remaining content before exiting".
func (s *Service) Exit(ctx context.Context, end *distpb.BuildEndData) (*distpb.Ack, error) {
	s.logger.Info("exit requested", zap.String("reason", end.Reason.String()), zap.String("message", end.FailureMessage))

	drainCtx, cancel := context.WithTimeout(ctx, DefaultDrainTimeout)
	defer cancel()

	if err := s.notifier.Drain(drainCtx); err != nil {
		s.logger.Warn("notification manager drain did not complete cleanly", zap.Error(err))
	}

	return &distpb.Ack{}, nil
}
