// Package perfreporter periodically samples this machine's CPU, memory,
// and disk utilization and reports it to the orchestrator as a
// WorkerPerfInfo (spec §6), plus takes the one-time WorkerResourceInfo
// snapshot exchanged at attach time.
package perfreporter

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

// DefaultInterval is how often the periodic report fires.
const DefaultInterval = 15 * time.Second

// diskPath is sampled for utilization; a real deployment would point this
// at the build output volume.
const diskPath = "/"

// Reporter owns the periodic WorkerPerfInfo loop.
type Reporter struct {
	workerID   uint32
	invocation distid.Invocation
	conn       *rpcclient.ClientConnectionManager
	logger     *zap.Logger
	interval   time.Duration
}

// New builds a Reporter that reports as workerID over conn. invocation is
// stamped onto every WorkerPerfInfoWire so the orchestrator can reject a
// stray report from a build it isn't running (spec §3, §6).
func New(workerID uint32, invocation distid.Invocation, conn *rpcclient.ClientConnectionManager, logger *zap.Logger) *Reporter {
	return &Reporter{
		workerID:   workerID,
		invocation: invocation,
		conn:       conn,
		logger:     logger.Named("perfreporter"),
		interval:   DefaultInterval,
	}
}

// Snapshot takes the one-time resource snapshot sent in AttachCompletionInfo
// — distinct from the periodic report, so the orchestrator can log a
// worker's capacity at attach time (SPEC_FULL §5).
func (r *Reporter) Snapshot() distpb.WorkerResourceInfo {
	info := distpb.WorkerResourceInfo{
		CPUCount: int32(runtime.NumCPU()),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemoryMB = int64(vm.Total / (1024 * 1024))
	} else {
		r.logger.Warn("failed to read total memory for attach snapshot", zap.Error(err))
	}
	return info
}

// Run blocks, reporting every r.interval until ctx is cancelled. Sampling
// or send failures are logged and skipped — a missed report never stops
// the build (spec §7 propagation policy).
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportOnce(ctx)
		}
	}
}

func (r *Reporter) reportOnce(ctx context.Context) {
	metrics, err := r.sample()
	if err != nil {
		r.logger.Warn("failed to sample system metrics", zap.Error(err))
		return
	}

	res := rpcclient.CallAsync(ctx, r.conn, rpcclient.DefaultStreamingPolicy(), func(ctx context.Context, cc grpc.ClientConnInterface) (*distpb.WorkerPerfInfoAck, error) {
		return distpb.NewOrchestratorServiceClient(cc).WorkerPerfInfo(ctx, &distpb.WorkerPerfInfoWire{
			WorkerID:      r.workerID,
			SessionID:     r.invocation.SessionID,
			Environment:   r.invocation.Environment,
			EngineVersion: r.invocation.EngineVersion,
			Metrics:       metrics,
		})
	})
	if res.State != rpcclient.StateSucceeded {
		r.logger.Warn("failed to report worker perf info", zap.String("state", res.State.String()))
	}
}

func (r *Reporter) sample() (distpb.SystemMetrics, error) {
	var metrics distpb.SystemMetrics

	cpuPercents, err := cpu.Percent(0, false)
	if err != nil {
		return metrics, err
	}
	if len(cpuPercents) > 0 {
		metrics.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return metrics, err
	}
	metrics.MemPercent = vm.UsedPercent

	du, err := disk.Usage(diskPath)
	if err != nil {
		return metrics, err
	}
	metrics.DiskPercent = du.UsedPercent

	return metrics, nil
}
