// Package distpb defines the wire messages and service contracts for the
// orchestrator↔worker RPC surface (spec §6).
//
// In a from-scratch BuildXL-alike these would be generated by protoc from
// an agent.proto file. protoc cannot be invoked in this environment, so the
// messages are hand-written exported structs and the service stubs below
// are hand-written in exactly the shape protoc-gen-go-grpc would produce —
// see codec.go for how they still travel over a real google.golang.org/grpc
// channel. Never hand-edit the wire shape without updating both sides.
package distpb

import "time"

// ─── Attach / Execute / Exit (orchestrator → worker) ────────────────────────

// BuildStartData is sent once, by Attach, to admit a worker into a build.
type BuildStartData struct {
	SessionID        string
	Environment      string
	EngineVersion    string
	CachedGraphDescr string // opaque descriptor of the cached build graph
	SymlinkFileHash  string
	FingerprintSalt  string
	// ValidationHash is the orchestrator's content hash of this BuildStartData,
	// computed with xxhash — the worker echoes it back in AttachCompletionInfo
	// so the orchestrator can detect a corrupted or stale handshake.
	ValidationHash uint64
}

// Ack is the empty success response to Attach/ExecutePips/Exit.
type Ack struct{}

// PipRequestWire is one pip's dispatch request, wire form of pipmodel.Request.
type PipRequestWire struct {
	PipID       uint32
	Fingerprint string
	Priority    int32
	Step        string
}

// FileHashEntryWire is the wire form of pipmodel.FileHashEntry.
type FileHashEntryWire struct {
	Path string
	Hash string
}

// PipBuildRequest carries one or more pip requests plus the shared
// file-hash table for this batch.
type PipBuildRequest struct {
	Pips      []PipRequestWire
	FileHashes []FileHashEntryWire
}

// ExitReason enumerates why the orchestrator is telling a worker to exit.
type ExitReason int32

const (
	ExitReasonUnspecified ExitReason = iota
	ExitReasonBuildComplete
	ExitReasonEarlyRelease
	ExitReasonOrchestratorShutdown
	ExitReasonFailure
)

func (r ExitReason) String() string {
	switch r {
	case ExitReasonBuildComplete:
		return "BuildComplete"
	case ExitReasonEarlyRelease:
		return "EarlyRelease"
	case ExitReasonOrchestratorShutdown:
		return "OrchestratorShutdown"
	case ExitReasonFailure:
		return "Failure"
	default:
		return "Unspecified"
	}
}

// BuildEndData is sent by Exit to tell a worker to drain and shut down.
type BuildEndData struct {
	Reason         ExitReason
	FailureMessage string
}

// ─── Hello / AttachCompleted / ReportPipResults / ReportExecutionLog / WorkerPerfInfo (worker → orchestrator) ───

// HelloOutcome enumerates the HelloResponse values (spec §4.4).
type HelloOutcome int32

const (
	HelloOutcomeUnspecified HelloOutcome = iota
	HelloOutcomeOk
	HelloOutcomeNoSlots
	HelloOutcomeReleased
)

func (o HelloOutcome) String() string {
	switch o {
	case HelloOutcomeOk:
		return "Ok"
	case HelloOutcomeNoSlots:
		return "NoSlots"
	case HelloOutcomeReleased:
		return "Released"
	default:
		return "Unspecified"
	}
}

// HelloRequest announces a worker's network location and, optionally, a
// specific slot id it wants to reclaim on reconnect. SessionID/Environment/
// EngineVersion are the worker's own invocation id, checked against the
// orchestrator's on Hello and on every worker report that carries it
// (spec §3, §6). AttachCompletionInfo carries no invocation id and is not
// checked.
type HelloRequest struct {
	IPAddress     string
	Port          uint16
	RequestedID   uint32 // 0 means "assign any free slot"
	SessionID     string
	Environment   string
	EngineVersion string
}

// HelloResponse is the orchestrator's decision (spec §4.4).
type HelloResponse struct {
	Outcome  HelloOutcome
	WorkerID uint32 // only meaningful when Outcome == Ok
}

// WorkerResourceInfo is a one-time snapshot taken at attach time (distinct
// from the periodic WorkerPerfInfo report) — see SPEC_FULL §5.
type WorkerResourceInfo struct {
	CPUCount      int32
	TotalMemoryMB int64
}

// AttachCompletionInfo is sent by the worker once it has validated the
// BuildStartData it received.
type AttachCompletionInfo struct {
	WorkerID            uint32
	CacheValidationHash uint64
	AvailableSlots      int32
	Resources           WorkerResourceInfo
}

// PipProcessEventFields carries the structured payload of a pip-process
// error/warning, preserved bit-exact across the forward (spec §3).
type PipProcessEventFields struct {
	SemiStableHash  string
	Description     string
	SpecPath        string
	WorkingDir      string
	Executable      string
	Output          string
	PathsToLog      []string
	ExitCode        int32
	Message         string // optional; empty if not present
	ShortDesc       string
	ExecutionTimeMS int64
}

// EventMessage is one forwarded log event (spec §3).
type EventMessage struct {
	ID             int32 // monotonic per worker
	Level          int32 // zapcore.Level, widened to int32 for the wire
	EventID         int32
	EventName       string
	EventKeywords   int64
	Text            string
	HasPipProcess   bool
	PipProcess      PipProcessEventFields
	OccurredAt      time.Time
}

// PipCompletionDataWire is the wire form of spec §3's PipCompletionData.
type PipCompletionDataWire struct {
	PipID           uint32
	Step            string
	QueueTicks      int64
	ExecuteTicks    int64
	ResultBlob      []byte
	BeforeSendTicks int64
}

// ExecutionLogDataWire is one numbered execution-log blob.
type ExecutionLogDataWire struct {
	SequenceNumber int32
	DataBlob       []byte
}

// PipResultsInfo batches pip completions, a build-manifest events chunk, and
// forwarded events into a single ReportPipResults call (spec §4.5).
// SessionID/Environment/EngineVersion is the sending worker's invocation id,
// checked against the orchestrator's before anything else in the batch is
// applied (spec §3, §6).
type PipResultsInfo struct {
	WorkerID          uint32
	SessionID         string
	Environment       string
	EngineVersion     string
	CompletedPips     []PipCompletionDataWire
	BuildManifestBlob []byte // may be empty — no log flush pending this send
	ForwardedEvents   []EventMessage
}

// PipResultsAck acknowledges a PipResultsInfo — the orchestrator returns it
// only after applying BuildManifestBlob to the worker's execution-log
// target, so the ACK
// itself provides back-pressure (spec §4.4 step 1).
type PipResultsAck struct{}

// ExecutionLogInfo is one ReportExecutionLog call. SessionID/Environment/
// EngineVersion is the sending worker's invocation id (spec §3, §6).
type ExecutionLogInfo struct {
	WorkerID      uint32
	SessionID     string
	Environment   string
	EngineVersion string
	Events        ExecutionLogDataWire
}

// ExecutionLogAck acknowledges one ExecutionLogInfo.
type ExecutionLogAck struct{}

// SystemMetrics is the periodic ram/cpu snapshot (spec §6 WorkerPerfInfo).
type SystemMetrics struct {
	CPUPercent  float64
	MemPercent  float64
	DiskPercent float64
}

// WorkerPerfInfoWire carries a periodic resource report from a worker.
// SessionID/Environment/EngineVersion is the sending worker's invocation id
// (spec §3, §6).
type WorkerPerfInfoWire struct {
	WorkerID      uint32
	SessionID     string
	Environment   string
	EngineVersion string
	Metrics       SystemMetrics
}

// WorkerPerfInfoAck acknowledges a WorkerPerfInfoWire.
type WorkerPerfInfoAck struct{}
