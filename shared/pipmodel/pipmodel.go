// Package pipmodel defines the pip-shaped data the distribution core moves
// around without interpreting. Fingerprinting, caching, and sandboxing are
// owned by the scheduler (opaque to this core, see spec §1) — the types
// here are the minimal stand-in for what a real scheduler would hand the
// core: enough fields to dispatch a pip, and enough fields in the result
// to exercise the round-trip serialization law the core is responsible for.
package pipmodel

// PipID identifies a single build task.
type PipID uint32

// Priority is the scheduler's dispatch priority for a pip; higher runs first.
type Priority int32

// Request is everything a worker needs to start executing one pip.
type Request struct {
	PipID       PipID
	Fingerprint string // opaque cache key, never interpreted by this core
	Priority    Priority
	Step        string // pip step name, for tracing only
}

// FileHashEntry is one row of the shared file-hash table sent alongside a
// pip batch so workers can resolve content without re-hashing locally.
type FileHashEntry struct {
	Path string
	Hash string // opaque content hash, hex-encoded
}

// ExecutionResult is the scheduler-owned result of running one pip. The
// core treats this as opaque except for the fields it must reproduce
// bit-exact across the wire (the round-trip law in spec §3).
type ExecutionResult struct {
	ExitCode     int32
	Succeeded    bool
	OutputHashes []FileHashEntry
	DurationMS   int64
}

// Equal reports scheduler-equality of two results: same fields, output
// hashes compared order-sensitively (the scheduler always produces them
// in a stable order for a given pip).
func (r ExecutionResult) Equal(other ExecutionResult) bool {
	if r.ExitCode != other.ExitCode || r.Succeeded != other.Succeeded || r.DurationMS != other.DurationMS {
		return false
	}
	if len(r.OutputHashes) != len(other.OutputHashes) {
		return false
	}
	for i := range r.OutputHashes {
		if r.OutputHashes[i] != other.OutputHashes[i] {
			return false
		}
	}
	return true
}
