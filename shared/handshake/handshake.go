// Package handshake computes the BuildStartData validation hash shared by
// the orchestrator (which stamps it) and the worker (which echoes it back
// in AttachCompletionInfo so a corrupted or stale handshake is caught
// before any pip is dispatched — spec §4.4).
package handshake

import (
	"github.com/cespare/xxhash/v2"

	"github.com/pipforge/distbuild/shared/distpb"
)

// ValidationHash hashes the content fields of start that must agree between
// orchestrator and worker for the handshake to be trusted. ValidationHash
// itself is never hashed — it is the thing being computed.
func ValidationHash(start distpb.BuildStartData) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(start.SessionID)
	_, _ = d.WriteString(start.Environment)
	_, _ = d.WriteString(start.EngineVersion)
	_, _ = d.WriteString(start.CachedGraphDescr)
	_, _ = d.WriteString(start.SymlinkFileHash)
	_, _ = d.WriteString(start.FingerprintSalt)
	return d.Sum64()
}
