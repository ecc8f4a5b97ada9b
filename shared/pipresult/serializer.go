// Package pipresult serializes a pip's ExecutionResult into the opaque
// ResultBlob bytes carried on PipCompletionDataWire (spec §4.1
// "PipResultSerializer").
package pipresult

import (
	"bytes"
	"fmt"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/pipforge/distbuild/shared/pipmodel"
)

var wireJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// bufferPool is an unbounded free-list of byte buffers, reset (not
// reallocated) between uses. Single-producer per call site: each worker
// goroutine serializing a result acquires and releases its own buffer, so
// there is no contention beyond the pool's own locking.
var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Serialize writes result into a pooled buffer and returns a copy of the
// bytes as the ResultBlob. The pooled buffer is reset and returned to the
// pool before Serialize returns.
func Serialize(result pipmodel.ExecutionResult) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := wireJSON.NewEncoder(buf)
	if err := enc.Encode(result); err != nil {
		return nil, fmt.Errorf("pipresult: encode failed: %w", err)
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Deserialize reverses Serialize. Round-trip law: Deserialize(Serialize(r))
// must equal r under pipmodel.ExecutionResult.Equal (spec §3, §8 invariant 5).
func Deserialize(blob []byte) (pipmodel.ExecutionResult, error) {
	var result pipmodel.ExecutionResult
	if err := wireJSON.Unmarshal(blob, &result); err != nil {
		return pipmodel.ExecutionResult{}, fmt.Errorf("pipresult: decode failed: %w", err)
	}
	return result, nil
}
