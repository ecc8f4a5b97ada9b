// Package distid defines the identity types every RPC in the distributed
// build control plane carries: the build's invocation id and a worker's
// network location.
package distid

import "fmt"

// Invocation is a composite identity naming a single build across every
// machine participating in it. Two peers whose invocations differ must
// refuse to talk to each other — see Equal.
//
// Immutable for the lifetime of a build: once an orchestrator or worker
// process has been handed one, it never changes.
type Invocation struct {
	SessionID     string
	Environment   string
	EngineVersion string
}

// String renders the canonical wire form "{sessionId}-{environment}-{engineVersion}".
func (i Invocation) String() string {
	return fmt.Sprintf("%s-%s-%s", i.SessionID, i.Environment, i.EngineVersion)
}

// Equal reports whether two invocations name the same build. Equality is
// reflexive, symmetric, and transitive, and treats a null/empty component
// the same as any other mismatch — there is no implicit wildcard.
func (i Invocation) Equal(other Invocation) bool {
	return i.SessionID == other.SessionID &&
		i.Environment == other.Environment &&
		i.EngineVersion == other.EngineVersion
}

// IsZero reports whether i is the zero value (no invocation presented yet).
func (i Invocation) IsZero() bool {
	return i == Invocation{}
}

// Location identifies a worker's network endpoint. Mutable only once per
// orchestrator-side slot — null until Hello assigns it, then fixed for the
// build's lifetime.
type Location struct {
	IPAddress string
	Port      uint16
}

// String renders "ip:port" for logging.
func (l Location) String() string {
	return fmt.Sprintf("%s:%d", l.IPAddress, l.Port)
}

// Equal reports whether two locations name the same endpoint.
func (l Location) Equal(other Location) bool {
	return l.IPAddress == other.IPAddress && l.Port == other.Port
}

// IsZero reports whether l is the unset zero value.
func (l Location) IsZero() bool {
	return l == Location{}
}
