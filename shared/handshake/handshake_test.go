package handshake

import (
	"testing"

	"github.com/pipforge/distbuild/shared/distpb"
)

func TestValidationHash_IsDeterministic(t *testing.T) {
	start := distpb.BuildStartData{
		SessionID:     "s1",
		Environment:   "prod",
		EngineVersion: "1.2.3",
	}

	h1 := ValidationHash(start)
	h2 := ValidationHash(start)
	if h1 != h2 {
		t.Fatalf("expected same hash for identical input, got %d and %d", h1, h2)
	}
}

func TestValidationHash_ChangesWithContent(t *testing.T) {
	base := distpb.BuildStartData{SessionID: "s1", Environment: "prod", EngineVersion: "1.2.3"}
	changed := base
	changed.EngineVersion = "1.2.4"

	if ValidationHash(base) == ValidationHash(changed) {
		t.Fatal("expected differing EngineVersion to change the hash")
	}
}

func TestValidationHash_IgnoresValidationHashField(t *testing.T) {
	base := distpb.BuildStartData{SessionID: "s1", Environment: "prod", EngineVersion: "1.2.3"}
	stamped := base
	stamped.ValidationHash = ValidationHash(base)

	if ValidationHash(base) != ValidationHash(stamped) {
		t.Fatal("ValidationHash field must not affect its own computation")
	}
}
