package pipresult

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipforge/distbuild/shared/pipmodel"
)

func TestSerializeDeserialize_RoundTrips(t *testing.T) {
	result := pipmodel.ExecutionResult{
		ExitCode:  0,
		Succeeded: true,
		OutputHashes: []pipmodel.FileHashEntry{
			{Path: "out/a.dll", Hash: "deadbeef"},
			{Path: "out/b.dll", Hash: "cafef00d"},
		},
		DurationMS: 1234,
	}

	blob, err := Serialize(result)
	require.NoError(t, err)

	got, err := Deserialize(blob)
	require.NoError(t, err)

	assert.True(t, result.Equal(got), "round-tripped result must equal original under scheduler equality")
}

func TestSerialize_ReusesPooledBuffer(t *testing.T) {
	a, err := Serialize(pipmodel.ExecutionResult{ExitCode: 1})
	require.NoError(t, err)
	b, err := Serialize(pipmodel.ExecutionResult{ExitCode: 2, Succeeded: true})
	require.NoError(t, err)

	gotA, err := Deserialize(a)
	require.NoError(t, err)
	gotB, err := Deserialize(b)
	require.NoError(t, err)

	assert.Equal(t, int32(1), gotA.ExitCode)
	assert.Equal(t, int32(2), gotB.ExitCode)
	assert.True(t, gotB.Succeeded)
}
