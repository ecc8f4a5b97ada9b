package logreader

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipforge/distbuild/orchestrator/internal/scheduler"
)

func TestWorkerExecutionLogReader_AppliesInOrder(t *testing.T) {
	target := scheduler.NewRecordingExecutionLogTarget()
	r := New(target, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, 0, []byte("a")))
	require.NoError(t, r.Enqueue(ctx, 1, []byte("b")))
	r.Finalize()
	require.NoError(t, r.AwaitDrained(ctx))

	assert.Equal(t, [][]byte{[]byte("a"), []byte("b")}, target.Blobs)
	assert.EqualValues(t, 1, r.LastSequence())
}

func TestWorkerExecutionLogReader_DropsDuplicate(t *testing.T) {
	target := scheduler.NewRecordingExecutionLogTarget()
	r := New(target, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, 0, []byte("a")))
	require.NoError(t, r.Enqueue(ctx, 0, []byte("a-retry")))
	r.Finalize()
	require.NoError(t, r.AwaitDrained(ctx))

	assert.Equal(t, [][]byte{[]byte("a")}, target.Blobs)
	assert.EqualValues(t, 0, r.LastSequence())
}

func TestWorkerExecutionLogReader_SequenceGapDisablesWithoutCrashing(t *testing.T) {
	target := scheduler.NewRecordingExecutionLogTarget()
	r := New(target, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, 0, []byte("a")))
	require.NoError(t, r.Enqueue(ctx, 2, []byte("c"))) // skips 1
	r.Finalize()
	require.NoError(t, r.AwaitDrained(ctx))

	assert.Equal(t, [][]byte{[]byte("a")}, target.Blobs)
	assert.True(t, r.Disabled())
}

func TestWorkerExecutionLogReader_DecodeFailureDisablesButDoesNotCrash(t *testing.T) {
	target := scheduler.NewRecordingExecutionLogTarget()
	target.FailOn[0] = errors.New("bad blob")
	r := New(target, zaptest.NewLogger(t))

	ctx := context.Background()
	require.NoError(t, r.Enqueue(ctx, 0, []byte("a")))
	require.NoError(t, r.Enqueue(ctx, 1, []byte("b")))
	r.Finalize()
	require.NoError(t, r.AwaitDrained(ctx))

	assert.Empty(t, target.Blobs)
	assert.True(t, r.Disabled())
}

func TestWorkerExecutionLogReader_AwaitDrainedPreResolvesWithNoProducers(t *testing.T) {
	target := scheduler.NewRecordingExecutionLogTarget()
	r := New(target, zaptest.NewLogger(t))
	r.Finalize()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.AwaitDrained(ctx))
}
