package remoteworker

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/pipmodel"
	"github.com/pipforge/distbuild/shared/pipresult"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

const (
	defaultEventualTimeout = 2 * time.Second
	defaultEventualTick    = 10 * time.Millisecond
)

func newTestWorker(t *testing.T) *RemoteWorker {
	t.Helper()
	logger := zaptest.NewLogger(t)
	loc := distid.Location{IPAddress: "127.0.0.1", Port: 0}
	return New(7, loc, logger, clockwork.NewFakeClock())
}

func TestRemoteWorker_InitialStatusIsNotStarted(t *testing.T) {
	w := newTestWorker(t)
	assert.Equal(t, StatusNotStarted, w.Status())
	assert.False(t, w.IsDowngraded())
}

func TestRemoteWorker_OnAttachCompleted_RejectsValidationHashMismatch(t *testing.T) {
	w := newTestWorker(t)

	w.mu.Lock()
	w.status = StatusStarting
	w.expectedValidationHash = 42
	w.mu.Unlock()

	err := w.OnAttachCompleted(distpb.AttachCompletionInfo{WorkerID: 7, CacheValidationHash: 99})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "validation hash mismatch")
}

func TestRemoteWorker_OnAttachCompleted_AcceptsMatchingHash(t *testing.T) {
	w := newTestWorker(t)

	w.mu.Lock()
	w.status = StatusStarting
	w.expectedValidationHash = 42
	w.mu.Unlock()

	err := w.OnAttachCompleted(distpb.AttachCompletionInfo{WorkerID: 7, CacheValidationHash: 42})
	require.NoError(t, err)
	assert.Equal(t, StatusAttached, w.Status())
}

func TestRemoteWorker_OnAttachCompleted_IgnoresDuplicateCallback(t *testing.T) {
	w := newTestWorker(t)
	w.mu.Lock()
	w.status = StatusStarting
	w.expectedValidationHash = 1
	w.mu.Unlock()

	require.NoError(t, w.OnAttachCompleted(distpb.AttachCompletionInfo{CacheValidationHash: 1}))
	// Second callback must not panic on the already-closed channel and must
	// not flip the status machine again.
	require.NoError(t, w.OnAttachCompleted(distpb.AttachCompletionInfo{CacheValidationHash: 1}))
	assert.Equal(t, StatusAttached, w.Status())
}

func TestRemoteWorker_ExecutePips_RejectsWhenNotAttached(t *testing.T) {
	w := newTestWorker(t)
	_, err := w.ExecutePips(context.Background(), []pipmodel.Request{{PipID: 1}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not Attached")
}

func TestRemoteWorker_NotifyPipCompletion_ResolvesRegisteredPending(t *testing.T) {
	w := newTestWorker(t)
	pc := newPendingCompletion()
	w.mu.Lock()
	w.pending[pipmodel.PipID(5)] = pc
	w.inFlight[pipmodel.PipID(5)] = struct{}{}
	w.mu.Unlock()

	blob, err := pipresult.Serialize(pipmodel.ExecutionResult{ExitCode: 0, Succeeded: true})
	require.NoError(t, err)

	w.NotifyPipCompletion(distpb.PipCompletionDataWire{PipID: 5, ResultBlob: blob})

	outcome := <-pc.ch
	assert.False(t, outcome.Abandoned)
	assert.True(t, outcome.Result.Succeeded)

	w.mu.Lock()
	_, stillPending := w.pending[pipmodel.PipID(5)]
	w.mu.Unlock()
	assert.False(t, stillPending)
}

func TestRemoteWorker_NotifyPipCompletion_DropsUnknownPip(t *testing.T) {
	w := newTestWorker(t)
	// Must not panic even though nothing is registered for pip 99.
	w.NotifyPipCompletion(distpb.PipCompletionDataWire{PipID: 99, ResultBlob: []byte("{}")})
}

func TestRemoteWorker_NotifyPipCompletion_IsIdempotentPerPip(t *testing.T) {
	w := newTestWorker(t)
	pc := newPendingCompletion()
	w.mu.Lock()
	w.pending[pipmodel.PipID(5)] = pc
	w.mu.Unlock()

	blob, _ := pipresult.Serialize(pipmodel.ExecutionResult{ExitCode: 0, Succeeded: true})
	w.NotifyPipCompletion(distpb.PipCompletionDataWire{PipID: 5, ResultBlob: blob})
	<-pc.ch

	// A duplicate/late arrival for the same pip id should just be dropped:
	// the map entry is already gone, so NotifyPipCompletion returns before
	// reaching resolve (whose sync.Once would make a second call a no-op).
	assert.NotPanics(t, func() {
		w.NotifyPipCompletion(distpb.PipCompletionDataWire{PipID: 5, ResultBlob: blob})
	})
}

func TestRemoteWorker_HandleConnectionFailure_AbandonsPendingAndStopsAfterDrain(t *testing.T) {
	w := newTestWorker(t)
	clock := w.clock.(clockwork.FakeClock)
	w.drainTimeout = DefaultDrainTimeout

	w.mu.Lock()
	w.status = StatusAttached
	w.mu.Unlock()

	pc := newPendingCompletion()
	w.mu.Lock()
	w.pending[pipmodel.PipID(3)] = pc
	w.mu.Unlock()

	w.handleConnectionFailure(rpcclient.FailureEvent{Kind: rpcclient.FailureUnrecoverableTransport, Detail: "test"})

	outcome := <-pc.ch
	assert.True(t, outcome.Abandoned)
	assert.Equal(t, StatusStopping, w.Status())

	clock.BlockUntil(1)
	clock.Advance(DefaultDrainTimeout)

	require.Eventually(t, func() bool { return w.Status() == StatusStopped }, defaultEventualTimeout, defaultEventualTick)
}

func TestRemoteWorker_ClassifyEvent_RecognisesInfrastructureEventIDs(t *testing.T) {
	w := newTestWorker(t)
	assert.Equal(t, EventClassInfrastructureError, w.ClassifyEvent(distpb.EventMessage{EventID: 9001}))
	assert.Equal(t, EventClassNormal, w.ClassifyEvent(distpb.EventMessage{EventID: 1}))
}
