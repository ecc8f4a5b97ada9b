package notifymanager

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zapcore"

	"github.com/pipforge/distbuild/worker/internal/localscheduler"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/eventkeys"
	"github.com/pipforge/distbuild/shared/pipmodel"
)

var testInvocation = distid.Invocation{SessionID: "s1", Environment: "e1", EngineVersion: "v1"}

func TestWorkerNotificationManager_DrainBatch_ComposesQueuedResults(t *testing.T) {
	m := New(7, testInvocation, "unused:0", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)
	m.EnqueueResult(localscheduler.Completion{
		PipID:  42,
		Step:   "compile",
		Result: pipmodel.ExecutionResult{Succeeded: true},
	})

	batch := m.drainBatch()
	require.Len(t, batch.CompletedPips, 1)
	assert.EqualValues(t, 42, batch.CompletedPips[0].PipID)
	assert.EqualValues(t, 7, batch.WorkerID)
	assert.Empty(t, m.resultQueue)
}

func TestWorkerNotificationManager_EnqueueResult_DroppedWhileDraining(t *testing.T) {
	m := New(1, testInvocation, "unused:0", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)
	m.mu.Lock()
	m.draining = true
	m.mu.Unlock()

	m.EnqueueResult(localscheduler.Completion{PipID: 1})

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.resultQueue)
}

func TestWorkerNotificationManager_ForwardEvent_AppliesDefaultFilter(t *testing.T) {
	m := New(1, testInvocation, "unused:0", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)

	m.ForwardEvent(distpb.EventMessage{Level: int32(zapcore.WarnLevel), EventKeywords: int64(eventkeys.NotForwardable), Text: "dropped: not forwardable"})
	m.ForwardEvent(distpb.EventMessage{Level: int32(zapcore.InfoLevel), Text: "dropped: below warn"})
	m.ForwardEvent(distpb.EventMessage{Level: int32(zapcore.ErrorLevel), Text: "kept"})

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Len(t, m.forwardedEvents, 1)
	assert.Equal(t, "kept", m.forwardedEvents[0].Text)
}

func TestWorkerNotificationManager_ForwardEvent_DropsRepeatWithinDedupWindow(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := New(1, testInvocation, "unused:0", zaptest.NewLogger(t), clock, nil)

	ev := distpb.EventMessage{Level: int32(zapcore.ErrorLevel), EventID: 9001, Text: "disk full"}
	m.ForwardEvent(ev)
	m.ForwardEvent(ev) // within window: dropped

	clock.Advance(ForwardedEventDedupWindow + time.Millisecond)
	m.ForwardEvent(ev) // outside window: kept again

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.forwardedEvents, 2)
}

func TestWorkerNotificationManager_WriteLogBytes_FlushesAtThreshold(t *testing.T) {
	m := New(1, testInvocation, "unused:0", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)

	m.WriteLogBytes(make([]byte, LogFlushThreshold-1))
	m.mu.Lock()
	assert.Nil(t, m.pendingFlush)
	assert.Equal(t, LogFlushThreshold-1, m.logBuf.Len())
	m.mu.Unlock()

	m.WriteLogBytes([]byte{0x01})
	m.mu.Lock()
	assert.NotNil(t, m.pendingFlush)
	assert.Equal(t, 0, m.logBuf.Len())
	m.mu.Unlock()
}

func TestWorkerNotificationManager_WriteLogBytes_DroppedOnceDeactivated(t *testing.T) {
	m := New(1, testInvocation, "unused:0", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)
	m.mu.Lock()
	m.logDeactivated = true
	m.mu.Unlock()

	m.WriteLogBytes([]byte("x"))

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Equal(t, 0, m.logBuf.Len())
}

func TestWorkerNotificationManager_Drain_ReturnsImmediatelyWhenNothingPending(t *testing.T) {
	m := New(1, testInvocation, "127.0.0.1:1", zaptest.NewLogger(t), clockwork.NewRealClock(), nil)
	m.Start(context.Background())

	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Drain(drainCtx))
}
