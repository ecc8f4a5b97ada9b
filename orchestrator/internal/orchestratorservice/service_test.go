package orchestratorservice

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
)

var testInvocation = distid.Invocation{SessionID: "s1", Environment: "e1", EngineVersion: "v1"}

func newTestService(t *testing.T, numSlots int) *Service {
	t.Helper()
	return New(testInvocation, numSlots, zaptest.NewLogger(t), clockwork.NewFakeClock(), nil, nil)
}

func helloReq(ip string, port uint16, requestedID uint32) *distpb.HelloRequest {
	return &distpb.HelloRequest{
		IPAddress:     ip,
		Port:          port,
		RequestedID:   requestedID,
		SessionID:     testInvocation.SessionID,
		Environment:   testInvocation.Environment,
		EngineVersion: testInvocation.EngineVersion,
	}
}

func TestHello_HappyPath_AssignsFreeSlot(t *testing.T) {
	s := newTestService(t, 1)
	resp, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeOk, resp.Outcome)
	assert.EqualValues(t, 1, resp.WorkerID)
}

func TestHello_RejectsInvocationMismatch(t *testing.T) {
	s := newTestService(t, 1)
	req := helloReq("10.0.0.1", 9000, 0)
	req.EngineVersion = "v2"
	_, err := s.Hello(context.Background(), req)
	require.Error(t, err)
}

func TestHello_IsIdempotentForSameLocation(t *testing.T) {
	s := newTestService(t, 2)
	first, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)

	second, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)

	assert.Equal(t, distpb.HelloOutcomeOk, second.Outcome)
	assert.Equal(t, first.WorkerID, second.WorkerID)
	assert.Len(t, s.slots, 2)
	occupied := 0
	for _, sl := range s.slots {
		if sl.worker != nil {
			occupied++
		}
	}
	assert.Equal(t, 1, occupied, "idempotent re-announce must not allocate a second slot")
}

func TestHello_NoSlotsWhenAllTaken(t *testing.T) {
	s := newTestService(t, 1)
	_, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)

	resp, err := s.Hello(context.Background(), helloReq("10.0.0.2", 9001, 0))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeNoSlots, resp.Outcome)
}

func TestHello_Collision_RequestedIDAlreadyTaken(t *testing.T) {
	s := newTestService(t, 3)

	respA, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 2))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeOk, respA.Outcome)
	assert.EqualValues(t, 2, respA.WorkerID)

	respB, err := s.Hello(context.Background(), helloReq("10.0.0.2", 9001, 2))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeNoSlots, respB.Outcome)

	respC, err := s.Hello(context.Background(), helloReq("10.0.0.3", 9002, 0))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeOk, respC.Outcome)
	assert.EqualValues(t, 1, respC.WorkerID)
}

func TestHello_RequestedIDBeyondSlotCountIsNoSlots(t *testing.T) {
	s := newTestService(t, 1)
	resp, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 5))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeNoSlots, resp.Outcome)
}

func TestHello_ReturnsReleasedForQuiescedSlot(t *testing.T) {
	s := newTestService(t, 1)
	resp, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 1))
	require.NoError(t, err)
	require.Equal(t, distpb.HelloOutcomeOk, resp.Outcome)

	// Quiesce drives RemoteWorker.Exit, which attempts a real (tolerated)
	// RPC over an unreachable address — bound it so the unreachable dial
	// can't hang the test.
	quiesceCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, s.Quiesce(quiesceCtx, 1))

	released, err := s.Hello(context.Background(), helloReq("10.0.0.9", 9009, 1))
	require.NoError(t, err)
	assert.Equal(t, distpb.HelloOutcomeReleased, released.Outcome)
}

func TestAttachCompleted_UnknownWorkerIsNotFound(t *testing.T) {
	s := newTestService(t, 1)
	_, err := s.AttachCompleted(context.Background(), &distpb.AttachCompletionInfo{WorkerID: 1})
	require.Error(t, err)
}

func TestReportExecutionLog_ShortCircuitsWhenTerminated(t *testing.T) {
	s := newTestService(t, 1)
	s.Terminate()
	ack, err := s.ReportExecutionLog(context.Background(), &distpb.ExecutionLogInfo{
		WorkerID:      1,
		SessionID:     testInvocation.SessionID,
		Environment:   testInvocation.Environment,
		EngineVersion: testInvocation.EngineVersion,
	})
	require.NoError(t, err)
	assert.NotNil(t, ack)
}

func TestReportExecutionLog_RejectsInvocationMismatch(t *testing.T) {
	s := newTestService(t, 1)
	_, err := s.ReportExecutionLog(context.Background(), &distpb.ExecutionLogInfo{
		WorkerID:      1,
		SessionID:     testInvocation.SessionID,
		Environment:   testInvocation.Environment,
		EngineVersion: "v2",
	})
	require.Error(t, err)
}

func TestReportPipResults_DropsNotForwardableEvents(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	s := New(testInvocation, 1, zap.New(core), clockwork.NewFakeClock(), nil, nil)
	resp, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)

	ack, err := s.ReportPipResults(context.Background(), &distpb.PipResultsInfo{
		WorkerID:      resp.WorkerID,
		SessionID:     testInvocation.SessionID,
		Environment:   testInvocation.Environment,
		EngineVersion: testInvocation.EngineVersion,
		ForwardedEvents: []distpb.EventMessage{
			{EventID: 1, EventKeywords: int64(1), Text: "must not appear"}, // NotForwardable bit
		},
	})
	require.NoError(t, err)
	assert.NotNil(t, ack)
	assert.Zero(t, logs.FilterMessage("must not appear").Len(), "a NotForwardable event must not be logged")
}

func TestReportPipResults_RejectsInvocationMismatch(t *testing.T) {
	s := newTestService(t, 1)
	resp, err := s.Hello(context.Background(), helloReq("10.0.0.1", 9000, 0))
	require.NoError(t, err)

	_, err = s.ReportPipResults(context.Background(), &distpb.PipResultsInfo{
		WorkerID:      resp.WorkerID,
		SessionID:     "other-session",
		Environment:   testInvocation.Environment,
		EngineVersion: testInvocation.EngineVersion,
	})
	require.Error(t, err)
}
