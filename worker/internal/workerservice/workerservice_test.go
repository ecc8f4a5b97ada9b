package workerservice

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipforge/distbuild/worker/internal/notifymanager"

	"github.com/pipforge/distbuild/shared/distid"
	"github.com/pipforge/distbuild/shared/distpb"
	"github.com/pipforge/distbuild/shared/pipmodel"
	"github.com/pipforge/distbuild/shared/rpcclient"
)

var testInvocation = distid.Invocation{SessionID: "s1", Environment: "e1", EngineVersion: "v1"}

type fakeScheduler struct {
	pips   []pipmodel.Request
	hashes []pipmodel.FileHashEntry
}

func (f *fakeScheduler) Enqueue(ctx context.Context, pips []pipmodel.Request, hashes []pipmodel.FileHashEntry) error {
	f.pips = append(f.pips, pips...)
	f.hashes = append(f.hashes, hashes...)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeScheduler) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	conn := rpcclient.NewClientConnectionManager("127.0.0.1:1", logger)
	t.Cleanup(func() { _ = conn.Close() })

	notifier := notifymanager.New(1, testInvocation, "127.0.0.1:1", logger, clockwork.NewRealClock(), nil)
	t.Cleanup(func() { _ = notifier.Close() })

	sched := &fakeScheduler{}
	svc := New(testInvocation, 1, notifier, sched, nil, conn, logger)
	return svc, sched
}

func TestAttach_RejectsEngineVersionMismatch(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Attach(context.Background(), &distpb.BuildStartData{
		SessionID:     testInvocation.SessionID,
		Environment:   testInvocation.Environment,
		EngineVersion: "v2",
	})
	require.Error(t, err)
}

func TestExecutePips_RejectsBeforeAttach(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.ExecutePips(context.Background(), &distpb.PipBuildRequest{})
	require.Error(t, err)
}

func TestExecutePips_EnqueuesOntoLocalScheduler(t *testing.T) {
	svc, sched := newTestService(t)
	svc.mu.Lock()
	svc.attached = true
	svc.mu.Unlock()

	_, err := svc.ExecutePips(context.Background(), &distpb.PipBuildRequest{
		Pips: []distpb.PipRequestWire{{PipID: 42, Step: "compile"}},
	})
	require.NoError(t, err)
	require.Len(t, sched.pips, 1)
	assert.EqualValues(t, 42, sched.pips[0].PipID)
}

func TestExit_DrainsNotifierEvenWithNothingPending(t *testing.T) {
	svc, _ := newTestService(t)
	svc.notifier.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := svc.Exit(ctx, &distpb.BuildEndData{Reason: distpb.ExitReasonBuildComplete})
	require.NoError(t, err)
}
