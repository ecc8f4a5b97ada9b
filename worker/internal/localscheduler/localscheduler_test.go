package localscheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pipforge/distbuild/shared/pipmodel"
)

type recordingSink struct {
	mu      sync.Mutex
	results []Completion
}

func (s *recordingSink) EnqueueResult(r Completion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, r)
}

func (s *recordingSink) snapshot() []Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Completion(nil), s.results...)
}

func TestStub_Enqueue_ReportsOneCompletionPerPip(t *testing.T) {
	sink := &recordingSink{}
	stub := NewStub(sink, clockwork.NewRealClock(), zaptest.NewLogger(t))

	pips := []pipmodel.Request{
		{PipID: 1, Step: "a"},
		{PipID: 2, Step: "b"},
	}
	require.NoError(t, stub.Enqueue(context.Background(), pips, nil))

	require.Eventually(t, func() bool {
		return len(sink.snapshot()) == 2
	}, time.Second, 5*time.Millisecond)

	seen := map[pipmodel.PipID]bool{}
	for _, r := range sink.snapshot() {
		assert.True(t, r.Result.Succeeded)
		seen[r.PipID] = true
	}
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}

func TestStub_Enqueue_SkipsCancelledContext(t *testing.T) {
	sink := &recordingSink{}
	stub := NewStub(sink, clockwork.NewRealClock(), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, stub.Enqueue(ctx, []pipmodel.Request{{PipID: 9}}, nil))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}
