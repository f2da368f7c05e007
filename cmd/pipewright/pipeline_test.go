package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/dlq"
	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/idempotency"
	"github.com/pipewright/pipewright/internal/pipeline"
	"github.com/pipewright/pipewright/internal/session"
	"github.com/pipewright/pipewright/internal/types"
)

func newTestCore(t *testing.T) *core {
	t.Helper()
	dir := t.TempDir()
	bus, err := events.NewBus(&events.Config{DataDir: dir})
	require.NoError(t, err)
	store, err := session.NewStore(&session.Config{Bus: bus, DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	guard, err := idempotency.New(&idempotency.Config{DataDir: dir})
	require.NoError(t, err)
	queue, err := dlq.New(&dlq.Config{DataDir: dir})
	require.NoError(t, err)
	return &core{bus: bus, store: store, guard: guard, queue: queue}
}

// stubExecutor passes every role. When block is set the first call parks
// until released, signalling started.
type stubExecutor struct {
	started chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
	once  sync.Once
}

func (s *stubExecutor) Execute(_ context.Context, role string, _ *agent.Context, _ *agent.ExecuteOptions) (*types.AgentResult, error) {
	if s.started != nil {
		s.once.Do(func() {
			close(s.started)
			<-s.release
		})
	}
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return &types.AgentResult{Agent: role, Status: types.AgentPassed}, nil
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func newTestRunner(t *testing.T, c *core, executor agent.Executor) *pipeline.Runner {
	t.Helper()
	runner, err := pipeline.NewRunner(&pipeline.Config{Bus: c.bus, Executor: executor})
	require.NoError(t, err)
	return runner
}

func TestRunQualityPipelineHoldsRegistrationForTheRun(t *testing.T) {
	c := newTestCore(t)
	executor := &stubExecutor{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	runner := newTestRunner(t, c, executor)

	req := &pipeline.Request{RequestID: "req-1", Branch: "feature/guarded"}
	type outcome struct {
		res *pipeline.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := runQualityPipeline(context.Background(), c, runner, req)
		done <- outcome{res, err}
	}()

	select {
	case <-executor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline never invoked the executor")
	}

	// While the run is in flight the branch is registered to it and a
	// second invocation is rejected.
	active, requestID := c.guard.Check("feature/guarded")
	require.True(t, active)
	assert.Equal(t, "req-1", requestID)

	_, err := runQualityPipeline(context.Background(), c, runner, &pipeline.Request{
		RequestID: "req-2",
		Branch:    "feature/guarded",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
	assert.Contains(t, err.Error(), "req-1")

	close(executor.release)
	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, types.AgentPassed, out.res.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline did not finish after the executor was released")
	}

	// A terminal outcome releases the registration
	active, _ = c.guard.Check("feature/guarded")
	assert.False(t, active)
	assert.Equal(t, 1, executor.callCount(), "the rejected duplicate must not reach the executor")
}

func TestRunQualityPipelineRejectsPreRegisteredBranch(t *testing.T) {
	c := newTestCore(t)
	executor := &stubExecutor{}
	runner := newTestRunner(t, c, executor)

	require.NoError(t, c.guard.Register("feature/held", "req-crashed"))

	_, err := runQualityPipeline(context.Background(), c, runner, &pipeline.Request{
		RequestID: "req-new",
		Branch:    "feature/held",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "req-crashed")
	assert.Zero(t, executor.callCount())

	// The rejection must not release the registration it did not take
	active, requestID := c.guard.Check("feature/held")
	require.True(t, active)
	assert.Equal(t, "req-crashed", requestID)
}

func TestRunQualityPipelineRunsAgainAfterRelease(t *testing.T) {
	c := newTestCore(t)
	executor := &stubExecutor{}
	runner := newTestRunner(t, c, executor)

	for i, requestID := range []string{"req-1", "req-2"} {
		res, err := runQualityPipeline(context.Background(), c, runner, &pipeline.Request{
			RequestID: requestID,
			Branch:    "feature/serial",
		})
		require.NoError(t, err)
		assert.Equal(t, types.AgentPassed, res.Status)
		assert.Equal(t, i+1, executor.callCount())
	}
}

func TestPrintNewEventsClampsShrunkHistory(t *testing.T) {
	history := []*events.PipelineEvent{
		events.New(events.EventPipelineStarted, "req-1", nil),
		events.New(events.EventPipelineCompleted, "req-1", nil),
	}

	seen := printNewEvents(history, 0)
	assert.Equal(t, 2, seen)

	// Retention cleanup can empty the log between polls; a stale cursor
	// past the end must reset instead of slicing out of range.
	seen = printNewEvents(nil, seen)
	assert.Equal(t, 0, seen)

	seen = printNewEvents(history[:1], 2)
	assert.Equal(t, 1, seen)
}
