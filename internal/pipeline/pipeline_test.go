package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/types"
)

// call records one executor invocation for assertions
type call struct {
	role  string
	cycle int
	prior []*types.AgentResult
}

// mockExecutor scripts per-role behavior and records every invocation
type mockExecutor struct {
	mu    sync.Mutex
	calls []call
	// script decides the outcome given the role and how many times the
	// role has been invoked so far (1-based)
	script func(role string, invocation int) (*types.AgentResult, error)
}

func (m *mockExecutor) Execute(ctx context.Context, role string, execCtx *agent.Context, opts *agent.ExecuteOptions) (*types.AgentResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, call{role: role, cycle: execCtx.Cycle, prior: execCtx.PriorResults})
	invocation := 0
	for _, c := range m.calls {
		if c.role == role {
			invocation++
		}
	}
	m.mu.Unlock()
	return m.script(role, invocation)
}

func (m *mockExecutor) callsFor(role string) []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []call
	for _, c := range m.calls {
		if c.role == role {
			out = append(out, c)
		}
	}
	return out
}

func passed(role string) (*types.AgentResult, error) {
	return &types.AgentResult{Agent: role, Status: types.AgentPassed}, nil
}

func failed(role string) (*types.AgentResult, error) {
	return &types.AgentResult{
		Agent:    role,
		Status:   types.AgentFailed,
		Findings: []types.Finding{{Severity: "major", Message: "unchecked error return"}},
	}, nil
}

func newTestRunner(t *testing.T, exec agent.Executor, maxAttempts int) (*Runner, *events.Bus) {
	t.Helper()
	bus, err := events.NewBus(&events.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	runner, err := NewRunner(&Config{Bus: bus, Executor: exec, MaxAttempts: maxAttempts})
	require.NoError(t, err)
	return runner, bus
}

func TestPipelineAllPassFirstWave(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 2)

	res, err := runner.Run(context.Background(), &Request{
		RequestID: "run-1",
		Roster:    []string{"code-review", "test-coverage"},
	})
	require.NoError(t, err)
	assert.Equal(t, types.AgentPassed, res.Status)
	assert.Zero(t, res.Cycles)
	assert.Len(t, res.Results, 2)
}

func TestPipelineConvergence(t *testing.T) {
	// Agent A fails once then passes on correction; agent B always passes
	exec := &mockExecutor{script: func(role string, invocation int) (*types.AgentResult, error) {
		if role == "a" && invocation == 1 {
			return failed(role)
		}
		return passed(role)
	}}
	runner, bus := newTestRunner(t, exec, 3)

	res, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"a", "b"}})
	require.NoError(t, err)

	assert.Equal(t, types.AgentPassed, res.Status)
	assert.Equal(t, 1, res.Cycles, "one correction cycle suffices")

	// The final result for A reflects the corrected outcome, replaced in
	// place rather than appended
	require.Len(t, res.Results, 2)
	for _, r := range res.Results {
		assert.Equal(t, types.AgentPassed, r.Status)
	}

	// Only the failing agent is re-invoked
	assert.Len(t, exec.callsFor("a"), 2)
	assert.Len(t, exec.callsFor("b"), 1)

	// pipeline.correcting was published with cycle and failing agents
	history, err := bus.Events("run-1")
	require.NoError(t, err)
	var correcting *events.PipelineEvent
	for _, ev := range history {
		if ev.Type == events.EventPipelineCorrecting {
			correcting = ev
		}
	}
	require.NotNil(t, correcting)
	assert.Equal(t, float64(1), correcting.Data["cycle"])
	assert.Equal(t, []any{"a"}, correcting.Data["failing_agents"])
}

func TestPipelineCorrectionContextCarriesPriorResults(t *testing.T) {
	exec := &mockExecutor{script: func(role string, invocation int) (*types.AgentResult, error) {
		if role == "a" && invocation == 1 {
			return failed(role)
		}
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 2)

	_, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"a", "b"}})
	require.NoError(t, err)

	calls := exec.callsFor("a")
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].prior, "first wave has no prior results")
	assert.Equal(t, 0, calls[0].cycle)
	assert.Equal(t, 1, calls[1].cycle)
	require.Len(t, calls[1].prior, 2, "correction sees all prior results, not just its own")
}

func TestPipelineBoundedCycles(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		return failed(role) // never converges
	}}
	runner, _ := newTestRunner(t, exec, 2)

	res, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"a"}})
	require.NoError(t, err)

	assert.Equal(t, types.AgentFailed, res.Status)
	assert.Equal(t, 2, res.Cycles)
	// wave 1 + two correction cycles
	assert.Len(t, exec.callsFor("a"), 3)
}

func TestPipelineExecutorErrorIsolated(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		if role == "broken" {
			return nil, errors.New("backend exploded")
		}
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 2)

	res, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"broken", "b"}})
	require.NoError(t, err, "an agent execution error must not abort the run")

	assert.Equal(t, types.AgentFailed, res.Status)

	var brokenResult *types.AgentResult
	for _, r := range res.Results {
		if r.Agent == "broken" {
			brokenResult = r
		}
	}
	require.NotNil(t, brokenResult)
	assert.Equal(t, types.AgentError, brokenResult.Status)
	require.NotEmpty(t, brokenResult.Findings, "error results carry a synthetic finding")
	assert.Contains(t, brokenResult.Findings[0].Message, "backend exploded")

	// Error status is final: it is not eligible for correction
	assert.Len(t, exec.callsFor("broken"), 1)
}

func TestPipelinePanicIsolated(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		if role == "panicky" {
			panic("agent lost its mind")
		}
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 1)

	res, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"panicky", "b"}})
	require.NoError(t, err)
	assert.Equal(t, types.AgentFailed, res.Status)

	for _, r := range res.Results {
		if r.Agent == "panicky" {
			assert.Equal(t, types.AgentError, r.Status)
			require.NotEmpty(t, r.Findings)
			assert.Contains(t, r.Findings[0].Message, "panicked")
		}
	}
}

func TestPipelineSkipYieldsFailed(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		if role == "skipped" {
			return &types.AgentResult{Agent: role, Status: types.AgentSkip}, nil
		}
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 2)

	res, err := runner.Run(context.Background(), &Request{RequestID: "run-1", Roster: []string{"skipped", "b"}})
	require.NoError(t, err)
	assert.Equal(t, types.AgentFailed, res.Status, "anything but all-passed is failed overall")
}

func TestPipelineAbortStopsSchedulingCycles(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		cancel() // abort arrives while wave 1 is in flight
		return failed(role)
	}}
	runner, _ := newTestRunner(t, exec, 5)

	res, err := runner.Run(ctx, &Request{RequestID: "run-1", Roster: []string{"a"}})
	require.NoError(t, err)

	assert.Zero(t, res.Cycles, "no correction cycle may start after abort")
	assert.Len(t, exec.callsFor("a"), 1)
	assert.Equal(t, types.AgentFailed, res.Status)
}

func TestPipelineWaveRunsAgentsConcurrently(t *testing.T) {
	const n = 4
	barrier := make(chan struct{})
	var arrived sync.WaitGroup
	arrived.Add(n)

	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		arrived.Done()
		<-barrier // all agents must be in flight at once to get past this
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 1)

	done := make(chan *Result, 1)
	go func() {
		res, err := runner.Run(context.Background(), &Request{
			RequestID: "run-1",
			Roster:    []string{"a", "b", "c", "d"},
		})
		require.NoError(t, err)
		done <- res
	}()

	waitDone := make(chan struct{})
	go func() { arrived.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(2 * time.Second):
		t.Fatal("agents did not run in parallel")
	}
	close(barrier)

	res := <-done
	assert.Equal(t, types.AgentPassed, res.Status)
}

func TestPipelineTierClassification(t *testing.T) {
	cfg := DefaultRosterConfig()

	assert.Equal(t, types.TierSmall, cfg.Classify(types.DiffStats{Insertions: 30}))
	assert.Equal(t, types.TierMedium, cfg.Classify(types.DiffStats{Insertions: 200, Deletions: 100}))
	assert.Equal(t, types.TierLarge, cfg.Classify(types.DiffStats{Insertions: 500}))

	assert.Equal(t, []string{"code-review"}, cfg.RosterFor(types.TierSmall))
	assert.Len(t, cfg.RosterFor(types.TierLarge), 4)
}

func TestPipelineTierDrivenRoster(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		return passed(role)
	}}
	runner, _ := newTestRunner(t, exec, 1)

	res, err := runner.Run(context.Background(), &Request{
		RequestID: "run-1",
		Diff:      types.DiffStats{Insertions: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, types.TierSmall, res.Tier)
	assert.Len(t, res.Results, 1)
}

func TestPipelineProgressStreamingDoesNotBlock(t *testing.T) {
	exec := &mockExecutor{script: func(role string, _ int) (*types.AgentResult, error) {
		return passed(role)
	}}
	bus, err := events.NewBus(&events.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	runner, err := NewRunner(&Config{Bus: bus, Executor: exec})
	require.NoError(t, err)

	// Drive the streamer directly: it must return immediately and the
	// event must land on the bus shortly after.
	stream := runner.progressStreamer("run-1", "code-review")
	stream(map[string]any{"type": "assistant", "text": "reading diff"})

	require.Eventually(t, func() bool {
		history, err := bus.Events("run-1")
		return err == nil && len(history) == 1
	}, 2*time.Second, 10*time.Millisecond)

	history, err := bus.Events("run-1")
	require.NoError(t, err)
	assert.Equal(t, events.EventAgentMessage, history[0].Type)
	assert.Equal(t, "code-review", history[0].Data["agent"])
}
