// Package pipeline runs the quality pipeline: one parallel wave of all
// roster agents, then bounded correction cycles over only the agents
// that failed, with progress published to the event bus throughout.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/types"
)

// Request describes one pipeline run over a classified change
type Request struct {
	// RequestID correlates all events and agent calls for this run
	RequestID string
	// Branch and WorktreePath locate the change
	Branch       string
	WorktreePath string
	// Diff drives tier classification when Roster is empty
	Diff types.DiffStats
	// Roster overrides the tier-derived agent roles when non-empty
	Roster []string
}

// Result is the outcome of a whole pipeline run. Overall status is
// passed only when every final agent result passed; any failed, error,
// or skip result yields failed.
type Result struct {
	Status  types.AgentStatus
	Tier    types.Tier
	Results []*types.AgentResult
	Cycles  int
	Elapsed time.Duration
}

// Config holds pipeline runner configuration
type Config struct {
	// Bus receives pipeline.* progress events and streamed agent blocks
	Bus *events.Bus
	// Executor runs individual agents
	Executor agent.Executor
	// MaxAttempts bounds the number of correction cycles after the
	// first wave.
	// Default: 2
	MaxAttempts int
	// Roster holds tier thresholds and per-tier agent rosters
	Roster RosterConfig
}

// Runner executes quality pipeline runs
type Runner struct {
	bus         *events.Bus
	executor    agent.Executor
	maxAttempts int
	roster      RosterConfig
}

// NewRunner creates a pipeline runner
func NewRunner(cfg *Config) (*Runner, error) {
	if cfg == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("agent executor is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.Roster.SmallMaxLines == 0 {
		cfg.Roster = DefaultRosterConfig()
	}
	return &Runner{
		bus:         cfg.Bus,
		executor:    cfg.Executor,
		maxAttempts: cfg.MaxAttempts,
		roster:      cfg.Roster,
	}, nil
}

// Run executes the pipeline for one request: wave 1 over the full roster
// in parallel, then up to MaxAttempts correction cycles over the failing
// agents only. The abort signal (ctx) is checked before each correction
// cycle; cancellation stops scheduling further cycles but lets in-flight
// agent calls finish naturally.
func (r *Runner) Run(ctx context.Context, req *Request) (*Result, error) {
	if req == nil || req.RequestID == "" {
		return nil, fmt.Errorf("request id is required")
	}

	start := time.Now()
	tier := r.roster.Classify(req.Diff)
	roster := req.Roster
	if len(roster) == 0 {
		roster = r.roster.RosterFor(tier)
	}
	if len(roster) == 0 {
		return nil, fmt.Errorf("empty agent roster for tier %s", tier)
	}

	r.publish(events.New(events.EventPipelineStarted, req.RequestID, map[string]any{
		"tier":   string(tier),
		"roster": roster,
	}))

	// Wave 1: every roster agent, truly in parallel
	results := r.wave(ctx, req, tier, roster, nil, 0)

	cycles := 0
	for cycle := 1; cycle <= r.maxAttempts; cycle++ {
		// Abort is only honored between cycles
		if ctx.Err() != nil {
			break
		}

		failing := failingAgents(results)
		if len(failing) == 0 {
			break
		}

		cycles = cycle
		r.publish(events.NewCorrectingEvent(req.RequestID, cycle, failing))

		// Re-invoke exactly the failed agents with all prior results as
		// enriched context, then splice by agent name: replace, never
		// append.
		corrected := r.wave(ctx, req, tier, failing, results, cycle)
		results = splice(results, corrected)
	}

	status := overallStatus(results)
	res := &Result{
		Status:  status,
		Tier:    tier,
		Results: results,
		Cycles:  cycles,
		Elapsed: time.Since(start),
	}

	r.publish(events.New(events.EventPipelineCompleted, req.RequestID, map[string]any{
		"status": string(status),
		"cycles": cycles,
	}))
	return res, nil
}

// wave runs the given roles concurrently and waits for all to settle.
// Each agent is isolated: a panic or returned error becomes an
// error-status result with a synthetic finding and never aborts the
// siblings.
func (r *Runner) wave(ctx context.Context, req *Request, tier types.Tier, roles []string, prior []*types.AgentResult, cycle int) []*types.AgentResult {
	results := make([]*types.AgentResult, len(roles))

	var g errgroup.Group
	for i, role := range roles {
		g.Go(func() error {
			results[i] = r.invoke(ctx, req, tier, role, prior, cycle)
			r.publish(events.New(events.EventPipelineAgentCompleted, req.RequestID, map[string]any{
				"agent":  role,
				"status": string(results[i].Status),
				"cycle":  cycle,
			}))
			return nil
		})
	}
	_ = g.Wait() // goroutines never return errors; isolation is per-agent
	return results
}

// invoke runs one agent with panic and error isolation
func (r *Runner) invoke(ctx context.Context, req *Request, tier types.Tier, role string, prior []*types.AgentResult, cycle int) (result *types.AgentResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			result = errorResult(role, fmt.Sprintf("agent panicked: %v", rec), time.Since(start))
		}
	}()

	execCtx := &agent.Context{
		RequestID:    req.RequestID,
		Branch:       req.Branch,
		WorktreePath: req.WorktreePath,
		Diff:         req.Diff,
		Tier:         tier,
		PriorResults: prior,
		Cycle:        cycle,
	}
	opts := &agent.ExecuteOptions{
		OnProgress: r.progressStreamer(req.RequestID, role),
	}

	res, err := r.executor.Execute(ctx, role, execCtx, opts)
	if err != nil {
		return errorResult(role, fmt.Sprintf("execution error: %v", err), time.Since(start))
	}
	if res == nil {
		return errorResult(role, "executor returned no result", time.Since(start))
	}
	if res.Agent == "" {
		res.Agent = role
	}
	if res.Duration == 0 {
		res.Duration = time.Since(start)
	}
	return res
}

// progressStreamer publishes streamed CLI message blocks as agent.message
// events. The publish runs on a detached goroutine: it is fire-and-forget
// relative to the main control flow, its failures are only logged, and
// ordering between these side-channel messages and the main result is
// not guaranteed.
func (r *Runner) progressStreamer(requestID, role string) agent.ProgressFunc {
	return func(block map[string]any) {
		go func() {
			if err := r.bus.Publish(events.NewAgentMessageEvent(requestID, role, block)); err != nil {
				fmt.Fprintf(os.Stderr, "pipeline: failed to stream agent message: %v\n", err)
			}
		}()
	}
}

func (r *Runner) publish(ev *events.PipelineEvent) {
	if err := r.bus.Publish(ev); err != nil {
		fmt.Fprintf(os.Stderr, "pipeline: failed to publish %s: %v\n", ev.Type, err)
	}
}

// errorResult converts an execution failure into a structured result so
// the correction loop can keep going.
func errorResult(role, message string, elapsed time.Duration) *types.AgentResult {
	return &types.AgentResult{
		Agent:    role,
		Status:   types.AgentError,
		Duration: elapsed,
		Findings: []types.Finding{{
			Severity: "error",
			Message:  message,
		}},
	}
}

// failingAgents returns the names of agents whose latest result failed.
// Only failed results are eligible for correction; error and skip are
// final for the run.
func failingAgents(results []*types.AgentResult) []string {
	var out []string
	for _, res := range results {
		if res.Status == types.AgentFailed {
			out = append(out, res.Agent)
		}
	}
	return out
}

// splice replaces results by agent name with their corrected versions
func splice(results, corrected []*types.AgentResult) []*types.AgentResult {
	byName := make(map[string]*types.AgentResult, len(corrected))
	for _, res := range corrected {
		byName[res.Agent] = res
	}
	out := make([]*types.AgentResult, len(results))
	for i, res := range results {
		if replacement, ok := byName[res.Agent]; ok {
			out[i] = replacement
		} else {
			out[i] = res
		}
	}
	return out
}

// overallStatus is passed only when every final result passed
func overallStatus(results []*types.AgentResult) types.AgentStatus {
	for _, res := range results {
		if res.Status != types.AgentPassed {
			return types.AgentFailed
		}
	}
	return types.AgentPassed
}
