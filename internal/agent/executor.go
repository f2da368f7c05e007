// Package agent defines the execution boundary between the orchestration
// core and the backend that actually runs quality agents. The core only
// depends on the Executor interface; the Anthropic-backed implementation
// is one pluggable backend.
package agent

import (
	"context"

	"github.com/pipewright/pipewright/internal/types"
)

// Context is the execution context handed to an agent invocation. For
// correction cycles it carries all prior results so the agent can reason
// about earlier failures.
type Context struct {
	// RequestID correlates the invocation to a pipeline run
	RequestID string
	// Branch and WorktreePath locate the change under inspection
	Branch       string
	WorktreePath string
	// Diff and Tier describe the size of the change
	Diff types.DiffStats
	Tier types.Tier
	// Instructions is the role-specific prompt
	Instructions string
	// PriorResults holds every agent's result from earlier waves; empty
	// on the first wave
	PriorResults []*types.AgentResult
	// Cycle is zero for the first wave, then the correction cycle number
	Cycle int
}

// ProgressFunc receives one streamed CLI message block (assistant text,
// tool_use, tool_result). Blocks are side-channel progress; ordering
// relative to the final result is not guaranteed.
type ProgressFunc func(block map[string]any)

// ExecuteOptions carries per-invocation options
type ExecuteOptions struct {
	// OnProgress, when set, streams granular progress blocks. It must be
	// fast or hand off to another goroutine; it is called inline.
	OnProgress ProgressFunc
}

// Executor runs one quality agent role against a change. Implementations
// must be safe for concurrent invocation with distinct roles, must honor
// ctx cancellation, and should return a structured result even on
// internal failure. A non-nil error is converted by the pipeline into an
// error-status result; it never aborts sibling agents.
type Executor interface {
	Execute(ctx context.Context, role string, execCtx *Context, opts *ExecuteOptions) (*types.AgentResult, error)
}
