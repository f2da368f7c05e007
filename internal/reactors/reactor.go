// Package reactors holds the workflow policies that drive sessions
// forward in response to bus events. Each reactor is stateless between
// events: it reads a session snapshot, applies a retry-budget or
// time-based rule, and invokes injected handler callbacks. Reactors never
// mutate sessions directly; they request transitions from the store.
package reactors

import (
	"context"
	"fmt"
	"os"

	"github.com/pipewright/pipewright/internal/events"
)

// Handlers are the injected side-effecting callbacks a reactor drives.
// Each is an opaque asynchronous action; reactors only care about
// success or failure.
type Handlers struct {
	// RespawnAgent relaunches a coding agent against the session with
	// the given corrective prompt
	RespawnAgent func(ctx context.Context, sessionID, prompt string) error
	// Notify delivers a human-facing message about the session
	Notify func(ctx context.Context, sessionID, message string) error
	// AutoMerge merges the session's pull request
	AutoMerge func(ctx context.Context, sessionID string) error
}

// RetryConfig is the budget/prompt slice shared by the CI and review
// reactors. A budget of N means the (N+1)-th failure escalates: the
// comparison is strictly "count > MaxRetries" because the counter already
// includes the failure that triggered the event.
type RetryConfig struct {
	// MaxRetries is the number of respawn attempts before escalation.
	// Default: 3
	MaxRetries int
	// Prompt is passed to RespawnAgent on each retry
	Prompt string
}

// DefaultRetryConfig returns default retry reactor configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{MaxRetries: 3}
}

// sessionID extracts the session correlation id from an event. The
// payload key wins over the request id so pipeline-scoped events can
// still point at a session.
func sessionID(ev *events.PipelineEvent) string {
	if id, ok := ev.Data["session_id"].(string); ok && id != "" {
		return id
	}
	return ev.RequestID
}

// logHandlerErr reports a failed handler callback. Handler failures never
// abort the reactor; the next event drives the policy again.
func logHandlerErr(reactor, handler, sessionID string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %s handler failed for session %s: %v\n", reactor, handler, sessionID, err)
	}
}
