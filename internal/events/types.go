package events

import (
	"time"

	"github.com/pipewright/pipewright/internal/types"
)

// EventType identifies the kind of lifecycle event, namespaced by the
// component that emits it (session.*, pipeline.*, agent.*).
type EventType string

const (
	// Session state events, one per state machine state. Emitted by the
	// session store on every successful transition.
	EventSessionPlanning     EventType = "session.planning"
	EventSessionImplementing EventType = "session.implementing"
	EventSessionReview       EventType = "session.review"
	EventSessionCI           EventType = "session.ci"
	EventSessionMerged       EventType = "session.merged"
	EventSessionEscalated    EventType = "session.escalated"
	EventSessionFailed       EventType = "session.failed"

	// Session signal events, emitted when external signals arrive
	// (CI results, review verdicts, PR creation).
	EventSessionCIFailed         EventType = "session.ci_failed"
	EventSessionCIPassed         EventType = "session.ci_passed"
	EventSessionChangesRequested EventType = "session.changes_requested"
	EventSessionPRCreated        EventType = "session.pr_created"

	// Quality pipeline events
	// EventPipelineStarted indicates a pipeline run began
	EventPipelineStarted EventType = "pipeline.started"
	// EventPipelineCorrecting indicates a correction cycle began; data
	// carries the cycle number and the names of the failing agents
	EventPipelineCorrecting EventType = "pipeline.correcting"
	// EventPipelineAgentCompleted indicates one agent finished a wave
	EventPipelineAgentCompleted EventType = "pipeline.agent_completed"
	// EventPipelineCompleted indicates the whole run finished
	EventPipelineCompleted EventType = "pipeline.completed"

	// EventAgentMessage carries one streamed CLI message block (assistant
	// text, tool_use, tool_result) from a running agent. These are
	// side-channel progress events; ordering relative to the agent's
	// final result is not guaranteed.
	EventAgentMessage EventType = "agent.message"
)

// AllEventTypes returns every known event type. Outbound delivery
// subscribes to the full set so adapters see the whole stream.
func AllEventTypes() []EventType {
	return []EventType{
		EventSessionPlanning,
		EventSessionImplementing,
		EventSessionReview,
		EventSessionCI,
		EventSessionMerged,
		EventSessionEscalated,
		EventSessionFailed,
		EventSessionCIFailed,
		EventSessionCIPassed,
		EventSessionChangesRequested,
		EventSessionPRCreated,
		EventPipelineStarted,
		EventPipelineCorrecting,
		EventPipelineAgentCompleted,
		EventPipelineCompleted,
		EventAgentMessage,
	}
}

// SessionEventType maps a session status to its lifecycle event type
func SessionEventType(status types.SessionStatus) EventType {
	return EventType("session." + string(status))
}

// PipelineEvent is an immutable lifecycle event. Events are write-once:
// the bus persists and delivers them but never mutates a published event.
// Within a single RequestID, subscribers observe events in publish order.
type PipelineEvent struct {
	// ID is the unique identifier for this event
	ID string `json:"id"`
	// Type is the namespaced event type
	Type EventType `json:"event_type"`
	// RequestID correlates the event to a session or pipeline run
	RequestID string `json:"request_id"`
	// Timestamp is when the event was published
	Timestamp time.Time `json:"timestamp"`
	// Data is the open key/value payload
	Data map[string]any `json:"data,omitempty"`
	// Metadata carries transport concerns (source component, attempt
	// counts); consumers must not branch on it
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Handler is a bus subscriber callback. Handlers run synchronously on the
// publisher's goroutine; a handler that panics is isolated and logged and
// never blocks delivery to other subscribers.
type Handler func(event *PipelineEvent)

// UnsubscribeFunc removes a subscription. Safe to call more than once.
type UnsubscribeFunc func()
