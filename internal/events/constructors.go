package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/pipewright/pipewright/internal/types"
)

// New creates a new PipelineEvent with a fresh id and timestamp
func New(eventType EventType, requestID string, data map[string]any) *PipelineEvent {
	if data == nil {
		data = make(map[string]any)
	}
	return &PipelineEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		RequestID: requestID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// NewSessionEvent creates the lifecycle event for a session entering the
// given state. Extra payload fields are merged into the event data after
// the session_id key, so callers can attach reasons or counters.
func NewSessionEvent(status types.SessionStatus, sessionID string, extra map[string]any) *PipelineEvent {
	data := map[string]any{"session_id": sessionID}
	for k, v := range extra {
		data[k] = v
	}
	return New(SessionEventType(status), sessionID, data)
}

// NewCorrectingEvent creates the pipeline.correcting event published at
// the start of each correction cycle.
func NewCorrectingEvent(requestID string, cycle int, failingAgents []string) *PipelineEvent {
	return New(EventPipelineCorrecting, requestID, map[string]any{
		"cycle":          cycle,
		"failing_agents": failingAgents,
	})
}

// NewAgentMessageEvent creates a streamed CLI message event. Block is the
// raw message block shape (assistant text, tool_use, tool_result).
func NewAgentMessageEvent(requestID, agent string, block map[string]any) *PipelineEvent {
	return New(EventAgentMessage, requestID, map[string]any{
		"agent": agent,
		"block": block,
	})
}
