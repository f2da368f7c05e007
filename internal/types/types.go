package types

import (
	"fmt"
	"time"
)

// Session represents one issue-to-PR lifecycle instance. It is created on
// issue intake, mutated only through validated Store transitions, and
// retained for audit after reaching a terminal status.
type Session struct {
	ID             string        `json:"id"`
	Issue          IssueRef      `json:"issue"`
	Branch         string        `json:"branch"`
	WorktreePath   string        `json:"worktree_path,omitempty"`
	PRNumber       int           `json:"pr_number,omitempty"`
	Plan           string        `json:"plan,omitempty"`
	Status         SessionStatus `json:"status"`
	CIAttempts     int           `json:"ci_attempts"`
	ReviewAttempts int           `json:"review_attempts"`
	IsActive       bool          `json:"is_active"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	ClosedAt       *time.Time    `json:"closed_at,omitempty"`
}

// IssueRef is an opaque reference into the external issue tracker.
// The orchestration core never interprets it beyond display.
type IssueRef struct {
	Number int    `json:"number"`
	Title  string `json:"title,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Validate checks if the session has valid field values
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if s.Branch == "" {
		return fmt.Errorf("branch is required")
	}
	if !s.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", s.Status)
	}
	if s.CIAttempts < 0 || s.ReviewAttempts < 0 {
		return fmt.Errorf("attempt counters cannot be negative")
	}
	return nil
}

// SessionStatus represents the current lifecycle state of a session
type SessionStatus string

const (
	StatusPlanning     SessionStatus = "planning"
	StatusImplementing SessionStatus = "implementing"
	StatusReview       SessionStatus = "review"
	StatusCI           SessionStatus = "ci"
	StatusMerged       SessionStatus = "merged"
	StatusEscalated    SessionStatus = "escalated"
	StatusFailed       SessionStatus = "failed"
)

// IsValid checks if the status value is valid
func (s SessionStatus) IsValid() bool {
	switch s {
	case StatusPlanning, StatusImplementing, StatusReview, StatusCI,
		StatusMerged, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the session lifecycle.
// Terminal sessions are retained for audit but never transition again.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusMerged, StatusEscalated, StatusFailed:
		return true
	}
	return false
}

// StateError is returned when a requested session transition is not legal
// from the session's current state. The session is left unmodified.
type StateError struct {
	SessionID string
	From      SessionStatus
	To        SessionStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("illegal transition for session %s: %s -> %s", e.SessionID, e.From, e.To)
}

// Tier classifies a changeset by size. The tier drives which quality agents
// run against the change.
type Tier string

const (
	TierSmall  Tier = "small"
	TierMedium Tier = "medium"
	TierLarge  Tier = "large"
)

// IsValid checks if the tier value is valid
func (t Tier) IsValid() bool {
	switch t {
	case TierSmall, TierMedium, TierLarge:
		return true
	}
	return false
}

// DiffStats summarizes the size of a changeset for tier classification
type DiffStats struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// TotalLines returns the combined insertion and deletion count
func (d DiffStats) TotalLines() int {
	return d.Insertions + d.Deletions
}

// AgentStatus represents the outcome of a single quality agent invocation
type AgentStatus string

const (
	AgentPassed AgentStatus = "passed"
	AgentFailed AgentStatus = "failed"
	AgentSkip   AgentStatus = "skip"
	AgentError  AgentStatus = "error"
)

// Finding is a single issue reported by a quality agent
type Finding struct {
	Severity string `json:"severity"`
	File     string `json:"file,omitempty"`
	Line     int    `json:"line,omitempty"`
	Message  string `json:"message"`
}

// AgentResult is the outcome of one quality agent invocation within a
// pipeline wave. A later correction cycle supersedes the result for the
// same agent rather than appending a second one.
type AgentResult struct {
	Agent        string        `json:"agent"`
	Status       AgentStatus   `json:"status"`
	Findings     []Finding     `json:"findings,omitempty"`
	FixesApplied int           `json:"fixes_applied"`
	Duration     time.Duration `json:"duration"`
	CostUSD      float64       `json:"cost_usd,omitempty"`
	InputTokens  int64         `json:"input_tokens,omitempty"`
	OutputTokens int64         `json:"output_tokens,omitempty"`
}

// Passed reports whether the agent run completed clean
func (r *AgentResult) Passed() bool {
	return r.Status == AgentPassed
}
