// Package session owns the per-session state machine. The Store is the
// single writer of session state: workflow reactors and the pipeline only
// read snapshots and request transitions, never mutate records directly.
package session

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/types"
)

// legalTransitions is the reachable-state table. A transition not listed
// here fails with a StateError and leaves the session unmodified.
// Terminal states (merged, escalated, failed) have no outgoing edges.
var legalTransitions = map[types.SessionStatus][]types.SessionStatus{
	types.StatusPlanning:     {types.StatusImplementing, types.StatusFailed, types.StatusEscalated},
	types.StatusImplementing: {types.StatusReview, types.StatusCI, types.StatusFailed, types.StatusEscalated},
	types.StatusReview:       {types.StatusImplementing, types.StatusCI, types.StatusFailed, types.StatusEscalated},
	types.StatusCI:           {types.StatusImplementing, types.StatusReview, types.StatusMerged, types.StatusFailed, types.StatusEscalated},
	types.StatusMerged:       {},
	types.StatusEscalated:    {},
	types.StatusFailed:       {},
}

func transitionAllowed(from, to types.SessionStatus) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Store holds session records, validates and executes transitions,
// persists state, and emits lifecycle events onto the bus. The in-memory
// map is authoritative for the process lifetime; persistence failures are
// logged, not propagated, at the documented cost that a crash before a
// successful persist loses the most recent change.
type Store struct {
	bus *events.Bus
	db  *DB

	mu       sync.Mutex
	sessions map[string]*types.Session
}

// Config holds session store configuration
type Config struct {
	// Bus receives a session.<state> event on every transition
	Bus *events.Bus
	// DataDir is the pipeline data directory; session records persist to
	// <DataDir>/pipewright.db
	DataDir string
}

// NewStore creates a session store backed by SQLite
func NewStore(cfg *Config) (*Store, error) {
	if cfg == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	db, err := OpenDB(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	return &Store{
		bus:      cfg.Bus,
		db:       db,
		sessions: make(map[string]*types.Session),
	}, nil
}

// LoadFromDisk restores persisted sessions after a restart. Call once at
// startup before subscribing reactors.
func (s *Store) LoadFromDisk() error {
	loaded, err := s.db.LoadSessions()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range loaded {
		s.sessions[sess.ID] = sess
	}
	return nil
}

// Create registers a new session and publishes its initial state event.
// The session starts in planning unless the caller set another status.
func (s *Store) Create(sess *types.Session) error {
	if sess == nil {
		return fmt.Errorf("session is required")
	}
	if sess.Status == "" {
		sess.Status = types.StatusPlanning
	}
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("invalid session: %w", err)
	}

	now := time.Now().UTC()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	sess.IsActive = !sess.Status.IsTerminal()

	s.mu.Lock()
	if _, exists := s.sessions[sess.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	s.sessions[sess.ID] = sess
	snapshot := *sess
	s.mu.Unlock()

	s.persist(&snapshot)
	s.publish(events.NewSessionEvent(snapshot.Status, snapshot.ID, map[string]any{
		"branch": snapshot.Branch,
		"issue":  snapshot.Issue.Number,
	}))
	return nil
}

// Get returns a read-only snapshot of a session, or nil if absent.
// Callers must treat a missing session as "ignore the event", never as an
// error condition.
func (s *Store) Get(id string) *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil
	}
	snapshot := *sess
	return &snapshot
}

// Active returns snapshots of every session that has not reached a
// terminal state, for status display.
func (s *Store) Active() []*types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Session
	for _, sess := range s.sessions {
		if sess.IsActive {
			snapshot := *sess
			out = append(out, &snapshot)
		}
	}
	return out
}

// Transition moves a session to a new state. Illegal transitions fail
// with a *types.StateError and do not mutate the record. On success the
// new state is persisted and a session.<toState> event carrying extra as
// payload data is published.
func (s *Store) Transition(id string, to types.SessionStatus, extra map[string]any) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid target status: %s", to)
	}

	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s not found", id)
	}
	if !transitionAllowed(sess.Status, to) {
		from := sess.Status
		s.mu.Unlock()
		return &types.StateError{SessionID: id, From: from, To: to}
	}

	sess.Status = to
	sess.UpdatedAt = time.Now().UTC()
	if to.IsTerminal() {
		sess.IsActive = false
		closed := sess.UpdatedAt
		sess.ClosedAt = &closed
	}
	snapshot := *sess
	s.mu.Unlock()

	s.persist(&snapshot)
	s.publish(events.NewSessionEvent(to, id, extra))
	return nil
}

// Update applies an in-place field mutation without a state transition,
// then persists. Status changes through Update are ignored; use
// Transition for those.
func (s *Store) Update(id string, mutate func(*types.Session)) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("session %s not found", id)
	}

	status := sess.Status
	mutate(sess)
	sess.Status = status
	sess.UpdatedAt = time.Now().UTC()
	snapshot := *sess
	s.mu.Unlock()

	s.persist(&snapshot)
	return nil
}

// IncrementCIAttempts bumps the CI attempt counter and returns the
// post-increment count, so callers can compare against a retry budget in
// a single read-modify-write step.
func (s *Store) IncrementCIAttempts(id string) (int, error) {
	return s.increment(id, func(sess *types.Session) *int { return &sess.CIAttempts })
}

// IncrementReviewAttempts bumps the review attempt counter and returns
// the post-increment count.
func (s *Store) IncrementReviewAttempts(id string) (int, error) {
	return s.increment(id, func(sess *types.Session) *int { return &sess.ReviewAttempts })
}

func (s *Store) increment(id string, field func(*types.Session) *int) (int, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("session %s not found", id)
	}
	counter := field(sess)
	*counter++
	count := *counter
	sess.UpdatedAt = time.Now().UTC()
	snapshot := *sess
	s.mu.Unlock()

	s.persist(&snapshot)
	return count, nil
}

// Close releases the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// persist writes one session snapshot, logging failures instead of
// propagating them.
func (s *Store) persist(sess *types.Session) {
	if err := s.db.SaveSession(sess); err != nil {
		fmt.Fprintf(os.Stderr, "session: failed to persist %s: %v\n", sess.ID, err)
	}
}

// publish emits an event outside the store lock so subscribers can call
// back into the store without deadlocking.
func (s *Store) publish(ev *events.PipelineEvent) {
	if err := s.bus.Publish(ev); err != nil {
		fmt.Fprintf(os.Stderr, "session: failed to publish %s: %v\n", ev.Type, err)
	}
}
