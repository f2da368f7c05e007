package reactors

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/session"
	"github.com/pipewright/pipewright/internal/types"
)

// CIRetryReactor respawns the coding agent when CI fails, up to a bounded
// retry budget, then escalates the session.
type CIRetryReactor struct {
	bus      *events.Bus
	store    *session.Store
	cfg      RetryConfig
	handlers Handlers

	mu     sync.Mutex
	unsub  events.UnsubscribeFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCIRetryReactor creates the CI retry reactor
func NewCIRetryReactor(bus *events.Bus, store *session.Store, cfg RetryConfig, handlers Handlers) (*CIRetryReactor, error) {
	if bus == nil || store == nil {
		return nil, fmt.Errorf("bus and session store are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	return &CIRetryReactor{bus: bus, store: store, cfg: cfg, handlers: handlers}, nil
}

// Start subscribes to CI failure events. Calling Start on a running
// reactor is a no-op.
func (r *CIRetryReactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.unsub = r.bus.OnEventType(events.EventSessionCIFailed, r.handleCIFailed)
}

// Stop unsubscribes. Safe to call multiple times and before Start.
func (r *CIRetryReactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

func (r *CIRetryReactor) handleCIFailed(ev *events.PipelineEvent) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	id := sessionID(ev)
	if r.store.Get(id) == nil {
		// Unknown session: ignore the event
		return
	}

	// Post-increment count in one step; the counter includes the failure
	// that produced this event.
	count, err := r.store.IncrementCIAttempts(id)
	if err != nil {
		logHandlerErr("ci-retry", "increment", id, err)
		return
	}

	if count > r.cfg.MaxRetries {
		reason := fmt.Sprintf("CI failed %d times, exceeded retry budget of %d", count, r.cfg.MaxRetries)
		if err := r.store.Transition(id, types.StatusEscalated, map[string]any{"reason": reason}); err != nil {
			logHandlerErr("ci-retry", "escalate", id, err)
			return
		}
		logHandlerErr("ci-retry", "notify", id, r.handlers.Notify(ctx, id, reason))
		return
	}

	logHandlerErr("ci-retry", "respawn", id, r.handlers.RespawnAgent(ctx, id, r.cfg.Prompt))
}
