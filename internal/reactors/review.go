package reactors

import (
	"context"
	"fmt"
	"sync"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/session"
	"github.com/pipewright/pipewright/internal/types"
)

// ReviewReactor respawns the coding agent when a reviewer requests
// changes, on its own attempt counter and budget, then escalates.
type ReviewReactor struct {
	bus      *events.Bus
	store    *session.Store
	cfg      RetryConfig
	handlers Handlers

	mu     sync.Mutex
	unsub  events.UnsubscribeFunc
	ctx    context.Context
	cancel context.CancelFunc
}

// NewReviewReactor creates the review reactor
func NewReviewReactor(bus *events.Bus, store *session.Store, cfg RetryConfig, handlers Handlers) (*ReviewReactor, error) {
	if bus == nil || store == nil {
		return nil, fmt.Errorf("bus and session store are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	return &ReviewReactor{bus: bus, store: store, cfg: cfg, handlers: handlers}, nil
}

// Start subscribes to changes-requested events
func (r *ReviewReactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsub != nil {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.unsub = r.bus.OnEventType(events.EventSessionChangesRequested, r.handleChangesRequested)
}

// Stop unsubscribes. Safe to call multiple times and before Start.
func (r *ReviewReactor) Stop() {
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

func (r *ReviewReactor) handleChangesRequested(ev *events.PipelineEvent) {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	id := sessionID(ev)
	if r.store.Get(id) == nil {
		return
	}

	count, err := r.store.IncrementReviewAttempts(id)
	if err != nil {
		logHandlerErr("review", "increment", id, err)
		return
	}

	if count > r.cfg.MaxRetries {
		reason := fmt.Sprintf("review requested changes %d times, exceeded retry budget of %d", count, r.cfg.MaxRetries)
		if err := r.store.Transition(id, types.StatusEscalated, map[string]any{"reason": reason}); err != nil {
			logHandlerErr("review", "escalate", id, err)
			return
		}
		logHandlerErr("review", "notify", id, r.handlers.Notify(ctx, id, reason))
		return
	}

	logHandlerErr("review", "respawn", id, r.handlers.RespawnAgent(ctx, id, r.cfg.Prompt))
}
