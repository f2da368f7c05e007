package reactors

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/session"
	"github.com/pipewright/pipewright/internal/types"
)

// StuckAction selects what the merge reactor does when a session shows no
// progress for the configured window.
type StuckAction string

const (
	StuckEscalate StuckAction = "escalate"
	StuckNotify   StuckAction = "notify"
)

// MergeConfig holds merge reactor configuration
type MergeConfig struct {
	// AutoMerge is the global auto-merge switch
	AutoMerge bool
	// MergeOnApproval additionally permits merging as the reaction to an
	// approved, green PR. Both this and AutoMerge must be true to merge;
	// otherwise the reactor notifies instead.
	MergeOnApproval bool
	// ApprovedTemplate is the notification message when not auto-merging.
	// #{issueNumber} and #{prNumber} are substituted from the session.
	ApprovedTemplate string
	// StuckAfter is how long a session may sit in implementing or with an
	// open PR before the stuck policy fires.
	// Default: 30 minutes
	StuckAfter time.Duration
	// StuckAction is what to do when the timer fires: escalate the
	// session or just notify.
	// Default: notify
	StuckAction StuckAction
}

// DefaultMergeConfig returns default merge reactor configuration
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		ApprovedTemplate: "PR ##{prNumber} for issue ##{issueNumber} is approved and green",
		StuckAfter:       30 * time.Minute,
		StuckAction:      StuckNotify,
	}
}

// MergeReactor reacts to approved green PRs by merging or notifying, and
// independently watches for stuck sessions on a per-session timer.
type MergeReactor struct {
	bus      *events.Bus
	store    *session.Store
	cfg      MergeConfig
	handlers Handlers

	mu      sync.Mutex
	unsubs  []events.UnsubscribeFunc
	timers  map[string]*time.Timer
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
}

// NewMergeReactor creates the merge reactor
func NewMergeReactor(bus *events.Bus, store *session.Store, cfg MergeConfig, handlers Handlers) (*MergeReactor, error) {
	if bus == nil || store == nil {
		return nil, fmt.Errorf("bus and session store are required")
	}
	def := DefaultMergeConfig()
	if cfg.StuckAfter <= 0 {
		cfg.StuckAfter = def.StuckAfter
	}
	if cfg.StuckAction == "" {
		cfg.StuckAction = def.StuckAction
	}
	if cfg.ApprovedTemplate == "" {
		cfg.ApprovedTemplate = def.ApprovedTemplate
	}
	return &MergeReactor{
		bus:      bus,
		store:    store,
		cfg:      cfg,
		handlers: handlers,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// Start subscribes to CI results, progress events, and terminal events
func (r *MergeReactor) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.unsubs = []events.UnsubscribeFunc{
		r.bus.OnEventType(events.EventSessionCIPassed, r.handleCIPassed),
		r.bus.OnEventTypes([]events.EventType{
			events.EventSessionImplementing,
			events.EventSessionPRCreated,
		}, r.handleProgress),
		r.bus.OnEventTypes([]events.EventType{
			events.EventSessionMerged,
			events.EventSessionFailed,
			events.EventSessionEscalated,
		}, r.handleTerminal),
	}
}

// Stop unsubscribes and clears every outstanding stuck timer. Safe to
// call multiple times and before Start.
func (r *MergeReactor) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	for id, timer := range r.timers {
		timer.Stop()
		delete(r.timers, id)
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
}

// handleCIPassed merges or notifies when a green PR is already approved
func (r *MergeReactor) handleCIPassed(ev *events.PipelineEvent) {
	r.mu.Lock()
	ctx, running := r.ctx, r.running
	r.mu.Unlock()
	if !running {
		return
	}

	approved, _ := ev.Data["prApproved"].(bool)
	if !approved {
		return
	}

	id := sessionID(ev)
	sess := r.store.Get(id)
	if sess == nil {
		return
	}

	if r.cfg.AutoMerge && r.cfg.MergeOnApproval {
		if err := r.handlers.AutoMerge(ctx, id); err != nil {
			logHandlerErr("merge", "auto-merge", id, err)
			return
		}
		if err := r.store.Transition(id, types.StatusMerged, map[string]any{"merged_by": "auto_merge"}); err != nil {
			logHandlerErr("merge", "transition", id, err)
		}
		return
	}

	msg := interpolate(r.cfg.ApprovedTemplate, sess)
	logHandlerErr("merge", "notify", id, r.handlers.Notify(ctx, id, msg))
}

// handleProgress (re)arms the per-session stuck timer
func (r *MergeReactor) handleProgress(ev *events.PipelineEvent) {
	id := sessionID(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
	}
	r.timers[id] = time.AfterFunc(r.cfg.StuckAfter, func() { r.onStuck(id) })
}

// handleTerminal cancels the stuck timer for a finished session
func (r *MergeReactor) handleTerminal(ev *events.PipelineEvent) {
	id := sessionID(ev)

	r.mu.Lock()
	defer r.mu.Unlock()
	if timer, ok := r.timers[id]; ok {
		timer.Stop()
		delete(r.timers, id)
	}
}

// onStuck fires when a session made no progress for the whole window. A
// timer that leaks past Stop is a no-op: the running check catches it.
func (r *MergeReactor) onStuck(id string) {
	r.mu.Lock()
	ctx, running := r.ctx, r.running
	delete(r.timers, id)
	r.mu.Unlock()
	if !running {
		return
	}

	sess := r.store.Get(id)
	if sess == nil || !sess.IsActive {
		return
	}

	reason := fmt.Sprintf("no progress for %s", r.cfg.StuckAfter)
	if r.cfg.StuckAction == StuckEscalate {
		if err := r.store.Transition(id, types.StatusEscalated, map[string]any{"reason": "agent stuck: " + reason}); err != nil {
			logHandlerErr("merge", "escalate", id, err)
			return
		}
	}
	logHandlerErr("merge", "notify", id, r.handlers.Notify(ctx, id, "agent appears stuck: "+reason))
}

// interpolate substitutes #{issueNumber} and #{prNumber} placeholders
func interpolate(template string, sess *types.Session) string {
	out := strings.ReplaceAll(template, "#{issueNumber}", strconv.Itoa(sess.Issue.Number))
	out = strings.ReplaceAll(out, "#{prNumber}", strconv.Itoa(sess.PRNumber))
	return out
}
