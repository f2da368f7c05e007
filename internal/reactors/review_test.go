package reactors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/types"
)

func emitChangesRequested(t *testing.T, bus *events.Bus, sessionID string) {
	t.Helper()
	require.NoError(t, bus.Publish(events.New(events.EventSessionChangesRequested, sessionID, nil)))
}

func TestReviewRetryBudgetExhaustion(t *testing.T) {
	bus, store := newReactorFixture(t)
	createSession(t, store, "sess-1")

	rec := &handlerRecorder{}
	reactor, err := NewReviewReactor(bus, store, RetryConfig{MaxRetries: 2, Prompt: "address review comments"}, rec.handlers())
	require.NoError(t, err)
	reactor.Start()
	defer reactor.Stop()

	emitChangesRequested(t, bus, "sess-1")
	emitChangesRequested(t, bus, "sess-1")
	assert.Equal(t, 2, rec.respawnCount())
	assert.Equal(t, []string{"address review comments", "address review comments"}, rec.respawns)

	emitChangesRequested(t, bus, "sess-1")
	assert.Equal(t, 2, rec.respawnCount())

	sess := store.Get("sess-1")
	assert.Equal(t, types.StatusEscalated, sess.Status)
	assert.Equal(t, 3, sess.ReviewAttempts)
	assert.Zero(t, sess.CIAttempts, "review failures must not touch the CI counter")
	assert.Contains(t, rec.lastNotify(), "exceeded retry budget")
}

func TestReviewIndependentFromCIBudget(t *testing.T) {
	bus, store := newReactorFixture(t)
	createSession(t, store, "sess-1")

	rec := &handlerRecorder{}
	ci, err := NewCIRetryReactor(bus, store, RetryConfig{MaxRetries: 3}, rec.handlers())
	require.NoError(t, err)
	review, err := NewReviewReactor(bus, store, RetryConfig{MaxRetries: 3}, rec.handlers())
	require.NoError(t, err)
	ci.Start()
	review.Start()
	defer ci.Stop()
	defer review.Stop()

	emitCIFailed(t, bus, "sess-1")
	emitChangesRequested(t, bus, "sess-1")
	emitCIFailed(t, bus, "sess-1")

	sess := store.Get("sess-1")
	assert.Equal(t, 2, sess.CIAttempts)
	assert.Equal(t, 1, sess.ReviewAttempts)
	assert.Equal(t, types.StatusPlanning, sess.Status, "neither budget is exhausted")
}

func TestReviewUnknownSessionIgnored(t *testing.T) {
	bus, store := newReactorFixture(t)

	rec := &handlerRecorder{}
	reactor, err := NewReviewReactor(bus, store, DefaultRetryConfig(), rec.handlers())
	require.NoError(t, err)
	reactor.Start()
	defer reactor.Stop()

	emitChangesRequested(t, bus, "ghost")
	assert.Zero(t, rec.respawnCount())
}

func TestReviewStopBeforeStart(t *testing.T) {
	bus, store := newReactorFixture(t)
	createSession(t, store, "sess-1")

	rec := &handlerRecorder{}
	reactor, err := NewReviewReactor(bus, store, DefaultRetryConfig(), rec.handlers())
	require.NoError(t, err)

	reactor.Stop()
	reactor.Stop()

	emitChangesRequested(t, bus, "sess-1")
	assert.Zero(t, rec.respawnCount())
}
