package console

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/idempotency"
	"github.com/pipewright/pipewright/internal/session"
)

func newTestConsole(t *testing.T) *Console {
	t.Helper()
	dir := t.TempDir()
	bus, err := events.NewBus(&events.Config{DataDir: dir})
	require.NoError(t, err)
	store, err := session.NewStore(&session.Config{Bus: bus, DataDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	guard, err := idempotency.New(&idempotency.Config{DataDir: dir})
	require.NoError(t, err)

	c, err := New(&Config{Store: store, Bus: bus, Guard: guard})
	require.NoError(t, err)
	return c
}

func TestConsoleValidation(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New(&Config{})
	assert.Error(t, err)
}

func TestConsoleQuitReturnsEOF(t *testing.T) {
	c := newTestConsole(t)
	assert.Equal(t, io.EOF, c.processInput("quit"))
	assert.Equal(t, io.EOF, c.processInput("exit"))
}

func TestConsoleUnknownCommand(t *testing.T) {
	c := newTestConsole(t)
	err := c.processInput("frobnicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}

func TestConsoleUsageErrors(t *testing.T) {
	c := newTestConsole(t)

	err := c.processInput("events")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage: events")

	err = c.processInput("release")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "usage: release")
}

func TestConsoleReleaseClearsRegistration(t *testing.T) {
	c := newTestConsole(t)

	require.NoError(t, c.guard.Register("fix/issue-42", "req-1"))
	require.NoError(t, c.processInput("release fix/issue-42"))

	active, _ := c.guard.Check("fix/issue-42")
	assert.False(t, active)

	err := c.processInput("release fix/issue-42")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no active pipeline")
}

func TestConsoleStatusAndEventsRun(t *testing.T) {
	c := newTestConsole(t)

	require.NoError(t, c.processInput("status"))
	require.NoError(t, c.processInput("events req-without-history"))
	require.NoError(t, c.processInput("help"))
}
