package idempotency

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard(t *testing.T) (*Guard, string) {
	t.Helper()
	dir := t.TempDir()
	g, err := New(&Config{DataDir: dir})
	require.NoError(t, err)
	return g, dir
}

func readPersisted(t *testing.T, dir string) map[string]string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, "active-pipelines.json"))
	require.NoError(t, err)
	out := make(map[string]string)
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestCheckUnknownBranch(t *testing.T) {
	g, _ := newTestGuard(t)

	active, requestID := g.Check("feature/x")
	assert.False(t, active)
	assert.Empty(t, requestID)
}

func TestRegisterThenCheckReportsDuplicate(t *testing.T) {
	g, _ := newTestGuard(t)

	require.NoError(t, g.Register("feature/x", "req-1"))

	active, requestID := g.Check("feature/x")
	assert.True(t, active)
	assert.Equal(t, "req-1", requestID)

	// At most one active request id per branch
	assert.Len(t, g.Active(), 1)
}

func TestReleaseClearsBranch(t *testing.T) {
	g, _ := newTestGuard(t)

	require.NoError(t, g.Register("feature/x", "req-1"))
	g.Release("feature/x")

	active, _ := g.Check("feature/x")
	assert.False(t, active)

	// Releasing again is a no-op
	g.Release("feature/x")
}

func TestRegisterValidation(t *testing.T) {
	g, _ := newTestGuard(t)

	require.Error(t, g.Register("", "req-1"))
	require.Error(t, g.Register("feature/x", ""))
}

func TestPersistenceRoundTrip(t *testing.T) {
	g, dir := newTestGuard(t)

	require.NoError(t, g.Register("feature/x", "req-1"))
	require.NoError(t, g.Register("feature/y", "req-2"))

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "active-pipelines.json"))
		if err != nil {
			return false
		}
		out := make(map[string]string)
		return json.Unmarshal(data, &out) == nil && len(out) == 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, map[string]string{
		"feature/x": "req-1",
		"feature/y": "req-2",
	}, readPersisted(t, dir))

	// A fresh guard over the same directory recovers the active map and
	// keeps prior-run branches blocked
	recovered, err := New(&Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, recovered.LoadFromDisk())

	active, requestID := recovered.Check("feature/x")
	assert.True(t, active)
	assert.Equal(t, "req-1", requestID)
}

func TestReleaseRePersists(t *testing.T) {
	g, dir := newTestGuard(t)

	require.NoError(t, g.Register("feature/x", "req-1"))
	g.Release("feature/x")

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(filepath.Join(dir, "active-pipelines.json"))
		if err != nil {
			return false
		}
		out := make(map[string]string)
		return json.Unmarshal(data, &out) == nil && len(out) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoadFromDiskMissingFile(t *testing.T) {
	g, _ := newTestGuard(t)
	require.NoError(t, g.LoadFromDisk())
}

func TestLoadFromDiskCorruptFile(t *testing.T) {
	g, dir := newTestGuard(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "active-pipelines.json"), []byte("{not json"), 0644))
	require.Error(t, g.LoadFromDisk())
}
