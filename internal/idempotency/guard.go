// Package idempotency prevents duplicate concurrent pipeline runs on the
// same branch. The guard holds an in-memory branch → active request map,
// persisted best-effort to active-pipelines.json so a crash cannot admit
// a duplicate run on restart.
package idempotency

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pipewright/pipewright/internal/syncutil"
)

// Guard is the branch-level idempotency guard. At most one active request
// id exists per branch at any time; callers check before registering.
type Guard struct {
	path string

	mu     sync.Mutex
	active map[string]string
	gen    uint64

	fileLock   syncutil.Mutex
	writtenGen uint64
}

// Config holds guard configuration
type Config struct {
	// DataDir is the pipeline data directory. The active map is persisted
	// to <DataDir>/active-pipelines.json
	DataDir string
}

// New creates a guard rooted at the configured data directory
func New(cfg *Config) (*Guard, error) {
	if cfg == nil || cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return &Guard{
		path:   filepath.Join(cfg.DataDir, "active-pipelines.json"),
		active: make(map[string]string),
	}, nil
}

// LoadFromDisk recovers the active map after a crash. Call once at
// startup, before serving requests. Branches still marked active from a
// prior run stay blocked until a terminal event releases them.
func (g *Guard) LoadFromDisk() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read active pipelines: %w", err)
	}

	loaded := make(map[string]string)
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("failed to parse active pipelines: %w", err)
	}

	g.mu.Lock()
	g.active = loaded
	g.mu.Unlock()
	return nil
}

// Check reports whether a request is already active for the branch, and
// if so which one.
func (g *Guard) Check(branch string) (active bool, requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	requestID, active = g.active[branch]
	return active, requestID
}

// Register records the branch → request mapping and persists the full map
// asynchronously. Persistence failures are logged, never propagated; the
// in-memory map stays authoritative for the process lifetime.
func (g *Guard) Register(branch, requestID string) error {
	if branch == "" {
		return fmt.Errorf("branch is required")
	}
	if requestID == "" {
		return fmt.Errorf("request id is required")
	}

	g.mu.Lock()
	g.active[branch] = requestID
	snapshot, gen := g.snapshotLocked()
	g.mu.Unlock()

	go g.persist(snapshot, gen)
	return nil
}

// Release removes the branch mapping and re-persists. Releasing a branch
// with no active request is a no-op.
func (g *Guard) Release(branch string) {
	g.mu.Lock()
	if _, ok := g.active[branch]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.active, branch)
	snapshot, gen := g.snapshotLocked()
	g.mu.Unlock()

	go g.persist(snapshot, gen)
}

// Active returns a copy of the current branch → request map
func (g *Guard) Active() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]string, len(g.active))
	for k, v := range g.active {
		out[k] = v
	}
	return out
}

func (g *Guard) snapshotLocked() (map[string]string, uint64) {
	snapshot := make(map[string]string, len(g.active))
	for k, v := range g.active {
		snapshot[k] = v
	}
	g.gen++
	return snapshot, g.gen
}

// persist writes one snapshot of the map, dropping stale snapshots that
// lost the race to a newer one.
func (g *Guard) persist(snapshot map[string]string, gen uint64) {
	release := g.fileLock.Acquire()
	defer release()

	if gen <= g.writtenGen {
		return
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "idempotency: failed to marshal active pipelines: %v\n", err)
		return
	}

	tmp := g.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "idempotency: failed to persist active pipelines: %v\n", err)
		return
	}
	if err := os.Rename(tmp, g.path); err != nil {
		fmt.Fprintf(os.Stderr, "idempotency: failed to persist active pipelines: %v\n", err)
		return
	}
	g.writtenGen = gen
}
