// Package dlq implements the dead letter queue: a persistent per-adapter
// retry ledger for outbound deliveries that failed. Each (adapter,
// request) pair owns one append-only ledger file; the last line of the
// file is authoritative. All retry state is derived from disk, so the
// queue survives process restarts with no in-memory bookkeeping.
package dlq

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/syncutil"
)

// Entry is one ledger line for a failed delivery. RetryCount only ever
// increases across the lines of a ledger; once it reaches the configured
// maximum the entry is exhausted and excluded from further retries, but
// the ledger file is left on disk for inspection.
type Entry struct {
	Adapter     string                `json:"adapter"`
	Event       *events.PipelineEvent `json:"event"`
	LastError   string                `json:"last_error"`
	EnqueuedAt  time.Time             `json:"enqueued_at"`
	RetryCount  int                   `json:"retry_count"`
	NextRetryAt time.Time             `json:"next_retry_at"`
}

// RetryStats reports the outcome of one retry sweep for an adapter
type RetryStats struct {
	Delivered int
	Failed    int
	Exhausted int
}

// DeliverFunc attempts redelivery of one event. A nil return clears the
// entry; an error schedules the next backoff attempt.
type DeliverFunc func(ctx context.Context, event *events.PipelineEvent) error

// Config holds dead letter queue configuration
type Config struct {
	// DataDir is the pipeline data directory. Ledgers are written to
	// <DataDir>/dlq/<adapter>/<request_id>.log
	DataDir string
	// Enabled controls whether failed deliveries are recorded at all.
	// When false, Enqueue is a no-op.
	Enabled bool
	// BaseDelay is the delay before the first retry.
	// Default: 30 seconds
	BaseDelay time.Duration
	// BackoffFactor multiplies the delay per prior failure.
	// Default: 2.0
	BackoffFactor float64
	// MaxRetries is the number of redelivery attempts before an entry is
	// permanently exhausted.
	// Default: 5
	MaxRetries int
}

// DefaultConfig returns default dead letter queue configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:       true,
		BaseDelay:     30 * time.Second,
		BackoffFactor: 2.0,
		MaxRetries:    5,
	}
}

// Queue is the dead letter queue
type Queue struct {
	cfg *Config
	dir string

	lockMu  sync.Mutex
	ledgers map[string]*syncutil.Mutex

	// now is injectable for tests
	now func() time.Time
}

// New creates a dead letter queue rooted at the configured data directory
func New(cfg *Config) (*Queue, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	dir := filepath.Join(cfg.DataDir, "dlq")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create dlq directory: %w", err)
	}

	return &Queue{
		cfg:     cfg,
		dir:     dir,
		ledgers: make(map[string]*syncutil.Mutex),
		now:     time.Now,
	}, nil
}

// Enqueue records a failed delivery for later retry. The first ledger
// line carries retry count zero and a next attempt one base delay out.
// No-op when the queue is disabled.
func (q *Queue) Enqueue(adapter string, event *events.PipelineEvent, deliverErr error) error {
	if !q.cfg.Enabled {
		return nil
	}
	if adapter == "" {
		return fmt.Errorf("adapter name is required")
	}
	if event == nil {
		return fmt.Errorf("event is required")
	}

	errMsg := ""
	if deliverErr != nil {
		errMsg = deliverErr.Error()
	}

	now := q.now()
	entry := &Entry{
		Adapter:     adapter,
		Event:       event,
		LastError:   errMsg,
		EnqueuedAt:  now,
		RetryCount:  0,
		NextRetryAt: now.Add(q.cfg.BaseDelay),
	}
	return q.appendEntry(adapter, event.RequestID, entry)
}

// ProcessRetries scans every ledger for the adapter and redelivers the
// due entries. Entries whose next attempt lies in the future are skipped.
// On success the ledger is cleared; on failure a new line is appended with
// the retry count bumped and the next attempt pushed out exponentially.
// Entries at or past the retry limit are counted exhausted and never
// redelivered.
func (q *Queue) ProcessRetries(ctx context.Context, adapter string, deliver DeliverFunc) (*RetryStats, error) {
	stats := &RetryStats{}
	if !q.cfg.Enabled {
		return stats, nil
	}

	adapterDir := filepath.Join(q.dir, sanitize(adapter))
	files, err := os.ReadDir(adapterDir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return nil, fmt.Errorf("failed to scan dlq for adapter %s: %w", adapter, err)
	}

	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".log") {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		path := filepath.Join(adapterDir, f.Name())
		if err := q.retryOne(ctx, adapter, path, deliver, stats); err != nil {
			// One corrupt or contended ledger must not abort the sweep
			fmt.Fprintf(os.Stderr, "dlq: error processing %s: %v\n", path, err)
		}
	}
	return stats, nil
}

// retryOne processes a single ledger file under its lock
func (q *Queue) retryOne(ctx context.Context, adapter, path string, deliver DeliverFunc, stats *RetryStats) error {
	lock := q.ledgerLock(path)
	return lock.RunExclusive(func() error {
		entry, err := readLastEntry(path)
		if err != nil {
			return err
		}
		if entry == nil {
			return nil
		}

		if entry.RetryCount >= q.cfg.MaxRetries {
			stats.Exhausted++
			return nil
		}
		if q.now().Before(entry.NextRetryAt) {
			return nil
		}

		if err := deliver(ctx, entry.Event); err != nil {
			stats.Failed++
			now := q.now()
			next := &Entry{
				Adapter:    adapter,
				Event:      entry.Event,
				LastError:  err.Error(),
				EnqueuedAt: entry.EnqueuedAt,
				RetryCount: entry.RetryCount + 1,
				NextRetryAt: now.Add(time.Duration(
					float64(q.cfg.BaseDelay) * math.Pow(q.cfg.BackoffFactor, float64(entry.RetryCount)))),
			}
			return appendLine(path, next)
		}

		stats.Delivered++
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to clear ledger: %w", err)
		}
		return nil
	})
}

// Entries returns the authoritative (last-line) entry of every ledger for
// an adapter, exhausted ones included. Used for inspection.
func (q *Queue) Entries(adapter string) ([]*Entry, error) {
	adapterDir := filepath.Join(q.dir, sanitize(adapter))
	files, err := os.ReadDir(adapterDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan dlq for adapter %s: %w", adapter, err)
	}

	var out []*Entry
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".log") {
			continue
		}
		entry, err := readLastEntry(filepath.Join(adapterDir, f.Name()))
		if err != nil || entry == nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Exhausted reports whether the entry is past its retry budget
func (q *Queue) Exhausted(entry *Entry) bool {
	return entry.RetryCount >= q.cfg.MaxRetries
}

func (q *Queue) appendEntry(adapter, requestID string, entry *Entry) error {
	adapterDir := filepath.Join(q.dir, sanitize(adapter))
	if err := os.MkdirAll(adapterDir, 0755); err != nil {
		return fmt.Errorf("failed to create adapter dlq directory: %w", err)
	}
	path := filepath.Join(adapterDir, sanitize(requestID)+".log")

	lock := q.ledgerLock(path)
	return lock.RunExclusive(func() error {
		return appendLine(path, entry)
	})
}

func (q *Queue) ledgerLock(path string) *syncutil.Mutex {
	q.lockMu.Lock()
	defer q.lockMu.Unlock()
	lock, ok := q.ledgers[path]
	if !ok {
		lock = &syncutil.Mutex{}
		q.ledgers[path] = lock
	}
	return lock
}

func appendLine(path string, entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dlq entry: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append ledger line: %w", err)
	}
	return nil
}

// readLastEntry returns the authoritative last line of a ledger, or nil
// for an empty or missing file.
func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	var last string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			last = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	if last == "" {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(last), &entry); err != nil {
		return nil, fmt.Errorf("failed to parse ledger line: %w", err)
	}
	return &entry, nil
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, name)
}
