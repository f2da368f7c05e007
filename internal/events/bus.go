package events

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/syncutil"
)

// Bus is the append-only, replayable publish/subscribe channel every
// component communicates through. Publish durably records the event in a
// per-request JSONL log before notifying in-process subscribers, so a
// process restart can reconstruct historical event streams. The durable
// log is the sole durability mechanism for event history.
type Bus struct {
	eventsDir string

	regMu  sync.RWMutex
	nextID int
	subs   map[EventType]map[int]Handler

	reqMu    sync.Mutex
	requests map[string]*requestLog
}

// requestLog serializes appends and orders deliveries for one request id.
// The pending queue makes delivery re-entrancy safe: a subscriber that
// publishes another event for the same request enqueues it and returns,
// and the outermost Publish frame drains it in order.
type requestLog struct {
	appendLock syncutil.Mutex

	mu         sync.Mutex
	pending    []*PipelineEvent
	delivering bool
}

// Config holds bus configuration
type Config struct {
	// DataDir is the pipeline data directory. Event logs are written to
	// <DataDir>/events/<request_id>.log
	DataDir string
}

// NewBus creates a bus rooted at the configured data directory
func NewBus(cfg *Config) (*Bus, error) {
	if cfg == nil || cfg.DataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}

	eventsDir := filepath.Join(cfg.DataDir, "events")
	if err := os.MkdirAll(eventsDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}

	return &Bus{
		eventsDir: eventsDir,
		subs:      make(map[EventType]map[int]Handler),
		requests:  make(map[string]*requestLog),
	}, nil
}

// Publish durably records the event and synchronously notifies matching
// subscribers. A subscriber that panics is isolated and logged; it never
// prevents delivery to other subscribers or corrupts the durable log.
// Events for one request id are persisted and delivered in publish order.
func (b *Bus) Publish(event *PipelineEvent) error {
	if event == nil {
		return fmt.Errorf("event is required")
	}
	if event.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if event.RequestID == "" {
		return fmt.Errorf("request id is required")
	}

	// One append lock per request id defines the publish order; the
	// pending queue then delivers in that same order. A publish that
	// races an in-flight drain for the same request hands its event to
	// the draining goroutine and may return before delivery completes.
	rl := b.requestLog(event.RequestID)
	release := rl.appendLock.Acquire()
	if err := b.append(event); err != nil {
		release()
		return err
	}
	rl.mu.Lock()
	rl.pending = append(rl.pending, event)
	rl.mu.Unlock()
	release()

	b.drain(rl)
	return nil
}

// drain delivers queued events for one request in order. Only one frame
// drains at a time; nested and concurrent publishes just enqueue.
func (b *Bus) drain(rl *requestLog) {
	rl.mu.Lock()
	if rl.delivering {
		rl.mu.Unlock()
		return
	}
	rl.delivering = true
	for len(rl.pending) > 0 {
		ev := rl.pending[0]
		rl.pending = rl.pending[1:]
		rl.mu.Unlock()
		b.deliver(ev)
		rl.mu.Lock()
	}
	rl.delivering = false
	rl.mu.Unlock()
}

// OnEventType registers a handler for a single event type and returns an
// idempotent unsubscribe function.
func (b *Bus) OnEventType(eventType EventType, handler Handler) UnsubscribeFunc {
	return b.OnEventTypes([]EventType{eventType}, handler)
}

// OnEventTypes registers one handler for several event types. Removal is
// by registration identity: registering the same handler twice yields two
// independent subscriptions.
func (b *Bus) OnEventTypes(eventTypes []EventType, handler Handler) UnsubscribeFunc {
	b.regMu.Lock()
	id := b.nextID
	b.nextID++
	for _, et := range eventTypes {
		if b.subs[et] == nil {
			b.subs[et] = make(map[int]Handler)
		}
		b.subs[et][id] = handler
	}
	b.regMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.regMu.Lock()
			for _, et := range eventTypes {
				delete(b.subs[et], id)
			}
			b.regMu.Unlock()
		})
	}
}

// Events replays the historical ordered event sequence for a request id
// from the durable log. A request with no recorded events yields an empty
// slice, not an error.
func (b *Bus) Events(requestID string) ([]*PipelineEvent, error) {
	f, err := os.Open(b.logPath(requestID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	var out []*PipelineEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev PipelineEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			// A torn trailing line from a crash mid-write is expected;
			// skip it rather than failing the whole replay.
			fmt.Fprintf(os.Stderr, "events: skipping malformed log line for %s: %v\n", requestID, err)
			continue
		}
		out = append(out, &ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read event log: %w", err)
	}
	return out, nil
}

// Cleanup removes event logs that have not been written to within
// maxAge. Returns how many logs were removed. Requests active within the
// window keep their full history; this only prunes cold logs.
func (b *Bus) Cleanup(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(b.eventsDir)
	if err != nil {
		return 0, fmt.Errorf("failed to scan events directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(b.eventsDir, entry.Name())); err != nil {
			fmt.Fprintf(os.Stderr, "events: failed to remove stale log %s: %v\n", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// append writes one JSON line to the per-request log
func (b *Bus) append(event *PipelineEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	f, err := os.OpenFile(b.logPath(event.RequestID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// deliver fans the event out to the current subscriber snapshot
func (b *Bus) deliver(event *PipelineEvent) {
	b.regMu.RLock()
	handlers := make([]Handler, 0, len(b.subs[event.Type]))
	for _, h := range b.subs[event.Type] {
		handlers = append(handlers, h)
	}
	b.regMu.RUnlock()

	for _, h := range handlers {
		b.safeInvoke(h, event)
	}
}

// safeInvoke isolates a single subscriber so its panic cannot abort
// delivery to the remaining subscribers.
func (b *Bus) safeInvoke(h Handler, event *PipelineEvent) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "events: subscriber panic on %s: %v\n", event.Type, r)
		}
	}()
	h(event)
}

func (b *Bus) logPath(requestID string) string {
	return filepath.Join(b.eventsDir, sanitizeID(requestID)+".log")
}

// requestLog returns the per-request state, creating it on first use
func (b *Bus) requestLog(requestID string) *requestLog {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()
	rl, ok := b.requests[requestID]
	if !ok {
		rl = &requestLog{}
		b.requests[requestID] = rl
	}
	return rl
}

// sanitizeID makes a request id safe to use as a file name
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}
