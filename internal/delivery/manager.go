package delivery

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/pipewright/pipewright/internal/dlq"
	"github.com/pipewright/pipewright/internal/events"
)

// ManagerConfig holds delivery manager configuration
type ManagerConfig struct {
	// Bus is the event bus to mirror outbound
	Bus *events.Bus
	// Queue receives failed deliveries for retry; nil disables dlq routing
	Queue *dlq.Queue
	// Adapters are the outbound destinations. With none configured the
	// manager is inert.
	Adapters []Adapter
	// SweepInterval is how often the retry sweep runs.
	// Default: 1 minute
	SweepInterval time.Duration
	// DeliverTimeout bounds one delivery attempt per adapter.
	// Default: 30 seconds
	DeliverTimeout time.Duration
}

// Manager mirrors every bus event to the configured adapters. Delivery
// runs off the publisher's goroutine so a slow destination never stalls
// the orchestration loop. Failed deliveries land in the dead letter
// queue and a periodic sweep redelivers them with backoff.
type Manager struct {
	bus      *events.Bus
	queue    *dlq.Queue
	adapters []Adapter
	interval time.Duration
	timeout  time.Duration

	mu          sync.Mutex
	running     bool
	unsubscribe events.UnsubscribeFunc
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewManager creates a delivery manager
func NewManager(cfg *ManagerConfig) (*Manager, error) {
	if cfg == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("event bus is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 30 * time.Second
	}
	return &Manager{
		bus:      cfg.Bus,
		queue:    cfg.Queue,
		adapters: cfg.Adapters,
		interval: cfg.SweepInterval,
		timeout:  cfg.DeliverTimeout,
	}, nil
}

// Start subscribes to the full event stream and begins the retry sweep.
// With zero adapters configured Start is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running || len(m.adapters) == 0 {
		return
	}
	m.running = true

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.unsubscribe = m.bus.OnEventTypes(events.AllEventTypes(), func(ev *events.PipelineEvent) {
		// A handler snapshotted before unsubscribe can still fire while
		// Stop is waiting, so the Add must be fenced by running under the
		// same lock Stop flips it under.
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}
		m.wg.Add(1)
		m.mu.Unlock()
		go func() {
			defer m.wg.Done()
			m.dispatch(ctx, ev)
		}()
	})

	m.wg.Add(1)
	go m.sweepLoop(ctx)
}

// Stop unsubscribes, stops the retry sweep, and waits for in-flight
// deliveries to finish. Idempotent and safe to call before Start.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	unsubscribe := m.unsubscribe
	cancel := m.cancel
	m.unsubscribe = nil
	m.cancel = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}

// Sweep runs one retry pass over every adapter's ledgers and returns the
// merged stats. Also used by the CLI to force a sweep.
func (m *Manager) Sweep(ctx context.Context) (*dlq.RetryStats, error) {
	total := &dlq.RetryStats{}
	if m.queue == nil {
		return total, nil
	}
	for _, adapter := range m.adapters {
		stats, err := m.queue.ProcessRetries(ctx, adapter.Name(), m.deliverFunc(adapter))
		if err != nil {
			return total, err
		}
		total.Delivered += stats.Delivered
		total.Failed += stats.Failed
		total.Exhausted += stats.Exhausted
	}
	return total, nil
}

// dispatch fans one event out to every adapter, routing failures to the
// dead letter queue.
func (m *Manager) dispatch(ctx context.Context, ev *events.PipelineEvent) {
	for _, adapter := range m.adapters {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := adapter.Deliver(attemptCtx, ev)
		cancel()
		if err == nil {
			continue
		}
		fmt.Fprintf(os.Stderr, "delivery: adapter %s failed for %s: %v\n", adapter.Name(), ev.Type, err)
		if m.queue == nil {
			continue
		}
		if qErr := m.queue.Enqueue(adapter.Name(), ev, err); qErr != nil {
			fmt.Fprintf(os.Stderr, "delivery: failed to enqueue %s for retry: %v\n", ev.Type, qErr)
		}
	}
}

func (m *Manager) sweepLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				fmt.Fprintf(os.Stderr, "delivery: retry sweep failed: %v\n", err)
			}
		}
	}
}

func (m *Manager) deliverFunc(adapter Adapter) dlq.DeliverFunc {
	return func(ctx context.Context, ev *events.PipelineEvent) error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()
		return adapter.Deliver(attemptCtx, ev)
	}
}
