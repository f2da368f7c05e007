package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/config"
	"github.com/pipewright/pipewright/internal/dlq"
	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/idempotency"
	"github.com/pipewright/pipewright/internal/session"
)

var (
	configPath string
	cfg        *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "pipewright",
	Short: "Event-driven orchestration for agent-built code changes",
	Long: `Pipewright drives coding-agent sessions from planning to merge:
it tracks session state, reacts to CI and review signals with bounded
retries, runs the quality pipeline over changes, and delivers lifecycle
events to external systems with durable retry.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "pipewright.yaml", "path to the configuration file")
}

// core holds the state shared by every command: the bus, the session
// store, the idempotency guard, and the dead letter queue, all rooted at
// the configured data directory.
type core struct {
	bus   *events.Bus
	store *session.Store
	guard *idempotency.Guard
	queue *dlq.Queue
}

// openCore opens the orchestration state under cfg.DataDir and restores
// persisted sessions and pipeline registrations.
func openCore() (*core, error) {
	bus, err := events.NewBus(&events.Config{DataDir: cfg.DataDir})
	if err != nil {
		return nil, err
	}

	store, err := session.NewStore(&session.Config{Bus: bus, DataDir: cfg.DataDir})
	if err != nil {
		return nil, err
	}
	if err := store.LoadFromDisk(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to restore sessions: %w", err)
	}

	guard, err := idempotency.New(&idempotency.Config{DataDir: cfg.DataDir})
	if err != nil {
		store.Close()
		return nil, err
	}
	if err := guard.LoadFromDisk(); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to restore pipeline registrations: %w", err)
	}

	queue, err := dlq.New(&dlq.Config{
		DataDir:       cfg.DataDir,
		Enabled:       cfg.DLQ.Enabled,
		BaseDelay:     cfg.DLQ.BaseDelay(),
		BackoffFactor: cfg.DLQ.BackoffFactor,
		MaxRetries:    cfg.DLQ.MaxRetries,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	return &core{bus: bus, store: store, guard: guard, queue: queue}, nil
}

// close releases everything openCore acquired
func (c *core) close() {
	if err := c.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: failed to close session store: %v\n", err)
	}
}
