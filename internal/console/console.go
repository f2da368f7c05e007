// Package console implements the interactive operator shell
package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/pipewright/pipewright/internal/dlq"
	"github.com/pipewright/pipewright/internal/events"
	"github.com/pipewright/pipewright/internal/idempotency"
	"github.com/pipewright/pipewright/internal/session"
)

// Console is the interactive shell over a running pipewright data
// directory. It only reads orchestration state, with one exception: the
// release command clears a stuck idempotency registration.
type Console struct {
	store    *session.Store
	bus      *events.Bus
	guard    *idempotency.Guard
	queue    *dlq.Queue
	rl       *readline.Instance
	commands map[string]CommandHandler
}

// CommandHandler handles a specific command
type CommandHandler func(args []string) error

// Config holds console configuration
type Config struct {
	Store *session.Store
	Bus   *events.Bus
	Guard *idempotency.Guard
	Queue *dlq.Queue
}

// New creates a console instance
func New(cfg *Config) (*Console, error) {
	if cfg == nil || cfg.Store == nil || cfg.Bus == nil {
		return nil, fmt.Errorf("session store and event bus are required")
	}

	c := &Console{
		store: cfg.Store,
		bus:   cfg.Bus,
		guard: cfg.Guard,
		queue: cfg.Queue,
	}
	c.registerCommands()
	return c, nil
}

func (c *Console) registerCommands() {
	c.commands = map[string]CommandHandler{
		"status":  c.cmdStatus,
		"events":  c.cmdEvents,
		"release": c.cmdRelease,
		"dlq":     c.cmdDLQ,
		"help":    c.cmdHelp,
	}
}

// Run starts the console loop. Returns on quit, exit, or Ctrl+D.
func (c *Console) Run(ctx context.Context) error {
	cyan := color.New(color.FgCyan).SprintFunc()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            cyan("pipewright> "),
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create readline: %w", err)
	}
	defer rl.Close()
	c.rl = rl

	fmt.Println("pipewright console. Type 'help' for commands, 'quit' to leave.")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				fmt.Println("bye")
				return nil
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.processInput(line); err != nil {
			if err == io.EOF {
				return nil
			}
			red := color.New(color.FgRed).SprintFunc()
			fmt.Printf("%s %v\n", red("Error:"), err)
		}
	}
}

func (c *Console) processInput(line string) error {
	parts := strings.Fields(line)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	if cmd == "quit" || cmd == "exit" {
		fmt.Println("bye")
		return io.EOF
	}

	handler, ok := c.commands[cmd]
	if !ok {
		return fmt.Errorf("unknown command %q (try 'help')", cmd)
	}
	return handler(args)
}

func (c *Console) cmdStatus(_ []string) error {
	sessions := c.store.Active()
	if len(sessions) == 0 {
		fmt.Println("No active sessions")
	} else {
		sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
		for _, s := range sessions {
			statusColor := statusColorFor(string(s.Status))
			fmt.Printf("  %s  issue #%d  %s  ci=%d review=%d\n",
				statusColor(fmt.Sprintf("%-12s", s.Status)), s.Issue.Number, s.ID, s.CIAttempts, s.ReviewAttempts)
		}
	}

	if c.guard != nil {
		active := c.guard.Active()
		if len(active) > 0 {
			fmt.Println("\nActive pipeline registrations:")
			branches := make([]string, 0, len(active))
			for branch := range active {
				branches = append(branches, branch)
			}
			sort.Strings(branches)
			for _, branch := range branches {
				fmt.Printf("  %s -> %s\n", branch, active[branch])
			}
		}
	}
	return nil
}

func (c *Console) cmdEvents(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: events <request-id>")
	}
	history, err := c.bus.Events(args[0])
	if err != nil {
		return err
	}
	if len(history) == 0 {
		fmt.Printf("No events recorded for %s\n", args[0])
		return nil
	}
	for _, ev := range history {
		fmt.Printf("  %s  %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Type)
	}
	return nil
}

func (c *Console) cmdRelease(args []string) error {
	if c.guard == nil {
		return fmt.Errorf("idempotency guard not available")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: release <branch>")
	}
	branch := args[0]
	active, requestID := c.guard.Check(branch)
	if !active {
		return fmt.Errorf("no active pipeline registered for branch %s", branch)
	}
	c.guard.Release(branch)
	fmt.Printf("Released %s (was %s)\n", branch, requestID)
	return nil
}

func (c *Console) cmdDLQ(args []string) error {
	if c.queue == nil {
		return fmt.Errorf("dead letter queue not available")
	}
	if len(args) != 1 {
		return fmt.Errorf("usage: dlq <adapter>")
	}
	entries, err := c.queue.Entries(args[0])
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No dlq entries for adapter %s\n", args[0])
		return nil
	}
	for _, e := range entries {
		state := fmt.Sprintf("retry %d, next %s", e.RetryCount, e.NextRetryAt.Format("15:04:05"))
		if c.queue.Exhausted(e) {
			state = color.New(color.FgRed).Sprint("exhausted")
		}
		fmt.Printf("  %s  %s  (%s)  %s\n", e.Event.RequestID, e.Event.Type, state, e.LastError)
	}
	return nil
}

func (c *Console) cmdHelp(_ []string) error {
	fmt.Println(`Commands:
  status              active sessions and pipeline registrations
  events <request-id> replay the event log for a request
  release <branch>    clear a stuck pipeline registration
  dlq <adapter>       inspect dead letter entries for an adapter
  quit                leave the console`)
	return nil
}

func statusColorFor(status string) func(a ...interface{}) string {
	switch status {
	case "merged":
		return color.New(color.FgGreen).SprintFunc()
	case "escalated", "failed":
		return color.New(color.FgRed).SprintFunc()
	case "ci", "review":
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}
