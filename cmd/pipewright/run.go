package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/delivery"
	"github.com/pipewright/pipewright/internal/reactors"
	"github.com/pipewright/pipewright/internal/vcs"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestration loop",
	Long: `Start the orchestration loop: restore persisted sessions and
pipeline registrations, subscribe the workflow reactors, start outbound
event delivery, and run until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		// Outbound delivery with dlq-backed retry
		var adapters []delivery.Adapter
		for _, hook := range cfg.Delivery.Webhooks {
			adapter, err := delivery.NewWebhookAdapter(&delivery.WebhookConfig{
				Name:    hook.Name,
				URL:     hook.URL,
				Headers: hook.Headers,
			})
			if err != nil {
				return fmt.Errorf("invalid webhook %s: %w", hook.Name, err)
			}
			adapters = append(adapters, adapter)
		}
		manager, err := delivery.NewManager(&delivery.ManagerConfig{
			Bus:           c.bus,
			Queue:         c.queue,
			Adapters:      adapters,
			SweepInterval: cfg.Delivery.SweepInterval(),
		})
		if err != nil {
			return err
		}
		manager.Start()
		defer manager.Stop()

		// The agent executor is optional at startup: without an API key
		// the loop still reacts to events, it just cannot respawn agents.
		var executor agent.Executor
		if anthropicExec, err := agent.NewAnthropicExecutor(&agent.AnthropicConfig{
			Model:             cfg.Agent.Model,
			MaxConcurrent:     cfg.Agent.MaxConcurrent,
			RequestsPerMinute: cfg.Agent.RequestsPerMinute,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "warning: agent executor unavailable: %v\n", err)
		} else {
			executor = anthropicExec
		}

		// Same for the VCS client: without git/gh auto-merge degrades to
		// notification.
		vcsClient, err := vcs.NewClient(ctx, ".")
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: vcs operations unavailable: %v\n", err)
		}

		handlers := buildHandlers(c, executor, vcsClient)

		ciReactor, err := reactors.NewCIRetryReactor(c.bus, c.store, reactors.RetryConfig{
			MaxRetries: cfg.Retry.CIMaxRetries,
			Prompt:     cfg.Retry.CIPrompt,
		}, handlers)
		if err != nil {
			return err
		}
		reviewReactor, err := reactors.NewReviewReactor(c.bus, c.store, reactors.RetryConfig{
			MaxRetries: cfg.Retry.ReviewMaxRetries,
			Prompt:     cfg.Retry.ReviewPrompt,
		}, handlers)
		if err != nil {
			return err
		}
		mergeReactor, err := reactors.NewMergeReactor(c.bus, c.store, reactors.MergeConfig{
			AutoMerge:        cfg.Merge.AutoMerge,
			MergeOnApproval:  cfg.Merge.MergeOnApproval,
			ApprovedTemplate: cfg.Merge.ApprovedTemplate,
			StuckAfter:       cfg.AgentStuck.After(),
			StuckAction:      reactors.StuckAction(cfg.AgentStuck.Action),
		}, handlers)
		if err != nil {
			return err
		}

		ciReactor.Start()
		defer ciReactor.Stop()
		reviewReactor.Start()
		defer reviewReactor.Stop()
		mergeReactor.Start()
		defer mergeReactor.Stop()

		if cfg.Events.RetentionDays > 0 {
			go retentionLoop(ctx, c, time.Duration(cfg.Events.RetentionDays)*24*time.Hour)
		}

		green := color.New(color.FgGreen).SprintFunc()
		fmt.Printf("%s data=%s sessions=%d adapters=%d\n",
			green("pipewright running:"), cfg.DataDir, len(c.store.Active()), len(adapters))

		<-ctx.Done()
		fmt.Println("\nshutting down")
		return nil
	},
}

// buildHandlers wires the reactor callbacks to the executor and the VCS
// client. Every handler returns quickly; long work runs on its own
// goroutine because handlers are invoked from bus delivery.
func buildHandlers(c *core, executor agent.Executor, vcsClient *vcs.Client) reactors.Handlers {
	return reactors.Handlers{
		RespawnAgent: func(ctx context.Context, sessionID, prompt string) error {
			if executor == nil {
				return fmt.Errorf("agent executor unavailable")
			}
			sess := c.store.Get(sessionID)
			if sess == nil {
				return fmt.Errorf("unknown session %s", sessionID)
			}
			go func() {
				_, err := executor.Execute(ctx, "implementer", &agent.Context{
					RequestID:    sessionID,
					Branch:       sess.Branch,
					WorktreePath: sess.WorktreePath,
					Instructions: prompt,
				}, nil)
				if err != nil && ctx.Err() == nil {
					fmt.Fprintf(os.Stderr, "respawn failed for session %s: %v\n", sessionID, err)
				}
			}()
			return nil
		},
		Notify: func(_ context.Context, sessionID, message string) error {
			yellow := color.New(color.FgYellow).SprintFunc()
			fmt.Printf("%s [%s] %s\n", yellow("notify"), sessionID, message)
			return nil
		},
		AutoMerge: func(ctx context.Context, sessionID string) error {
			if vcsClient == nil {
				return fmt.Errorf("vcs operations unavailable")
			}
			sess := c.store.Get(sessionID)
			if sess == nil {
				return fmt.Errorf("unknown session %s", sessionID)
			}
			if sess.PRNumber == 0 {
				return fmt.Errorf("session %s has no pull request", sessionID)
			}
			if err := vcsClient.MergePR(ctx, sess.PRNumber); err != nil {
				return err
			}
			if err := vcsClient.DeleteBranch(ctx, sess.Branch); err != nil {
				fmt.Fprintf(os.Stderr, "warning: merged PR #%d but branch cleanup failed: %v\n", sess.PRNumber, err)
			}
			return nil
		},
	}
}

// retentionLoop prunes cold event logs once at startup and then daily
func retentionLoop(ctx context.Context, c *core, maxAge time.Duration) {
	prune := func() {
		removed, err := c.bus.Cleanup(maxAge)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: event log cleanup failed: %v\n", err)
			return
		}
		if removed > 0 {
			fmt.Printf("event log cleanup: removed %d stale logs\n", removed)
		}
	}

	prune()
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prune()
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
}
