package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/agent"
	"github.com/pipewright/pipewright/internal/pipeline"
	"github.com/pipewright/pipewright/internal/types"
	"github.com/pipewright/pipewright/internal/vcs"
)

var (
	pipelineBase      string
	pipelineWorktree  string
	pipelineRequestID string
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline <branch>",
	Short: "Run the quality pipeline against a branch",
	Long: `Run the quality pipeline against a branch: classify the change by
size, run the tier's agent roster in parallel, and re-run failing agents
through bounded correction cycles. At most one pipeline may be active
per branch at a time; a second invocation is rejected while the first
holds the registration.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		branch := args[0]

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		executor, err := agent.NewAnthropicExecutor(&agent.AnthropicConfig{
			Model:             cfg.Agent.Model,
			MaxConcurrent:     cfg.Agent.MaxConcurrent,
			RequestsPerMinute: cfg.Agent.RequestsPerMinute,
		})
		if err != nil {
			return fmt.Errorf("agent executor unavailable: %w", err)
		}

		// Without git the change size is unknown; a zero diff classifies
		// as small, which still runs the baseline roster.
		var diff types.DiffStats
		vcsClient, err := vcs.NewClient(ctx, pipelineWorktree)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot measure change size: %v\n", err)
		} else if diff, err = vcsClient.DiffStats(ctx, pipelineBase, branch); err != nil {
			fmt.Fprintf(os.Stderr, "warning: cannot measure change size: %v\n", err)
		}

		runner, err := pipeline.NewRunner(&pipeline.Config{
			Bus:         c.bus,
			Executor:    executor,
			MaxAttempts: cfg.Pipeline.MaxAttempts,
			Roster:      rosterFromConfig(),
		})
		if err != nil {
			return err
		}

		requestID := pipelineRequestID
		if requestID == "" {
			requestID = uuid.New().String()
		}

		res, err := runQualityPipeline(ctx, c, runner, &pipeline.Request{
			RequestID:    requestID,
			Branch:       branch,
			WorktreePath: pipelineWorktree,
			Diff:         diff,
		})
		if err != nil {
			return err
		}

		printPipelineResult(requestID, res)
		if res.Status != types.AgentPassed {
			return fmt.Errorf("pipeline failed after %d correction cycles", res.Cycles)
		}
		return nil
	},
}

// runQualityPipeline runs one guarded pipeline: the branch registration
// is taken before the run and released on any terminal outcome, so a
// concurrent invocation on the same branch is rejected instead of run
// twice.
func runQualityPipeline(ctx context.Context, c *core, runner *pipeline.Runner, req *pipeline.Request) (*pipeline.Result, error) {
	if active, requestID := c.guard.Check(req.Branch); active {
		return nil, fmt.Errorf("a pipeline is already active for branch %s (request %s)", req.Branch, requestID)
	}
	if err := c.guard.Register(req.Branch, req.RequestID); err != nil {
		return nil, err
	}
	defer c.guard.Release(req.Branch)

	return runner.Run(ctx, req)
}

// rosterFromConfig overlays the configured tier thresholds on the
// default rosters
func rosterFromConfig() pipeline.RosterConfig {
	roster := pipeline.DefaultRosterConfig()
	if cfg.Pipeline.SmallMaxLines > 0 {
		roster.SmallMaxLines = cfg.Pipeline.SmallMaxLines
	}
	if cfg.Pipeline.MediumMaxLines > 0 {
		roster.MediumMaxLines = cfg.Pipeline.MediumMaxLines
	}
	return roster
}

func printPipelineResult(requestID string, res *pipeline.Result) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("pipeline %s  tier=%s cycles=%d elapsed=%s\n",
		gray(requestID), res.Tier, res.Cycles, res.Elapsed.Round(time.Millisecond))
	for _, r := range res.Results {
		fmt.Printf("  %s %s\n", agentStatusColor(r.Status)(string(r.Status)), r.Agent)
		for _, f := range r.Findings {
			fmt.Printf("    %s %s\n", gray(f.Severity), f.Message)
		}
	}
}

func agentStatusColor(status types.AgentStatus) func(a ...interface{}) string {
	switch status {
	case types.AgentPassed:
		return color.New(color.FgGreen).SprintFunc()
	case types.AgentFailed, types.AgentError:
		return color.New(color.FgRed).SprintFunc()
	default:
		return color.New(color.FgYellow).SprintFunc()
	}
}

func init() {
	pipelineCmd.Flags().StringVar(&pipelineBase, "base", "main", "base branch to diff against")
	pipelineCmd.Flags().StringVar(&pipelineWorktree, "worktree", ".", "worktree the agents operate in")
	pipelineCmd.Flags().StringVar(&pipelineRequestID, "request-id", "", "request id for event correlation (default: random)")
	rootCmd.AddCommand(pipelineCmd)
}
