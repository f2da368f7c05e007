package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/pipewright/pipewright/internal/types"
)

const (
	// DefaultModel is the model used for quality agents
	DefaultModel = "claude-sonnet-4-5-20250929"

	defaultMaxTokens = 8192
)

// AnthropicConfig holds configuration for the Anthropic-backed executor
type AnthropicConfig struct {
	// APIKey is the Anthropic API key. If empty, ANTHROPIC_API_KEY is read
	// from the environment.
	APIKey string
	// Model to use.
	// Default: claude-sonnet-4-5-20250929
	Model string
	// MaxTokens caps the response size.
	// Default: 8192
	MaxTokens int
	// MaxConcurrent limits concurrent API calls across all agents.
	// Default: 4
	MaxConcurrent int
	// RequestsPerMinute throttles API call starts.
	// Default: 30
	RequestsPerMinute int
}

// AnthropicExecutor runs quality agents against the Anthropic API. API
// failures come back as error-status results with a synthetic finding so
// the pipeline's correction loop keeps its uniform result shape.
type AnthropicExecutor struct {
	client    *anthropic.Client
	model     string
	maxTokens int
	sem       *semaphore.Weighted
	limiter   *rate.Limiter
}

// NewAnthropicExecutor creates an Anthropic-backed agent executor
func NewAnthropicExecutor(cfg *AnthropicConfig) (*AnthropicExecutor, error) {
	if cfg == nil {
		cfg = &AnthropicConfig{}
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
	}

	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}

	client := anthropic.NewClient(option.WithAPIKey(apiKey))

	return &AnthropicExecutor{
		client:    &client,
		model:     model,
		maxTokens: maxTokens,
		sem:       semaphore.NewWeighted(int64(maxConcurrent)),
		limiter:   rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 1),
	}, nil
}

// Execute runs one quality agent role. The concurrency semaphore and
// rate limiter apply before the API call, so cancellation while queued
// is honored without burning an API request.
func (e *AnthropicExecutor) Execute(ctx context.Context, role string, execCtx *Context, opts *ExecuteOptions) (*types.AgentResult, error) {
	if role == "" {
		return nil, fmt.Errorf("agent role is required")
	}
	if execCtx == nil {
		return nil, fmt.Errorf("execution context is required")
	}

	start := time.Now()

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("canceled while waiting for execution slot: %w", err)
	}
	defer e.sem.Release(1)

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("canceled while rate limited: %w", err)
	}

	prompt := buildAgentPrompt(role, execCtx)

	response, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.model),
		MaxTokens: int64(e.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return &types.AgentResult{
			Agent:    role,
			Status:   types.AgentError,
			Duration: time.Since(start),
			Findings: []types.Finding{{
				Severity: "error",
				Message:  fmt.Sprintf("anthropic API call failed: %v", err),
			}},
		}, nil
	}

	var text strings.Builder
	for _, block := range response.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
			if opts != nil && opts.OnProgress != nil {
				opts.OnProgress(map[string]any{
					"type": "assistant",
					"text": block.Text,
				})
			}
		}
	}

	result, err := parseAgentResponse(role, text.String())
	if err != nil {
		return &types.AgentResult{
			Agent:    role,
			Status:   types.AgentError,
			Duration: time.Since(start),
			Findings: []types.Finding{{
				Severity: "error",
				Message:  fmt.Sprintf("unparseable agent response: %v", err),
			}},
		}, nil
	}

	result.Duration = time.Since(start)
	result.InputTokens = response.Usage.InputTokens
	result.OutputTokens = response.Usage.OutputTokens
	result.CostUSD = estimateCost(response.Usage.InputTokens, response.Usage.OutputTokens)

	fmt.Printf("Agent %s: status=%s, findings=%d, input=%d tokens, output=%d tokens, duration=%v\n",
		role, result.Status, len(result.Findings), result.InputTokens, result.OutputTokens, result.Duration)

	return result, nil
}

// agentResponse is the JSON verdict shape agents are instructed to emit
type agentResponse struct {
	Status       string          `json:"status"`
	Findings     []types.Finding `json:"findings"`
	FixesApplied []string        `json:"fixes_applied"`
}

// parseAgentResponse extracts the JSON verdict from the response text.
// Models often wrap JSON in prose or markdown fences, so scan for the
// outermost object rather than unmarshaling the raw text.
func parseAgentResponse(role, text string) (*types.AgentResult, error) {
	startIdx := strings.Index(text, "{")
	endIdx := strings.LastIndex(text, "}")
	if startIdx == -1 || endIdx == -1 || endIdx < startIdx {
		return nil, fmt.Errorf("no JSON object found in response")
	}

	var resp agentResponse
	if err := json.Unmarshal([]byte(text[startIdx:endIdx+1]), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse agent verdict: %w", err)
	}

	var status types.AgentStatus
	switch strings.ToLower(strings.TrimSpace(resp.Status)) {
	case "passed", "pass":
		status = types.AgentPassed
	case "failed", "fail":
		status = types.AgentFailed
	case "skip", "skipped":
		status = types.AgentSkip
	default:
		return nil, fmt.Errorf("unknown verdict status %q", resp.Status)
	}

	return &types.AgentResult{
		Agent:        role,
		Status:       status,
		Findings:     resp.Findings,
		FixesApplied: len(resp.FixesApplied),
	}, nil
}

// buildAgentPrompt assembles the role prompt with the change context and,
// on correction cycles, the prior results to reason about.
func buildAgentPrompt(role string, execCtx *Context) string {
	var b strings.Builder

	instructions := execCtx.Instructions
	if instructions == "" {
		instructions = defaultInstructions(role)
	}
	b.WriteString(instructions)

	fmt.Fprintf(&b, "\n\nChange under review:\nBranch: %s\nWorktree: %s\nSize: %s (%d lines changed, %d files)\n",
		execCtx.Branch, execCtx.WorktreePath, execCtx.Tier, execCtx.Diff.TotalLines(), execCtx.Diff.FilesChanged)

	if execCtx.Cycle > 0 && len(execCtx.PriorResults) > 0 {
		fmt.Fprintf(&b, "\nThis is correction cycle %d. Prior results:\n", execCtx.Cycle)
		for _, prior := range execCtx.PriorResults {
			fmt.Fprintf(&b, "- %s: %s\n", prior.Agent, prior.Status)
			for _, f := range prior.Findings {
				fmt.Fprintf(&b, "  [%s] %s", f.Severity, f.Message)
				if f.File != "" {
					fmt.Fprintf(&b, " (%s:%d)", f.File, f.Line)
				}
				b.WriteString("\n")
			}
		}
		b.WriteString("\nAddress the failed findings above, then re-evaluate.\n")
	}

	b.WriteString(`
Respond with a single JSON object:
{"status": "passed" | "failed" | "skip", "findings": [{"severity": "...", "file": "...", "line": 0, "message": "..."}], "fixes_applied": ["..."]}`)

	return b.String()
}

// defaultInstructions returns the built-in prompt for a known role
func defaultInstructions(role string) string {
	switch role {
	case "code-review":
		return "You are a code review agent. Inspect the change for correctness bugs, error handling gaps, and concurrency hazards. Apply safe fixes directly in the worktree."
	case "test-coverage":
		return "You are a test coverage agent. Verify the change carries tests for its new behavior and edge cases. Add missing tests directly in the worktree."
	case "security":
		return "You are a security review agent. Inspect the change for injection, path traversal, credential leakage, and unsafe deserialization."
	case "architecture":
		return "You are an architecture review agent. Check that the change respects package boundaries and does not introduce cyclic or inappropriate dependencies."
	default:
		return fmt.Sprintf("You are the %s quality agent. Evaluate the change for your area of concern.", role)
	}
}

// estimateCost converts token usage to dollars using current Sonnet
// pricing ($3 per million input, $15 per million output).
func estimateCost(inputTokens, outputTokens int64) float64 {
	return float64(inputTokens)*3.0/1e6 + float64(outputTokens)*15.0/1e6
}
