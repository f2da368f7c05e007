package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipewright/pipewright/internal/types"
)

func TestParseAgentResponseCleanJSON(t *testing.T) {
	text := `{"status": "failed", "findings": [{"severity": "major", "file": "store.go", "line": 42, "message": "unchecked error"}], "fixes_applied": ["added error check"]}`

	result, err := parseAgentResponse("code-review", text)
	require.NoError(t, err)

	assert.Equal(t, "code-review", result.Agent)
	assert.Equal(t, types.AgentFailed, result.Status)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "store.go", result.Findings[0].File)
	assert.Equal(t, 42, result.Findings[0].Line)
	assert.Equal(t, 1, result.FixesApplied)
}

func TestParseAgentResponseWrappedInProse(t *testing.T) {
	text := "Here is my verdict:\n```json\n{\"status\": \"passed\", \"findings\": []}\n```\nLet me know if you need more detail."

	result, err := parseAgentResponse("security", text)
	require.NoError(t, err)
	assert.Equal(t, types.AgentPassed, result.Status)
	assert.Empty(t, result.Findings)
}

func TestParseAgentResponseStatusAliases(t *testing.T) {
	for raw, want := range map[string]types.AgentStatus{
		"pass":    types.AgentPassed,
		"PASSED":  types.AgentPassed,
		"fail":    types.AgentFailed,
		"skipped": types.AgentSkip,
	} {
		result, err := parseAgentResponse("a", `{"status": "`+raw+`"}`)
		require.NoError(t, err, raw)
		assert.Equal(t, want, result.Status, raw)
	}
}

func TestParseAgentResponseRejectsGarbage(t *testing.T) {
	_, err := parseAgentResponse("a", "I could not evaluate this change.")
	assert.Error(t, err)

	_, err = parseAgentResponse("a", `{"status": "maybe"}`)
	assert.Error(t, err)

	_, err = parseAgentResponse("a", `{"status": }`)
	assert.Error(t, err)
}

func TestBuildAgentPromptFirstWave(t *testing.T) {
	prompt := buildAgentPrompt("code-review", &Context{
		Branch:       "fix/issue-42",
		WorktreePath: "/work/issue-42",
		Tier:         types.TierMedium,
		Diff:         types.DiffStats{FilesChanged: 3, Insertions: 80, Deletions: 40},
	})

	assert.Contains(t, prompt, "code review agent")
	assert.Contains(t, prompt, "fix/issue-42")
	assert.Contains(t, prompt, "120 lines changed")
	assert.NotContains(t, prompt, "correction cycle")
}

func TestBuildAgentPromptCorrectionCycleCarriesFindings(t *testing.T) {
	prompt := buildAgentPrompt("code-review", &Context{
		Branch: "fix/issue-42",
		Cycle:  1,
		PriorResults: []*types.AgentResult{
			{Agent: "code-review", Status: types.AgentFailed, Findings: []types.Finding{
				{Severity: "major", File: "store.go", Line: 10, Message: "nil deref"},
			}},
			{Agent: "test-coverage", Status: types.AgentPassed},
		},
	})

	assert.Contains(t, prompt, "correction cycle 1")
	assert.Contains(t, prompt, "nil deref")
	assert.Contains(t, prompt, "store.go:10")
	assert.Contains(t, prompt, "test-coverage: passed")
}

func TestBuildAgentPromptCustomInstructions(t *testing.T) {
	prompt := buildAgentPrompt("custom-role", &Context{Instructions: "Only check naming."})
	assert.Contains(t, prompt, "Only check naming.")
	assert.NotContains(t, prompt, "quality agent. Evaluate")
}

func TestEstimateCost(t *testing.T) {
	// 1M input + 1M output at $3/$15 per million
	assert.InDelta(t, 18.0, estimateCost(1_000_000, 1_000_000), 1e-9)
	assert.Zero(t, estimateCost(0, 0))
}
