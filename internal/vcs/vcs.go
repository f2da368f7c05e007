// Package vcs shells out to the git and gh CLIs for the repository
// operations the merge reactor needs. Paths and branch names are trusted
// input from the orchestrator; no sandboxing happens here.
package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/pipewright/pipewright/internal/types"
)

// PRStatus summarizes the merge-readiness of a pull request
type PRStatus struct {
	Number    int
	State     string
	Mergeable bool
	CIPassing bool
	Approved  bool
}

// Client runs git and gh commands against one repository
type Client struct {
	gitPath  string
	ghPath   string
	repoPath string
}

// NewClient creates a VCS client rooted at repoPath. It verifies both
// the git and gh executables are available.
func NewClient(ctx context.Context, repoPath string) (*Client, error) {
	if repoPath == "" {
		return nil, fmt.Errorf("repository path is required")
	}

	gitPath, err := exec.LookPath("git")
	if err != nil {
		return nil, fmt.Errorf("git not found in PATH: %w", err)
	}
	ghPath, err := exec.LookPath("gh")
	if err != nil {
		return nil, fmt.Errorf("gh not found in PATH: %w", err)
	}

	cmd := exec.CommandContext(ctx, gitPath, "-C", repoPath, "rev-parse", "--git-dir")
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s is not a git repository: %w", repoPath, err)
	}

	return &Client{gitPath: gitPath, ghPath: ghPath, repoPath: repoPath}, nil
}

// MergePR merges the pull request with a squash merge
func (c *Client) MergePR(ctx context.Context, prNumber int) error {
	cmd := exec.CommandContext(ctx, c.ghPath, "pr", "merge", fmt.Sprintf("%d", prNumber), "--squash")
	cmd.Dir = c.repoPath
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to merge PR #%d: %w: %s", prNumber, err, strings.TrimSpace(string(output)))
	}
	return nil
}

// DeleteBranch deletes a branch locally and on the remote. A missing
// remote branch is not an error; gh pr merge often deletes it already.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	if branch == "" {
		return fmt.Errorf("branch name is required")
	}

	cmd := exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath, "branch", "-D", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		if !strings.Contains(string(output), "not found") {
			return fmt.Errorf("failed to delete local branch %s: %w: %s", branch, err, strings.TrimSpace(string(output)))
		}
	}

	cmd = exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath, "push", "origin", "--delete", branch)
	if output, err := cmd.CombinedOutput(); err != nil {
		out := string(output)
		if !strings.Contains(out, "remote ref does not exist") {
			return fmt.Errorf("failed to delete remote branch %s: %w: %s", branch, err, strings.TrimSpace(out))
		}
	}
	return nil
}

// DiffStats measures the size of branch relative to base
func (c *Client) DiffStats(ctx context.Context, base, branch string) (types.DiffStats, error) {
	cmd := exec.CommandContext(ctx, c.gitPath, "-C", c.repoPath, "diff", "--shortstat", base+"..."+branch)
	output, err := cmd.Output()
	if err != nil {
		return types.DiffStats{}, fmt.Errorf("failed to diff %s against %s: %w", branch, base, err)
	}
	return parseShortStat(string(output)), nil
}

// parseShortStat reads a git --shortstat summary line. An empty diff
// produces no output at all, which parses to zero stats.
func parseShortStat(s string) types.DiffStats {
	var stats types.DiffStats
	fields := strings.Fields(s)
	for i := 0; i+1 < len(fields); i++ {
		n, err := strconv.Atoi(strings.TrimSuffix(fields[i], ","))
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[i+1], "file"):
			stats.FilesChanged = n
		case strings.HasPrefix(fields[i+1], "insertion"):
			stats.Insertions = n
		case strings.HasPrefix(fields[i+1], "deletion"):
			stats.Deletions = n
		}
	}
	return stats
}

// prView is the gh pr view JSON shape we consume
type prView struct {
	Number    int    `json:"number"`
	State     string `json:"state"`
	Mergeable string `json:"mergeable"`
	Reviews   []struct {
		State string `json:"state"`
	} `json:"reviews"`
	StatusCheckRollup []struct {
		Conclusion string `json:"conclusion"`
		Status     string `json:"status"`
	} `json:"statusCheckRollup"`
}

// Status fetches the current state of a pull request via gh
func (c *Client) Status(ctx context.Context, prNumber int) (*PRStatus, error) {
	cmd := exec.CommandContext(ctx, c.ghPath, "pr", "view", fmt.Sprintf("%d", prNumber),
		"--json", "number,state,mergeable,reviews,statusCheckRollup")
	cmd.Dir = c.repoPath
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch PR #%d status: %w", prNumber, err)
	}
	return parsePRStatus(output)
}

// parsePRStatus converts gh pr view JSON into a PRStatus
func parsePRStatus(output []byte) (*PRStatus, error) {
	var view prView
	if err := json.Unmarshal(output, &view); err != nil {
		return nil, fmt.Errorf("failed to parse PR status: %w", err)
	}

	status := &PRStatus{
		Number:    view.Number,
		State:     view.State,
		Mergeable: view.Mergeable == "MERGEABLE",
		CIPassing: len(view.StatusCheckRollup) > 0,
	}
	for _, check := range view.StatusCheckRollup {
		if check.Status != "COMPLETED" || check.Conclusion != "SUCCESS" {
			status.CIPassing = false
			break
		}
	}
	for _, review := range view.Reviews {
		if review.State == "APPROVED" {
			status.Approved = true
		}
	}
	return status, nil
}
