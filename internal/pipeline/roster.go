package pipeline

import (
	"github.com/pipewright/pipewright/internal/types"
)

// RosterConfig maps change size to the quality agents that run against
// it. Tier thresholds are measured in changed lines (insertions plus
// deletions).
type RosterConfig struct {
	// SmallMaxLines is the upper bound for a small change.
	// Default: 50
	SmallMaxLines int
	// MediumMaxLines is the upper bound for a medium change.
	// Default: 400
	MediumMaxLines int
	// Small, Medium, and Large list the agent roles per tier. Larger
	// tiers run strictly more agents.
	Small  []string
	Medium []string
	Large  []string
}

// DefaultRosterConfig returns the default tier thresholds and rosters
func DefaultRosterConfig() RosterConfig {
	return RosterConfig{
		SmallMaxLines:  50,
		MediumMaxLines: 400,
		Small:          []string{"code-review"},
		Medium:         []string{"code-review", "test-coverage"},
		Large:          []string{"code-review", "test-coverage", "security", "architecture"},
	}
}

// Classify buckets a changeset into a tier by total changed lines
func (c RosterConfig) Classify(diff types.DiffStats) types.Tier {
	lines := diff.TotalLines()
	switch {
	case lines <= c.SmallMaxLines:
		return types.TierSmall
	case lines <= c.MediumMaxLines:
		return types.TierMedium
	default:
		return types.TierLarge
	}
}

// RosterFor returns the agent roles for a tier
func (c RosterConfig) RosterFor(tier types.Tier) []string {
	switch tier {
	case types.TierSmall:
		return c.Small
	case types.TierMedium:
		return c.Medium
	default:
		return c.Large
	}
}
