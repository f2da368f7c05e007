package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions and pipeline registrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()

		fmt.Printf("\n%s\n\n", cyan("=== Pipewright Status ==="))

		sessions := c.store.Active()
		if len(sessions) == 0 {
			fmt.Printf("  %s\n", gray("No active sessions"))
		} else {
			sort.Slice(sessions, func(i, j int) bool {
				return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
			})
			for _, s := range sessions {
				statusColor := colorForStatus(s.Status)
				fmt.Printf("  %s %s\n", statusColor("●"), statusColor(string(s.Status)))
				fmt.Printf("    Session: %s\n", s.ID)
				fmt.Printf("    Issue:   #%d %s\n", s.Issue.Number, s.Issue.Title)
				fmt.Printf("    Branch:  %s\n", s.Branch)
				if s.PRNumber > 0 {
					fmt.Printf("    PR:      #%d\n", s.PRNumber)
				}
				fmt.Printf("    Retries: ci=%d review=%d\n", s.CIAttempts, s.ReviewAttempts)
				fmt.Printf("    Updated: %s (%v ago)\n",
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
					time.Since(s.UpdatedAt).Round(time.Second))
				fmt.Println()
			}
		}

		active := c.guard.Active()
		yellow := color.New(color.FgYellow).SprintFunc()
		fmt.Printf("%s\n", yellow("Active pipeline registrations:"))
		if len(active) == 0 {
			fmt.Printf("  %s\n", gray("none"))
		} else {
			branches := make([]string, 0, len(active))
			for branch := range active {
				branches = append(branches, branch)
			}
			sort.Strings(branches)
			for _, branch := range branches {
				fmt.Printf("  %s -> %s\n", branch, active[branch])
			}
		}
		fmt.Println()
		return nil
	},
}

func colorForStatus(status types.SessionStatus) func(a ...interface{}) string {
	switch status {
	case types.StatusMerged:
		return color.New(color.FgGreen).SprintFunc()
	case types.StatusEscalated, types.StatusFailed:
		return color.New(color.FgRed).SprintFunc()
	case types.StatusCI, types.StatusReview:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
