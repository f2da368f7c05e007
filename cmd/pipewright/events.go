package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/events"
)

var (
	eventsFollow  bool
	eventsVerbose bool
)

var eventsCmd = &cobra.Command{
	Use:   "events <request-id>",
	Short: "Replay the event log for a request",
	Long: `Replay the durable event log for a session or pipeline run in
publish order. With --follow, keep polling the log and print new events
as they are appended.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := args[0]

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		history, err := c.bus.Events(requestID)
		if err != nil {
			return err
		}
		if len(history) == 0 && !eventsFollow {
			fmt.Printf("No events recorded for %s\n", requestID)
			return nil
		}
		for _, ev := range history {
			printEvent(ev)
		}

		if !eventsFollow {
			return nil
		}

		// Follow works across processes by re-reading the durable log, so
		// it sees events published by a running orchestrator.
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		seen := len(history)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				history, err := c.bus.Events(requestID)
				if err != nil {
					return err
				}
				seen = printNewEvents(history, seen)
			}
		}
	},
}

// printNewEvents prints everything past the seen cursor and returns the
// new cursor. The log can shrink between polls when retention cleanup in
// a concurrent orchestrator removes it, so the cursor is clamped rather
// than trusted.
func printNewEvents(history []*events.PipelineEvent, seen int) int {
	if seen > len(history) {
		seen = len(history)
	}
	for _, ev := range history[seen:] {
		printEvent(ev)
	}
	return len(history)
}

func printEvent(ev *events.PipelineEvent) {
	gray := color.New(color.FgHiBlack).SprintFunc()
	fmt.Printf("%s  %s", gray(ev.Timestamp.Format("2006-01-02 15:04:05.000")), eventColor(ev.Type)(string(ev.Type)))
	if eventsVerbose && len(ev.Data) > 0 {
		if data, err := json.Marshal(ev.Data); err == nil {
			fmt.Printf("  %s", gray(string(data)))
		}
	}
	fmt.Println()
}

func eventColor(et events.EventType) func(a ...interface{}) string {
	switch et {
	case events.EventSessionMerged, events.EventSessionCIPassed:
		return color.New(color.FgGreen).SprintFunc()
	case events.EventSessionEscalated, events.EventSessionFailed, events.EventSessionCIFailed:
		return color.New(color.FgRed).SprintFunc()
	case events.EventPipelineCorrecting, events.EventSessionChangesRequested:
		return color.New(color.FgYellow).SprintFunc()
	default:
		return color.New(color.FgCyan).SprintFunc()
	}
}

func init() {
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "keep polling the log for new events")
	eventsCmd.Flags().BoolVarP(&eventsVerbose, "verbose", "v", false, "include event payloads")
	rootCmd.AddCommand(eventsCmd)
}
