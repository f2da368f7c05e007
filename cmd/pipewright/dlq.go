package main

import (
	"context"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/delivery"
)

var dlqRetry bool

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead letter queue",
	Long: `Inspect pending and exhausted dead letter entries for every
configured adapter. With --retry, force an immediate retry sweep instead
of waiting for the running orchestrator's timer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

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
		if len(adapters) == 0 {
			fmt.Println("No delivery adapters configured")
			return nil
		}

		if dlqRetry {
			manager, err := delivery.NewManager(&delivery.ManagerConfig{
				Bus:      c.bus,
				Queue:    c.queue,
				Adapters: adapters,
			})
			if err != nil {
				return err
			}
			stats, err := manager.Sweep(context.Background())
			if err != nil {
				return err
			}
			fmt.Printf("Sweep: delivered=%d failed=%d exhausted=%d\n",
				stats.Delivered, stats.Failed, stats.Exhausted)
			return nil
		}

		red := color.New(color.FgRed).SprintFunc()
		gray := color.New(color.FgHiBlack).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()

		for _, adapter := range adapters {
			entries, err := c.queue.Entries(adapter.Name())
			if err != nil {
				return err
			}
			fmt.Printf("%s\n", yellow(adapter.Name()+":"))
			if len(entries) == 0 {
				fmt.Printf("  %s\n", gray("empty"))
				continue
			}
			for _, e := range entries {
				state := fmt.Sprintf("retry %d, next %s", e.RetryCount, e.NextRetryAt.Format("15:04:05"))
				if c.queue.Exhausted(e) {
					state = red("exhausted")
				}
				fmt.Printf("  %s  %s  (%s)\n", e.Event.RequestID, e.Event.Type, state)
				fmt.Printf("    last error: %s\n", gray(e.LastError))
			}
		}
		return nil
	},
}

func init() {
	dlqCmd.Flags().BoolVar(&dlqRetry, "retry", false, "force an immediate retry sweep")
	rootCmd.AddCommand(dlqCmd)
}
