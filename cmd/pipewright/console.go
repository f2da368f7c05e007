package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/pipewright/pipewright/internal/console"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Start the interactive operator console",
	Long: `Start an interactive shell over the orchestration state:
inspect sessions, replay event logs, look into the dead letter queue,
and release stuck pipeline registrations.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.close()

		sh, err := console.New(&console.Config{
			Store: c.store,
			Bus:   c.bus,
			Guard: c.guard,
			Queue: c.queue,
		})
		if err != nil {
			return err
		}
		return sh.Run(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}
