package main

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	quipflip "github.com/sheegaon/quipflip/sdk/golang"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueClearCmd)
	queueCmd.AddCommand(queueRetryCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline action queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending offline actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		records := a.queue.List()
		if len(records) == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}
		for i, rec := range records {
			fmt.Printf("%d. %s %s\n", i+1, rec.Method, rec.URL)
			fmt.Printf("   id: %s  retries: %d/%d  enqueued: %s\n",
				rec.ID, rec.RetryCount, rec.MaxRetries,
				rec.EnqueuedAt.Format(time.RFC3339))
		}
		return nil
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Discard all pending offline actions",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		n := a.queue.Size()
		if err := a.queue.Clear(); err != nil {
			return fmt.Errorf("cannot clear queue: %w", err)
		}
		fmt.Printf("Discarded %d action(s).\n", n)
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Replay pending offline actions now",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		defer a.saveCookies()
		if a.queue.Size() == 0 {
			fmt.Println("Queue is empty.")
			return nil
		}

		orch := quipflip.NewReplayOrchestrator(a.queue, a.coord, a.monitor, zerolog.Nop())
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		before := a.queue.Size()
		if err := orch.Drain(ctx); err != nil {
			return fmt.Errorf("replay failed: %w", err)
		}
		fmt.Printf("Replayed: %d resolved, %d still pending.\n", before-a.queue.Size(), a.queue.Size())
		return nil
	},
}
