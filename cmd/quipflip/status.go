package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, session, and queue status",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		defer a.saveCookies()

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL: %s\n", a.client.BaseURL())
		if a.cfg.Default.TimeoutSeconds > 0 {
			fmt.Printf("  Timeout:  %ds\n", a.cfg.Default.TimeoutSeconds)
		}

		fmt.Println()
		fmt.Println("Session:")
		if user := a.creds.LastUsername(); user != "" {
			fmt.Printf("  Last user: %s\n", user)
		} else {
			fmt.Println("  Last user: (none)")
		}

		fmt.Println()
		fmt.Printf("Offline queue: %d pending action(s)\n", a.queue.Size())

		// Live reachability probe via the session endpoint.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if player, err := a.client.Auth().Session(ctx); err != nil {
			fmt.Printf("Server:        unreachable or unauthenticated (%v)\n", err)
		} else {
			fmt.Printf("Server:        ok (authenticated as %s)\n", player.Username)
		}
		return nil
	},
}
