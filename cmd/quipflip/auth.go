package main

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	quipflip "github.com/sheegaon/quipflip/sdk/golang"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(sessionCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Authenticate and store the session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]

		fmt.Print("Password: ")
		password, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("cannot read password: %w", err)
		}

		a := getApp()
		defer a.saveCookies()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		player, err := a.client.Auth().Login(ctx, username, string(password))
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		if err := a.creds.SetLastUsername(player.Username); err != nil {
			return fmt.Errorf("cannot persist session marker: %w", err)
		}

		a.cfg.Auth.Username = player.Username
		if err := saveConfig(a.cfg); err != nil {
			return err
		}

		fmt.Printf("Logged in as %s\n", player.Username)
		printPlayer(player)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session and clear local state",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		defer a.saveCookies()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := a.client.Auth().Logout(ctx); err != nil {
			// The server call is best effort; local state is cleared anyway.
			fmt.Printf("Server logout failed: %v\n", err)
		}
		if err := a.creds.Clear(); err != nil {
			return fmt.Errorf("cannot clear session marker: %w", err)
		}

		a.cfg.Auth.Username = ""
		if err := saveConfig(a.cfg); err != nil {
			return err
		}

		fmt.Println("Logged out.")
		return nil
	},
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Resolve the current session",
	Long:  "Run the startup session protocol: returning user, returning visitor, or new.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a := getApp()
		defer a.saveCookies()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		resolver := quipflip.NewSessionResolver(a.client, a.coord, a.creds, a.visitors, zerolog.Nop())
		res, err := resolver.Resolve(ctx)
		if err != nil {
			return fmt.Errorf("session resolution failed: %w", err)
		}

		fmt.Printf("Session: %s\n", res.State)
		if res.Player != nil {
			printPlayer(res.Player)
		}
		return nil
	},
}

func printPlayer(p *quipflip.PlayerSnapshot) {
	fmt.Printf("  Wallet: %d\n", p.Wallet)
	fmt.Printf("  Vault:  %d\n", p.Vault)
	for name, amount := range p.Balances {
		fmt.Printf("  %s: %d\n", name, amount)
	}
}
