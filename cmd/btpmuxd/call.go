package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/btpmux/internal/server"
	"github.com/spf13/cobra"
)

func newCallCmd() *cobra.Command {
	var (
		url      string
		username string
		token    string
		balance  bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call",
		Short: "Authenticate against a btpmux server and query it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				return errors.New("--token is required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			c, err := server.DialClient(ctx, url, server.ClientOptions{Timeout: timeout})
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Authenticate(ctx, username, token); err != nil {
				return fmt.Errorf("auth: %w", err)
			}

			out := cmd.OutOrStdout()
			info, err := c.Info(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "server: %s\n", info)
			if balance {
				bal, err := c.Balance(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "balance: %d\n", bal)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:7768/", "server websocket url")
	cmd.Flags().StringVar(&username, "username", "", "account name; empty authenticates as the token hash")
	cmd.Flags().StringVar(&token, "token", "", "auth token")
	cmd.Flags().BoolVar(&balance, "balance", false, "also print the account balance")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "overall timeout")
	return cmd
}
