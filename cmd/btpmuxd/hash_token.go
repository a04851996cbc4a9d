package main

import (
	"fmt"

	"github.com/danmuck/btpmux/internal/account"
	"github.com/spf13/cobra"
)

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the account name a token authenticates as in hash_token mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), account.HashToken(args[0]))
			return err
		},
	}
}
