package main

import (
	"fmt"

	"roletracker/internal/auth"

	"github.com/spf13/cobra"
)

var hashTokenCmd = &cobra.Command{
	Use:   "hash-token <token>",
	Short: "Print the bcrypt hash to use as ROLETRACKER_API_TOKEN_HASH",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := auth.HashToken(args[0])
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), hash)
		return err
	},
}

func init() {
	rootCmd.AddCommand(hashTokenCmd)
}
