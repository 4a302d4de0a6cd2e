package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gotlougit/filetransfer/internal/identity"
)

func newAddKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add-key <encoded-key>",
		Short: "Add a base64-encoded remote public key to the trusted-peer store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := base64.StdEncoding.DecodeString(args[0])
			if err != nil {
				return fmt.Errorf("decode key: %w", err)
			}
			if err := identity.AddTrustedKey(key); err != nil {
				return fmt.Errorf("add trusted key: %w", err)
			}
			dir, err := identity.ConfigDir()
			if err == nil {
				fmt.Printf("trusted key added to %s\n", dir)
			}
			return nil
		},
	}
}
