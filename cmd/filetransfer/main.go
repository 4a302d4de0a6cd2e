// Command filetransfer is the CLI driver for the peer-to-peer file
// transfer core: a client subcommand, a server subcommand, and an
// add-key subcommand for the trusted-peer store. The driver owns
// socket setup, flag parsing, and logging/metrics wiring; the transfer
// logic itself lives entirely in the internal packages.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "filetransfer",
		Short:         "Peer-to-peer file transfer over an unreliable UDP substrate",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(newClientCmd())
	root.AddCommand(newServerCmd())
	root.AddCommand(newAddKeyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "filetransfer:", err)
		os.Exit(1)
	}
}
