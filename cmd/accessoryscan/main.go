// Accessoryscan finds smart-home accessories on the local network and scores
// how likely each one is an unpaired device rather than one already owned.
//
// Usage:
//
//	accessoryscan scan [flags]
//
// See 'accessoryscan scan --help' for available options.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	root := newRootCmd(os.Stdout, os.Stderr)
	root.SetArgs(args)
	return root.Execute()
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "accessoryscan",
		Short: "Smart-home accessory discovery",
		Long: `Discovers devices on the local network through the neighbour cache,
TCP probing and multicast service announcements, then scores how likely each
device is an accessory waiting to be paired.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newScanCmd(stdout, stderr))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "accessoryscan %s\n", version)
		},
	})
	return root
}
