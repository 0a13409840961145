// Package main provides the CLI entry point for the duohop proxy hub.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "duohop",
		Short: "duohop - a bidirectional SOCKS5/HTTP proxy hub",
		Long: `duohop terminates an HTTP/1.1 CONNECT-style forward proxy or a
SOCKS5 proxy on a local listener and tunnels the resulting client
streams through an upstream SOCKS5 server.`,
		Version: Version,
	}

	rootCmd.AddGroup(&cobra.Group{ID: "start", Title: "Getting Started:"})

	run := runCmd()
	run.GroupID = "start"
	rootCmd.AddCommand(run)

	initC := initCmd()
	initC.GroupID = "start"
	rootCmd.AddCommand(initC)

	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the duohop version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println(Version)
			return nil
		},
	}
}
