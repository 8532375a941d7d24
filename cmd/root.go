package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	Version = "dev"
	Commit  = "none"
)

var rootCmd = &cobra.Command{
	Use:   "ccbox-relayd",
	Short: "ccbox relay server",
	Long: `ccbox-relayd brokers the bidirectional WebSocket control channel
between a tenant's long-lived orchestrator and its short-lived client
sessions, handling device authentication, pairing, and mux frame
forwarding.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(keygenCmd)
}
