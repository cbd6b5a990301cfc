package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "m2m-hub",
	Short: "m2m-hub runs the discovery and control-channel registry for agent-to-agent transport",
	Long: `m2m-hub is the rendezvous point agents register with: it tracks who is
online, answers discover/find/lookup queries over a correlation-id
multiplexed WebSocket control channel, and evicts agents that stop
heartbeating.`,
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	// Note: commands are registered in their respective files
	// - serve.go: serveCmd
	// - version.go: versionCmd
}
