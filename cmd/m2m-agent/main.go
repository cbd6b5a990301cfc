package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "m2m-agent",
	Short: "m2m-agent runs one addressable agent: a local listener plus a hub control connection",
	Long: `m2m-agent binds a local TCP port for inbound peer sessions, registers with
a hub over a correlation-id multiplexed control channel, and keeps itself
discoverable with periodic heartbeats until terminated.`,
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
