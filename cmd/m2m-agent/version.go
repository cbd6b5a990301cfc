package main

import (
	"github.com/spf13/cobra"

	"github.com/sage-x-project/m2m/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the m2m-agent version",
	Run: func(cmd *cobra.Command, args []string) {
		version.PrintVersion()
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
