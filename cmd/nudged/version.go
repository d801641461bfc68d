package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.1.0"
	// Commit can be set via ldflags at compile time.
	Commit = ""
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		if Commit != "" {
			fmt.Printf("nudged version %s (%s)\n", Version, Commit)
			return
		}
		fmt.Printf("nudged version %s\n", Version)
	},
}
