package main

import (
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "nudged",
	Short: "nudged - Pyrus deadline nudge and escalation engine",
	Long: `A reminder daemon that sits beside Pyrus: tasks arrive over a signed
webhook, live in a SQLite table until their deadline passes, and are then
nudged through escalation comments until they are handled or the managers
are looped in.`,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}
