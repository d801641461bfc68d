// Command nudged runs the Pyrus deadline nudge engine: a webhook endpoint
// that admits overdue-to-be tasks into a durable table, and a scanner that
// escalates each one through a bounded sequence of reminder comments.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
