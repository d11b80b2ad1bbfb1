// Command cmemctl is the operator CLI for the conversational memory
// engine: search, inspect, and maintain a project's memory store directly
// against its SQLite files (no daemon wire protocol, per spec.md §6).
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
