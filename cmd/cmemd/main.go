// Command cmemd is the long-running conversational memory daemon: it owns
// the background cooperative tasks (embedding, consolidation, replication,
// helpfulness evaluation, turn-state cleanup) across every project it has
// seen, and exposes the hook ingest protocol as a one-shot subcommand.
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
