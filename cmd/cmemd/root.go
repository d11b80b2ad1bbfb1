package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/config"
	"github.com/cmemd/cmemd/internal/logging"
	"github.com/cmemd/cmemd/internal/project"
)

var (
	debugFlag bool
	// memoryRootOverride lets tests point the daemon at a temp directory
	// instead of the real home directory; empty means "use the real one".
	memoryRootOverride string
)

var rootCmd = &cobra.Command{
	Use:   "cmemd",
	Short: "Conversational memory engine daemon",
	Long: `cmemd is the long-running conversational memory daemon: it ingests
chat events, embeds and indexes them, consolidates a working set into
durable memories, replicates to a shared log, and answers the hook
ingest protocol on stdin/stdout.

Run with no subcommand to start the daemon loop. Use "cmemd hook" for a
single ingest-and-retrieve round trip.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", os.Getenv("CLAUDE_MEMORY_DEBUG") == "true", "enable debug logging")
	rootCmd.AddCommand(hookCmd)
}

// memoryRoot resolves <home>/.claude/memory, creating it if necessary.
func memoryRoot() (string, error) {
	root := memoryRootOverride
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		root = filepath.Join(home, config.MemoryRootName())
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", fmt.Errorf("create memory root %s: %w", root, err)
	}
	return root, nil
}

// newManager builds the process-wide project Manager with logging wired in.
func newManager() (*project.Manager, error) {
	root, err := memoryRoot()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Options{Dir: root, Debug: debugFlag})
	return project.NewManager(root, log)
}
