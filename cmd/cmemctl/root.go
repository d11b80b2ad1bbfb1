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
	projectFlag string
	jsonFlag    bool
	// memoryRootOverride lets tests point the CLI at a temp directory
	// instead of the real home directory.
	memoryRootOverride string
)

var rootCmd = &cobra.Command{
	Use:           "cmemctl",
	Short:         "Inspect and maintain the conversational memory engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectFlag, "project", ".", "project directory (defaults to the current directory)")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "emit machine-readable JSON output")

	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(forgetCmd)
}

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

// newManager builds a project Manager rooted at the real (or overridden)
// memory root, used by every subcommand to open the project it targets.
func newManager() (*project.Manager, error) {
	root, err := memoryRoot()
	if err != nil {
		return nil, err
	}
	log := logging.New(logging.Options{Dir: root})
	return project.NewManager(root, log)
}
