package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/retriever"
)

var (
	searchSessionID string
	searchLimit     int
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search this project's memory for the given query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Shutdown() }()

		eng, err := mgr.Acquire(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}

		opts := retriever.Options{TopK: searchLimit}
		if searchSessionID != "" {
			opts.Scope = retriever.Scope{SessionID: searchSessionID}
		}

		result, err := eng.Retriever.Retrieve(cmd.Context(), query, opts)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "confidence: %s\n\n", result.Confidence)
		for _, c := range result.Memories {
			fmt.Fprintf(cmd.OutOrStdout(), "[%.2f] %s: %s\n", c.Blended, c.Event.EventType, previewLine(c.Event.Content))
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().StringVar(&searchSessionID, "session", "", "restrict results to one session")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results")
}

func previewLine(s string) string {
	const maxLen = 120
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
