package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/canon"
	"github.com/cmemd/cmemd/internal/model"
)

var promoteTags []string

var promoteCmd = &cobra.Command{
	Use:   "promote [content]",
	Short: "Promote a troubleshooting memory into the cross-project shared store",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		content := strings.Join(args, " ")

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Shutdown() }()

		eng, err := mgr.Acquire(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}

		entry, err := mgr.Shared.PromoteEntry(cmd.Context(), model.SharedTroubleshootingEntry{
			Content:      content,
			CanonicalKey: canon.Key(content, nil),
			Tags:         promoteTags,
		}, eng.Hash)
		if err != nil {
			return fmt.Errorf("promote entry: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(entry)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "promoted %s\n", entry.ID)
		return nil
	},
}

var searchSharedCmd = &cobra.Command{
	Use:   "search-shared [query]",
	Short: "Search the cross-project shared knowledge store",
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

		hits, err := mgr.Shared.SearchShared(cmd.Context(), query, eng.Hash, searchLimit)
		if err != nil {
			return fmt.Errorf("search shared: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(hits)
		}
		for _, h := range hits {
			fmt.Fprintf(cmd.OutOrStdout(), "[%.2f] %s\n", h.Score, previewLine(h.Entry.Content))
		}
		return nil
	},
}

func init() {
	promoteCmd.Flags().StringSliceVar(&promoteTags, "tag", nil, "tags to attach to the promoted entry (repeatable)")
	searchSharedCmd.Flags().IntVar(&searchLimit, "limit", 10, "maximum number of results")

	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(searchSharedCmd)
}
