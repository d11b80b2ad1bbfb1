package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/config"
)

type projectStats struct {
	ProjectHash    string `json:"project_hash"`
	VectorCount    int    `json:"vector_count"`
	OutboxPending  int    `json:"outbox_pending"`
	OutboxFailed   int    `json:"outbox_failed"`
	EmbedderOnline bool   `json:"embedder_online"`
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Report this project's memory store statistics and effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Shutdown() }()

		eng, err := mgr.Acquire(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}

		stats := projectStats{
			ProjectHash: eng.Hash,
			VectorCount: eng.Vectors.Len(),
		}
		stats.EmbedderOnline = eng.Embedder != nil && eng.Embedder.Available(cmd.Context())

		row := eng.Events.DB().QueryRowContext(cmd.Context(),
			`SELECT
				(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'pending'),
				(SELECT COUNT(*) FROM outbox_jobs WHERE status = 'failed')`)
		if err := row.Scan(&stats.OutboxPending, &stats.OutboxFailed); err != nil {
			return fmt.Errorf("query outbox stats: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]interface{}{
				"project": stats,
				"config":  config.AllSettings(),
			})
		}

		fmt.Fprintf(cmd.OutOrStdout(), "project hash:     %s\n", stats.ProjectHash)
		fmt.Fprintf(cmd.OutOrStdout(), "vectors indexed:  %d\n", stats.VectorCount)
		fmt.Fprintf(cmd.OutOrStdout(), "outbox pending:   %d\n", stats.OutboxPending)
		fmt.Fprintf(cmd.OutOrStdout(), "outbox failed:    %d\n", stats.OutboxFailed)
		fmt.Fprintf(cmd.OutOrStdout(), "embedder online:  %t\n", stats.EmbedderOnline)
		return nil
	},
}
