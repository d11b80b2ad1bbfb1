package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var historySessionID string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List events recorded for one session, in chronological order",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historySessionID == "" {
			return fmt.Errorf("--session is required")
		}

		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Shutdown() }()

		eng, err := mgr.Acquire(cmd.Context(), projectFlag)
		if err != nil {
			return err
		}

		events, err := eng.Events.EventsBySession(cmd.Context(), historySessionID)
		if err != nil {
			return fmt.Errorf("load session history: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(events)
		}

		for _, ev := range events {
			fmt.Fprintf(cmd.OutOrStdout(), "%s [%s] %s\n", ev.Timestamp.Format("15:04:05"), ev.EventType, previewLine(ev.Content))
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVar(&historySessionID, "session", "", "session id to list events for")
}
