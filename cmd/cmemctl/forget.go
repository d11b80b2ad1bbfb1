package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var forgetSessionID string

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Permanently delete every event recorded for one session",
	RunE: func(cmd *cobra.Command, args []string) error {
		if forgetSessionID == "" {
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

		deleted, err := eng.Events.DeleteSessionEvents(cmd.Context(), forgetSessionID)
		if err != nil {
			return fmt.Errorf("forget session %s: %w", forgetSessionID, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "deleted %d events from session %s\n", deleted, forgetSessionID)
		return nil
	},
}

func init() {
	forgetCmd.Flags().StringVar(&forgetSessionID, "session", "", "session id to forget")
}
