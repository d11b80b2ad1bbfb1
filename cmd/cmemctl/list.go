package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every session this engine has seen, across all projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, err := newManager()
		if err != nil {
			return err
		}
		defer func() { _ = mgr.Shutdown() }()

		sessions, err := mgr.Registry.All()
		if err != nil {
			return fmt.Errorf("read session registry: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(sessions)
		}

		for sessionID, rec := range sessions {
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %s  %s\n", sessionID, rec.ProjectHash, rec.ProjectPath, rec.RegisteredAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}
