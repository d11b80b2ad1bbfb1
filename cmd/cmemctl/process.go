package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one consolidation pass over the working set now",
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

		report, err := eng.Consolidator.Run(cmd.Context())
		if err != nil {
			return fmt.Errorf("consolidation pass: %w", err)
		}

		if jsonFlag {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "groups considered: %d\n", report.GroupsConsidered)
		fmt.Fprintf(cmd.OutOrStdout(), "memories created:  %d\n", report.MemoriesCreated)
		fmt.Fprintf(cmd.OutOrStdout(), "rules promoted:    %d\n", report.RulesPromoted)
		fmt.Fprintf(cmd.OutOrStdout(), "reduction ratio:   %.2f\n", report.ReductionRatio)
		return nil
	},
}
