package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/model"
)

// importedEvent is the JSONL wire shape accepted by `cmemctl import`: one
// object per line, matching model.Event's externally-relevant fields.
type importedEvent struct {
	ID           string            `json:"id,omitempty"`
	EventType    model.EventType   `json:"event_type"`
	SessionID    string            `json:"session_id"`
	TurnID       string            `json:"turn_id,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Content      string            `json:"content"`
	CanonicalKey string            `json:"canonical_key,omitempty"`
	DedupeKey    string            `json:"dedupe_key,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Bulk-import events from a JSONL file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer func() { _ = f.Close() }()

		var events []model.Event
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		line := 0
		for scanner.Scan() {
			line++
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			var ie importedEvent
			if err := json.Unmarshal(raw, &ie); err != nil {
				return fmt.Errorf("parse line %d: %w", line, err)
			}
			events = append(events, model.Event{
				ID:           ie.ID,
				EventType:    ie.EventType,
				SessionID:    ie.SessionID,
				TurnID:       ie.TurnID,
				Timestamp:    ie.Timestamp,
				Content:      ie.Content,
				CanonicalKey: ie.CanonicalKey,
				DedupeKey:    ie.DedupeKey,
				Metadata:     ie.Metadata,
			})
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
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

		imported, skipped, err := eng.Events.ImportEvents(cmd.Context(), events, nil)
		if err != nil {
			return fmt.Errorf("import events: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "imported: %d, skipped (duplicate): %d\n", imported, skipped)
		return nil
	},
}
