package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/cmemd/cmemd/internal/model"
	"github.com/cmemd/cmemd/internal/project"
	"github.com/cmemd/cmemd/internal/retriever"
)

// hookRequest is the JSON object read from stdin: {session_id, cwd,
// prompt|messages, ...} per spec.md §6. Only the fields this engine needs
// are declared; unknown fields are ignored.
type hookRequest struct {
	SessionID string `json:"session_id"`
	Cwd       string `json:"cwd"`
	Prompt    string `json:"prompt"`
	TurnID    string `json:"turn_id,omitempty"`
}

// hookResponse is the JSON object written to stdout: always {context:
// string}, even on failure, so the host assistant never breaks on a
// memory-layer fault (spec.md §6).
type hookResponse struct {
	Context string `json:"context"`
}

var hookCmd = &cobra.Command{
	Use:   "hook",
	Short: "Run one ingest-and-retrieve round trip for the hook protocol",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runHook(cmd.Context(), os.Stdin, os.Stdout)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

// runHook implements the stdin-JSON-in/stdout-JSON-out ingest protocol. It
// never returns a response body that fails to marshal; any internal error
// degrades to an empty context rather than propagating to the caller's
// stdout, though the process still exits non-zero so operators can see the
// failure in logs.
func runHook(ctx context.Context, in io.Reader, out io.Writer) error {
	var req hookRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return writeHookResponse(out, hookResponse{}, fmt.Errorf("decode hook request: %w", err))
	}
	if req.SessionID == "" || req.Cwd == "" {
		return writeHookResponse(out, hookResponse{}, fmt.Errorf("session_id and cwd are required"))
	}

	mgr, err := newManager()
	if err != nil {
		return writeHookResponse(out, hookResponse{}, err)
	}
	defer func() { _ = mgr.Shutdown() }()

	eng, err := mgr.AcquireForSession(ctx, req.SessionID, req.Cwd)
	if err != nil {
		return writeHookResponse(out, hookResponse{}, err)
	}

	turnID := req.TurnID
	if turnID == "" {
		turnID = mgr.TurnState.Read(req.SessionID)
	}

	if req.Prompt != "" {
		res, appendErr := eng.Events.Append(ctx, model.Event{
			EventType: model.EventUserPrompt,
			SessionID: req.SessionID,
			TurnID:    turnID,
			Timestamp: time.Now(),
			Content:   req.Prompt,
		}, nil)
		if appendErr != nil {
			eng.Log().Error("append hook event failed", "session_id", req.SessionID, "error", appendErr)
		} else if !res.IsDuplicate {
			_ = mgr.TurnState.Write(req.SessionID, turnID)
		}
	}

	var context string
	if req.Prompt != "" {
		result, retrieveErr := eng.Retriever.Retrieve(ctx, req.Prompt, retriever.Options{
			Scope: retriever.Scope{SessionID: req.SessionID},
		})
		if retrieveErr == nil {
			context = result.Context
			for _, c := range result.Memories {
				_ = eng.Helpfulness.RecordRetrieval(ctx, c.Event.ID, req.SessionID, req.Prompt, c.Blended)
			}
			if result.Confidence == retriever.ConfidenceNone {
				context = appendSharedContext(ctx, mgr, eng.Hash, req.Prompt, context)
			}
		}
	}

	return writeHookResponse(out, hookResponse{Context: context}, nil)
}

// appendSharedContext unions in the single best cross-project shared
// knowledge hit (spec.md §4.12) when the project's own memory came back
// with no confident match, so a troubleshooting entry promoted from another
// project can still surface. Shared-store errors are swallowed: it's a
// best-effort addition, not a retrieval path the hook depends on.
func appendSharedContext(ctx context.Context, mgr *project.Manager, projectHash, prompt, context string) string {
	if mgr.Shared == nil {
		return context
	}
	hits, err := mgr.Shared.SearchShared(ctx, prompt, projectHash, 1)
	if err != nil || len(hits) == 0 {
		return context
	}
	addition := fmt.Sprintf("shared knowledge: %s", hits[0].Entry.Content)
	if context == "" {
		return addition
	}
	return context + "\n\n" + addition
}

// writeHookResponse always writes valid JSON to out. logErr, if non-nil, is
// returned so main() can report a non-zero exit code; the written body is
// unaffected by it.
func writeHookResponse(out io.Writer, resp hookResponse, logErr error) error {
	if err := json.NewEncoder(out).Encode(resp); err != nil {
		return fmt.Errorf("encode hook response: %w", err)
	}
	return logErr
}
