package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync"
)

// outputAsJSON writes any value as formatted JSON to the command's stdout.
func outputAsJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError prints an error to stderr without leaking the session token.
func outputError(w io.Writer, err error) {
	printError(w, "Error: %s", scrubSensitiveData(err.Error()))
}

func scrubSensitiveData(msg string) string {
	if token := settings.GetString("token"); token != "" {
		msg = strings.ReplaceAll(msg, token, "[REDACTED]")
	}
	return msg
}

// statusReport is the JSON shape of the status command.
type statusReport struct {
	Status  fieldsync.SyncStatus                          `json:"status"`
	Stats   *fieldsync.StoreStats                         `json:"stats"`
	Cursors map[fieldsync.EntityType]fieldsync.SyncCursor `json:"cursors"`
}

func outputStatus(cmd *cobra.Command, r statusReport) error {
	if outputJSON {
		return outputAsJSON(cmd, r)
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderMarkdown(statusMarkdown(r)))
	return nil
}

// statusMarkdown renders the status report as a markdown document.
func statusMarkdown(r statusReport) string {
	var sb strings.Builder
	sb.WriteString("## Sync status\n\n")
	fmt.Fprintf(&sb, "- **State:** %s (tier %s)\n", r.Status.State, r.Status.Polling.Tier)
	fmt.Fprintf(&sb, "- **Outbox:** %d queued, %d in flight, %d failed\n", r.Stats.Queued, r.Stats.InFlight, r.Stats.Failed)
	fmt.Fprintf(&sb, "- **Records:** %d dirty, %d in conflict\n", r.Stats.Dirty, r.Stats.Conflict)
	if r.Status.LastError != "" {
		fmt.Fprintf(&sb, "- **Last error:** %s\n", r.Status.LastError)
	}
	if r.Status.ForcedFullSync {
		sb.WriteString("- **A full sync is pending**\n")
	}

	sb.WriteString("\n| Collection | Records | Last synced |\n|---|---:|---|\n")
	for _, et := range fieldsync.EntityTypes() {
		last := "never"
		if c, ok := r.Cursors[et]; ok && c.LastSyncedAt > 0 {
			last = time.UnixMilli(c.LastSyncedAt).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(&sb, "| %s | %d | %s |\n", et, r.Stats.Records[et], last)
	}
	return sb.String()
}

func outputRecord(cmd *cobra.Command, rec *fieldsync.LocalRecord) error {
	if outputJSON {
		return outputAsJSON(cmd, rec)
	}
	out := cmd.OutOrStdout()
	printField(out, "Local ID", rec.LocalID())
	if sid := rec.ServerID(); sid != "" {
		printField(out, "Server ID", sid)
	}
	printField(out, "Type", rec.EntityType)
	printField(out, "State", renderState(string(rec.SyncState)))
	printField(out, "Payload", string(rec.Payload))
	return nil
}

func outputRecords(cmd *cobra.Command, recs []fieldsync.LocalRecord) error {
	if outputJSON {
		if recs == nil {
			recs = []fieldsync.LocalRecord{}
		}
		return outputAsJSON(cmd, recs)
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No records.")
		return nil
	}
	for _, rec := range recs {
		sid := rec.ServerID()
		if sid == "" {
			sid = "-"
		}
		fmt.Fprintf(out, "%s  %-20s %s  %s\n", rec.LocalID(), sid, renderState(string(rec.SyncState)), truncate(string(rec.Payload), 60))
	}
	return nil
}

func outputOperations(cmd *cobra.Command, ops []fieldsync.PendingOperation) error {
	if outputJSON {
		if ops == nil {
			ops = []fieldsync.PendingOperation{}
		}
		return outputAsJSON(cmd, ops)
	}
	out := cmd.OutOrStdout()
	if len(ops) == 0 {
		fmt.Fprintln(out, "Outbox is empty.")
		return nil
	}
	for _, op := range ops {
		kind := string(op.Type)
		if op.Action != "" {
			kind += ":" + op.Action
		}
		fmt.Fprintf(out, "#%-5d %-16s %-13s %s  %s\n", op.ID, kind, op.EntityType, op.Target.LocalID(), renderState(string(op.Status)))
		if op.LastError != "" {
			printMuted(out, "       %s (retries: %d): %s", op.ErrorKind, op.RetryCount, truncate(op.LastError, 120))
		}
	}
	return nil
}

func outputSyncReport(cmd *cobra.Command, r *fieldsync.SyncReport, elapsed time.Duration) error {
	if outputJSON {
		return outputAsJSON(cmd, struct {
			*fieldsync.SyncReport
			DurationMs int64 `json:"duration_ms"`
		}{r, elapsed.Milliseconds()})
	}
	out := cmd.OutOrStdout()
	printSuccess(out, "Sync complete (took %s)", elapsed.Round(time.Millisecond))
	if r.Check != nil {
		if len(r.Check.Refetched) == 0 {
			printMuted(out, "No collection changed")
		}
		for _, et := range r.Check.Refetched {
			if a := r.Check.Applied[et]; a != nil {
				printInfo(out, "%s: %d new, %d updated, %d removed, %d kept local", et, a.Inserted, a.Updated, a.Deleted, a.Skipped)
			}
		}
	}
	if r.Drain != nil {
		printInfo(out, "Outbox: %d applied, %d retried, %d failed", r.Drain.Applied, r.Drain.Retried, r.Drain.Failed)
		if r.Drain.Failed > 0 {
			printWarning(out, "Failed operations need 'fieldsync outbox retry' or 'fieldsync outbox discard'")
		}
	}
	return nil
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
