package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and repair queued operations",
}

var outboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operations waiting for the server",
	Example: `  fieldsync outbox list
  fieldsync outbox list --status failed --json`,
	Args: cobra.NoArgs,
	RunE: runOutboxList,
}

var outboxRetryCmd = &cobra.Command{
	Use:   "retry <operation-id>",
	Short: "Requeue a failed operation",
	Args:  cobra.ExactArgs(1),
	RunE:  runOutboxRetry,
}

var outboxDiscardCmd = &cobra.Command{
	Use:   "discard <operation-id>",
	Short: "Drop a failed operation and restore the record state",
	Long: `Drop a failed operation. A discarded create also removes the record it
would have created, since the server never saw it.`,
	Args: cobra.ExactArgs(1),
	RunE: runOutboxDiscard,
}

var outboxStatus string

func init() {
	outboxListCmd.Flags().StringVar(&outboxStatus, "status", "", "Only show operations in this status (queued, in-flight, failed)")
	outboxCmd.AddCommand(outboxListCmd, outboxRetryCmd, outboxDiscardCmd)
}

func parseOperationID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid operation id %q", s)
	}
	return id, nil
}

func runOutboxList(cmd *cobra.Command, _ []string) error {
	var statuses []fieldsync.OperationStatus
	switch s := fieldsync.OperationStatus(outboxStatus); s {
	case "":
	case fieldsync.StatusQueued, fieldsync.StatusInFlight, fieldsync.StatusFailed:
		statuses = append(statuses, s)
	default:
		return fmt.Errorf("invalid status %q: must be queued, in-flight or failed", outboxStatus)
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	var ops []fieldsync.PendingOperation
	if len(statuses) == 0 {
		ops, err = client.Pending(cmd.Context())
	} else {
		ops, err = client.Operations(cmd.Context(), statuses...)
	}
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}
	return outputOperations(cmd, ops)
}

func runOutboxRetry(cmd *cobra.Command, args []string) error {
	id, err := parseOperationID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.RetryOperation(cmd.Context(), id); err != nil {
		return fmt.Errorf("retry operation %d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int64{"requeued": id})
	}
	printSuccess(cmd.OutOrStdout(), "Operation #%d requeued", id)
	return nil
}

func runOutboxDiscard(cmd *cobra.Command, args []string) error {
	id, err := parseOperationID(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.DiscardOperation(cmd.Context(), id); err != nil {
		return fmt.Errorf("discard operation %d: %w", id, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]int64{"discarded": id})
	}
	printSuccess(cmd.OutOrStdout(), "Operation #%d discarded", id)
	return nil
}
