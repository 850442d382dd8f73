package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Read and write local records",
	Long: `Read and write local records. Writes apply locally at once and are
queued for replay; run 'fieldsync sync' or 'fieldsync run' to send them.`,
}

var recordCreateCmd = &cobra.Command{
	Use:   "create <collection>",
	Short: "Create a record",
	Example: `  fieldsync record create actors --payload '{"name":"Ana","phone":"555"}'
  fieldsync record create locations --payload '{"name":"Depot"}' --natural-key depot-7`,
	Args: cobra.ExactArgs(1),
	RunE: runRecordCreate,
}

var recordUpdateCmd = &cobra.Command{
	Use:     "update <collection> <local-id>",
	Short:   "Merge a JSON patch into a record; null removes a field",
	Example: `  fieldsync record update actors loc_01J... --patch '{"phone":"556"}'`,
	Args:    cobra.ExactArgs(2),
	RunE:    runRecordUpdate,
}

var recordDeleteCmd = &cobra.Command{
	Use:   "delete <collection> <local-id>",
	Short: "Delete a record",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordDelete,
}

var recordBulkCmd = &cobra.Command{
	Use:     "bulk <collection> <local-id>",
	Short:   "Apply one action to many members as a single operation",
	Example: `  fieldsync record bulk campaigns loc_01J... --action enroll --member loc_01A... --member srv-42`,
	Args:    cobra.ExactArgs(2),
	RunE:    runRecordBulk,
}

var recordGetCmd = &cobra.Command{
	Use:   "get <collection> <id>",
	Short: "Show a record by local or server id",
	Args:  cobra.ExactArgs(2),
	RunE:  runRecordGet,
}

var recordListCmd = &cobra.Command{
	Use:   "list <collection>",
	Short: "List the records of a collection",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordList,
}

var (
	recordPayload    string
	recordNaturalKey string
	recordPatch      string
	recordAction     string
	recordMembers    []string
	recordExtra      string
)

func init() {
	recordCreateCmd.Flags().StringVar(&recordPayload, "payload", "", "Record body as a JSON object (required)")
	recordCreateCmd.Flags().StringVar(&recordNaturalKey, "natural-key", "", "Business key the server enforces as unique")
	_ = recordCreateCmd.MarkFlagRequired("payload")

	recordUpdateCmd.Flags().StringVar(&recordPatch, "patch", "", "Fields to merge as a JSON object (required)")
	_ = recordUpdateCmd.MarkFlagRequired("patch")

	recordBulkCmd.Flags().StringVar(&recordAction, "action", "", "Domain action name (required)")
	recordBulkCmd.Flags().StringSliceVar(&recordMembers, "member", nil, "Member id, local or server (repeatable)")
	recordBulkCmd.Flags().StringVar(&recordExtra, "extra", "", "Additional JSON object fields for the action")
	_ = recordBulkCmd.MarkFlagRequired("action")

	recordCmd.AddCommand(recordCreateCmd, recordUpdateCmd, recordDeleteCmd, recordBulkCmd, recordGetCmd, recordListCmd)
}

func entityTypeArg(s string) (fieldsync.EntityType, error) {
	et := fieldsync.EntityType(s)
	if !et.IsValid() {
		return "", fmt.Errorf("unknown collection %q (valid: %v)", s, fieldsync.EntityTypes())
	}
	return et, nil
}

func runRecordCreate(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.Create(cmd.Context(), fieldsync.CreateParams{
		EntityType: et,
		Payload:    json.RawMessage(recordPayload),
		NaturalKey: recordNaturalKey,
	})
	if err != nil {
		return fmt.Errorf("create record: %w", err)
	}
	return outputRecord(cmd, rec)
}

func runRecordUpdate(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	rec, err := client.Update(cmd.Context(), fieldsync.UpdateParams{
		EntityType: et,
		LocalID:    args[1],
		Patch:      json.RawMessage(recordPatch),
	})
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return outputRecord(cmd, rec)
}

func runRecordDelete(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Delete(cmd.Context(), et, args[1]); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if outputJSON {
		return outputAsJSON(cmd, map[string]string{"deleted": args[1]})
	}
	printSuccess(cmd.OutOrStdout(), "Deleted %s", args[1])
	return nil
}

func runRecordBulk(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	params := fieldsync.BulkParams{
		EntityType: et,
		LocalID:    args[1],
		Action:     recordAction,
		Members:    recordMembers,
	}
	if recordExtra != "" {
		params.Extra = json.RawMessage(recordExtra)
	}
	op, err := client.Bulk(cmd.Context(), params)
	if err != nil {
		return fmt.Errorf("bulk %s: %w", recordAction, err)
	}
	if outputJSON {
		return outputAsJSON(cmd, op)
	}
	printSuccess(cmd.OutOrStdout(), "Queued %s on %s with %d members (operation #%d)", op.Action, args[1], len(recordMembers), op.ID)
	return nil
}

func runRecordGet(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	var rec *fieldsync.LocalRecord
	if fieldsync.IsLocalID(args[1]) {
		rec, err = client.Get(cmd.Context(), et, args[1])
	} else {
		rec, err = client.GetByServerID(cmd.Context(), et, args[1])
	}
	if err != nil {
		return fmt.Errorf("get record: %w", err)
	}
	return outputRecord(cmd, rec)
}

func runRecordList(cmd *cobra.Command, args []string) error {
	et, err := entityTypeArg(args[0])
	if err != nil {
		return err
	}
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	recs, err := client.List(cmd.Context(), et)
	if err != nil {
		return fmt.Errorf("list records: %w", err)
	}
	return outputRecords(cmd, recs)
}
