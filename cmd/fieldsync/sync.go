package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local store and outbox status",
	Example: `  fieldsync status
  fieldsync status --json`,
	RunE: runStatus,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Pull changed collections and replay queued operations once",
	Example: `  fieldsync sync --user-id u1 --token $TOKEN
  fieldsync sync --full`,
	RunE: runSync,
}

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"login"},
	Short:   "Log in and keep the store in sync until interrupted",
	Long: `Log in, run a full sync, then poll for changes and replay queued
operations in the background until interrupted or until another process
sharing the store logs out.`,
	RunE: runRun,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "End the session in every process sharing the store",
	RunE:  runLogout,
}

var (
	syncFull    bool
	syncTimeout time.Duration
	runHidden   bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncFull, "full", false, "Refetch every collection instead of only changed ones")
	syncCmd.Flags().DurationVar(&syncTimeout, "timeout", 2*time.Minute, "Overall time limit")
	runCmd.Flags().BoolVar(&runHidden, "background", false, "Poll at the background cadence")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ctx := cmd.Context()
	stats, err := client.Stats(ctx)
	if err != nil {
		return fmt.Errorf("get stats: %w", err)
	}
	cursors, err := client.Cursors(ctx)
	if err != nil {
		return fmt.Errorf("get cursors: %w", err)
	}

	return outputStatus(cmd, statusReport{
		Status:  client.Status(),
		Stats:   stats,
		Cursors: cursors,
	})
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig()
	if cfg.IsOffline() {
		return errors.New("server URL not configured: set --server-url or FIELDSYNC_SERVER_URL")
	}
	sess, err := loadSession()
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.SetSession(sess); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), syncTimeout)
	defer cancel()

	start := time.Now()
	var report *fieldsync.SyncReport
	syncErr := runWithSpinner(cmd.ErrOrStderr(), "Synchronizing", func() error {
		var err error
		report, err = client.Sync(ctx, syncFull)
		return err
	})
	if report == nil {
		return fmt.Errorf("sync: %w", syncErr)
	}
	if err := outputSyncReport(cmd, report, time.Since(start)); err != nil {
		return err
	}
	if syncErr != nil {
		return fmt.Errorf("sync: %w", syncErr)
	}
	return nil
}

func runRun(cmd *cobra.Command, _ []string) error {
	cfg := loadConfig()
	if cfg.IsOffline() {
		return errors.New("server URL not configured: set --server-url or FIELDSYNC_SERVER_URL")
	}
	sess, err := loadSession()
	if err != nil {
		return err
	}

	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	ended := make(chan fieldsync.SessionEndReason, 1)
	client.OnSessionEnd(func(reason fieldsync.SessionEndReason) {
		select {
		case ended <- reason:
		default:
		}
	})
	client.SetVisible(!runHidden)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.ErrOrStderr()
	if err := runWithSpinner(out, "Running full sync", func() error {
		return client.Login(ctx, sess)
	}); err != nil {
		return err
	}
	st := client.Status()
	printSuccess(out, "Logged in as %s, polling (%s tier)", sess.Scope.UserID, st.Polling.Tier)
	if st.LastError != "" {
		printWarning(out, "Initial sync incomplete: %s", st.LastError)
	}

	select {
	case <-ctx.Done():
		printMuted(out, "Stopping")
		return nil
	case reason := <-ended:
		if reason == fieldsync.ReasonUnauthorized {
			return errors.New("session rejected by server")
		}
		printInfo(out, "Session ended: %s", reason)
		return nil
	}
}

func runLogout(cmd *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	client.Logout()
	printSuccess(cmd.OutOrStdout(), "Logged out")
	return nil
}
