package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/fieldsync"
	"github.com/hyperengineering/fieldsync/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the delta-check endpoint over a server database",
	Long: `Serve GET /api/v1/sync/delta over a SQLite copy of the server database.

Callers authenticate with bearer tokens listed in the config file:

  tokens:
    - token: Secret-1
      user_id: u-1
      territory_id: north
    - token: Secret-2
      user_id: u-2
      party_id: p-9

Tokens are compared exactly, case included.

The database needs a territories(id, parent_id) table and one table per
collection with an updated_at column in epoch milliseconds.`,
	Example: `  fieldsync serve --server-db ./server.db --addr :8080`,
	Args:    cobra.NoArgs,
	RunE:    runServe,
}

var (
	serveAddr string
	serveDB   string
)

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8080", "Listen address")
	serveCmd.Flags().StringVar(&serveDB, "server-db", "", "Path to the server SQLite database (required)")
	_ = serveCmd.MarkFlagRequired("server-db")
}

// tokenEntry is one bearer token in the config file. Tokens are values, not
// map keys, because viper lowercases keys.
type tokenEntry struct {
	Token         string `mapstructure:"token"`
	server.Caller `mapstructure:",squash"`
}

// loadTokens reads the token table from settings.
func loadTokens(v *viper.Viper) (server.StaticTokens, error) {
	var entries []tokenEntry
	if err := v.UnmarshalKey("tokens", &entries); err != nil {
		return nil, fmt.Errorf("read tokens: %w", err)
	}
	tokens := make(server.StaticTokens, len(entries))
	for i, e := range entries {
		if e.Token == "" {
			return nil, fmt.Errorf("read tokens: entry %d has no token", i)
		}
		if e.UserID == "" {
			return nil, fmt.Errorf("read tokens: entry %d has no user_id", i)
		}
		if _, dup := tokens[e.Token]; dup {
			return nil, fmt.Errorf("read tokens: entry %d repeats a token", i)
		}
		tokens[e.Token] = e.Caller
	}
	return tokens, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("sqlite", serveDB+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("open server database: %w", err)
	}
	defer db.Close()

	hierarchy, err := server.LoadHierarchy(ctx, db)
	if err != nil {
		return err
	}

	tokens, err := loadTokens(settings)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		printWarning(cmd.ErrOrStderr(), "No tokens configured; every request will be rejected")
	}

	debug, err := fieldsync.NewDebugLogger(settings.GetBool("debug"), settings.GetString("debug-log"))
	if err != nil {
		return err
	}
	defer debug.Close()

	detector := server.NewDetector(server.NewSQLChangeCounter(db, nil), hierarchy)
	detector.Debug = debug

	srv := &http.Server{
		Addr:              serveAddr,
		Handler:           server.NewServer(detector, tokens),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	printSuccess(cmd.ErrOrStderr(), "Serving delta checks on %s", serveAddr)

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	printMuted(cmd.ErrOrStderr(), "Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
