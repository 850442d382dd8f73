package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hyperengineering/fieldsync"
)

var (
	cfgFile    string
	outputJSON bool

	// settings is rebuilt before every command from config file, env and flags.
	settings = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Fieldsync - offline-first sync client",
	Long: `Fieldsync keeps a local copy of field-operations data usable without
connectivity and reconciles it with the authoritative server.

Writes are recorded locally and queued; they replay in order once the
server is reachable. Reads only pull collections that changed.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initSettings,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: ~/.fieldsync/config.yaml)")
	pf.String("db-path", "", "Path to the local database (default: derived from profile)")
	pf.String("profile", "", "Local profile (default: FIELDSYNC_PROFILE or \"default\")")
	pf.String("server-url", "", "Base URL of the sync server")
	pf.String("token", "", "Bearer token for the sync server")
	pf.String("user-id", "", "Session user id")
	pf.String("territory-id", "", "Session territory id")
	pf.String("party-id", "", "Session party id")
	pf.String("client-id", "", "Client identifier (default: hostname)")
	pf.Bool("debug", false, "Log all server communication")
	pf.String("debug-log", "", "Write debug logs to this file instead of stderr")
	pf.BoolVar(&outputJSON, "json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(outboxCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(versionCmd)
}

// initSettings layers flags over FIELDSYNC_* env vars over the config file.
// Keys are flag names; env vars replace dashes with underscores.
func initSettings(cmd *cobra.Command, _ []string) error {
	v := viper.New()
	v.SetEnvPrefix("FIELDSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".fieldsync"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	settings = v
	return nil
}

// loadConfig builds the client configuration from settings.
func loadConfig() fieldsync.Config {
	return fieldsync.Config{
		LocalPath:           settings.GetString("db-path"),
		Profile:             settings.GetString("profile"),
		ServerURL:           settings.GetString("server-url"),
		ClientID:            settings.GetString("client-id"),
		MaxQueuedOperations: settings.GetInt("max-queued"),
		UnlockTimeout:       settings.GetDuration("unlock-timeout"),
		Debug:               settings.GetBool("debug"),
		DebugLogPath:        settings.GetString("debug-log"),
	}
}

// loadSession builds the session from settings. A user id is required.
func loadSession() (fieldsync.Session, error) {
	sess := fieldsync.Session{
		Token: settings.GetString("token"),
		Scope: fieldsync.Scope{
			UserID:      settings.GetString("user-id"),
			TerritoryID: settings.GetString("territory-id"),
			PartyID:     settings.GetString("party-id"),
		},
	}
	if sess.Scope.UserID == "" {
		return sess, errors.New("user id not configured: set --user-id or FIELDSYNC_USER_ID")
	}
	return sess, nil
}

// newClient opens the local store described by settings.
func newClient() (*fieldsync.Client, error) {
	client, err := fieldsync.New(loadConfig())
	if err != nil {
		return nil, fmt.Errorf("initialize client: %w", err)
	}
	return client, nil
}
