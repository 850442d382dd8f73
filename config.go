package fieldsync

import (
	"os"
	"strconv"
	"time"

	"github.com/hyperengineering/fieldsync/internal/store"
)

// Config configures the fieldsync client.
type Config struct {
	// LocalPath is the path to the local SQLite database.
	// If empty, LocalPath is derived from Profile.
	LocalPath string

	// Profile is the local profile to operate against.
	// If empty, resolved using profile resolution (explicit > FIELDSYNC_PROFILE env > "default").
	Profile string

	// ServerURL is the base URL of the authoritative server.
	// If empty, the client operates offline-only and the outbox is never drained.
	ServerURL string

	// ClientID identifies this client instance.
	// Defaults to hostname if not set.
	ClientID string

	// ActiveInterval is the delta-check interval while visible and online.
	// Defaults to 30 seconds.
	ActiveInterval time.Duration

	// BackgroundInterval is the delta-check interval while hidden.
	// Defaults to 5 minutes.
	BackgroundInterval time.Duration

	// DrainInterval is how often the outbox drains on its own timer.
	// Defaults to 1 minute.
	DrainInterval time.Duration

	// RequestTimeout bounds every network call on the polling and drain paths.
	// Defaults to 15 seconds.
	RequestTimeout time.Duration

	// MaxRetries is the number of transient failures before an operation is marked failed.
	// Defaults to 8.
	MaxRetries int

	// BackoffBase and BackoffMax bound the exponential retry delay.
	// Default to 2 seconds and 10 minutes.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// MaxQueuedOperations bounds the number of unapplied operations.
	// Mutations past the bound fail with ErrOutboxFull. Defaults to 5000.
	MaxQueuedOperations int

	// QueueWarnThreshold is the unapplied count at which SyncStatus raises a warning.
	// Defaults to 80% of MaxQueuedOperations.
	QueueWarnThreshold int

	// FetchConcurrency bounds parallel collection fetches during a full sync.
	// Defaults to 3.
	FetchConcurrency int

	// UnlockTimeout ends the session after this much inactivity. Zero disables it.
	UnlockTimeout time.Duration

	// Debug enables verbose logging of all server communication.
	Debug bool

	// DebugLogPath is the path to write debug logs.
	// Defaults to stderr if empty. Files are rotated.
	DebugLogPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	hostname, _ := os.Hostname()
	return Config{
		Profile:             "default",
		LocalPath:           store.ProfileDBPath("default"),
		ClientID:            hostname,
		ActiveInterval:      30 * time.Second,
		BackgroundInterval:  5 * time.Minute,
		DrainInterval:       time.Minute,
		RequestTimeout:      15 * time.Second,
		MaxRetries:          8,
		BackoffBase:         2 * time.Second,
		BackoffMax:          10 * time.Minute,
		MaxQueuedOperations: 5000,
		QueueWarnThreshold:  4000,
		FetchConcurrency:    3,
	}
}

// ConfigFromEnv reads configuration from environment variables.
//
//	FIELDSYNC_DB_PATH        → LocalPath
//	FIELDSYNC_PROFILE        → Profile
//	FIELDSYNC_SERVER_URL     → ServerURL
//	FIELDSYNC_CLIENT_ID      → ClientID
//	FIELDSYNC_MAX_QUEUED     → MaxQueuedOperations
//	FIELDSYNC_UNLOCK_TIMEOUT → UnlockTimeout (Go duration)
//	FIELDSYNC_DEBUG          → Debug (any non-empty value enables)
//	FIELDSYNC_DEBUG_LOG      → DebugLogPath
func ConfigFromEnv() Config {
	cfg := Config{
		LocalPath:    os.Getenv("FIELDSYNC_DB_PATH"),
		Profile:      os.Getenv("FIELDSYNC_PROFILE"),
		ServerURL:    os.Getenv("FIELDSYNC_SERVER_URL"),
		ClientID:     os.Getenv("FIELDSYNC_CLIENT_ID"),
		Debug:        os.Getenv("FIELDSYNC_DEBUG") != "",
		DebugLogPath: os.Getenv("FIELDSYNC_DEBUG_LOG"),
	}
	if v, err := strconv.Atoi(os.Getenv("FIELDSYNC_MAX_QUEUED")); err == nil {
		cfg.MaxQueuedOperations = v
	}
	if v, err := time.ParseDuration(os.Getenv("FIELDSYNC_UNLOCK_TIMEOUT")); err == nil {
		cfg.UnlockTimeout = v
	}
	return cfg
}

// Validate checks the configuration for errors.
// Returns *ValidationError for invalid fields.
func (c *Config) Validate() error {
	if c.LocalPath == "" {
		return &ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	}

	if c.Profile != "" {
		if err := store.ValidateProfileID(c.Profile); err != nil {
			return &ValidationError{Field: "Profile", Message: err.Error()}
		}
	}

	for field, d := range map[string]time.Duration{
		"ActiveInterval":     c.ActiveInterval,
		"BackgroundInterval": c.BackgroundInterval,
		"DrainInterval":      c.DrainInterval,
		"RequestTimeout":     c.RequestTimeout,
		"UnlockTimeout":      c.UnlockTimeout,
	} {
		if d < 0 {
			return &ValidationError{Field: field, Message: "must be non-negative"}
		}
	}

	if c.BackoffMax < c.BackoffBase {
		return &ValidationError{Field: "BackoffMax", Message: "must be at least BackoffBase"}
	}

	if c.MaxQueuedOperations < 0 {
		return &ValidationError{Field: "MaxQueuedOperations", Message: "must be non-negative"}
	}

	if c.QueueWarnThreshold > c.MaxQueuedOperations && c.MaxQueuedOperations > 0 {
		return &ValidationError{Field: "QueueWarnThreshold", Message: "must not exceed MaxQueuedOperations"}
	}

	return nil
}

// IsOffline returns true if the client operates in offline-only mode.
func (c *Config) IsOffline() bool {
	return c.ServerURL == ""
}

// WithDefaults fills in default values for unset fields.
// Profile resolution: explicit Profile field > FIELDSYNC_PROFILE env > "default".
// LocalPath is derived from the resolved profile if not explicitly set.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Profile == "" {
		resolved, err := store.ResolveProfile("")
		if err == nil {
			c.Profile = resolved
		} else {
			c.Profile = "default"
		}
	}

	if c.LocalPath == "" {
		c.LocalPath = store.ProfileDBPath(c.Profile)
	}
	if c.ClientID == "" {
		c.ClientID = defaults.ClientID
	}
	if c.ActiveInterval == 0 {
		c.ActiveInterval = defaults.ActiveInterval
	}
	if c.BackgroundInterval == 0 {
		c.BackgroundInterval = defaults.BackgroundInterval
	}
	if c.DrainInterval == 0 {
		c.DrainInterval = defaults.DrainInterval
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = defaults.BackoffBase
	}
	if c.BackoffMax == 0 {
		c.BackoffMax = defaults.BackoffMax
	}
	if c.MaxQueuedOperations == 0 {
		c.MaxQueuedOperations = defaults.MaxQueuedOperations
	}
	if c.QueueWarnThreshold == 0 {
		c.QueueWarnThreshold = c.MaxQueuedOperations * 4 / 5
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = defaults.FetchConcurrency
	}

	return c
}
