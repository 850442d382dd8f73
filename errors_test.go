package fieldsync_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/hyperengineering/fieldsync"
)

func TestSentinelErrors_ErrorsIs(t *testing.T) {
	tests := []struct {
		name     string
		sentinel error
	}{
		{"ErrNotFound", fieldsync.ErrNotFound},
		{"ErrOffline", fieldsync.ErrOffline},
		{"ErrOutboxFull", fieldsync.ErrOutboxFull},
		{"ErrUnauthorized", fieldsync.ErrUnauthorized},
		{"ErrCorruptState", fieldsync.ErrCorruptState},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("operation failed: %w", tt.sentinel)
			if !errors.Is(wrapped, tt.sentinel) {
				t.Errorf("errors.Is(wrapped, %v) = false, want true", tt.sentinel)
			}
		})
	}
}

func TestValidationError_ErrorFormat(t *testing.T) {
	err := &fieldsync.ValidationError{Field: "LocalPath", Message: "required: path to SQLite database"}
	want := "config: LocalPath: required: path to SQLite database"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestSyncError_ErrorsAs(t *testing.T) {
	inner := errors.New("connection refused")
	err := fmt.Errorf("drain: %w", &fieldsync.SyncError{Operation: "replay_create", StatusCode: 503, Err: inner})

	var se *fieldsync.SyncError
	if !errors.As(err, &se) {
		t.Fatal("errors.As failed to extract SyncError")
	}
	if se.Operation != "replay_create" {
		t.Errorf("Operation = %q, want %q", se.Operation, "replay_create")
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is(err, inner) = false, want true via Unwrap")
	}
}

func TestSyncError_ErrorFormat(t *testing.T) {
	err := &fieldsync.SyncError{Operation: "delta_check", StatusCode: 503, Err: errors.New("connection refused")}
	want := "sync: delta_check failed (status 503): connection refused"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestClassify(t *testing.T) {
	status := func(code int) error {
		return &fieldsync.SyncError{Operation: "op", StatusCode: code, Err: fmt.Errorf("HTTP %d", code)}
	}

	tests := []struct {
		name string
		err  error
		want fieldsync.ErrorKind
	}{
		{"nil", nil, ""},
		{"unauthorized sentinel", fmt.Errorf("x: %w", fieldsync.ErrUnauthorized), fieldsync.KindAuthorization},
		{"401", status(401), fieldsync.KindAuthorization},
		{"corrupt", fmt.Errorf("x: %w", fieldsync.ErrCorruptState), fieldsync.KindCorruption},
		{"400", status(400), fieldsync.KindValidation},
		{"403", status(403), fieldsync.KindValidation},
		{"404", status(404), fieldsync.KindValidation},
		{"422", status(422), fieldsync.KindValidation},
		{"409", status(409), fieldsync.KindConflict},
		{"408", status(408), fieldsync.KindTransient},
		{"429", status(429), fieldsync.KindTransient},
		{"500", status(500), fieldsync.KindTransient},
		{"503", status(503), fieldsync.KindTransient},
		{"no status", &fieldsync.SyncError{Operation: "op", Err: errors.New("dial tcp")}, fieldsync.KindTransient},
		{"deadline", context.DeadlineExceeded, fieldsync.KindTransient},
		{"plain", errors.New("boom"), fieldsync.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := fieldsync.Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorKind_Permanent(t *testing.T) {
	tests := []struct {
		kind fieldsync.ErrorKind
		want bool
	}{
		{fieldsync.KindValidation, true},
		{fieldsync.KindConflict, true},
		{fieldsync.KindTransient, false},
		{fieldsync.KindAuthorization, false},
		{fieldsync.KindCorruption, false},
	}
	for _, tt := range tests {
		if got := tt.kind.Permanent(); got != tt.want {
			t.Errorf("%s.Permanent() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}
