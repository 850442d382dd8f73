// Package store resolves fieldsync profiles and their on-disk locations.
package store

import (
	"errors"
	"regexp"
	"strings"
)

// Profile ID validation errors.
var (
	// ErrInvalidProfileID indicates the profile ID format is invalid.
	ErrInvalidProfileID = errors.New("invalid profile ID: must be lowercase alphanumeric with hyphens, 1-2 path segments")
)

// profileIDRegex validates profile ID format.
// Format: <segment>[/<segment>]
// - Segments: lowercase alphanumeric and hyphens, 1-64 characters
// - No leading/trailing hyphens
var profileIDRegex = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?(\/[a-z0-9]([a-z0-9-]{0,62}[a-z0-9])?)?$`)

// ValidateProfileID validates a profile ID format.
// Profiles usually name a tenant, optionally followed by a user: "acme/jdoe".
func ValidateProfileID(id string) error {
	if id == "" || len(id) > 129 {
		return ErrInvalidProfileID
	}
	if strings.Contains(id, "--") {
		return ErrInvalidProfileID
	}
	if !profileIDRegex.MatchString(id) {
		return ErrInvalidProfileID
	}
	return nil
}
