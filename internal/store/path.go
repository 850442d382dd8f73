package store

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DBFileName is the database file inside a profile directory.
const DBFileName = "fieldsync.db"

// DefaultRoot returns the root directory for all profiles.
// Defaults to ~/.fieldsync/profiles, falls back to ./.fieldsync/profiles if home dir unavailable.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		cwd, _ := os.Getwd()
		return filepath.Join(cwd, ".fieldsync", "profiles")
	}
	return filepath.Join(home, ".fieldsync", "profiles")
}

// EncodeProfilePath encodes a profile ID for filesystem use.
// Replaces "/" with "__".
func EncodeProfilePath(profileID string) string {
	return strings.ReplaceAll(profileID, "/", "__")
}

// DecodeProfilePath decodes an encoded profile directory name back to a profile ID.
func DecodeProfilePath(encoded string) string {
	return strings.ReplaceAll(encoded, "__", "/")
}

// ProfileDBPath returns the full path to a profile's database file.
// Example: ProfileDBPath("acme/jdoe") -> ~/.fieldsync/profiles/acme__jdoe/fieldsync.db
func ProfileDBPath(profileID string) string {
	return filepath.Join(DefaultRoot(), EncodeProfilePath(profileID), DBFileName)
}

// ListProfiles returns the sorted ids of profiles under root that hold a
// database. A missing root has no profiles.
func ListProfiles(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(root, e.Name(), DBFileName)); err != nil {
			continue
		}
		ids = append(ids, DecodeProfilePath(e.Name()))
	}
	sort.Strings(ids)
	return ids, nil
}
