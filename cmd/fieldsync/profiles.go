package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/fieldsync/internal/store"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List local profiles",
	Long: `List the profiles with a local database under ~/.fieldsync/profiles.
The profile selected by --profile or FIELDSYNC_PROFILE is marked active.`,
	Example: `  fieldsync profiles
  fieldsync profiles --json`,
	Args: cobra.NoArgs,
	RunE: runProfiles,
}

// profileList is the JSON shape of the profiles command.
type profileList struct {
	Profiles []string `json:"profiles"`
	Active   string   `json:"active"`
	Total    int      `json:"total"`
}

func runProfiles(cmd *cobra.Command, _ []string) error {
	active, err := store.ResolveProfile(settings.GetString("profile"))
	if err != nil {
		return err
	}
	ids, err := store.ListProfiles(store.DefaultRoot())
	if err != nil {
		return fmt.Errorf("read profiles: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}

	if outputJSON {
		return outputAsJSON(cmd, profileList{Profiles: ids, Active: active, Total: len(ids)})
	}

	out := cmd.OutOrStdout()
	if len(ids) == 0 {
		printWarning(out, "No profiles found.")
		printMuted(out, "A profile is created on first use: fieldsync record create --profile <id> ...")
		return nil
	}
	for _, id := range ids {
		if id == active {
			printSuccess(out, "%s (active)", id)
			continue
		}
		printInfo(out, "%s", id)
	}
	return nil
}
