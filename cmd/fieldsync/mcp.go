package main

import (
	fieldsyncmcp "github.com/hyperengineering/fieldsync/mcp"
	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP server for coding agent integration",
	Long: `Start a Model Context Protocol (MCP) server over stdio.

Agents can inspect sync status, list and repair the outbox, create records
and trigger a sync.

Configuration example:

  {
    "mcpServers": {
      "fieldsync": {
        "command": "fieldsync",
        "args": ["mcp"],
        "env": {
          "FIELDSYNC_DB_PATH": "/path/to/fieldsync.db",
          "FIELDSYNC_SERVER_URL": "https://sync.example.com",
          "FIELDSYNC_USER_ID": "u-123",
          "FIELDSYNC_TOKEN": "..."
        }
      }
    }
  }

Without FIELDSYNC_USER_ID the server still answers status and outbox tools,
but sync requests report that no session is active.`,
	RunE: runMCP,
}

func runMCP(_ *cobra.Command, _ []string) error {
	client, err := newClient()
	if err != nil {
		return err
	}
	defer client.Close()

	if settings.GetString("user-id") != "" {
		sess, err := loadSession()
		if err != nil {
			return err
		}
		if err := client.SetSession(sess); err != nil {
			return err
		}
	}

	return fieldsyncmcp.NewServer(client).Run()
}
