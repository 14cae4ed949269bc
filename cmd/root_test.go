//go:build !integration

package main

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"ingest", "runs", "queue", "safety", "items", "decide", "accounts", "creds", "migrate", "serve"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "inbox-cli", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestGroupCommands_HaveSubcommands(t *testing.T) {
	tests := map[string][]string{
		"queue":    {"pending", "claim", "resolve", "history"},
		"safety":   {"engage", "disengage", "status"},
		"items":    {"list", "show", "close"},
		"runs":     {"list", "dlq"},
		"accounts": {"add", "list"},
		"creds":    {"set", "delete"},
	}
	for parent, children := range tests {
		t.Run(parent, func(t *testing.T) {
			cmd, _, err := rootCmd.Find([]string{parent})
			require.NoError(t, err)
			names := make(map[string]bool)
			for _, c := range cmd.Commands() {
				names[c.Name()] = true
			}
			for _, child := range children {
				assert.True(t, names[child], "%s: missing %q", parent, child)
			}
		})
	}
}

func TestIngestCommand_Flags(t *testing.T) {
	require.NotNil(t, ingestCmd.Flags().Lookup("user"))
	require.NotNil(t, ingestCmd.Flags().Lookup("all"))
	flag := ingestCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestDecideCommand_Flags(t *testing.T) {
	require.NotNil(t, decideCmd.Flags().Lookup("item"))
	flag := decideCmd.Flags().Lookup("save-draft")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestCredsSet_DefaultKey(t *testing.T) {
	flag := credsSetCmd.Flags().Lookup("key")
	require.NotNil(t, flag)
	assert.Equal(t, "imap_password", flag.DefValue)
}

func TestRootCommand_PersistentFlags(t *testing.T) {
	for _, name := range []string{"config", "log-level"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
}

func TestRunsCommands_JSONFlag(t *testing.T) {
	for _, c := range []*cobra.Command{runsListCmd, runsDLQCmd} {
		flag := c.Flags().Lookup("json")
		require.NotNil(t, flag, c.Name())
		assert.Equal(t, "false", flag.DefValue)
	}
}
