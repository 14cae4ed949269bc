//go:build !integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/inbox-cli/internal/config"
	"github.com/sells-group/inbox-cli/internal/model"
)

func TestInitStore_SQLite(t *testing.T) {
	cfg = &config.Config{
		Store: config.StoreConfig{
			Driver:      "sqlite",
			DatabaseURL: filepath.Join(t.TempDir(), "test.db"),
		},
	}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	// Migrations have run.
	flag, err := st.GetSafetyFlag(context.Background(), model.KillSwitchKey)
	require.NoError(t, err)
	assert.Nil(t, flag)
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, err = os.Stat(filepath.Join(tmpDir, "inbox.db"))
	assert.NoError(t, err)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver: mysql")
}

func TestInitStore_PostgresBadURL(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "postgres", DatabaseURL: "://bad"}}

	_, err := initStore(context.Background())
	require.Error(t, err)
}
