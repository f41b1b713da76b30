package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "orchestrator.db")

	conn, err := OpenSQLite(path)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.PingContext(context.Background()))
	_, err = os.Stat(filepath.Dir(path))
	assert.NoError(t, err)

	var mode string
	require.NoError(t, conn.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
}

func TestConnect_InvalidURL(t *testing.T) {
	_, err := Connect(context.Background(), Config{URI: "postgres://%zz"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse database url")
}
