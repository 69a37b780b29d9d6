package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	q := `UPDATE donations SET status=? WHERE id=? AND note='?'`
	assert.Equal(t, q, Rebind(DriverSQLite, q))
	assert.Equal(t, `UPDATE donations SET status=$1 WHERE id=$2 AND note='?'`, Rebind(DriverPostgres, q))
}

func TestOpenSQLiteCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())
	assert.FileExists(t, Path(dir))
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(Config{Driver: DriverPostgres})
	require.Error(t, err)
}
