package sqlitedriver_test

import (
	"database/sql"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/teradata-labs/engram/internal/sqlitedriver"
)

func TestDriverRegistered(t *testing.T) {
	assert.True(t, slices.Contains(sql.Drivers(), "sqlite3"), "sqlite3 driver should be registered")
}

func TestBasicCRUD(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, name TEXT)")
	require.NoError(t, err)

	_, err = db.Exec("INSERT INTO test (name) VALUES (?)", "hello")
	require.NoError(t, err)

	var name string
	err = db.QueryRow("SELECT name FROM test WHERE id = 1").Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "hello", name)
}

func TestWALModeAvailable(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "wal_test.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var mode string
	err = db.QueryRow("PRAGMA journal_mode=WAL").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode, "WAL journal mode should be supported")
}

func TestTransactionRollback(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE items (id INTEGER PRIMARY KEY, status TEXT)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO items (status) VALUES ('pending')")
	require.NoError(t, err)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("UPDATE items SET status = 'processing' WHERE id = 1")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	var status string
	err = db.QueryRow("SELECT status FROM items WHERE id = 1").Scan(&status)
	require.NoError(t, err)
	assert.Equal(t, "pending", status, "rollback should undo the status flip")
}
