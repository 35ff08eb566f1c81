package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateConnectionString(t *testing.T) {
	connectionString := CreateConnectionString(map[string]string{
		"host":     "localhost",
		"password": `it's\secret`,
		"dbname":   "profiler",
	})
	assert.Equal(t, `dbname='profiler' host='localhost' password='it\'s\\secret'`, connectionString)
}

func TestOpenSqlite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "profiler.db")

	db, err := OpenSqlite(path, time.Second)
	require.NoError(t, err)
	defer db.Close()

	var one int
	require.NoError(t, db.QueryRow("SELECT 1").Scan(&one))
	assert.Equal(t, 1, one)
	assert.DirExists(t, filepath.Dir(path))
}

func TestOpenSqlite_EmptyPath(t *testing.T) {
	_, err := OpenSqlite("", time.Second)
	assert.Error(t, err)
}
