package database

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(pairs, " ")
}

// OpenPostgres opens a connection pool through the pgx database/sql driver.
func OpenPostgres(config configuration.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	return db, nil
}

// OpenSqlite opens the sqlite database at path, creating its parent directory if needed.
// busyTimeout is applied to every pooled connection.
func OpenSqlite(path string, busyTimeout time.Duration) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("sqlite database path is empty")
	}
	dbDir := filepath.Dir(path)
	if _, err := os.Stat(dbDir); os.IsNotExist(err) {
		if errMkDir := os.MkdirAll(dbDir, 0o755); errMkDir != nil {
			return nil, errors.Wrapf(errMkDir, "could not make directory at %s for sqlite db", dbDir)
		}
	}

	db, err := sql.Open("sqlite", sqliteDsn(path, busyTimeout))
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite DB from %s", path)
	}
	return db, nil
}

func sqliteDsn(path string, busyTimeout time.Duration) string {
	params := url.Values{}
	params.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	params.Add("_pragma", "journal_mode(WAL)")
	return "file:" + path + "?" + params.Encode()
}
