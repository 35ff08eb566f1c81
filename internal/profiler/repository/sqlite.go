package repository

import (
	"context"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pkg/errors"

	"github.com/armadaproject/profiler/internal/common/database"
	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

const SqliteEngine = "sqlite"

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL,
		type VARCHAR(32),
		method VARCHAR(32),
		context TEXT,
		begin_time REAL NOT NULL,
		finish_time REAL NOT NULL,
		elapse_time REAL NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_name_method ON measurements (name, method)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_begin_time ON measurements (begin_time)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_finish_time ON measurements (finish_time)`,
}

// NewSqliteBackend creates a backend storing measurements in a sqlite database file.
func NewSqliteBackend(config configuration.SqliteConfig) (*SqlBackend, error) {
	busyTimeout := config.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	db, err := database.OpenSqlite(config.Path, busyTimeout)
	if err != nil {
		return nil, err
	}
	r := &SqlBackend{
		name:   SqliteEngine,
		db:     db,
		goquDb: goqu.New("sqlite3", db),
		schema: sqliteSchema,
		// SQLite only allows one write at a time. Therefore we must serialize
		// writes in order to avoid SQL_BUSY errors.
		writeLock:      &sync.Mutex{},
		supportsReturn: false,
	}
	r.setup = func(ctx context.Context) error {
		return errors.Wrapf(db.PingContext(ctx), "cannot open sqlite database %s", config.Path)
	}
	return r, nil
}

func newSqliteFromConfig(config configuration.BackendConfig) (backend.Backend, error) {
	return NewSqliteBackend(config.Sqlite)
}
