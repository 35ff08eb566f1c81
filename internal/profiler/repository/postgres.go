package repository

import (
	"context"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/pkg/errors"

	"github.com/armadaproject/profiler/internal/common/database"
	"github.com/armadaproject/profiler/internal/profiler/backend"
	"github.com/armadaproject/profiler/internal/profiler/configuration"
)

const PostgresEngine = "postgres"

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS measurements (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		type VARCHAR(32),
		method VARCHAR(32),
		context TEXT,
		begin_time DOUBLE PRECISION NOT NULL,
		finish_time DOUBLE PRECISION NOT NULL,
		elapse_time DOUBLE PRECISION NOT NULL)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_name_method ON measurements (name, method)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_begin_time ON measurements (begin_time)`,
	`CREATE INDEX IF NOT EXISTS idx_measurements_finish_time ON measurements (finish_time)`,
}

// noLock is used by engines that handle concurrent writers themselves.
type noLock struct{}

func (noLock) Lock()   {}
func (noLock) Unlock() {}

// NewPostgresBackend creates a backend storing measurements in postgres.
func NewPostgresBackend(config configuration.PostgresConfig) (*SqlBackend, error) {
	if len(config.Connection) == 0 {
		return nil, errors.New("postgres connection settings are empty")
	}
	db, err := database.OpenPostgres(config)
	if err != nil {
		return nil, err
	}
	r := &SqlBackend{
		name:           PostgresEngine,
		db:             db,
		goquDb:         goqu.New("postgres", db),
		schema:         postgresSchema,
		writeLock:      noLock{},
		supportsReturn: true,
	}
	r.setup = func(ctx context.Context) error {
		return errors.Wrap(db.PingContext(ctx), "cannot reach postgres")
	}
	return r, nil
}

func newPostgresFromConfig(config configuration.BackendConfig) (backend.Backend, error) {
	return NewPostgresBackend(config.Postgres)
}
