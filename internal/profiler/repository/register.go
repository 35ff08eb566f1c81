package repository

import "github.com/armadaproject/profiler/internal/profiler/backend"

func init() {
	backend.Register(SqliteEngine, newSqliteFromConfig)
	backend.Register(PostgresEngine, newPostgresFromConfig)
	backend.Register(MemoryEngine, newMemoryFromConfig)
}
