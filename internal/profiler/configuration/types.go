package configuration

import (
	"time"
)

const (
	SaturationPolicyDrop  = "drop"
	SaturationPolicyBlock = "block"

	DefaultUrlPrefix    = "/tornado-profiler"
	DefaultMaxWorkers   = 5
	DefaultQueueSize    = 1000
	DefaultMaxBodyBytes = 1 << 20
)

type SqliteConfig struct {
	// Absolute or relative path of the database file; the parent directory is created if missing
	Path        string
	BusyTimeout time.Duration
}

type PostgresConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Connection      map[string]string
}

type MemoryConfig struct {
	// Maximum number of measurements kept; the oldest are evicted first. Zero means unbounded.
	Capacity int `validate:"gte=0"`
}

type BackendConfig struct {
	// Name of the backend engine, resolved through the backend registry
	Engine   string `validate:"required"`
	Sqlite   SqliteConfig
	Postgres PostgresConfig
	Memory   MemoryConfig
}

type ProfilerConfig struct {
	// Mount point of the profiler's own routes, without trailing slash
	UrlPrefix string
	// Number of workers running blocking backend calls. Zero disables the executor.
	MaxWorkers int `validate:"gte=0"`
	// Number of inserts that may wait for a worker
	QueueSize int `validate:"gte=0"`
	// What happens to an insert when the queue is full: "drop" or "block"
	SaturationPolicy string `validate:"omitempty,oneof=drop block"`
	// Upper bound of the request body captured into the measurement context
	MaxBodyBytes int64 `validate:"gte=0"`
	// Trust X-Real-Ip, X-Forwarded-For and X-Forwarded-Proto headers
	XHeaders bool
	Backend  BackendConfig
}

type PrunerConfig struct {
	Enabled bool
	// Measurements finished longer ago than this are deleted
	ExpireAfter time.Duration
	Interval    time.Duration
	BatchSize   int `validate:"gte=0"`
}

type ProfilerConfiguration struct {
	HttpPort    uint16
	MetricsPort uint16
	LogLevel    string

	Profiler ProfilerConfig
	Pruner   PrunerConfig
}

// DefaultProfilerConfig returns the configuration used when the profiler is embedded as a library
// without explicit settings.
func DefaultProfilerConfig() ProfilerConfig {
	return ProfilerConfig{
		UrlPrefix:        DefaultUrlPrefix,
		MaxWorkers:       DefaultMaxWorkers,
		QueueSize:        DefaultQueueSize,
		SaturationPolicy: SaturationPolicyDrop,
		MaxBodyBytes:     DefaultMaxBodyBytes,
		Backend: BackendConfig{
			Engine: "sqlite",
			Sqlite: SqliteConfig{
				Path:        "tornado_profiler.db",
				BusyTimeout: 5 * time.Second,
			},
		},
	}
}
