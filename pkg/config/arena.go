package config

import "time"

// ArenaConfig holds runtime configuration for the arena process.
type ArenaConfig struct {
	Environment   string
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	DockerHost    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Per-team container ceilings.
	ContainerMemoryBytes int64
	ContainerCPU         float64
	PidsLimit            int64
	VolumeRoot           string

	// Build boost ceiling and queue tuning.
	BoostMemoryBytes  int64
	BoostCPU          float64
	BuildConcurrency  int
	BuildTimeout      time.Duration
	BuildHeartbeatTTL time.Duration

	// Monitoring loop.
	MonitorInterval         time.Duration
	CPUWarningThreshold     float64
	CPUCriticalThreshold    float64
	MemoryWarningThreshold  float64
	MemoryCriticalThreshold float64
	CriticalPersistDuration time.Duration
	ThrottleCPU             float64

	// File watcher.
	WatcherBatchDelay   time.Duration
	WatcherRestartDelay time.Duration
	WatcherMaxRestarts  int

	// Redis caches and proctoring counters.
	StatusCacheTTL  time.Duration
	MetricsCacheTTL time.Duration
	ViolationTTL    time.Duration
}

// LoadArenaConfig constructs an ArenaConfig from environment variables.
func LoadArenaConfig() ArenaConfig {
	return ArenaConfig{
		Environment:   GetString("APP_ENV", "development"),
		Addr:          GetString("ARENA_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://arena:arena@db:5432/arena?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		DockerHost:    GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		RedisAddr:     GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		ContainerMemoryBytes: GetBytes("CONTAINER_MEMORY_LIMIT", "512m"),
		ContainerCPU:         GetFloat("CONTAINER_CPU_LIMIT", 0.5),
		PidsLimit:            int64(GetInt("CONTAINER_PIDS_LIMIT", 100)),
		VolumeRoot:           GetString("DOCKER_VOLUME_ROOT", "/var/lib/docker/volumes"),

		BoostMemoryBytes:  GetBytes("BUILD_BOOST_MEMORY", "1g"),
		BoostCPU:          GetFloat("BUILD_BOOST_CPU", 1.0),
		BuildConcurrency:  GetInt("BUILD_CONCURRENCY", 10),
		BuildTimeout:      GetSeconds("BUILD_TIMEOUT_SECONDS", 120),
		BuildHeartbeatTTL: GetSeconds("BUILD_HEARTBEAT_TTL_SECONDS", 30),

		MonitorInterval:         GetSeconds("MONITOR_INTERVAL_SECONDS", 5),
		CPUWarningThreshold:     GetFloat("CPU_WARNING_THRESHOLD", 80),
		CPUCriticalThreshold:    GetFloat("CPU_CRITICAL_THRESHOLD", 90),
		MemoryWarningThreshold:  GetFloat("MEMORY_WARNING_THRESHOLD", 85),
		MemoryCriticalThreshold: GetFloat("MEMORY_CRITICAL_THRESHOLD", 95),
		CriticalPersistDuration: GetSeconds("CRITICAL_PERSIST_SECONDS", 30),
		ThrottleCPU:             GetFloat("THROTTLE_CPU_LIMIT", 0.25),

		WatcherBatchDelay:   time.Duration(GetInt("WATCHER_BATCH_DELAY_MS", 1000)) * time.Millisecond,
		WatcherRestartDelay: GetSeconds("WATCHER_RESTART_DELAY_SECONDS", 5),
		WatcherMaxRestarts:  GetInt("WATCHER_MAX_RESTARTS", 3),

		StatusCacheTTL:  GetSeconds("STATUS_CACHE_TTL_SECONDS", 30),
		MetricsCacheTTL: GetSeconds("METRICS_CACHE_TTL_SECONDS", 30),
		ViolationTTL:    GetSeconds("VIOLATION_TTL_SECONDS", 5*60*60),
	}
}

// BaselineLimits returns the default per-team container resource ceiling.
func (c ArenaConfig) BaselineLimits() (cpuNanos, memoryBytes int64) {
	return int64(c.ContainerCPU * 1e9), c.ContainerMemoryBytes
}

// BoostLimits returns the elevated ceiling applied while a build runs.
func (c ArenaConfig) BoostLimits() (cpuNanos, memoryBytes int64) {
	return int64(c.BoostCPU * 1e9), c.BoostMemoryBytes
}

// ThrottleLimits returns the minimal ceiling applied to misbehaving containers.
// Memory stays at baseline; only CPU is clamped.
func (c ArenaConfig) ThrottleLimits() (cpuNanos, memoryBytes int64) {
	return int64(c.ThrottleCPU * 1e9), c.ContainerMemoryBytes
}
