// Package config loads the tunables for every session-substrate component
// from the process environment. It intentionally avoids a reflection-based
// decoder (viper, envconfig) — the knob set is small and fixed, and plain
// getEnv helpers keep the defaults next to the field they populate.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries every tunable named across C1-C9 with the defaults the
// design calls out. Secrets (proxy passwords, private keys) are
// never read here — they come from the external config store via
// credentials.Material at connect time.
type Config struct {
	LogLevel  string
	LogFormat string

	// C4 connection pool.
	MaxConnections    int
	ConnectTimeout    time.Duration
	IdleTimeout       time.Duration
	HealthCheckPool   time.Duration // pool-level sweep cadence
	HealthCheckMonitor time.Duration // monitor-grade sweep cadence
	PoolWaitTimeout   time.Duration
	ChannelsPerTransport int

	// C5 reconnection.
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	ReconnectMaxAttempts int

	// C6 SFTP session pool.
	MaxSessionsPerTab int
	MaxTotalSessions  int
	SessionIdleTimeout time.Duration
	SSHReadyTimeout    time.Duration

	// C7 SFTP operation queue.
	OpBaseTimeout time.Duration
	OpMaxRetries  int

	// C8 transfer engine.
	ChunkSize        int
	ChunkMaxRetries  int
	ProgressBatchN   int
	ProgressInterval time.Duration
	StagingRoot      string

	// C9 back-pressure.
	MemoryCapBytes        int64
	MemoryPressureCutoff  float64
	CPUPressureCutoff     float64
	MaxConcurrentStreams  int
	MaxQueueSize          int
	SampleInterval        time.Duration

	// C3 latency prober.
	LatencyProbeInterval time.Duration
	LatencyProbeTimeout  time.Duration
}

// Load reads a .env file if present, then applies environment overrides on
// top of the documented defaults. Every field has a usable default, matching
// spec's "default X" language throughout §4; the only error is a
// non-positive TERMSUB_MAX_CONNECTIONS.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		LogLevel:  getEnv("TERMSUB_LOG_LEVEL", "info"),
		LogFormat: getEnv("TERMSUB_LOG_FORMAT", "json"),

		MaxConnections:       getEnvAsInt("TERMSUB_MAX_CONNECTIONS", 64),
		ConnectTimeout:       getEnvAsDuration("TERMSUB_CONNECT_TIMEOUT", 15*time.Second),
		IdleTimeout:          getEnvAsDuration("TERMSUB_IDLE_TIMEOUT", 30*time.Minute),
		HealthCheckPool:      getEnvAsDuration("TERMSUB_HEALTH_CHECK_POOL", 5*time.Minute),
		HealthCheckMonitor:   getEnvAsDuration("TERMSUB_HEALTH_CHECK_MONITOR", 15*time.Second),
		PoolWaitTimeout:      getEnvAsDuration("TERMSUB_POOL_WAIT_TIMEOUT", 20*time.Second),
		ChannelsPerTransport: getEnvAsInt("TERMSUB_CHANNELS_PER_TRANSPORT", 30),

		ReconnectBaseDelay:   getEnvAsDuration("TERMSUB_RECONNECT_BASE_DELAY", 5*time.Second),
		ReconnectMaxDelay:    getEnvAsDuration("TERMSUB_RECONNECT_MAX_DELAY", 30*time.Second),
		ReconnectMaxAttempts: getEnvAsInt("TERMSUB_RECONNECT_MAX_ATTEMPTS", 3),

		MaxSessionsPerTab:  getEnvAsInt("TERMSUB_MAX_SESSIONS_PER_TAB", 1),
		MaxTotalSessions:   getEnvAsInt("TERMSUB_MAX_TOTAL_SESSIONS", 50),
		SessionIdleTimeout: getEnvAsDuration("TERMSUB_SESSION_IDLE_TIMEOUT", 120*time.Second),
		SSHReadyTimeout:    getEnvAsDuration("TERMSUB_SSH_READY_TIMEOUT", 10*time.Second),

		OpBaseTimeout: getEnvAsDuration("TERMSUB_OP_BASE_TIMEOUT", 20*time.Second),
		OpMaxRetries:  getEnvAsInt("TERMSUB_OP_MAX_RETRIES", 2),

		ChunkSize:        getEnvAsInt("TERMSUB_CHUNK_SIZE", 32*1024),
		ChunkMaxRetries:  getEnvAsInt("TERMSUB_CHUNK_MAX_RETRIES", 3),
		ProgressBatchN:   getEnvAsInt("TERMSUB_PROGRESS_BATCH_N", 20),
		ProgressInterval: getEnvAsDuration("TERMSUB_PROGRESS_INTERVAL", 100*time.Millisecond),
		StagingRoot:      getEnv("TERMSUB_STAGING_ROOT", filepath.Join(os.TempDir(), "termsub-staging")),

		MemoryCapBytes:       getEnvAsInt64("TERMSUB_MEMORY_CAP_BYTES", 256<<20),
		MemoryPressureCutoff: getEnvAsFloat("TERMSUB_MEMORY_PRESSURE_CUTOFF", 0.80),
		CPUPressureCutoff:    getEnvAsFloat("TERMSUB_CPU_PRESSURE_CUTOFF", 0.90),
		MaxConcurrentStreams: getEnvAsInt("TERMSUB_MAX_CONCURRENT_STREAMS", 10),
		MaxQueueSize:         getEnvAsInt("TERMSUB_MAX_QUEUE_SIZE", 100),
		SampleInterval:       getEnvAsDuration("TERMSUB_SAMPLE_INTERVAL", 1*time.Second),

		LatencyProbeInterval: getEnvAsDuration("TERMSUB_LATENCY_PROBE_INTERVAL", 60*time.Second),
		LatencyProbeTimeout:  getEnvAsDuration("TERMSUB_LATENCY_PROBE_TIMEOUT", 5*time.Second),
	}

	if cfg.MaxConnections <= 0 {
		return nil, fmt.Errorf("config: TERMSUB_MAX_CONNECTIONS must be positive, got %d", cfg.MaxConnections)
	}

	return cfg, nil
}

// MaxPerServer returns the per-(host,port,user) cap: ceil(MaxConnections/2).
func (c *Config) MaxPerServer() int {
	return (c.MaxConnections + 1) / 2
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return defaultValue
}

// getEnvAsSlice is kept for CSV-style env vars (e.g. a future allow-list of
// proxy hosts); no current field uses it but the helper matches the
// teacher's CSV-splitting shape rather than pulling in a CSV library for one
// call site.
func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	current := ""
	for _, char := range valueStr {
		if char == ',' {
			if current != "" {
				result = append(result, current)
				current = ""
			}
		} else {
			current += string(char)
		}
	}
	if current != "" {
		result = append(result, current)
	}

	return result
}
