package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	Pairing   PairingConfig
	Relay     RelayConfig
	Transfer  TransferConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
}

// PairingConfig holds pair code registry settings
type PairingConfig struct {
	Store         string // "memory" or "redis"
	CodeTTL       time.Duration
	SweepInterval time.Duration
	// Per-IP pair lookups allowed per LookupWindow (0 disables)
	LookupLimit  int
	LookupWindow time.Duration
}

// RelayConfig holds relay chunk store settings
type RelayConfig struct {
	Backend       string // "memory", "redis" or "postgres"
	Retention     time.Duration
	SweepInterval time.Duration
	MaxChunkBytes int64
}

// TransferConfig holds client engine settings
type TransferConfig struct {
	ChunkSize         int64
	FallbackDeadline  time.Duration
	ReceiverGrace     time.Duration
	AckTimeout        time.Duration
	DiscoveryTimeout  time.Duration
	CompletionLinger  time.Duration
	MaxParallelChunks int
	MaxRetryAttempts  int
	RetryDelay        time.Duration
	SignalingURL      string
	RelayURL          string
	ICEServers        []string
	EnableDirect      bool
	EnablePeer        bool
	JournalPath       string
}

// Default listen ports, matching the client's SIGNALING_URL and RELAY_URL defaults
var defaultPorts = map[string]int{
	"signaling": 8080,
	"relay":     8081,
}

func defaultPort(serviceName string) int {
	if port, ok := defaultPorts[serviceName]; ok {
		return port
	}
	return 8080
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", defaultPort(serviceName)),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "sendanywhere"),
			User:        getEnv("POSTGRES_USER", "sendanywhere"),
			Password:    getEnv("POSTGRES_PASSWORD", "sendanywhere"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 20),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 2),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", false),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
		},
		Pairing: PairingConfig{
			Store:         getEnv("PAIR_STORE", "memory"),
			CodeTTL:       getEnvDuration("PAIR_CODE_TTL", 1*time.Hour),
			SweepInterval: getEnvDuration("PAIR_SWEEP_INTERVAL", 1*time.Minute),
			LookupLimit:   getEnvInt("PAIR_LOOKUP_LIMIT", 30),
			LookupWindow:  getEnvDuration("PAIR_LOOKUP_WINDOW", 1*time.Minute),
		},
		Relay: RelayConfig{
			Backend:       getEnv("RELAY_BACKEND", "memory"),
			Retention:     getEnvDuration("RELAY_RETENTION", 24*time.Hour),
			SweepInterval: getEnvDuration("RELAY_SWEEP_INTERVAL", 1*time.Hour),
			MaxChunkBytes: int64(getEnvInt("RELAY_MAX_CHUNK_BYTES", 8<<20)),
		},
		Transfer: TransferConfig{
			ChunkSize:         int64(getEnvInt("CHUNK_SIZE", 1<<20)),
			FallbackDeadline:  getEnvDuration("FALLBACK_DEADLINE", 5*time.Second),
			ReceiverGrace:     getEnvDuration("RECEIVER_GRACE", 2*time.Second),
			AckTimeout:        getEnvDuration("ACK_TIMEOUT", 10*time.Second),
			DiscoveryTimeout:  getEnvDuration("DISCOVERY_TIMEOUT", 1500*time.Millisecond),
			CompletionLinger:  getEnvDuration("COMPLETION_LINGER", 30*time.Second),
			MaxParallelChunks: getEnvInt("MAX_PARALLEL_CHUNKS", 4),
			MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 3),
			RetryDelay:        getEnvDuration("RETRY_DELAY", 2*time.Second),
			SignalingURL:      getEnv("SIGNALING_URL", "http://localhost:8080"),
			RelayURL:          getEnv("RELAY_URL", "http://localhost:8081"),
			ICEServers:        getEnvSlice("ICE_SERVERS", []string{"stun:stun.l.google.com:19302"}),
			EnableDirect:      getEnvBool("ENABLE_DIRECT", true),
			EnablePeer:        getEnvBool("ENABLE_PEER", true),
			JournalPath:       getEnv("JOURNAL_PATH", ""),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	switch c.Pairing.Store {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown pair store: %s", c.Pairing.Store)
	}

	if c.Pairing.CodeTTL <= 0 {
		return fmt.Errorf("pair code ttl must be positive")
	}

	switch c.Relay.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("unknown relay backend: %s", c.Relay.Backend)
	}

	if c.Relay.Retention <= 0 {
		return fmt.Errorf("relay retention must be positive")
	}

	if c.Transfer.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive")
	}

	if c.Transfer.ChunkSize > c.Relay.MaxChunkBytes {
		return fmt.Errorf("chunk size %d exceeds relay max chunk bytes %d", c.Transfer.ChunkSize, c.Relay.MaxChunkBytes)
	}

	if c.Transfer.MaxParallelChunks < 1 {
		return fmt.Errorf("max parallel chunks must be >= 1")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns host:port for the Redis server
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
