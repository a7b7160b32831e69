package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendRedis   = "redis"
	BackendMongoDB = "mongodb"
)

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Store        StoreConfig        `mapstructure:"store"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Accounts     AccountsConfig     `mapstructure:"accounts"`
	Coordination CoordinationConfig `mapstructure:"coordination"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Supervisor   SupervisorConfig   `mapstructure:"supervisor"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StoreConfig selects the coordination store backend and its client behaviour
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
	// Namespace prefixes every key, one namespace per gateway instance.
	Namespace        string        `mapstructure:"namespace"`
	RetryMaxAttempts int           `mapstructure:"retry_max_attempts"`
	RetryInitial     time.Duration `mapstructure:"retry_initial"`
	RetryMaxInterval time.Duration `mapstructure:"retry_max_interval"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
}

// DatabaseConfig holds MongoDB configuration
type DatabaseConfig struct {
	URI                    string        `mapstructure:"uri"`
	Database               string        `mapstructure:"database"`
	ConnectTimeout         time.Duration `mapstructure:"connect_timeout"`
	ServerSelectionTimeout time.Duration `mapstructure:"server_selection_timeout"`
	SocketTimeout          time.Duration `mapstructure:"socket_timeout"`
	MaxPoolSize            uint64        `mapstructure:"max_pool_size"`
	MinPoolSize            uint64        `mapstructure:"min_pool_size"`
	MaxConnIdleTime        time.Duration `mapstructure:"max_conn_idle_time"`
}

// AccountsConfig holds the machine account pool, the order is the claim order
type AccountsConfig struct {
	MachineAccounts []string `mapstructure:"machine_accounts"`
}

// CoordinationConfig holds lease and polling intervals of the background activities
type CoordinationConfig struct {
	BindingLeaseTTL         time.Duration `mapstructure:"binding_lease_ttl"`
	BindingRenewInterval    time.Duration `mapstructure:"binding_renew_interval"`
	ElectionLockTTL         time.Duration `mapstructure:"election_lock_ttl"`
	ElectionPollingInterval time.Duration `mapstructure:"election_polling_interval"`
	ElectionRenewInterval   time.Duration `mapstructure:"election_renew_interval"`
	LockGCInterval          time.Duration `mapstructure:"lock_gc_interval"`
	PrimaryDutyInterval     time.Duration `mapstructure:"primary_duty_interval"`
}

// NotifyConfig holds readiness and liveness reporting configuration
type NotifyConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// SupervisorConfig holds master process configuration
type SupervisorConfig struct {
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	RespawnDelay    time.Duration `mapstructure:"respawn_delay"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	EnableJSON bool   `mapstructure:"enable_json"`
}

// WorkerCount returns the number of worker processes: one per machine account plus one.
func (c *Config) WorkerCount() int {
	return len(c.Accounts.MachineAccounts) + 1
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	bindingTTL := getEnvDurationOrDefault("BINDING_LEASE_TTL", "30s")

	config := &Config{
		Server: ServerConfig{
			Port:         os.Getenv("LISTEN"),
			Host:         getEnvOrDefault("HOST", "0.0.0.0"),
			ReadTimeout:  getEnvDurationOrDefault("READ_TIMEOUT", "30s"),
			WriteTimeout: getEnvDurationOrDefault("WRITE_TIMEOUT", "30s"),
			IdleTimeout:  getEnvDurationOrDefault("IDLE_TIMEOUT", "120s"),
		},
		Store: StoreConfig{
			Backend:          getEnvOrDefault("COORDINATION_BACKEND", BackendRedis),
			Namespace:        "ntlm-auth:" + getEnvOrDefault("IDENTIFIER", "default") + ":",
			RetryMaxAttempts: getEnvIntOrDefault("STORE_RETRY_MAX_ATTEMPTS", 3),
			RetryInitial:     getEnvDurationOrDefault("STORE_RETRY_INITIAL", "100ms"),
			RetryMaxInterval: getEnvDurationOrDefault("STORE_RETRY_MAX_INTERVAL", "2s"),
			ConnectTimeout:   getEnvDurationOrDefault("STORE_CONNECT_TIMEOUT", "10s"),
		},
		Redis: RedisConfig{
			Host:         getEnvOrDefault("REDIS_HOST", "localhost"),
			Port:         getEnvIntOrDefault("REDIS_PORT", 6379),
			Password:     getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:           getEnvIntOrDefault("REDIS_DB", 0),
			DialTimeout:  getEnvDurationOrDefault("REDIS_DIAL_TIMEOUT", "5s"),
			ReadTimeout:  getEnvDurationOrDefault("REDIS_READ_TIMEOUT", "3s"),
			WriteTimeout: getEnvDurationOrDefault("REDIS_WRITE_TIMEOUT", "3s"),
			PoolSize:     getEnvIntOrDefault("REDIS_POOL_SIZE", 10),
		},
		Database: DatabaseConfig{
			URI:                    getEnvOrDefault("MONGODB_URI", "mongodb://localhost:27017"),
			Database:               getEnvOrDefault("MONGODB_DATABASE", "ntlm_auth"),
			ConnectTimeout:         getEnvDurationOrDefault("MONGODB_CONNECT_TIMEOUT", "10s"),
			ServerSelectionTimeout: getEnvDurationOrDefault("MONGODB_SERVER_SELECTION_TIMEOUT", "5s"),
			SocketTimeout:          getEnvDurationOrDefault("MONGODB_SOCKET_TIMEOUT", "30s"),
			MaxPoolSize:            uint64(getEnvIntOrDefault("MONGODB_MAX_POOL_SIZE", 10)),
			MinPoolSize:            uint64(getEnvIntOrDefault("MONGODB_MIN_POOL_SIZE", 1)),
			MaxConnIdleTime:        getEnvDurationOrDefault("MONGODB_MAX_CONN_IDLE_TIME", "5m"),
		},
		Accounts: AccountsConfig{
			MachineAccounts: splitList(os.Getenv("MACHINE_ACCOUNTS")),
		},
		Coordination: CoordinationConfig{
			BindingLeaseTTL:         bindingTTL,
			BindingRenewInterval:    getEnvDurationOrDefault("BINDING_RENEW_INTERVAL", (bindingTTL / 3).String()),
			ElectionLockTTL:         getEnvDurationOrDefault("ELECTION_LOCK_TTL", "30s"),
			ElectionPollingInterval: getEnvDurationOrDefault("ELECTION_POLLING_INTERVAL", "5s"),
			ElectionRenewInterval:   getEnvDurationOrDefault("ELECTION_RENEW_INTERVAL", "10s"),
			LockGCInterval:          getEnvDurationOrDefault("LOCK_GC_INTERVAL", "60s"),
			PrimaryDutyInterval:     getEnvDurationOrDefault("PRIMARY_DUTY_INTERVAL", "60s"),
		},
		Notify: NotifyConfig{
			Enabled:           getEnvBoolOrDefault("SD_NOTIFY_ENABLED", true),
			HeartbeatInterval: getEnvDurationOrDefault("HEARTBEAT_INTERVAL", "30s"),
		},
		Supervisor: SupervisorConfig{
			GracefulTimeout: getEnvDurationOrDefault("GRACEFUL_TIMEOUT", "10s"),
			RespawnDelay:    getEnvDurationOrDefault("RESPAWN_DELAY", "1s"),
		},
		Logging: LoggingConfig{
			Level:      getEnvOrDefault("LOG_LEVEL", "info"),
			Format:     getEnvOrDefault("LOG_FORMAT", "text"),
			Output:     getEnvOrDefault("LOG_OUTPUT", "stdout"),
			EnableJSON: getEnvBoolOrDefault("LOG_ENABLE_JSON", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("environment variable 'LISTEN' cannot be empty")
	}
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("invalid value for environment variable 'LISTEN': %q", c.Server.Port)
	}

	switch c.Store.Backend {
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host cannot be empty")
		}
	case BackendMongoDB:
		if c.Database.URI == "" || c.Database.Database == "" {
			return fmt.Errorf("database URI and name cannot be empty")
		}
	default:
		return fmt.Errorf("unknown coordination backend: %s", c.Store.Backend)
	}
	if c.Store.RetryMaxAttempts < 1 {
		return fmt.Errorf("store retry attempts must be at least 1")
	}

	seen := make(map[string]struct{}, len(c.Accounts.MachineAccounts))
	for _, account := range c.Accounts.MachineAccounts {
		if account == "" {
			return fmt.Errorf("machine account id cannot be empty")
		}
		if _, dup := seen[account]; dup {
			return fmt.Errorf("duplicate machine account id: %s", account)
		}
		seen[account] = struct{}{}
	}

	co := c.Coordination
	if co.BindingRenewInterval <= 0 || co.BindingRenewInterval >= co.BindingLeaseTTL {
		return fmt.Errorf("binding renew interval (%s) must be positive and shorter than the lease ttl (%s)",
			co.BindingRenewInterval, co.BindingLeaseTTL)
	}
	if co.ElectionRenewInterval <= 0 || co.ElectionRenewInterval >= co.ElectionLockTTL {
		return fmt.Errorf("election renew interval (%s) must be positive and shorter than the lock ttl (%s)",
			co.ElectionRenewInterval, co.ElectionLockTTL)
	}
	if co.ElectionPollingInterval <= 0 || co.LockGCInterval <= 0 || co.PrimaryDutyInterval <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if c.Notify.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.Supervisor.GracefulTimeout <= 0 {
		return fmt.Errorf("graceful timeout must be positive")
	}

	// Validate log level
	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, strings.ToLower(c.Logging.Level)) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
