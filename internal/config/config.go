// Package config provides configuration loading, defaults, and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	CORS        CORSConfig        `mapstructure:"cors"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Saga        SagaConfig        `mapstructure:"saga"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	StatusCache StatusCacheConfig `mapstructure:"status_cache"`
	Timezone    string            `mapstructure:"timezone"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// ReadHeaderTimeout is in seconds; bounds slow-header clients.
	ReadHeaderTimeout int `mapstructure:"read_header_timeout"`
	// IdleTimeout is in seconds; reaps idle keep-alive connections.
	IdleTimeout    int      `mapstructure:"idle_timeout"`
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LogConfig struct {
	Level           string            `mapstructure:"level"`
	Format          string            `mapstructure:"format"`
	ServiceName     string            `mapstructure:"service_name"`
	Environment     string            `mapstructure:"env"`
	Caller          bool              `mapstructure:"caller"`
	StacktraceLevel string            `mapstructure:"stacktrace_level"`
	Output          LogOutputConfig   `mapstructure:"output"`
	Rotation        LogRotationConfig `mapstructure:"rotation"`
	Sampling        LogSamplingConfig `mapstructure:"sampling"`
}

type LogOutputConfig struct {
	ToStdout bool   `mapstructure:"to_stdout"`
	ToFile   bool   `mapstructure:"to_file"`
	FilePath string `mapstructure:"file_path"`
}

type LogRotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
	LocalTime  bool `mapstructure:"local_time"`
}

type LogSamplingConfig struct {
	Enabled    bool `mapstructure:"enabled"`
	Initial    int  `mapstructure:"initial"`
	Thereafter int  `mapstructure:"thereafter"`
}

type CORSConfig struct {
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
	// MaxOpenConns caps concurrent connections to protect the database.
	MaxOpenConns int `mapstructure:"max_open_conns"`
	// MaxIdleConns keeps warm connections around to cut dial latency.
	MaxIdleConns int `mapstructure:"max_idle_conns"`
	// ConnMaxLifetimeMinutes recycles long-lived connections.
	ConnMaxLifetimeMinutes int `mapstructure:"conn_max_lifetime_minutes"`
	// ConnMaxIdleTimeMinutes releases connections idle for too long.
	ConnMaxIdleTimeMinutes int `mapstructure:"conn_max_idle_time_minutes"`
}

func (d *DatabaseConfig) DSN() string {
	// Omit the password parameter when empty so libpq does not choke on it.
	if d.Password == "" {
		return fmt.Sprintf(
			"host=%s port=%d user=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.DBName, d.SSLMode,
		)
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// DSNWithTimezone returns DSN with timezone setting
func (d *DatabaseConfig) DSNWithTimezone(tz string) string {
	if tz == "" {
		tz = "UTC"
	}
	return fmt.Sprintf("%s TimeZone=%s", d.DSN(), tz)
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	// DialTimeoutSeconds bounds connection establishment.
	DialTimeoutSeconds int `mapstructure:"dial_timeout_seconds"`
	// ReadTimeoutSeconds bounds single-command reads.
	ReadTimeoutSeconds int `mapstructure:"read_timeout_seconds"`
	// WriteTimeoutSeconds bounds single-command writes.
	WriteTimeoutSeconds int `mapstructure:"write_timeout_seconds"`
	// PoolSize caps concurrent connections.
	PoolSize int `mapstructure:"pool_size"`
	// MinIdleConns keeps warm connections to avoid cold-start latency.
	MinIdleConns int  `mapstructure:"min_idle_conns"`
	EnableTLS    bool `mapstructure:"enable_tls"`
}

func (r *RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// SagaConfig tunes saga step execution.
type SagaConfig struct {
	// StepLeaseSeconds is how long a step attempt may hold its idempotency
	// claim before a retrying worker is allowed to take it over. Must exceed
	// the worst-case step duration or two workers may apply the same effect.
	StepLeaseSeconds int `mapstructure:"step_lease_seconds"`
	// CompensationMaxAttempts is the total number of tries a compensation
	// gets (first attempt included) before the saga is parked for manual
	// review.
	CompensationMaxAttempts int `mapstructure:"compensation_max_attempts"`
}

func (s *SagaConfig) StepLease() time.Duration {
	return time.Duration(s.StepLeaseSeconds) * time.Second
}

// OutboxConfig tunes the relay workers that drain the transactional outbox.
type OutboxConfig struct {
	// WorkerCount is the number of concurrent relay workers.
	WorkerCount int `mapstructure:"worker_count"`
	// EmptyQueueDelaySeconds is the poll interval when no message is ready.
	EmptyQueueDelaySeconds int `mapstructure:"empty_queue_delay_seconds"`
	// LeaseTTLSeconds is how long a claimed message stays invisible to other
	// workers. A worker that exceeds it loses the message to a peer.
	LeaseTTLSeconds int `mapstructure:"lease_ttl_seconds"`
	// TransientConflictDelaySeconds is the pause after losing a claim race
	// or hitting a retryable conflict; deliberately short, these resolve fast.
	TransientConflictDelaySeconds int `mapstructure:"transient_conflict_delay_seconds"`
	// MaxAttemptsBeforeDLQ is the attempt count past which the worker raises
	// an operator-visible warning. The message stays claimable; there is no
	// dead letter table.
	MaxAttemptsBeforeDLQ int `mapstructure:"max_attempts_before_dlq"`

	Cleanup OutboxCleanupConfig `mapstructure:"cleanup"`
}

func (o *OutboxConfig) EmptyQueueDelay() time.Duration {
	return time.Duration(o.EmptyQueueDelaySeconds) * time.Second
}

func (o *OutboxConfig) LeaseTTL() time.Duration {
	return time.Duration(o.LeaseTTLSeconds) * time.Second
}

func (o *OutboxConfig) TransientConflictDelay() time.Duration {
	return time.Duration(o.TransientConflictDelaySeconds) * time.Second
}

// OutboxCleanupConfig controls periodic deletion of finished outbox rows to
// prevent unbounded growth.
type OutboxCleanupConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`

	// Retention days (0 disables that cleanup target).
	ProcessedRetentionDays  int `mapstructure:"processed_retention_days"`
	DeadLetterRetentionDays int `mapstructure:"dead_letter_retention_days"`

	// BatchSize caps rows deleted per statement to keep lock times short.
	BatchSize int `mapstructure:"batch_size"`
}

// LedgerConfig tunes the double-entry ledger.
type LedgerConfig struct {
	// OverdraftLimit is the lowest balance a debit may leave behind.
	// Negative values permit a bounded overdraft.
	OverdraftLimit int64 `mapstructure:"overdraft_limit"`
}

func (l *LedgerConfig) OverdraftLimitAmount() decimal.Decimal {
	return decimal.NewFromInt(l.OverdraftLimit)
}

// StatusCacheConfig controls the caches in front of saga status reads.
type StatusCacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// TTLSeconds applies to terminal statuses only; in-flight sagas are
	// never cached.
	TTLSeconds int    `mapstructure:"ttl_seconds"`
	KeyPrefix  string `mapstructure:"key_prefix"`
	// L1Size is the in-process cache capacity in entries; 0 disables the L1
	// and leaves Redis as the only cache tier.
	L1Size int `mapstructure:"l1_size"`
}

func (s *StatusCacheConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Add config paths in priority order
	// 1. DATA_DIR environment variable (highest priority)
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		viper.AddConfigPath(dataDir)
	}
	// 2. Docker data directory
	viper.AddConfigPath("/app/data")
	// 3. Current directory
	viper.AddConfigPath(".")
	// 4. Config subdirectory
	viper.AddConfigPath("./config")
	// 5. System config directory
	viper.AddConfigPath("/etc/sagaflow")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config error: %w", err)
		}
		// No config file: defaults plus environment cover everything.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config error: %w", err)
	}

	cfg.Server.Mode = strings.ToLower(strings.TrimSpace(cfg.Server.Mode))
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	cfg.Server.TrustedProxies = normalizeStringSlice(cfg.Server.TrustedProxies)
	cfg.CORS.AllowedOrigins = normalizeStringSlice(cfg.CORS.AllowedOrigins)
	cfg.Timezone = strings.TrimSpace(cfg.Timezone)
	cfg.StatusCache.KeyPrefix = strings.TrimSpace(cfg.StatusCache.KeyPrefix)
	cfg.Outbox.Cleanup.Schedule = strings.TrimSpace(cfg.Outbox.Cleanup.Schedule)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Server
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "release")
	viper.SetDefault("server.read_header_timeout", 30)
	viper.SetDefault("server.idle_timeout", 120)
	viper.SetDefault("server.trusted_proxies", []string{})

	// Log
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("log.service_name", "sagaflow")
	viper.SetDefault("log.env", "production")
	viper.SetDefault("log.caller", true)
	viper.SetDefault("log.stacktrace_level", "error")
	viper.SetDefault("log.output.to_stdout", true)
	viper.SetDefault("log.output.to_file", true)
	viper.SetDefault("log.output.file_path", "")
	viper.SetDefault("log.rotation.max_size_mb", 100)
	viper.SetDefault("log.rotation.max_backups", 10)
	viper.SetDefault("log.rotation.max_age_days", 7)
	viper.SetDefault("log.rotation.compress", true)
	viper.SetDefault("log.rotation.local_time", true)
	viper.SetDefault("log.sampling.enabled", false)
	viper.SetDefault("log.sampling.initial", 100)
	viper.SetDefault("log.sampling.thereafter", 100)

	// CORS
	viper.SetDefault("cors.allowed_origins", []string{})
	viper.SetDefault("cors.allow_credentials", true)

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "")
	viper.SetDefault("database.dbname", "sagaflow")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 50)
	viper.SetDefault("database.max_idle_conns", 10)
	viper.SetDefault("database.conn_max_lifetime_minutes", 60)
	viper.SetDefault("database.conn_max_idle_time_minutes", 10)

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.dial_timeout_seconds", 5)
	viper.SetDefault("redis.read_timeout_seconds", 3)
	viper.SetDefault("redis.write_timeout_seconds", 3)
	viper.SetDefault("redis.pool_size", 100)
	viper.SetDefault("redis.min_idle_conns", 10)
	viper.SetDefault("redis.enable_tls", false)

	// Saga
	viper.SetDefault("saga.step_lease_seconds", 120)
	viper.SetDefault("saga.compensation_max_attempts", 5)

	// Outbox
	viper.SetDefault("outbox.worker_count", 4)
	viper.SetDefault("outbox.empty_queue_delay_seconds", 1)
	viper.SetDefault("outbox.lease_ttl_seconds", 30)
	viper.SetDefault("outbox.transient_conflict_delay_seconds", 2)
	viper.SetDefault("outbox.max_attempts_before_dlq", 10)
	viper.SetDefault("outbox.cleanup.enabled", true)
	viper.SetDefault("outbox.cleanup.schedule", "0 3 * * *")
	viper.SetDefault("outbox.cleanup.processed_retention_days", 7)
	viper.SetDefault("outbox.cleanup.dead_letter_retention_days", 30)
	viper.SetDefault("outbox.cleanup.batch_size", 5000)

	// Ledger
	viper.SetDefault("ledger.overdraft_limit", int64(-50000))

	// Status cache
	viper.SetDefault("status_cache.enabled", true)
	viper.SetDefault("status_cache.ttl_seconds", 300)
	viper.SetDefault("status_cache.key_prefix", "saga:status:")
	viper.SetDefault("status_cache.l1_size", 4096)

	viper.SetDefault("timezone", "UTC")
}

func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("server.mode must be one of: debug/release/test")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	case "":
		return fmt.Errorf("log.level is required")
	default:
		return fmt.Errorf("log.level must be one of: debug/info/warn/error")
	}
	switch c.Log.Format {
	case "json", "console":
	case "":
		return fmt.Errorf("log.format is required")
	default:
		return fmt.Errorf("log.format must be one of: json/console")
	}
	switch c.Log.StacktraceLevel {
	case "none", "error", "fatal":
	case "":
		return fmt.Errorf("log.stacktrace_level is required")
	default:
		return fmt.Errorf("log.stacktrace_level must be one of: none/error/fatal")
	}
	if !c.Log.Output.ToStdout && !c.Log.Output.ToFile {
		return fmt.Errorf("log.output.to_stdout and log.output.to_file cannot both be false")
	}
	if c.Log.Rotation.MaxSizeMB <= 0 {
		return fmt.Errorf("log.rotation.max_size_mb must be positive")
	}
	if c.Log.Rotation.MaxBackups < 0 {
		return fmt.Errorf("log.rotation.max_backups must be non-negative")
	}
	if c.Log.Rotation.MaxAgeDays < 0 {
		return fmt.Errorf("log.rotation.max_age_days must be non-negative")
	}
	if c.Log.Sampling.Enabled {
		if c.Log.Sampling.Initial <= 0 {
			return fmt.Errorf("log.sampling.initial must be positive when sampling is enabled")
		}
		if c.Log.Sampling.Thereafter <= 0 {
			return fmt.Errorf("log.sampling.thereafter must be positive when sampling is enabled")
		}
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database.dbname is required")
	}

	if c.Saga.StepLeaseSeconds <= 0 {
		return fmt.Errorf("saga.step_lease_seconds must be positive")
	}
	if c.Saga.CompensationMaxAttempts <= 0 {
		return fmt.Errorf("saga.compensation_max_attempts must be positive")
	}

	if c.Outbox.WorkerCount <= 0 {
		return fmt.Errorf("outbox.worker_count must be positive")
	}
	if c.Outbox.EmptyQueueDelaySeconds <= 0 {
		return fmt.Errorf("outbox.empty_queue_delay_seconds must be positive")
	}
	if c.Outbox.LeaseTTLSeconds <= 0 {
		return fmt.Errorf("outbox.lease_ttl_seconds must be positive")
	}
	if c.Outbox.TransientConflictDelaySeconds <= 0 {
		return fmt.Errorf("outbox.transient_conflict_delay_seconds must be positive")
	}
	if c.Outbox.MaxAttemptsBeforeDLQ <= 0 {
		return fmt.Errorf("outbox.max_attempts_before_dlq must be positive")
	}
	if c.Outbox.Cleanup.Enabled {
		if c.Outbox.Cleanup.Schedule == "" {
			return fmt.Errorf("outbox.cleanup.schedule is required when cleanup is enabled")
		}
		if c.Outbox.Cleanup.BatchSize <= 0 {
			return fmt.Errorf("outbox.cleanup.batch_size must be positive when cleanup is enabled")
		}
		if c.Outbox.Cleanup.ProcessedRetentionDays < 0 {
			return fmt.Errorf("outbox.cleanup.processed_retention_days must be non-negative")
		}
		if c.Outbox.Cleanup.DeadLetterRetentionDays < 0 {
			return fmt.Errorf("outbox.cleanup.dead_letter_retention_days must be non-negative")
		}
	}

	if c.Ledger.OverdraftLimit > 0 {
		return fmt.Errorf("ledger.overdraft_limit must be zero or negative")
	}

	if c.StatusCache.Enabled && c.StatusCache.TTLSeconds <= 0 {
		return fmt.Errorf("status_cache.ttl_seconds must be positive when the cache is enabled")
	}
	if c.StatusCache.L1Size < 0 {
		return fmt.Errorf("status_cache.l1_size must be non-negative")
	}

	return nil
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return values
	}
	normalized := make([]string, 0, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		normalized = append(normalized, trimmed)
	}
	return normalized
}
