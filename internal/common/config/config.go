// Package config provides configuration management for the orchestration scheduler.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the orchestrator daemon.
type Config struct {
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	RateLimit    RateLimitConfig    `mapstructure:"rateLimit"`
	Lock         LockConfig         `mapstructure:"lock"`
	Monitor      MonitorConfig      `mapstructure:"monitor"`
	Watchdog     WatchdogConfig     `mapstructure:"watchdog"`
	Messenger    MessengerConfig    `mapstructure:"messenger"`
	Database     DatabaseConfig     `mapstructure:"database"`
	NATS         NATSConfig         `mapstructure:"nats"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Notification NotificationConfig `mapstructure:"notification"`
}

// SchedulerConfig holds the queue/task loop cadence and retry policy.
type SchedulerConfig struct {
	PollIntervalSec      int `mapstructure:"pollIntervalSec"`
	StateSyncIntervalSec int `mapstructure:"stateSyncIntervalSec"`
	MaxTaskRetries       int `mapstructure:"maxTaskRetries"`
	MaxProjectRetries    int `mapstructure:"maxProjectRetries"`
	BackoffBaseSec       int `mapstructure:"backoffBaseSec"`
	BackoffMultiplier    int `mapstructure:"backoffMultiplier"`
	MaxConcurrent        int `mapstructure:"maxConcurrent"`
	ShutdownGraceSec     int `mapstructure:"shutdownGraceSec"`
}

// RateLimitConfig bounds non-critical EventBus fan-out.
type RateLimitConfig struct {
	PerMinute int `mapstructure:"perMin"`
}

// LockConfig configures the single-writer file lock.
type LockConfig struct {
	Path                  string `mapstructure:"path"`
	StaleLockThresholdSec int    `mapstructure:"staleLockThresholdSec"`
}

// MonitorConfig configures phantom/orphan session detection grace windows.
type MonitorConfig struct {
	PhantomGraceSec int `mapstructure:"phantomGraceSec"`
	OrphanGraceSec  int `mapstructure:"orphanGraceSec"`
}

// WatchdogConfig configures per-project soft/hard deadlines.
type WatchdogConfig struct {
	Factor                 float64 `mapstructure:"factor"`
	HeartbeatMaxExtensions int     `mapstructure:"heartbeatMaxExtensions"`
	HeartbeatExtensionSec  int     `mapstructure:"heartbeatExtensionSec"`
}

// MessengerConfig configures pane-readiness detection and keystroke pacing.
type MessengerConfig struct {
	ReadyPromptPattern string `mapstructure:"readyPromptPattern"`
	KeystrokeGapMS     int    `mapstructure:"keystrokeGapMs"`
}

// DatabaseConfig holds the embedded/relational store connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite | postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional NATS event-bus transport configuration.
// An empty URL selects the in-process memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// NotificationConfig holds the outbound notifier configuration.
type NotificationConfig struct {
	Channel    string `mapstructure:"channel"`
	QueueDepth int    `mapstructure:"queueDepth"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Load reads configuration from the default config file location and environment.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified directory or the default locations.
// Environment variables use the prefix ORCHESTRATOR_ with upper-snake-case naming,
// overriding config keys one-for-one, e.g. ORCHESTRATOR_POLL_INTERVAL_SEC.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not fold camelCase keys into SNAKE_CASE, so bind the
	// camelCase config keys explicitly to their documented env var names.
	_ = v.BindEnv("scheduler.pollIntervalSec", "ORCHESTRATOR_POLL_INTERVAL_SEC")
	_ = v.BindEnv("scheduler.stateSyncIntervalSec", "ORCHESTRATOR_STATE_SYNC_INTERVAL_SEC")
	_ = v.BindEnv("scheduler.maxTaskRetries", "ORCHESTRATOR_MAX_TASK_RETRIES")
	_ = v.BindEnv("scheduler.maxProjectRetries", "ORCHESTRATOR_MAX_PROJECT_RETRIES")
	_ = v.BindEnv("scheduler.backoffBaseSec", "ORCHESTRATOR_BACKOFF_BASE_SEC")
	_ = v.BindEnv("scheduler.backoffMultiplier", "ORCHESTRATOR_BACKOFF_MULTIPLIER")
	_ = v.BindEnv("scheduler.maxConcurrent", "ORCHESTRATOR_MAX_CONCURRENT")
	_ = v.BindEnv("scheduler.shutdownGraceSec", "ORCHESTRATOR_SHUTDOWN_GRACE_SEC")
	_ = v.BindEnv("rateLimit.perMin", "ORCHESTRATOR_RATE_LIMIT_PER_MIN")
	_ = v.BindEnv("lock.path", "ORCHESTRATOR_LOCK_PATH")
	_ = v.BindEnv("lock.staleLockThresholdSec", "ORCHESTRATOR_STALE_LOCK_THRESHOLD_SEC")
	_ = v.BindEnv("monitor.phantomGraceSec", "ORCHESTRATOR_PHANTOM_GRACE_SEC")
	_ = v.BindEnv("monitor.orphanGraceSec", "ORCHESTRATOR_ORPHAN_GRACE_SEC")
	_ = v.BindEnv("watchdog.factor", "ORCHESTRATOR_WATCHDOG_FACTOR")
	_ = v.BindEnv("watchdog.heartbeatMaxExtensions", "ORCHESTRATOR_HEARTBEAT_MAX_EXTENSIONS")
	_ = v.BindEnv("messenger.readyPromptPattern", "ORCHESTRATOR_READY_PROMPT_PATTERN")
	_ = v.BindEnv("logging.level", "ORCHESTRATOR_LOG_LEVEL")
	_ = v.BindEnv("notification.channel", "ORCHESTRATOR_NOTIFICATION_CHANNEL")

	v.SetConfigName("orchestrator_config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures the orchestrator's baseline operating parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.pollIntervalSec", 5)
	v.SetDefault("scheduler.stateSyncIntervalSec", 300)
	v.SetDefault("scheduler.maxTaskRetries", 5)
	v.SetDefault("scheduler.maxProjectRetries", 3)
	v.SetDefault("scheduler.backoffBaseSec", 30)
	v.SetDefault("scheduler.backoffMultiplier", 2)
	v.SetDefault("scheduler.maxConcurrent", 4)
	v.SetDefault("scheduler.shutdownGraceSec", 30)

	v.SetDefault("rateLimit.perMin", 10)

	v.SetDefault("lock.path", "./orchestrator.lock")
	v.SetDefault("lock.staleLockThresholdSec", 60)

	v.SetDefault("monitor.phantomGraceSec", 3600)
	v.SetDefault("monitor.orphanGraceSec", 3600)

	v.SetDefault("watchdog.factor", 2.0)
	v.SetDefault("watchdog.heartbeatMaxExtensions", 5)
	v.SetDefault("watchdog.heartbeatExtensionSec", 1800)

	v.SetDefault("messenger.readyPromptPattern", `[$#]\s*$`)
	v.SetDefault("messenger.keystrokeGapMs", 100)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 4)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("notification.channel", "default")
	v.SetDefault("notification.queueDepth", 64)
}

// validate checks that all required configuration fields are set, collecting
// every problem into a single error instead of failing on the first one.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Scheduler.PollIntervalSec <= 0 {
		errs = append(errs, "scheduler.pollIntervalSec must be positive")
	}
	if cfg.Scheduler.MaxConcurrent <= 0 {
		errs = append(errs, "scheduler.maxConcurrent must be positive")
	}
	if cfg.Scheduler.BackoffMultiplier <= 1 {
		errs = append(errs, "scheduler.backoffMultiplier must be greater than 1")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	} else if cfg.Database.Driver != "sqlite" {
		errs = append(errs, "database.driver must be one of: sqlite, postgres")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Watchdog.Factor <= 1.0 {
		errs = append(errs, "watchdog.factor must be greater than 1.0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
