// Package config loads the enumerated configuration struct spec.md
// §9 requires in place of a dynamic dictionary: every recognized key
// is named here and unknown keys are rejected at load.
package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Redis       RedisConfig
	Worker      WorkerConfig
	Queue       QueueConfig
	Registry    RegistryConfig
	Projector   ProjectorConfig
	Housekeeper HousekeeperConfig
	Metrics     MetricsConfig
	Auth        AuthConfig
	LogLevel    string
	// IdempotencyTTL is spec.md §6's idempotency_ttl_s, default 24h;
	// it lives at the top level since both the operations surface and
	// the idempotency index consume it directly.
	IdempotencyTTL time.Duration
}

type ServerConfig struct {
	Host         string
	Port         int
	AdminPort    int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// WorkerConfig carries the dispatch-loop tunables from spec.md §6:
// poll_interval_s, scan_timeout_s, dequeue_timeout_ms, worker_pools.
type WorkerConfig struct {
	ID                string
	Concurrency       int
	WorkerPools       []string
	DataDir           string
	PollInterval      time.Duration
	ScanTimeout       time.Duration
	DequeueTimeout    time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ShutdownTimeout   time.Duration
}

// QueueConfig carries max_queue_depth and default_pool.
type QueueConfig struct {
	MaxQueueDepth int64
	DefaultPool   string
	RateLimitRPS  int
}

// RegistryConfig is the scanner descriptor list: pool, instance_key,
// scanner_type, url, credentials, enabled, max_concurrent_scans.
type RegistryConfig struct {
	Scanners []ScannerDescriptor
}

type ScannerDescriptor struct {
	Pool               string `mapstructure:"pool"`
	InstanceKey        string `mapstructure:"instance_key"`
	ScannerType        string `mapstructure:"scanner_type"`
	URL                string `mapstructure:"url"`
	Credentials        string `mapstructure:"credentials"`
	Enabled            bool   `mapstructure:"enabled"`
	MaxConcurrentScans int    `mapstructure:"max_concurrent_scans"`
}

type ProjectorConfig struct {
	DefaultPageSize int
	MinPageSize     int
	MaxPageSize     int
}

// HousekeeperConfig carries artifact_ttl and task_ttl plus its own
// sweep cadence.
type HousekeeperConfig struct {
	ArtifactTTL  time.Duration
	TaskTTL      time.Duration
	CronSchedule string
}

type MetricsConfig struct {
	Enabled bool
	Path    string
}

type AuthConfig struct {
	Enabled   bool
	JWTSecret string
	APIKeys   []string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/scandispatch")

	setDefaults()

	viper.SetEnvPrefix("SCANDISPATCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	// UnmarshalExact rejects keys not named by any field below, per
	// spec.md §9's "unknown keys are rejected at load".
	if err := viper.UnmarshalExact(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.adminport", 8081)
	viper.SetDefault("server.readtimeout", 30*time.Second)
	viper.SetDefault("server.writetimeout", 30*time.Second)
	viper.SetDefault("server.idletimeout", 120*time.Second)

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.poolsize", 100)
	viper.SetDefault("redis.minidleconns", 10)
	viper.SetDefault("redis.maxretries", 3)
	viper.SetDefault("redis.dialtimeout", 5*time.Second)
	viper.SetDefault("redis.readtimeout", 3*time.Second)
	viper.SetDefault("redis.writetimeout", 3*time.Second)

	viper.SetDefault("worker.id", "")
	viper.SetDefault("worker.concurrency", 10)
	viper.SetDefault("worker.workerpools", []string{"nessus"})
	viper.SetDefault("worker.datadir", "./data")
	viper.SetDefault("worker.pollinterval", 5*time.Second)
	viper.SetDefault("worker.scantimeout", 3600*time.Second)
	viper.SetDefault("worker.dequeuetimeout", 500*time.Millisecond)
	viper.SetDefault("worker.heartbeatinterval", 5*time.Second)
	viper.SetDefault("worker.heartbeattimeout", 15*time.Second)
	viper.SetDefault("worker.shutdowntimeout", 30*time.Second)

	viper.SetDefault("queue.maxqueuedepth", 10000)
	viper.SetDefault("queue.defaultpool", "nessus")
	viper.SetDefault("queue.ratelimitrps", 0)

	viper.SetDefault("registry.scanners", []ScannerDescriptor{})

	viper.SetDefault("projector.defaultpagesize", 40)
	viper.SetDefault("projector.minpagesize", 10)
	viper.SetDefault("projector.maxpagesize", 100)

	viper.SetDefault("housekeeper.artifactttl", 24*time.Hour)
	viper.SetDefault("housekeeper.taskttl", 7*24*time.Hour)
	viper.SetDefault("housekeeper.cronschedule", "@every 1m")

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("auth.enabled", false)
	viper.SetDefault("auth.jwtsecret", "")
	viper.SetDefault("auth.apikeys", []string{})

	viper.SetDefault("loglevel", "info")

	viper.SetDefault("idempotencyttl", 24*time.Hour)
}
