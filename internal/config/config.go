// Package config provides hierarchical configuration loading for CrawlFleet.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the center and agent processes.
type Config struct {
	Server     Server     `yaml:"server"`
	Channel    Channel    `yaml:"channel"`
	NATS       NATS       `yaml:"nats"`
	Postgres   Postgres   `yaml:"postgres"`
	Redis      Redis      `yaml:"redis"`
	Logging    Logging    `yaml:"logging"`
	Breaker    Breaker    `yaml:"breaker"`
	Rate       Rate       `yaml:"rate"`
	Cache      Cache      `yaml:"cache"`
	Telemetry  Telemetry  `yaml:"telemetry"`
	Statistics Statistics `yaml:"statistics"`
	Center     Center     `yaml:"center"`
	Agent      Agent      `yaml:"agent"`
	Locker     Locker     `yaml:"locker"`
	Detector   Detector   `yaml:"detector"`
	Redialer   Redialer   `yaml:"redialer"`
}

// Server holds the center admin HTTP server configuration.
type Server struct {
	Port       string `yaml:"port"`
	CORSOrigin string `yaml:"cors_origin"`
}

// Channel selects the message channel implementation.
type Channel struct {
	Backend string `yaml:"backend"` // "nats" | "memory"
}

// NATS holds NATS JetStream configuration.
type NATS struct {
	URL       string        `yaml:"url"`
	Stream    string        `yaml:"stream"`
	MaxAge    time.Duration `yaml:"max_age"`
	KVBucket  string        `yaml:"kv_bucket"`  // lease bucket for the natskv locker
	CacheTTL  time.Duration `yaml:"cache_ttl"`  // TTL of the completion cache bucket
	CacheName string        `yaml:"cache_name"` // completion cache bucket
}

// Postgres holds PostgreSQL connection configuration. An empty DSN disables the audit store.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Redis holds the connection used by the redis lease locker.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for the statistics sink.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Rate holds rate limiter configuration for the admin API.
type Rate struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Cache holds the completion cache configuration.
type Cache struct {
	L1MaxSizeMB int64         `yaml:"l1_max_size_mb"`
	TTL         time.Duration `yaml:"ttl"`
}

// Telemetry holds OpenTelemetry exporter configuration. An empty endpoint keeps
// the global no-op providers.
type Telemetry struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// Statistics selects statistics sink backends.
type Statistics struct {
	Sinks []string `yaml:"sinks"` // any of "log", "otel", "prometheus"
}

// Center holds register center configuration.
type Center struct {
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	SuspectAfter      time.Duration `yaml:"suspect_after"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	AssignmentTimeout time.Duration `yaml:"assignment_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	Selector          string        `yaml:"selector"` // "least_loaded" | "round_robin"
}

// Agent holds downloader agent configuration.
type Agent struct {
	ID                  string        `yaml:"id"` // empty generates a fresh id per process
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	RegisterTimeout     time.Duration `yaml:"register_timeout"`
	RegisterBackoffBase time.Duration `yaml:"register_backoff_base"`
	RegisterBackoffMax  time.Duration `yaml:"register_backoff_max"`
	MaxConcurrency      int           `yaml:"max_concurrency"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	RequeueDelay        time.Duration `yaml:"requeue_delay"`
	MaxRequeues         int           `yaml:"max_requeues"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`
	DownloadTimeout     time.Duration `yaml:"download_timeout"`
	UserAgent           string        `yaml:"user_agent"`
}

// Locker selects and configures the resource locker.
type Locker struct {
	Backend string `yaml:"backend"` // "file" | "memory" | "natskv" | "redis"
	Dir     string `yaml:"dir"`     // lease directory for the file locker
}

// Detector configures the internet detector.
type Detector struct {
	Mode      string        `yaml:"mode"` // "default" (probe only) | "dialup" (owns a redialer) | "off"
	Endpoints []string      `yaml:"endpoints"`
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	DownAfter int           `yaml:"down_after"`
	UpAfter   int           `yaml:"up_after"`
}

// Redialer configures the dial-up redialer.
type Redialer struct {
	DownCommand []string      `yaml:"down_command"`
	UpCommand   []string      `yaml:"up_command"`
	Settle      time.Duration `yaml:"settle"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Server: Server{
			Port:       "8080",
			CORSOrigin: "http://localhost:3000",
		},
		Channel: Channel{
			Backend: "nats",
		},
		NATS: NATS{
			URL:       "nats://localhost:4222",
			Stream:    "CRAWLFLEET",
			MaxAge:    time.Hour,
			KVBucket:  "crawlfleet_leases",
			CacheName: "crawlfleet_completed",
			CacheTTL:  time.Hour,
		},
		Postgres: Postgres{
			MaxConns:        10,
			MinConns:        1,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Redis: Redis{
			Addr:   "localhost:6379",
			Prefix: "crawlfleet:lease:",
		},
		Logging: Logging{
			Level:   "info",
			Service: "crawlfleet",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
		},
		Rate: Rate{
			RequestsPerSecond: 50,
			Burst:             200,
		},
		Cache: Cache{
			L1MaxSizeMB: 16,
			TTL:         time.Hour,
		},
		Statistics: Statistics{
			Sinks: []string{"log"},
		},
		Center: Center{
			HeartbeatTimeout:  30 * time.Second,
			SuspectAfter:      15 * time.Second,
			SweepInterval:     5 * time.Second,
			AssignmentTimeout: 2 * time.Minute,
			MaxRetries:        3,
			Selector:          "least_loaded",
		},
		Agent: Agent{
			HeartbeatInterval:   5 * time.Second,
			RegisterTimeout:     5 * time.Second,
			RegisterBackoffBase: 500 * time.Millisecond,
			RegisterBackoffMax:  30 * time.Second,
			MaxConcurrency:      8,
			LeaseTTL:            time.Minute,
			RequeueDelay:        time.Second,
			MaxRequeues:         30,
			DrainTimeout:        30 * time.Second,
			DownloadTimeout:     30 * time.Second,
			UserAgent:           "CrawlFleet-Agent/1.0",
		},
		Locker: Locker{
			Backend: "file",
			Dir:     "data/leases",
		},
		Detector: Detector{
			Mode:      "default",
			Endpoints: []string{"https://www.baidu.com", "https://www.bing.com"},
			Interval:  5 * time.Second,
			Timeout:   3 * time.Second,
			DownAfter: 3,
			UpAfter:   3,
		},
		Redialer: Redialer{
			DownCommand: []string{"poff", "dsl-provider"},
			UpCommand:   []string{"pon", "dsl-provider"},
			Settle:      2 * time.Second,
			MaxAttempts: 5,
			BackoffBase: time.Second,
			BackoffMax:  30 * time.Second,
		},
	}
}
