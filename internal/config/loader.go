package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "crawlfleet.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is provided by the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "CRAWLFLEET_PORT")
	setString(&cfg.Server.CORSOrigin, "CRAWLFLEET_CORS_ORIGIN")
	setString(&cfg.Channel.Backend, "CRAWLFLEET_CHANNEL")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.NATS.Stream, "CRAWLFLEET_NATS_STREAM")
	setString(&cfg.NATS.KVBucket, "CRAWLFLEET_NATS_KV_BUCKET")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CRAWLFLEET_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CRAWLFLEET_PG_MIN_CONNS")
	setString(&cfg.Redis.Addr, "REDIS_ADDR")
	setString(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setString(&cfg.Logging.Level, "CRAWLFLEET_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CRAWLFLEET_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "CRAWLFLEET_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "CRAWLFLEET_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CRAWLFLEET_BREAKER_TIMEOUT")
	setFloat64(&cfg.Rate.RequestsPerSecond, "CRAWLFLEET_RATE_RPS")
	setInt(&cfg.Rate.Burst, "CRAWLFLEET_RATE_BURST")
	setInt64(&cfg.Cache.L1MaxSizeMB, "CRAWLFLEET_CACHE_L1_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "CRAWLFLEET_CACHE_TTL")
	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setStrings(&cfg.Statistics.Sinks, "CRAWLFLEET_STATISTICS_SINKS")

	// Center
	setDuration(&cfg.Center.HeartbeatTimeout, "CRAWLFLEET_HEARTBEAT_TIMEOUT")
	setDuration(&cfg.Center.SuspectAfter, "CRAWLFLEET_SUSPECT_AFTER")
	setDuration(&cfg.Center.SweepInterval, "CRAWLFLEET_SWEEP_INTERVAL")
	setDuration(&cfg.Center.AssignmentTimeout, "CRAWLFLEET_ASSIGNMENT_TIMEOUT")
	setInt(&cfg.Center.MaxRetries, "CRAWLFLEET_MAX_RETRIES")
	setString(&cfg.Center.Selector, "CRAWLFLEET_SELECTOR")

	// Agent
	setString(&cfg.Agent.ID, "CRAWLFLEET_AGENT_ID")
	setDuration(&cfg.Agent.HeartbeatInterval, "CRAWLFLEET_HEARTBEAT_INTERVAL")
	setInt(&cfg.Agent.MaxConcurrency, "CRAWLFLEET_AGENT_CONCURRENCY")
	setDuration(&cfg.Agent.LeaseTTL, "CRAWLFLEET_LEASE_TTL")
	setDuration(&cfg.Agent.DrainTimeout, "CRAWLFLEET_DRAIN_TIMEOUT")
	setString(&cfg.Locker.Backend, "CRAWLFLEET_LOCKER")
	setString(&cfg.Locker.Dir, "CRAWLFLEET_LOCKER_DIR")

	// Network
	setString(&cfg.Detector.Mode, "CRAWLFLEET_DETECTOR")
	setStrings(&cfg.Detector.Endpoints, "CRAWLFLEET_DETECTOR_ENDPOINTS")
	setInt(&cfg.Detector.DownAfter, "CRAWLFLEET_DETECTOR_DOWN_AFTER")
	setInt(&cfg.Detector.UpAfter, "CRAWLFLEET_DETECTOR_UP_AFTER")
	setInt(&cfg.Redialer.MaxAttempts, "CRAWLFLEET_REDIAL_MAX_ATTEMPTS")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	switch cfg.Channel.Backend {
	case "nats":
		if cfg.NATS.URL == "" {
			return errors.New("nats.url is required")
		}
	case "memory":
	default:
		return fmt.Errorf("channel.backend %q is not supported", cfg.Channel.Backend)
	}
	if cfg.Postgres.DSN != "" && cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Rate.Burst < 1 {
		return errors.New("rate.burst must be >= 1")
	}
	if cfg.Center.HeartbeatTimeout <= 0 {
		return errors.New("center.heartbeat_timeout must be > 0")
	}
	if cfg.Center.SuspectAfter <= 0 || cfg.Center.SuspectAfter > cfg.Center.HeartbeatTimeout {
		return errors.New("center.suspect_after must be > 0 and <= center.heartbeat_timeout")
	}
	if cfg.Center.MaxRetries < 0 {
		return errors.New("center.max_retries must be >= 0")
	}
	if cfg.Center.Selector != "least_loaded" && cfg.Center.Selector != "round_robin" {
		return fmt.Errorf("center.selector %q is not supported", cfg.Center.Selector)
	}
	if cfg.Agent.HeartbeatInterval <= 0 || cfg.Agent.HeartbeatInterval >= cfg.Center.HeartbeatTimeout {
		return errors.New("agent.heartbeat_interval must be > 0 and < center.heartbeat_timeout")
	}
	if cfg.Agent.MaxConcurrency < 1 {
		return errors.New("agent.max_concurrency must be >= 1")
	}
	if cfg.Agent.LeaseTTL <= 0 {
		return errors.New("agent.lease_ttl must be > 0")
	}
	if cfg.Agent.DownloadTimeout <= 0 || cfg.Agent.DownloadTimeout >= cfg.Agent.LeaseTTL {
		return errors.New("agent.download_timeout must be > 0 and < agent.lease_ttl")
	}
	if cfg.Agent.MaxRequeues < 0 || cfg.Agent.RequeueDelay < 0 {
		return errors.New("agent.max_requeues and agent.requeue_delay must be >= 0")
	}
	// Every execution an agent may still start must end before the center
	// reroutes the assignment.
	if worst := time.Duration(cfg.Agent.MaxRequeues)*cfg.Agent.RequeueDelay + cfg.Agent.DownloadTimeout; worst >= cfg.Center.AssignmentTimeout {
		return fmt.Errorf("agent.max_requeues*agent.requeue_delay + agent.download_timeout (%s) must be < center.assignment_timeout (%s)",
			worst, cfg.Center.AssignmentTimeout)
	}
	switch cfg.Locker.Backend {
	case "memory", "natskv", "redis":
	case "file":
		if cfg.Locker.Dir == "" {
			return errors.New("locker.dir is required for the file locker")
		}
	default:
		return fmt.Errorf("locker.backend %q is not supported", cfg.Locker.Backend)
	}
	switch cfg.Detector.Mode {
	case "off":
	case "default", "dialup":
		if len(cfg.Detector.Endpoints) == 0 {
			return errors.New("detector.endpoints must not be empty")
		}
		if cfg.Detector.DownAfter < 1 || cfg.Detector.UpAfter < 1 {
			return errors.New("detector.down_after and detector.up_after must be >= 1")
		}
	default:
		return fmt.Errorf("detector.mode %q is not supported", cfg.Detector.Mode)
	}
	if cfg.Detector.Mode == "dialup" && (len(cfg.Redialer.UpCommand) == 0 || cfg.Redialer.MaxAttempts < 1) {
		return errors.New("redialer.up_command and redialer.max_attempts are required in dialup mode")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStrings(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		var out []string
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
