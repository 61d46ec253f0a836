package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "forgecrew.yaml"

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
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
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
	setString(&cfg.Server.Port, "FORGECREW_PORT")
	setString(&cfg.Server.CORSOrigin, "FORGECREW_CORS_ORIGIN")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "FORGECREW_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "FORGECREW_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "FORGECREW_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "FORGECREW_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "FORGECREW_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "FORGECREW_LOG_LEVEL")
	setString(&cfg.Logging.Service, "FORGECREW_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "FORGECREW_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "FORGECREW_BREAKER_TIMEOUT")
	setFloat64(&cfg.Budget.TaskCeilingUSD, "FORGECREW_BUDGET_CEILING_USD")
	setFloat64(&cfg.Budget.WarnFraction, "FORGECREW_BUDGET_WARN_FRACTION")
	setFloat64(&cfg.Budget.DefaultEstimate, "FORGECREW_BUDGET_DEFAULT_ESTIMATE")
	setInt(&cfg.Retry.MaxAttempts, "FORGECREW_RETRY_MAX_ATTEMPTS")
	setDuration(&cfg.Retry.InitialDelay, "FORGECREW_RETRY_INITIAL_DELAY")
	setDuration(&cfg.Retry.MaxDelay, "FORGECREW_RETRY_MAX_DELAY")
	setInt(&cfg.Supervisor.CheckInterval, "FORGECREW_SUP_CHECK_INTERVAL")
	setInt(&cfg.Supervisor.ReadStallMinReads, "FORGECREW_SUP_READ_STALL_MIN_READS")
	setInt(&cfg.Supervisor.ReadStallTurn, "FORGECREW_SUP_READ_STALL_TURN")
	setInt(&cfg.Supervisor.FatalReadRatio, "FORGECREW_SUP_FATAL_READ_RATIO")
	setInt(&cfg.Supervisor.WarnReadRatio, "FORGECREW_SUP_WARN_READ_RATIO")
	setInt(&cfg.Supervisor.RatioTurn, "FORGECREW_SUP_RATIO_TURN")
	setInt(&cfg.Supervisor.IdleWarnTurns, "FORGECREW_SUP_IDLE_WARN_TURNS")
	setInt(&cfg.Supervisor.IdleFatalTurns, "FORGECREW_SUP_IDLE_FATAL_TURNS")
	setInt(&cfg.Supervisor.NoopCheckInterval, "FORGECREW_SUP_NOOP_CHECK_INTERVAL")
	setInt(&cfg.Supervisor.NoopCheckStartTurn, "FORGECREW_SUP_NOOP_CHECK_START_TURN")
	setInt(&cfg.Supervisor.NoopFatalTurn, "FORGECREW_SUP_NOOP_FATAL_TURN")
	setDuration(&cfg.Supervisor.WallClockLimit, "FORGECREW_SUP_WALL_CLOCK_LIMIT")
	setDuration(&cfg.Pipeline.PhaseDelay, "FORGECREW_PHASE_DELAY")
	setInt(&cfg.Pipeline.CompactionCutoff, "FORGECREW_COMPACTION_CUTOFF")
	setInt(&cfg.Pipeline.SchemaRepairLimit, "FORGECREW_SCHEMA_REPAIR_LIMIT")
	setInt(&cfg.Pipeline.FixerRounds, "FORGECREW_FIXER_ROUNDS")
	setInt(&cfg.Pipeline.MaxTeamParallel, "FORGECREW_MAX_TEAM_PARALLEL")
	setInt64(&cfg.Cache.MaxSizeMB, "FORGECREW_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "FORGECREW_CACHE_TTL")
	setString(&cfg.Workspace.Root, "FORGECREW_WORKSPACE_ROOT")
	setInt(&cfg.Workspace.MaxConcurrent, "FORGECREW_WORKSPACE_MAX_CONCURRENT")
	setString(&cfg.Workspace.TestCommand, "FORGECREW_TEST_COMMAND")
	setString(&cfg.Credential.SealKey, "FORGECREW_CREDENTIAL_SEAL_KEY")
	setString(&cfg.Credential.FallbackEnv, "FORGECREW_CREDENTIAL_FALLBACK_ENV")
	setString(&cfg.Agent.Command, "FORGECREW_AGENT_COMMAND")
	setString(&cfg.Agent.ModelID, "FORGECREW_AGENT_MODEL")
	setString(&cfg.Agent.ReviewModelID, "FORGECREW_AGENT_REVIEW_MODEL")
	setDuration(&cfg.Agent.ExecuteTimeout, "FORGECREW_AGENT_EXECUTE_TIMEOUT")
	setBool(&cfg.Otel.Enabled, "FORGECREW_OTEL_ENABLED")
	setString(&cfg.Otel.Endpoint, "FORGECREW_OTEL_ENDPOINT")
	setBool(&cfg.Otel.Insecure, "FORGECREW_OTEL_INSECURE")
	setFloat64(&cfg.Otel.SampleRate, "FORGECREW_OTEL_SAMPLE_RATE")
}

// validate rejects configurations that would break invariants at runtime.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server port must not be empty")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres dsn must not be empty")
	}
	if cfg.Budget.TaskCeilingUSD <= 0 {
		return errors.New("budget ceiling must be positive")
	}
	if cfg.Budget.WarnFraction <= 0 || cfg.Budget.WarnFraction > 1 {
		return errors.New("budget warn fraction must be in (0, 1]")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return errors.New("retry max attempts must be at least 1")
	}
	if cfg.Supervisor.CheckInterval < 1 {
		return errors.New("supervisor check interval must be at least 1 turn")
	}
	if cfg.Supervisor.WallClockLimit <= 0 {
		return errors.New("supervisor wall clock limit must be positive")
	}
	if cfg.Supervisor.IdleWarnTurns > cfg.Supervisor.IdleFatalTurns {
		return errors.New("supervisor idle warn turns must not exceed fatal turns")
	}
	if cfg.Pipeline.FixerRounds < 0 {
		return errors.New("fixer rounds must not be negative")
	}
	if cfg.Pipeline.MaxTeamParallel < 1 {
		return errors.New("max team parallel must be at least 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
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

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
