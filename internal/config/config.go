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

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type ChessEngineConfig struct {
	StockfishPath string `yaml:"stockfish_path"`
	SkillLevel    int    `yaml:"skill_level"`
	Depth         int    `yaml:"depth"`
	TimeLimitMS   int    `yaml:"time_limit_ms"`
	PoolSize      int    `yaml:"pool_size"`
}

type RetryConfig struct {
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialDelayMS  int     `yaml:"initial_delay_ms"`
	MaxDelayMS      int     `yaml:"max_delay_ms"`
	ExponentialBase float64 `yaml:"exponential_base"`
	Jitter          bool    `yaml:"jitter"`
}

type SchedulerConfig struct {
	Enabled        bool   `yaml:"enabled"`
	CronExpression string `yaml:"cron_expression"`
	RunOnStartup   bool   `yaml:"run_on_startup"`
	LeaseSeconds   int    `yaml:"lease_seconds"`
}

type SessionConfig struct {
	TTLSeconds      int `yaml:"ttl_seconds"`
	LockWaitMS      int `yaml:"lock_wait_ms"`
	PuzzleTTLSecond int `yaml:"puzzle_ttl_seconds"`
}

type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Redis       RedisConfig       `yaml:"redis"`
	Database    DatabaseConfig    `yaml:"database"`
	ChessEngine ChessEngineConfig `yaml:"chess_engine"`
	Retry       RetryConfig       `yaml:"retry"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Session     SessionConfig     `yaml:"session"`
}

func defaults() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{Addr: ":8080"},
		ChessEngine: ChessEngineConfig{
			StockfishPath: "/usr/bin/stockfish",
			SkillLevel:    10,
			Depth:         15,
			TimeLimitMS:   2000,
			PoolSize:      2,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialDelayMS:  1000,
			MaxDelayMS:      60000,
			ExponentialBase: 2.0,
			Jitter:          true,
		},
		Scheduler: SchedulerConfig{
			Enabled:        true,
			CronExpression: "0 */6 * * *",
			RunOnStartup:   true,
			LeaseSeconds:   300,
		},
		Session: SessionConfig{
			TTLSeconds:      24 * 3600,
			LockWaitMS:      5000,
			PuzzleTTLSecond: 6 * 3600,
		},
	}
}

// Load reads the YAML config file (path from SANTRAC_CONFIG, falling back to
// ./config.yaml when present) and then applies env overrides on top, so a
// containerized deploy can run without any file at all.
func Load() (*AppConfig, error) {
	cfg := defaults()

	path := strings.TrimSpace(os.Getenv("SANTRAC_CONFIG"))
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *AppConfig) {
	setString(&cfg.Server.Addr, "SERVER_ADDR")
	setString(&cfg.Redis.URL, "REDIS_URL")
	setString(&cfg.Database.URL, "DATABASE_URL")

	setString(&cfg.ChessEngine.StockfishPath, "STOCKFISH_PATH")
	setInt(&cfg.ChessEngine.SkillLevel, "CHESS_SKILL_LEVEL")
	setInt(&cfg.ChessEngine.Depth, "CHESS_DEPTH")
	setInt(&cfg.ChessEngine.TimeLimitMS, "CHESS_TIME_LIMIT_MS")
	setInt(&cfg.ChessEngine.PoolSize, "CHESS_ENGINE_POOL_SIZE")

	setInt(&cfg.Retry.MaxAttempts, "RETRY_MAX_ATTEMPTS")
	setInt(&cfg.Retry.InitialDelayMS, "RETRY_INITIAL_DELAY_MS")
	setInt(&cfg.Retry.MaxDelayMS, "RETRY_MAX_DELAY_MS")

	setBool(&cfg.Scheduler.Enabled, "SCHEDULER_ENABLED")
	setString(&cfg.Scheduler.CronExpression, "SCHEDULER_CRON")
	setBool(&cfg.Scheduler.RunOnStartup, "SCHEDULER_RUN_ON_STARTUP")
	setInt(&cfg.Scheduler.LeaseSeconds, "SCHEDULER_LEASE_SECONDS")

	setInt(&cfg.Session.TTLSeconds, "SESSION_TTL")
	setInt(&cfg.Session.LockWaitMS, "SESSION_LOCK_WAIT_MS")
	setInt(&cfg.Session.PuzzleTTLSecond, "PUZZLE_TTL")
}

func (c *AppConfig) Validate() error {
	if c.Redis.URL == "" {
		return errors.New("redis.url (REDIS_URL) is required")
	}
	if c.ChessEngine.SkillLevel < 0 || c.ChessEngine.SkillLevel > 20 {
		return fmt.Errorf("chess_engine.skill_level %d out of range 0-20", c.ChessEngine.SkillLevel)
	}
	if c.ChessEngine.Depth < 1 || c.ChessEngine.Depth > 30 {
		return fmt.Errorf("chess_engine.depth %d out of range 1-30", c.ChessEngine.Depth)
	}
	if c.ChessEngine.TimeLimitMS < 100 || c.ChessEngine.TimeLimitMS > 30000 {
		return fmt.Errorf("chess_engine.time_limit_ms %d out of range 100-30000", c.ChessEngine.TimeLimitMS)
	}
	if c.Retry.MaxAttempts < 1 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("retry.max_attempts %d out of range 1-10", c.Retry.MaxAttempts)
	}
	if c.Scheduler.Enabled && strings.TrimSpace(c.Scheduler.CronExpression) == "" {
		return errors.New("scheduler.cron_expression is required when the scheduler is enabled")
	}
	return nil
}

// Millis converts a millisecond count from config into a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.Session.TTLSeconds) * time.Second
}

func (c *AppConfig) PuzzleTTL() time.Duration {
	return time.Duration(c.Session.PuzzleTTLSecond) * time.Second
}

func (c *AppConfig) SessionLockWait() time.Duration {
	return time.Duration(c.Session.LockWaitMS) * time.Millisecond
}

func (c *AppConfig) SchedulerLease() time.Duration {
	return time.Duration(c.Scheduler.LeaseSeconds) * time.Second
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
