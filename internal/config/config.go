package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"time"
)

// ErrInvalidWeights is returned when the scoring weight vector does not sum to 1.0.
var ErrInvalidWeights = errors.New("scoring weights must sum to 1.0")

// Duration wraps time.Duration so JSON configs can use "5m" style values.
type Duration time.Duration

// UnmarshalJSON accepts either a duration string ("30m") or integer seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parse duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	secs, err := strconv.Atoi(string(b))
	if err != nil {
		return fmt.Errorf("parse duration %s: %w", b, err)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

// MarshalJSON renders the duration as its string form.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Notify    NotifyConfig    `json:"notify"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Scheduler SchedulerConfig `json:"scheduler"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type NotifyConfig struct {
	Slack   SlackNotifyConfig   `json:"slack"`
	Discord DiscordNotifyConfig `json:"discord"`
}

type SlackNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type DiscordNotifyConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	Channel  string `json:"channel"`
}

type SandboxConfig struct {
	RunnerURL string `json:"runner_url"`
}

// Weights is the scoring weight vector; the four components must sum to 1.0.
type Weights struct {
	Success     float64 `json:"success"`
	Speed       float64 `json:"speed"`
	Reliability float64 `json:"reliability"`
	Confidence  float64 `json:"confidence"`
}

// Sum returns the total of all weight components.
func (w Weights) Sum() float64 {
	return w.Success + w.Speed + w.Reliability + w.Confidence
}

// SchedulerConfig drives the orchestration, scoring, and health-check core.
type SchedulerConfig struct {
	HeartbeatInterval    Duration `json:"heartbeat_interval"`
	TaskStalledAfter     Duration `json:"task_stalled_after"`
	TaskLongRunningAfter Duration `json:"task_long_running_after"`
	AgentSilentAfter     Duration `json:"agent_silent_after"`
	AgentHighErrorRate   float64  `json:"agent_high_error_rate"`
	AgentMemoryPressure  float64  `json:"agent_memory_pressure"`
	BenchmarkDuration    Duration `json:"benchmark_duration"`
	DefaultTaskTimeout   Duration `json:"default_task_timeout"`
	MaxRetries           int      `json:"max_retries"`
	MaxDelegatePasses    int      `json:"max_delegate_passes"`
	Assignment           string   `json:"assignment"` // deterministic | probabilistic
	TrendWindow          int      `json:"trend_window"`
	VoteDeadline         Duration `json:"vote_deadline"`
	RateLimitPerHour     int      `json:"rate_limit_per_hour"`
	Weights              Weights  `json:"weights"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references,
// applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate fills unset fields with defaults and rejects unusable values.
// Weight validation happens here, at load time, never during scoring.
func (c *Config) Validate() error {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}

	s := &c.Scheduler
	if s.HeartbeatInterval <= 0 {
		s.HeartbeatInterval = Duration(5 * time.Minute)
	}
	if s.TaskStalledAfter <= 0 {
		s.TaskStalledAfter = Duration(30 * time.Minute)
	}
	if s.TaskLongRunningAfter <= 0 {
		s.TaskLongRunningAfter = Duration(120 * time.Minute)
	}
	if s.AgentSilentAfter <= 0 {
		s.AgentSilentAfter = Duration(15 * time.Minute)
	}
	if s.AgentHighErrorRate <= 0 {
		s.AgentHighErrorRate = 0.3
	}
	if s.AgentMemoryPressure <= 0 {
		s.AgentMemoryPressure = 0.9
	}
	if s.BenchmarkDuration <= 0 {
		s.BenchmarkDuration = Duration(30 * time.Minute)
	}
	if s.DefaultTaskTimeout <= 0 {
		s.DefaultTaskTimeout = Duration(30 * time.Minute)
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = 3
	}
	if s.MaxDelegatePasses <= 0 {
		s.MaxDelegatePasses = 5
	}
	if s.TrendWindow <= 0 {
		s.TrendWindow = 7
	}
	if s.VoteDeadline <= 0 {
		s.VoteDeadline = Duration(10 * time.Minute)
	}
	if s.RateLimitPerHour <= 0 {
		s.RateLimitPerHour = 10
	}

	switch s.Assignment {
	case "":
		s.Assignment = "deterministic"
	case "deterministic", "probabilistic":
	default:
		return fmt.Errorf("unknown assignment mode %q", s.Assignment)
	}

	if s.Weights == (Weights{}) {
		s.Weights = Weights{Success: 0.4, Speed: 0.2, Reliability: 0.2, Confidence: 0.2}
	}
	if math.Abs(s.Weights.Sum()-1.0) > 0.001 {
		return fmt.Errorf("%w: got %.3f", ErrInvalidWeights, s.Weights.Sum())
	}
	return nil
}
