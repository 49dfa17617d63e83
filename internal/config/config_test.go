package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overseer.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"server": {"port": 9090}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port %d, want 9090", cfg.Server.Port)
	}
	if got := cfg.Scheduler.HeartbeatInterval.Std(); got != 5*time.Minute {
		t.Errorf("heartbeat interval %v, want 5m", got)
	}
	if got := cfg.Scheduler.TaskStalledAfter.Std(); got != 30*time.Minute {
		t.Errorf("stalled threshold %v, want 30m", got)
	}
	if got := cfg.Scheduler.AgentSilentAfter.Std(); got != 15*time.Minute {
		t.Errorf("silent threshold %v, want 15m", got)
	}
	if cfg.Scheduler.Assignment != "deterministic" {
		t.Errorf("assignment %q, want deterministic", cfg.Scheduler.Assignment)
	}
	if sum := cfg.Scheduler.Weights.Sum(); sum != 1.0 {
		t.Errorf("default weights sum %v, want 1.0", sum)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("OVERSEER_TEST_DSN", "postgres://real")
	path := writeConfig(t, `{
		"database": {
			"postgres": {"dsn": "${OVERSEER_TEST_DSN:postgres://fallback}"},
			"redis": {"url": "${OVERSEER_TEST_MISSING:redis://fallback}"}
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.Postgres.DSN != "postgres://real" {
		t.Errorf("dsn %q, want env value", cfg.Database.Postgres.DSN)
	}
	if cfg.Database.Redis.URL != "redis://fallback" {
		t.Errorf("redis url %q, want fallback", cfg.Database.Redis.URL)
	}
}

func TestLoadDurationForms(t *testing.T) {
	path := writeConfig(t, `{
		"scheduler": {
			"heartbeat_interval": "90s",
			"task_stalled_after": 600
		}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := cfg.Scheduler.HeartbeatInterval.Std(); got != 90*time.Second {
		t.Errorf("heartbeat %v, want 90s", got)
	}
	if got := cfg.Scheduler.TaskStalledAfter.Std(); got != 10*time.Minute {
		t.Errorf("stalled %v, want 10m (600s)", got)
	}
}

func TestLoadRejectsBadWeights(t *testing.T) {
	path := writeConfig(t, `{
		"scheduler": {
			"weights": {"success": 0.5, "speed": 0.5, "reliability": 0.5, "confidence": 0.5}
		}
	}`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected weight validation error")
	}
	if !errors.Is(err, ErrInvalidWeights) {
		t.Fatalf("error %v, want ErrInvalidWeights", err)
	}
}

func TestLoadRejectsUnknownAssignment(t *testing.T) {
	path := writeConfig(t, `{"scheduler": {"assignment": "roulette"}}`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected assignment mode error")
	}
}
