package config

import (
	"os"
	"path/filepath"
	"testing"
)

// envVars — все переменные окружения, которые читает loadConfig. Тесты сбрасывают
// их целиком, чтобы окружение машины не протекало в проверки.
var envVars = []string{
	"TELEGRAM_API_ID",
	"TELEGRAM_API_HASH",
	"TELEGRAM_CLI_DATA_DIR",
	"LOG_LEVEL",
	"LOG_FILE",
	"THROTTLE_RPS",
	"DEDUP_WINDOW_SEC",
	"SYNC_BATCH_SIZE",
	"TICK_INTERVAL_MS",
	"JOB_SPACING_MS",
	"SHUTDOWN_TIMEOUT_SEC",
	"TEST_DC",
	"TELEGRAM_API_RECORD",
	"TELEGRAM_API_REPLAY",
	"TELEGRAM_API_FIXTURES_DIR",
}

func resetEnv(t *testing.T) {
	t.Helper()
	for _, name := range envVars {
		t.Setenv(name, "")
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	resetEnv(t)
	t.Setenv("TELEGRAM_API_ID", "17349")
	t.Setenv("TELEGRAM_API_HASH", "0123456789abcdef0123456789abcdef")
	t.Setenv("TELEGRAM_CLI_DATA_DIR", "/srv/syncd")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	env := cfg.Env
	if env.APIID != 17349 || env.APIHash != "0123456789abcdef0123456789abcdef" {
		t.Fatalf("credentials mismatch: %+v", env)
	}
	if env.DataDir != "/srv/syncd" {
		t.Fatalf("DataDir = %q", env.DataDir)
	}
	if env.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", env.LogLevel)
	}
	if env.ThrottleRPS != 1 {
		t.Errorf("ThrottleRPS = %d, want 1", env.ThrottleRPS)
	}
	if env.DedupWindowSec != 120 {
		t.Errorf("DedupWindowSec = %d, want 120", env.DedupWindowSec)
	}
	if env.SyncBatchSize != 100 {
		t.Errorf("SyncBatchSize = %d, want 100", env.SyncBatchSize)
	}
	if env.TickIntervalMS != 1000 {
		t.Errorf("TickIntervalMS = %d, want 1000", env.TickIntervalMS)
	}
	if env.JobSpacingMS != 500 {
		t.Errorf("JobSpacingMS = %d, want 500", env.JobSpacingMS)
	}
	if env.ShutdownTimeoutSec != 30 {
		t.Errorf("ShutdownTimeoutSec = %d, want 30", env.ShutdownTimeoutSec)
	}
	if env.TestDC || env.RecordAPI || env.ReplayAPI {
		t.Errorf("boolean flags must default to false: %+v", env)
	}
	if want := filepath.Join("/srv/syncd", "fixtures", "telegram"); env.FixturesDir != want {
		t.Errorf("FixturesDir = %q, want %q", env.FixturesDir, want)
	}
	// Подставленные дефолты оставляют след в предупреждениях.
	if len(cfg.warnings) == 0 {
		t.Error("expected warnings about defaulted variables")
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	resetEnv(t)
	t.Setenv("TELEGRAM_API_ID", "2040")
	t.Setenv("TELEGRAM_API_HASH", "feedface")
	t.Setenv("TELEGRAM_CLI_DATA_DIR", "/var/lib/syncd")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("LOG_FILE", "/var/log/syncd.log")
	t.Setenv("THROTTLE_RPS", "3")
	t.Setenv("DEDUP_WINDOW_SEC", "60")
	t.Setenv("SYNC_BATCH_SIZE", "50")
	t.Setenv("TICK_INTERVAL_MS", "250")
	t.Setenv("JOB_SPACING_MS", "0")
	t.Setenv("SHUTDOWN_TIMEOUT_SEC", "5")
	t.Setenv("TEST_DC", "true")
	t.Setenv("TELEGRAM_API_REPLAY", "true")
	t.Setenv("TELEGRAM_API_FIXTURES_DIR", "/var/lib/syncd/fx")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	env := cfg.Env
	if env.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug (normalized)", env.LogLevel)
	}
	if env.LogFile != "/var/log/syncd.log" {
		t.Errorf("LogFile = %q", env.LogFile)
	}
	if env.ThrottleRPS != 3 || env.DedupWindowSec != 60 || env.SyncBatchSize != 50 {
		t.Errorf("numeric overrides lost: %+v", env)
	}
	if env.TickIntervalMS != 250 || env.JobSpacingMS != 0 || env.ShutdownTimeoutSec != 5 {
		t.Errorf("scheduler overrides lost: %+v", env)
	}
	if !env.TestDC || !env.ReplayAPI || env.RecordAPI {
		t.Errorf("boolean overrides lost: %+v", env)
	}
	if env.FixturesDir != "/var/lib/syncd/fx" {
		t.Errorf("FixturesDir = %q", env.FixturesDir)
	}
	if len(cfg.warnings) != 0 {
		t.Errorf("fully specified env must not warn, got %q", cfg.warnings)
	}
}

func TestLoadConfig_MissingCredentials(t *testing.T) {
	resetEnv(t)
	t.Setenv("TELEGRAM_CLI_DATA_DIR", "/srv/syncd")

	if _, err := loadConfig(""); err == nil {
		t.Fatal("missing TELEGRAM_API_ID must fail")
	}

	t.Setenv("TELEGRAM_API_ID", "17349")
	if _, err := loadConfig(""); err == nil {
		t.Fatal("missing TELEGRAM_API_HASH must fail")
	}
}

func TestLoadConfig_InvalidValuesFallBack(t *testing.T) {
	resetEnv(t)
	t.Setenv("TELEGRAM_API_ID", "17349")
	t.Setenv("TELEGRAM_API_HASH", "feedface")
	t.Setenv("TELEGRAM_CLI_DATA_DIR", "/srv/syncd")
	t.Setenv("LOG_LEVEL", "verbose")
	t.Setenv("THROTTLE_RPS", "0")
	t.Setenv("TICK_INTERVAL_MS", "soon")
	t.Setenv("JOB_SPACING_MS", "-1")
	t.Setenv("TELEGRAM_API_RECORD", "yep")

	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig() error: %v", err)
	}

	env := cfg.Env
	if env.LogLevel != "info" {
		t.Errorf("invalid LOG_LEVEL: got %q, want fallback info", env.LogLevel)
	}
	if env.ThrottleRPS != 1 {
		t.Errorf("THROTTLE_RPS=0 must fall back to 1, got %d", env.ThrottleRPS)
	}
	if env.TickIntervalMS != 1000 {
		t.Errorf("unparsable TICK_INTERVAL_MS must fall back to 1000, got %d", env.TickIntervalMS)
	}
	if env.JobSpacingMS != 500 {
		t.Errorf("negative JOB_SPACING_MS must fall back to 500, got %d", env.JobSpacingMS)
	}
	if env.RecordAPI {
		t.Error("unparsable TELEGRAM_API_RECORD must fall back to false")
	}
	if len(cfg.warnings) < 5 {
		t.Errorf("expected a warning per invalid variable, got %q", cfg.warnings)
	}
}

func TestLoadConfig_RecordReplayExclusive(t *testing.T) {
	resetEnv(t)
	t.Setenv("TELEGRAM_API_ID", "17349")
	t.Setenv("TELEGRAM_API_HASH", "feedface")
	t.Setenv("TELEGRAM_CLI_DATA_DIR", "/srv/syncd")
	t.Setenv("TELEGRAM_API_RECORD", "true")
	t.Setenv("TELEGRAM_API_REPLAY", "true")

	if _, err := loadConfig(""); err == nil {
		t.Fatal("record and replay together must fail")
	}
}

func TestEnvConfig_Paths(t *testing.T) {
	t.Parallel()

	env := EnvConfig{DataDir: "/srv/syncd"}
	if got := env.DataDBPath(); got != filepath.Join("/srv/syncd", "data.db") {
		t.Errorf("DataDBPath = %q", got)
	}
	if got := env.CacheDBPath(); got != filepath.Join("/srv/syncd", "cache.db") {
		t.Errorf("CacheDBPath = %q", got)
	}
	if got := env.PIDPath(); got != filepath.Join("/srv/syncd", "daemon.pid") {
		t.Errorf("PIDPath = %q", got)
	}
	if got := env.SessionDBPath(7); got != filepath.Join("/srv/syncd", "session_7.db") {
		t.Errorf("SessionDBPath = %q", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	if got := expandHome("~/mirror"); got != filepath.Join(home, "mirror") {
		t.Errorf("expandHome(~/mirror) = %q", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("absolute path must pass through, got %q", got)
	}
}
