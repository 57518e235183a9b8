package config

import (
	"os"
	"testing"
	"time"
)

func TestNew_Defaults(t *testing.T) {
	os.Unsetenv(EnvPort)
	os.Unsetenv(EnvLogLevel)
	os.Unsetenv(EnvStageTimeout)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != DefaultPort {
		t.Errorf("Port() = %d, want %d", cfg.Port(), DefaultPort)
	}
	if cfg.LogLevel() != DefaultLogLevel {
		t.Errorf("LogLevel() = %q, want %q", cfg.LogLevel(), DefaultLogLevel)
	}
	if cfg.StageTimeout() != 600*time.Second {
		t.Errorf("StageTimeout() = %v, want 600s", cfg.StageTimeout())
	}
	if cfg.CommitRetries() != DefaultCommitRetries {
		t.Errorf("CommitRetries() = %d, want %d", cfg.CommitRetries(), DefaultCommitRetries)
	}
}

func TestNew_PortFromEnv(t *testing.T) {
	os.Setenv(EnvPort, "9999")
	defer os.Unsetenv(EnvPort)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port() != 9999 {
		t.Errorf("Port() = %d, want 9999", cfg.Port())
	}
}

func TestNew_InvalidPort(t *testing.T) {
	os.Setenv(EnvPort, "not-a-port")
	defer os.Unsetenv(EnvPort)

	if _, err := New(); err == nil {
		t.Error("New() should reject invalid port")
	}

	os.Setenv(EnvPort, "70000")
	if _, err := New(); err == nil {
		t.Error("New() should reject out-of-range port")
	}
}

func TestNew_StageTimeoutFromEnv(t *testing.T) {
	os.Setenv(EnvStageTimeout, "30")
	defer os.Unsetenv(EnvStageTimeout)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.StageTimeout() != 30*time.Second {
		t.Errorf("StageTimeout() = %v, want 30s", cfg.StageTimeout())
	}
}

func TestNew_InvalidStageTimeout(t *testing.T) {
	os.Setenv(EnvStageTimeout, "0")
	defer os.Unsetenv(EnvStageTimeout)

	if _, err := New(); err == nil {
		t.Error("New() should reject non-positive stage timeout")
	}
}

func TestNew_DataDirFromEnv(t *testing.T) {
	os.Setenv(EnvDataDir, "/tmp/docforge-test")
	defer os.Unsetenv(EnvDataDir)

	cfg, err := New()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DataDir() != "/tmp/docforge-test" {
		t.Errorf("DataDir() = %q", cfg.DataDir())
	}
	if cfg.DBPath() != "/tmp/docforge-test/"+DBFilename {
		t.Errorf("DBPath() = %q", cfg.DBPath())
	}
}
