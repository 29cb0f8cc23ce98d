package config

import (
	"log/slog"
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		"PBX_ADDR", "PBX_ADMIN_ADDR", "PBX_MAX_EXTENSIONS",
		"PBX_LOG_LEVEL", "PBX_LOG_FORMAT", "PBX_ACCEPT_RATE",
		"PBX_ACCEPT_BURST", "PBX_ADMIN_CORS_ORIGINS",
	} {
		t.Setenv(env, "")
		os.Unsetenv(env)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != defaultAddr {
		t.Errorf("Addr = %q, want %q", cfg.Addr, defaultAddr)
	}
	if cfg.AdminAddr != defaultAdminAddr {
		t.Errorf("AdminAddr = %q, want %q", cfg.AdminAddr, defaultAdminAddr)
	}
	if cfg.MaxExtensions != defaultMaxExtensions {
		t.Errorf("MaxExtensions = %d, want %d", cfg.MaxExtensions, defaultMaxExtensions)
	}
	if cfg.LogLevel != defaultLogLevel {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, defaultLogLevel)
	}
	if cfg.LogFormat != defaultLogFormat {
		t.Errorf("LogFormat = %q, want %q", cfg.LogFormat, defaultLogFormat)
	}
	if cfg.AcceptRate != defaultAcceptRate {
		t.Errorf("AcceptRate = %v, want %v", cfg.AcceptRate, defaultAcceptRate)
	}
	if cfg.AcceptBurst != defaultAcceptBurst {
		t.Errorf("AcceptBurst = %d, want %d", cfg.AcceptBurst, defaultAcceptBurst)
	}
	if cfg.AdminEnabled() {
		t.Error("AdminEnabled() = true, want false with no admin-addr set")
	}
}

func TestEnvVarOverride(t *testing.T) {
	clearEnv(t)
	t.Setenv("PBX_ADDR", ":6000")
	t.Setenv("PBX_MAX_EXTENSIONS", "50")
	t.Setenv("PBX_LOG_LEVEL", "debug")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != ":6000" {
		t.Errorf("Addr = %q, want :6000", cfg.Addr)
	}
	if cfg.MaxExtensions != 50 {
		t.Errorf("MaxExtensions = %d, want 50", cfg.MaxExtensions)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
}

func TestCLIFlagsPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("PBX_ADDR", ":6000")
	t.Setenv("PBX_LOG_LEVEL", "debug")

	cfg, err := Load([]string{"--addr", ":7000", "--log-level", "warn"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Addr != ":7000" {
		t.Errorf("Addr = %q, want :7000 (CLI should override env)", cfg.Addr)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (CLI should override env)", cfg.LogLevel)
	}
}

func TestAdminEnabledWithAddr(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"--admin-addr", ":9091"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AdminEnabled() {
		t.Error("AdminEnabled() = false, want true when admin-addr is set")
	}
}

func TestValidateInvalidMaxExtensions(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--max-extensions", "0"})
	if err == nil {
		t.Fatal("expected error for max-extensions=0, got nil")
	}
}

func TestValidateInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--log-level", "verbose"})
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
}

func TestValidateInvalidLogFormat(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--log-format", "xml"})
	if err == nil {
		t.Fatal("expected error for invalid log format, got nil")
	}
}

func TestValidateNegativeAcceptRate(t *testing.T) {
	clearEnv(t)
	_, err := Load([]string{"--accept-rate", "-1"})
	if err == nil {
		t.Fatal("expected error for negative accept-rate, got nil")
	}
}

func TestCORSOriginList(t *testing.T) {
	cfg := &Config{AdminCORSOrigins: " https://a.example , https://b.example ,"}
	got := cfg.CORSOriginList()
	want := []string{"https://a.example", "https://b.example"}
	if len(got) != len(want) {
		t.Fatalf("CORSOriginList() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("CORSOriginList()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCORSOriginListEmpty(t *testing.T) {
	cfg := &Config{}
	if got := cfg.CORSOriginList(); got != nil {
		t.Errorf("CORSOriginList() = %v, want nil", got)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}
