// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Session.IdleTimeoutSecs != 1800 {
		t.Errorf("expected 1800s idle timeout, got %d", cfg.Session.IdleTimeoutSecs)
	}
	if cfg.Session.AbsoluteLifetimeHours != 12 {
		t.Errorf("expected 12h absolute lifetime, got %d", cfg.Session.AbsoluteLifetimeHours)
	}
	if cfg.Session.MaxSessionsPerUser != 5 {
		t.Errorf("expected 5 max sessions, got %d", cfg.Session.MaxSessionsPerUser)
	}
	if cfg.MFA.BackupCodeCount != 10 {
		t.Errorf("expected 10 backup codes, got %d", cfg.MFA.BackupCodeCount)
	}
	if !cfg.Lockout.Enabled {
		t.Error("expected lockout enabled by default")
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLockoutLevelDuration(t *testing.T) {
	cfg := Default()

	tests := []struct {
		level int
		want  time.Duration
	}{
		{0, 0},
		{1, 1 * time.Minute},
		{2, 15 * time.Minute},
		{3, 60 * time.Minute},
		{4, 24 * time.Hour},
		// Levels past the table use the highest duration
		{5, 24 * time.Hour},
		{100, 24 * time.Hour},
	}

	for _, tt := range tests {
		got := cfg.Lockout.LevelDuration(tt.level)
		if got != tt.want {
			t.Errorf("LevelDuration(%d) = %v, want %v", tt.level, got, tt.want)
		}
	}
}

func TestValidateMonotonicDurations(t *testing.T) {
	cfg := Default()
	cfg.Lockout.LevelDurationMinutes = []int{15, 1, 60}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error for decreasing durations")
	}
}

func TestValidateSessionBounds(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"idle too short", func(c *Config) { c.Session.IdleTimeoutSecs = 30 }, false},
		{"zero max sessions", func(c *Config) { c.Session.MaxSessionsPerUser = -1 }, false},
		{"lifetime shorter than idle", func(c *Config) {
			c.Session.IdleTimeoutSecs = 7200
			c.Session.AbsoluteLifetimeHours = 1
		}, false},
		{"empty issuer", func(c *Config) { c.MFA.Issuer = "" }, false},
		{"too many backup codes", func(c *Config) { c.MFA.BackupCodeCount = 50 }, false},
		{"bad similarity threshold", func(c *Config) { c.Detection.UASimilarityThreshold = 1.5 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestSetDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.SetDefaults()

	if cfg.Session.IdleTimeoutSecs != 1800 {
		t.Errorf("expected default idle timeout, got %d", cfg.Session.IdleTimeoutSecs)
	}
	if len(cfg.Lockout.LevelDurationMinutes) != 4 {
		t.Errorf("expected 4 default lockout levels, got %d", len(cfg.Lockout.LevelDurationMinutes))
	}
	if cfg.MFA.Issuer != "DinoAir" {
		t.Errorf("expected default issuer, got %q", cfg.MFA.Issuer)
	}
}

func TestSetDefaultsPreservesExisting(t *testing.T) {
	cfg := &Config{}
	cfg.Session.MaxSessionsPerUser = 3
	cfg.MFA.Issuer = "Custom"
	cfg.SetDefaults()

	if cfg.Session.MaxSessionsPerUser != 3 {
		t.Errorf("expected 3 to be preserved, got %d", cfg.Session.MaxSessionsPerUser)
	}
	if cfg.MFA.Issuer != "Custom" {
		t.Errorf("expected Custom to be preserved, got %q", cfg.MFA.Issuer)
	}
}

func TestSaveAndLoadTOMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.toml")

	cfg := Default()
	cfg.Session.MaxSessionsPerUser = 7
	cfg.MFA.Issuer = "RoundTrip"

	if err := SaveTOML(cfg, path); err != nil {
		t.Fatalf("SaveTOML failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if loaded.Session.MaxSessionsPerUser != 7 {
		t.Errorf("expected 7 max sessions after round trip, got %d", loaded.Session.MaxSessionsPerUser)
	}
	if loaded.MFA.Issuer != "RoundTrip" {
		t.Errorf("expected RoundTrip issuer, got %q", loaded.MFA.Issuer)
	}

	// Config files must not be world-readable
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat failed: %v", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		t.Errorf("config file too permissive: %v", info.Mode().Perm())
	}
}

func TestSaveAndLoadJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "security.json")

	cfg := Default()
	cfg.Lockout.LevelDurationMinutes = []int{5, 10, 30, 120}

	if err := SaveJSON(cfg, path); err != nil {
		t.Fatalf("SaveJSON failed: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if loaded.Lockout.LevelDuration(4) != 2*time.Hour {
		t.Errorf("expected 2h at level 4, got %v", loaded.Lockout.LevelDuration(4))
	}
}

func TestLoadFromPathUnsupportedFormat(t *testing.T) {
	if _, err := LoadFromPath("/tmp/config.yaml"); err == nil {
		t.Error("expected error for unsupported format")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"MAX_SESSIONS_PER_USER", "9")
	t.Setenv(EnvPrefix+"MFA_ISSUER", "EnvIssuer")
	t.Setenv(EnvPrefix+"LOCKOUT_ENABLED", "false")

	cfg := Default()
	cfg.applyEnvOverrides()

	if cfg.Session.MaxSessionsPerUser != 9 {
		t.Errorf("expected env override 9, got %d", cfg.Session.MaxSessionsPerUser)
	}
	if cfg.MFA.Issuer != "EnvIssuer" {
		t.Errorf("expected env issuer, got %q", cfg.MFA.Issuer)
	}
	if cfg.Lockout.Enabled {
		t.Error("expected lockout disabled via env")
	}
}

func TestEnvOverridesIgnoreMalformed(t *testing.T) {
	t.Setenv(EnvPrefix+"MAX_SESSIONS_PER_USER", "not-a-number")

	cfg := Default()
	cfg.applyEnvOverrides()

	if cfg.Session.MaxSessionsPerUser != 5 {
		t.Errorf("malformed env var should be ignored, got %d", cfg.Session.MaxSessionsPerUser)
	}
}
