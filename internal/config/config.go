// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for the
// account security subsystem.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Every policy constant of the subsystem lives here rather than being
// hard-coded: session timeouts and caps, lockout escalation durations, MFA
// issuer settings, and the audit log location. Deployments tune these
// without code changes.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete subsystem configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	// Session lifecycle policy
	Session SessionConfig `toml:"session" json:"session"`

	// Lockout escalation policy
	Lockout LockoutConfig `toml:"lockout" json:"lockout"`

	// Multi-factor authentication policy
	MFA MFAConfig `toml:"mfa" json:"mfa"`

	// Audit log settings
	Audit AuditConfig `toml:"audit" json:"audit"`

	// Suspicious-activity detection settings
	Detection DetectionConfig `toml:"detection" json:"detection"`
}

// SessionConfig holds session lifecycle policy.
type SessionConfig struct {
	// IdleTimeoutSecs is the sliding inactivity timeout in seconds.
	// Each validated request extends the session by this much.
	IdleTimeoutSecs int `toml:"idle_timeout_secs" json:"idle_timeout_secs"`

	// AbsoluteLifetimeHours caps the total session lifetime regardless of
	// activity. Sliding refresh never extends a session past
	// created_at + this duration.
	AbsoluteLifetimeHours int `toml:"absolute_lifetime_hours" json:"absolute_lifetime_hours"`

	// MaxSessionsPerUser limits concurrently active sessions per user.
	// Creating a session at the cap evicts the oldest active session.
	MaxSessionsPerUser int `toml:"max_sessions_per_user" json:"max_sessions_per_user"`
}

// IdleTimeout returns the sliding timeout as a time.Duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// AbsoluteLifetime returns the absolute lifetime cap as a time.Duration.
func (s SessionConfig) AbsoluteLifetime() time.Duration {
	return time.Duration(s.AbsoluteLifetimeHours) * time.Hour
}

// LockoutConfig holds progressive lockout policy.
//
// The escalation step function (attempt count -> level) is fixed in the
// lockout package; only the per-level durations are policy.
type LockoutConfig struct {
	// Enabled turns lockout tracking on or off.
	Enabled bool `toml:"enabled" json:"enabled"`

	// LevelDurationMinutes maps lockout level (1-based index) to lock
	// duration in minutes. Must be monotonically non-decreasing.
	LevelDurationMinutes []int `toml:"level_duration_minutes" json:"level_duration_minutes"`
}

// LevelDuration returns the lock duration for the given level (>= 1).
// Levels past the end of the configured table use the last entry.
func (l LockoutConfig) LevelDuration(level int) time.Duration {
	if level < 1 || len(l.LevelDurationMinutes) == 0 {
		return 0
	}
	idx := level - 1
	if idx >= len(l.LevelDurationMinutes) {
		idx = len(l.LevelDurationMinutes) - 1
	}
	return time.Duration(l.LevelDurationMinutes[idx]) * time.Minute
}

// MFAConfig holds multi-factor authentication policy.
type MFAConfig struct {
	// Issuer is embedded in TOTP provisioning URLs so authenticator apps
	// label the account correctly.
	Issuer string `toml:"issuer" json:"issuer"`

	// BackupCodeCount is the number of single-use backup codes issued with
	// each TOTP secret.
	BackupCodeCount int `toml:"backup_code_count" json:"backup_code_count"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	// Enabled turns the file mirror of the audit trail on or off. Events
	// are always appended to the backing store regardless.
	Enabled bool `toml:"enabled" json:"enabled"`

	// LogPath is the location of the append-only audit log file mirror.
	// Empty uses the default under the data directory.
	LogPath string `toml:"log_path" json:"log_path"`

	// MaxFileSizeMB is the size threshold for rotating the log file mirror.
	MaxFileSizeMB int `toml:"max_file_size_mb" json:"max_file_size_mb"`
}

// DetectionConfig holds suspicious-activity detection thresholds.
type DetectionConfig struct {
	// UASimilarityThreshold is the minimum user-agent similarity score
	// (0.0-1.0) below which a validated request is flagged suspicious.
	UASimilarityThreshold float64 `toml:"ua_similarity_threshold" json:"ua_similarity_threshold"`

	// UAMinLength is the minimum user-agent length for similarity scoring
	// to be meaningful; shorter strings fall back to the coarse heuristic.
	UAMinLength int `toml:"ua_min_length" json:"ua_min_length"`

	// UALengthDeltaMax is the length difference, in the coarse heuristic,
	// above which two user agents are considered distinct.
	UALengthDeltaMax int `toml:"ua_length_delta_max" json:"ua_length_delta_max"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "DINOAIR_SECURITY_"

// Default returns the built-in default configuration.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Session: SessionConfig{
			IdleTimeoutSecs:       1800, // 30 minutes sliding
			AbsoluteLifetimeHours: 12,   // hard cap regardless of activity
			MaxSessionsPerUser:    5,
		},

		Lockout: LockoutConfig{
			Enabled: true,
			// Levels 1-4: escalating durations, non-decreasing.
			LevelDurationMinutes: []int{1, 15, 60, 1440},
		},

		MFA: MFAConfig{
			Issuer:          "DinoAir",
			BackupCodeCount: 10,
		},

		Audit: AuditConfig{
			Enabled:       true,
			LogPath:       "",
			MaxFileSizeMB: 10,
		},

		Detection: DetectionConfig{
			UASimilarityThreshold: 0.5,
			UAMinLength:           10,
			UALengthDeltaMax:      20,
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the subsystem configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".dinoair"), nil
}

// ConfigPathTOML returns the path to the TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "security.toml"), nil
}

// ConfigPathJSON returns the path to the JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "security.json"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load loads configuration with the following precedence:
//  1. TOML config file (~/.dinoair/security.toml)
//  2. JSON config file (~/.dinoair/security.json)
//  3. Built-in defaults
//
// Environment variable overrides are applied after file loading, and the
// result is validated before being returned.
func Load() (*Config, error) {
	cfg := Default()

	if tomlPath, err := ConfigPathTOML(); err == nil {
		if _, statErr := os.Stat(tomlPath); statErr == nil {
			if err := LoadTOML(cfg, tomlPath); err != nil {
				return nil, err
			}
			return finishLoad(cfg)
		}
	}

	if jsonPath, err := ConfigPathJSON(); err == nil {
		if _, statErr := os.Stat(jsonPath); statErr == nil {
			if err := LoadJSON(cfg, jsonPath); err != nil {
				return nil, err
			}
			return finishLoad(cfg)
		}
	}

	return finishLoad(cfg)
}

// LoadFromPath loads configuration from an explicit path. The format is
// chosen by file extension (.toml or .json).
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := LoadTOML(cfg, path); err != nil {
			return nil, err
		}
	case ".json":
		if err := LoadJSON(cfg, path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported config format: %s", path)
	}

	return finishLoad(cfg)
}

// finishLoad applies env overrides, defaults and validation.
func finishLoad(cfg *Config) (*Config, error) {
	cfg.applyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML loads configuration from a TOML file into cfg.
func LoadTOML(cfg *Config, path string) error {
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
	}
	return nil
}

// LoadJSON loads configuration from a JSON file into cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse JSON config %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies DINOAIR_SECURITY_* environment variables on top
// of the loaded configuration. Unparseable values are ignored so a bad env
// var cannot take down the subsystem at startup.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv(EnvPrefix + "SESSION_IDLE_TIMEOUT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.IdleTimeoutSecs = n
		}
	}
	if v := os.Getenv(EnvPrefix + "SESSION_ABSOLUTE_LIFETIME_HOURS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.AbsoluteLifetimeHours = n
		}
	}
	if v := os.Getenv(EnvPrefix + "MAX_SESSIONS_PER_USER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Session.MaxSessionsPerUser = n
		}
	}
	if v := os.Getenv(EnvPrefix + "LOCKOUT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Lockout.Enabled = b
		}
	}
	if v := os.Getenv(EnvPrefix + "MFA_ISSUER"); v != "" {
		c.MFA.Issuer = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIT_LOG_PATH"); v != "" {
		c.Audit.LogPath = v
	}
	if v := os.Getenv(EnvPrefix + "AUDIT_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Audit.Enabled = b
		}
	}
}

// =============================================================================
// SAVING
// =============================================================================

// Save persists the configuration to the default TOML path.
func Save(cfg *Config) error {
	path, err := ConfigPathTOML()
	if err != nil {
		return err
	}
	return SaveTOML(cfg, path)
}

// SaveTOML saves the configuration to a TOML file with restrictive
// permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf strings.Builder
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode TOML config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFileWithDir(path, []byte(buf.String()), 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file with restrictive
// permissions.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode JSON config: %w", err)
	}

	if err := util.AtomicWriteFileWithDir(path, data, 0600, 0700); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	msgs := make([]string, len(e))
	for i, err := range e {
		msgs[i] = err.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	// Session settings
	if c.Session.IdleTimeoutSecs < 60 {
		errs = append(errs, ValidationError{
			Field:   "session.idle_timeout_secs",
			Message: fmt.Sprintf("must be at least 60 seconds, got %d", c.Session.IdleTimeoutSecs),
		})
	}
	if c.Session.AbsoluteLifetimeHours < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.absolute_lifetime_hours",
			Message: fmt.Sprintf("must be at least 1 hour, got %d", c.Session.AbsoluteLifetimeHours),
		})
	}
	if c.Session.AbsoluteLifetime() < c.Session.IdleTimeout() {
		errs = append(errs, ValidationError{
			Field:   "session.absolute_lifetime_hours",
			Message: "absolute lifetime must not be shorter than the idle timeout",
		})
	}
	if c.Session.MaxSessionsPerUser < 1 {
		errs = append(errs, ValidationError{
			Field:   "session.max_sessions_per_user",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Session.MaxSessionsPerUser),
		})
	}

	// Lockout settings
	// SECURITY: Escalation durations must never shrink as the level rises;
	// a shorter lock at a higher level would reward repeated abuse.
	if len(c.Lockout.LevelDurationMinutes) == 0 {
		errs = append(errs, ValidationError{
			Field:   "lockout.level_duration_minutes",
			Message: "at least one lockout level duration is required",
		})
	}
	for i := 1; i < len(c.Lockout.LevelDurationMinutes); i++ {
		if c.Lockout.LevelDurationMinutes[i] < c.Lockout.LevelDurationMinutes[i-1] {
			errs = append(errs, ValidationError{
				Field:   "lockout.level_duration_minutes",
				Message: fmt.Sprintf("durations must be non-decreasing, level %d (%dm) < level %d (%dm)", i+1, c.Lockout.LevelDurationMinutes[i], i, c.Lockout.LevelDurationMinutes[i-1]),
			})
			break
		}
	}
	for i, m := range c.Lockout.LevelDurationMinutes {
		if m < 1 {
			errs = append(errs, ValidationError{
				Field:   "lockout.level_duration_minutes",
				Message: fmt.Sprintf("level %d duration must be at least 1 minute, got %d", i+1, m),
			})
			break
		}
	}

	// MFA settings
	if c.MFA.Issuer == "" {
		errs = append(errs, ValidationError{
			Field:   "mfa.issuer",
			Message: "issuer is required for TOTP provisioning URLs",
		})
	}
	if c.MFA.BackupCodeCount < 1 || c.MFA.BackupCodeCount > 20 {
		errs = append(errs, ValidationError{
			Field:   "mfa.backup_code_count",
			Message: fmt.Sprintf("must be 1-20, got %d", c.MFA.BackupCodeCount),
		})
	}

	// Audit settings
	if c.Audit.MaxFileSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "audit.max_file_size_mb",
			Message: fmt.Sprintf("must be at least 1, got %d", c.Audit.MaxFileSizeMB),
		})
	}

	// Detection settings
	if c.Detection.UASimilarityThreshold < 0 || c.Detection.UASimilarityThreshold > 1 {
		errs = append(errs, ValidationError{
			Field:   "detection.ua_similarity_threshold",
			Message: fmt.Sprintf("must be between 0.0 and 1.0, got %f", c.Detection.UASimilarityThreshold),
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero-value fields from the built-in defaults.
func (c *Config) SetDefaults() {
	defaults := Default()

	if c.Version == "" {
		c.Version = defaults.Version
	}

	if c.Session.IdleTimeoutSecs == 0 {
		c.Session.IdleTimeoutSecs = defaults.Session.IdleTimeoutSecs
	}
	if c.Session.AbsoluteLifetimeHours == 0 {
		c.Session.AbsoluteLifetimeHours = defaults.Session.AbsoluteLifetimeHours
	}
	if c.Session.MaxSessionsPerUser == 0 {
		c.Session.MaxSessionsPerUser = defaults.Session.MaxSessionsPerUser
	}

	if len(c.Lockout.LevelDurationMinutes) == 0 {
		c.Lockout.LevelDurationMinutes = append([]int(nil), defaults.Lockout.LevelDurationMinutes...)
	}

	if c.MFA.Issuer == "" {
		c.MFA.Issuer = defaults.MFA.Issuer
	}
	if c.MFA.BackupCodeCount == 0 {
		c.MFA.BackupCodeCount = defaults.MFA.BackupCodeCount
	}

	if c.Audit.MaxFileSizeMB == 0 {
		c.Audit.MaxFileSizeMB = defaults.Audit.MaxFileSizeMB
	}

	if c.Detection.UASimilarityThreshold == 0 {
		c.Detection.UASimilarityThreshold = defaults.Detection.UASimilarityThreshold
	}
	if c.Detection.UAMinLength == 0 {
		c.Detection.UAMinLength = defaults.Detection.UAMinLength
	}
	if c.Detection.UALengthDeltaMax == 0 {
		c.Detection.UALengthDeltaMax = defaults.Detection.UALengthDeltaMax
	}
}

// ErrNotFound is returned when no config file exists at any known path.
var ErrNotFound = errors.New("no configuration file found")
