// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Shared command wiring: config, store, audit, and managers.
package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/lockout"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/mfa"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/permission"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/session"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

const (
	// mfaKeyEnvVar overrides the MFA secret encryption key (hex, 32 bytes).
	mfaKeyEnvVar = config.EnvPrefix + "MFA_KEY"

	// mfaKeyFile is the generated key file under the config directory.
	mfaKeyFile = ".mfa_secret_key"

	// databaseFile is the SQLite database under the config directory.
	databaseFile = "security.db"

	// auditLogFile is the default mirror path under the config directory.
	auditLogFile = "audit.log"
)

// App bundles the configured managers every command handler needs.
type App struct {
	Cfg      *config.Config
	Store    *store.SQLiteStore
	Auditor  *audit.Logger
	Sessions *session.Manager
	Lockouts *lockout.Manager
	MFA      *mfa.Manager
	Perms    *permission.Manager
}

// NewApp loads configuration, opens the database, and wires the managers.
// Callers must Close the returned App.
func NewApp() (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	dir, err := config.ConfigDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	st, err := store.OpenSQLite(filepath.Join(dir, databaseFile))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	auditor, err := newAuditor(cfg, dir, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	mfaKey, err := loadMFAKey(dir)
	if err != nil {
		auditor.Close()
		st.Close()
		return nil, err
	}
	cipher, err := mfa.NewSecretCipher(mfaKey)
	if err != nil {
		auditor.Close()
		st.Close()
		return nil, err
	}
	mfaMgr, err := mfa.NewManager(st, cipher, cfg.MFA, mfa.WithAuditLogger(auditor))
	if err != nil {
		auditor.Close()
		st.Close()
		return nil, err
	}

	return &App{
		Cfg:     cfg,
		Store:   st,
		Auditor: auditor,
		Sessions: session.NewManager(st, cfg.Session,
			session.WithAuditLogger(auditor),
			session.WithDetector(session.NewDetector(cfg.Detection))),
		Lockouts: lockout.NewManager(st, cfg.Lockout, lockout.WithAuditLogger(auditor)),
		MFA:      mfaMgr,
		Perms:    permission.NewManager(st, permission.WithAuditLogger(auditor)),
	}, nil
}

// Close flushes the audit mirror and releases the database.
func (a *App) Close() error {
	var first error
	if a.Auditor != nil {
		if err := a.Auditor.Close(); err != nil {
			first = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// AuditLogPath returns the mirror path the App writes to.
func (a *App) AuditLogPath() (string, error) {
	if a.Cfg.Audit.LogPath != "" {
		return a.Cfg.Audit.LogPath, nil
	}
	dir, err := config.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, auditLogFile), nil
}

// newAuditor builds the audit logger, adding the signed file mirror when
// the config enables it.
func newAuditor(cfg *config.Config, dir string, st *store.SQLiteStore) (*audit.Logger, error) {
	opts := []audit.Option{}
	if cfg.Audit.Enabled {
		logPath := cfg.Audit.LogPath
		if logPath == "" {
			logPath = filepath.Join(dir, auditLogFile)
		}
		key, err := audit.LoadSignerKey(dir)
		if err != nil {
			return nil, fmt.Errorf("load audit signing key: %w", err)
		}
		signer, err := audit.NewSigner(key)
		if err != nil {
			return nil, err
		}
		opts = append(opts,
			audit.WithFileMirror(logPath, cfg.Audit.MaxFileSizeMB),
			audit.WithMirrorSigning(signer))
	}
	return audit.NewLogger(st, opts...)
}

// loadMFAKey resolves the AES-256 key protecting stored TOTP secrets.
// The environment variable wins; otherwise a key file under the config
// directory is used, generated on first run.
//
// SECURITY: the key file is written 0600 so only the owning user can
// decrypt enrolled secrets.
func loadMFAKey(dir string) ([]byte, error) {
	if v := strings.TrimSpace(os.Getenv(mfaKeyEnvVar)); v != "" {
		key, err := hex.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("%s is not valid hex: %w", mfaKeyEnvVar, err)
		}
		if len(key) != mfa.KeySize {
			return nil, fmt.Errorf("%s must decode to %d bytes, got %d", mfaKeyEnvVar, mfa.KeySize, len(key))
		}
		return key, nil
	}

	path := filepath.Join(dir, mfaKeyFile)
	if data, err := os.ReadFile(path); err == nil {
		key, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("key file %s is corrupt: %w", path, err)
		}
		if len(key) != mfa.KeySize {
			return nil, fmt.Errorf("key file %s has wrong length", path)
		}
		return key, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	key := make([]byte, mfa.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate mfa key: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
