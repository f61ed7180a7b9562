// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mfa implements TOTP multi-factor authentication: enrollment,
// code verification with clock skew tolerance, single-use backup codes,
// and encrypted secret storage.
package mfa

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// totpSecretBytes yields a 32-character base32 secret (160 bits).
	totpSecretBytes = 20

	// totpPeriod is the TOTP step in seconds.
	totpPeriod = 30

	// totpSkew accepts one step on either side of the current window.
	totpSkew = 1

	// backupCodeBytes yields the 8 hex characters of one backup code.
	backupCodeBytes = 4
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotEnrolled indicates the user has no MFA credential.
	ErrNotEnrolled = errors.New("mfa: user is not enrolled")

	// ErrAlreadyEnrolled indicates the user already has an enabled credential.
	ErrAlreadyEnrolled = errors.New("mfa: user is already enrolled")

	// ErrNotEnabled indicates enrollment exists but was never verified.
	ErrNotEnabled = errors.New("mfa: enrollment is not enabled")
)

// =============================================================================
// TYPES
// =============================================================================

// Enrollment is returned once at secret generation. The plaintext secret
// and backup codes appear here and nowhere else; only encrypted and hashed
// forms are persisted.
type Enrollment struct {
	// Secret is the 32-character base32 TOTP secret.
	Secret string

	// ProvisioningURL is the otpauth:// URL for authenticator apps,
	// embedding issuer, account label, and secret.
	ProvisioningURL string

	// BackupCodes are the plaintext single-use recovery codes, each in
	// XXXX-XXXX uppercase hex form.
	BackupCodes []string
}

// VerifyResult reports the outcome of a code verification.
type VerifyResult struct {
	// Valid is true if the code was accepted.
	Valid bool

	// UsedBackupCode is true if a backup code rather than a TOTP code
	// was consumed.
	UsedBackupCode bool

	// RemainingBackupCodes is how many backup codes are left after this
	// verification.
	RemainingBackupCodes int
}

// Status describes a user's MFA state.
type Status struct {
	// Enrolled is true if a credential exists.
	Enrolled bool

	// Verified is true once a valid code has been presented at least once.
	Verified bool

	// Enabled is true while MFA is active for the user.
	Enabled bool

	// Type is the factor type, "totp" for all current enrollments.
	Type string

	// RemainingBackupCodes is how many backup codes are unused.
	RemainingBackupCodes int

	// FailureCount is the consecutive rejected-code count since the last
	// success.
	FailureCount int

	// EnrolledAt is when the secret was generated.
	EnrolledAt time.Time

	// LastUsedAt is the last successful verification.
	LastUsedAt time.Time
}

// Requirement is the MFA policy for a role.
type Requirement struct {
	// Required is true if the role must have a second factor enabled.
	Required bool

	// Methods lists the factor methods acceptable for the role.
	Methods []string
}

// rolePolicy is the static MFA policy table. Roles absent from the table
// require no second factor.
var rolePolicy = map[string]Requirement{
	"admin":     {Required: true, Methods: []string{"totp", "backup_code"}},
	"operator":  {Required: true, Methods: []string{"totp", "backup_code"}},
	"developer": {Required: false, Methods: []string{"totp", "backup_code"}},
	"user":      {Required: false, Methods: []string{"totp", "backup_code"}},
	"free":      {Required: false, Methods: nil},
}

// ValidateRequirements returns the MFA policy for a role. Pure lookup,
// no store access.
func ValidateRequirements(role string) Requirement {
	if req, ok := rolePolicy[role]; ok {
		return req
	}
	return Requirement{}
}

// =============================================================================
// MANAGER
// =============================================================================

// Manager handles TOTP enrollment and verification. Secrets are encrypted
// with the injected cipher before persistence; backup codes are stored only
// as SHA-256 digests.
type Manager struct {
	store   store.MFAStore
	cipher  *SecretCipher
	cfg     config.MFAConfig
	auditor *audit.Logger
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithAuditLogger attaches a security event logger.
func WithAuditLogger(l *audit.Logger) Option {
	return func(m *Manager) {
		m.auditor = l
	}
}

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates an MFA manager. The cipher is required; key material
// is the caller's responsibility.
func NewManager(st store.MFAStore, cipher *SecretCipher, cfg config.MFAConfig, opts ...Option) (*Manager, error) {
	if cipher == nil {
		return nil, fmt.Errorf("mfa: cipher is required")
	}
	m := &Manager{
		store:  st,
		cipher: cipher,
		cfg:    cfg,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// GenerateSecret creates a new TOTP secret and backup codes for a user.
// The email becomes the account label in the provisioning URL. An existing
// enabled enrollment is not overwritten; disable it first. The enrollment
// stays unverified until Enable sees a valid code.
func (m *Manager) GenerateSecret(ctx context.Context, userID, email string) (*Enrollment, error) {
	if userID == "" {
		return nil, fmt.Errorf("mfa: user ID is required")
	}
	if email == "" {
		email = userID
	}

	existing, err := m.store.GetCredential(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if existing != nil && existing.Enabled {
		return nil, ErrAlreadyEnrolled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      m.cfg.Issuer,
		AccountName: email,
		SecretSize:  totpSecretBytes,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	codes, hashes, err := generateBackupCodes(m.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	encrypted, err := m.cipher.Encrypt(key.Secret())
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret: %w", err)
	}

	cred := &store.MFACredential{
		UserID:          userID,
		Type:            "totp",
		EncryptedSecret: encrypted,
		BackupCodes:     hashes,
		CreatedAt:       m.now().UTC(),
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, err
	}

	if m.auditor != nil {
		m.logEvent(ctx, audit.EventMFAEnrolled, audit.SeverityInfo, userID, true, "TOTP secret generated")
	}

	return &Enrollment{
		Secret:          key.Secret(),
		ProvisioningURL: key.URL(),
		BackupCodes:     codes,
	}, nil
}

// Enable verifies a TOTP code against a pending enrollment and, on
// success, marks the credential verified and enabled.
func (m *Manager) Enable(ctx context.Context, userID, code string) error {
	cred, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return err
	}
	if cred.Enabled {
		return ErrAlreadyEnrolled
	}

	ok, err := m.verifyTOTPCode(cred, code)
	if err != nil {
		return err
	}
	if !ok {
		if ierr := m.store.IncrementFailure(ctx, userID); ierr != nil {
			return ierr
		}
		if m.auditor != nil {
			m.logEvent(ctx, audit.EventMFAFailed, audit.SeverityWarning, userID, false, "enable rejected, invalid code")
		}
		return fmt.Errorf("mfa: invalid verification code")
	}

	if err := m.store.MarkVerified(ctx, userID, m.now().UTC()); err != nil {
		return err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventMFAVerified, audit.SeverityInfo, userID, true, "MFA enabled")
	}
	return nil
}

// Disable removes a user's enrollment entirely, backup codes included.
func (m *Manager) Disable(ctx context.Context, userID string) error {
	if _, err := m.store.GetCredential(ctx, userID); errors.Is(err, store.ErrNotFound) {
		return ErrNotEnrolled
	} else if err != nil {
		return err
	}

	if err := m.store.DeleteCredential(ctx, userID); err != nil {
		return err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventMFADisabled, audit.SeverityWarning, userID, true, "MFA disabled")
	}
	return nil
}

// =============================================================================
// VERIFICATION
// =============================================================================

// Verify checks a TOTP code or backup code for an enabled enrollment.
// TOTP codes are tried first; on failure the code is tried as a backup
// code, which consumes it. An invalid code yields Valid=false with the
// failure counter bumped, not an error.
func (m *Manager) Verify(ctx context.Context, userID, code string) (*VerifyResult, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}
	if !cred.Enabled {
		return nil, ErrNotEnabled
	}

	now := m.now().UTC()

	ok, err := m.verifyTOTPCode(cred, code)
	if err != nil {
		return nil, err
	}
	if ok {
		if err := m.store.TouchCredential(ctx, userID, now); err != nil {
			return nil, err
		}
		if m.auditor != nil {
			m.logEvent(ctx, audit.EventMFAVerified, audit.SeverityInfo, userID, true, "TOTP code accepted")
		}
		return &VerifyResult{Valid: true, RemainingBackupCodes: len(cred.BackupCodes)}, nil
	}

	// Try as a backup code; consumption is atomic so a code works once.
	if normalized, valid := normalizeBackupCode(code); valid {
		consumed, err := m.store.ConsumeBackupCode(ctx, userID, hashBackupCode(normalized), now)
		if err != nil {
			return nil, err
		}
		if consumed {
			if m.auditor != nil {
				m.logEvent(ctx, audit.EventMFABackupUsed, audit.SeverityWarning, userID, true, "backup code consumed")
			}
			return &VerifyResult{
				Valid:                true,
				UsedBackupCode:       true,
				RemainingBackupCodes: len(cred.BackupCodes) - 1,
			}, nil
		}
	}

	if err := m.store.IncrementFailure(ctx, userID); err != nil {
		return nil, err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventMFAFailed, audit.SeverityWarning, userID, false, "code rejected")
	}
	return &VerifyResult{Valid: false, RemainingBackupCodes: len(cred.BackupCodes)}, nil
}

// verifyTOTPCode decrypts the stored secret and validates a code against
// it with one step of skew on either side. A decryption failure is always
// a hard error, never a silent rejection.
func (m *Manager) verifyTOTPCode(cred *store.MFACredential, code string) (bool, error) {
	secret, err := m.cipher.Decrypt(cred.EncryptedSecret)
	if err != nil {
		return false, fmt.Errorf("mfa: cannot decrypt stored secret: %w", err)
	}

	ok, err := totp.ValidateCustom(code, secret, m.now().UTC(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		// Malformed codes are a rejection, not a failure.
		return false, nil
	}
	return ok, nil
}

// =============================================================================
// BACKUP CODES
// =============================================================================

// RegenerateBackupCodes replaces a user's backup codes with a fresh set,
// invalidating all previous codes. Returns the new plaintext codes.
func (m *Manager) RegenerateBackupCodes(ctx context.Context, userID string) ([]string, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotEnrolled
	}
	if err != nil {
		return nil, err
	}

	codes, hashes, err := generateBackupCodes(m.cfg.BackupCodeCount)
	if err != nil {
		return nil, err
	}

	cred.BackupCodes = hashes
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, err
	}

	if m.auditor != nil {
		m.logEvent(ctx, audit.EventMFAEnrolled, audit.SeverityInfo, userID, true, "backup codes regenerated")
	}
	return codes, nil
}

// generateBackupCodes returns count codes in XXXX-XXXX uppercase hex form
// along with their SHA-256 digests for storage.
func generateBackupCodes(count int) (codes, hashes []string, err error) {
	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		raw := make([]byte, backupCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, nil, fmt.Errorf("failed to generate backup code: %w", err)
		}
		h := strings.ToUpper(hex.EncodeToString(raw))
		code := h[:4] + "-" + h[4:]
		codes = append(codes, code)
		hashes = append(hashes, hashBackupCode(code))
	}
	return codes, hashes, nil
}

// normalizeBackupCode uppercases a candidate and checks the XXXX-XXXX hex
// shape, accepting input without the dash.
func normalizeBackupCode(code string) (string, bool) {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	if len(code) != 8 {
		return "", false
	}
	for _, r := range code {
		if !(r >= '0' && r <= '9' || r >= 'A' && r <= 'F') {
			return "", false
		}
	}
	return code[:4] + "-" + code[4:], true
}

func hashBackupCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// =============================================================================
// STATUS
// =============================================================================

// GetStatus returns a user's MFA state. A missing enrollment is a status,
// not an error.
func (m *Manager) GetStatus(ctx context.Context, userID string) (*Status, error) {
	cred, err := m.store.GetCredential(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return &Status{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &Status{
		Enrolled:             true,
		Verified:             cred.Verified,
		Enabled:              cred.Enabled,
		Type:                 cred.Type,
		RemainingBackupCodes: len(cred.BackupCodes),
		FailureCount:         cred.FailureCount,
		EnrolledAt:           cred.CreatedAt,
		LastUsedAt:           cred.LastUsedAt,
	}, nil
}

func (m *Manager) logEvent(ctx context.Context, t audit.EventType, sev audit.Severity, userID string, success bool, description string) {
	_ = m.auditor.Log(ctx, audit.Event{
		Type:        t,
		Severity:    sev,
		UserID:      userID,
		Success:     success,
		Description: description,
	})
}
