// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mfa

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/config"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mfa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cipher, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)

	m, err := NewManager(st, cipher, config.Default().MFA, opts...)
	require.NoError(t, err)
	return m
}

// codeFor computes the current TOTP code for a secret.
func codeFor(t *testing.T, secret string, at time.Time) string {
	t.Helper()
	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

// enroll generates and enables an enrollment for a user.
func enroll(t *testing.T, m *Manager, userID string) *Enrollment {
	t.Helper()
	ctx := context.Background()
	e, err := m.GenerateSecret(ctx, userID, userID+"@example.com")
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, userID, codeFor(t, e.Secret, time.Now())))
	return e
}

// =============================================================================
// ENROLLMENT TESTS
// =============================================================================

func TestGenerateSecretShape(t *testing.T) {
	m := newTestManager(t)
	e, err := m.GenerateSecret(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	require.Len(t, e.Secret, 32)
	require.Regexp(t, regexp.MustCompile(`^[A-Z2-7]{32}$`), e.Secret)
	require.Contains(t, e.ProvisioningURL, "otpauth://totp/")
	require.Contains(t, e.ProvisioningURL, "DinoAir")
	require.Contains(t, e.ProvisioningURL, "example.com")

	require.Len(t, e.BackupCodes, 10)
	codeShape := regexp.MustCompile(`^[0-9A-F]{4}-[0-9A-F]{4}$`)
	seen := make(map[string]bool)
	for _, c := range e.BackupCodes {
		require.Regexp(t, codeShape, c)
		require.False(t, seen[c], "backup codes must be unique")
		seen[c] = true
	}
}

func TestSecretStoredEncrypted(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mfa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cipher, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)
	m, err := NewManager(st, cipher, config.Default().MFA)
	require.NoError(t, err)

	e, err := m.GenerateSecret(context.Background(), "alice", "alice@example.com")
	require.NoError(t, err)

	cred, err := st.GetCredential(context.Background(), "alice")
	require.NoError(t, err)
	require.True(t, IsEncrypted(cred.EncryptedSecret))
	require.NotContains(t, cred.EncryptedSecret, e.Secret)
	// Backup codes are stored hashed, never in plaintext
	for _, plain := range e.BackupCodes {
		require.NotContains(t, cred.BackupCodes, plain)
	}
}

func TestEnableRequiresValidCode(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	e, err := m.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	require.Error(t, m.Enable(ctx, "alice", "000000"))

	status, err := m.GetStatus(ctx, "alice")
	require.NoError(t, err)
	require.True(t, status.Enrolled)
	require.False(t, status.Enabled)

	require.NoError(t, m.Enable(ctx, "alice", codeFor(t, e.Secret, time.Now())))
	status, err = m.GetStatus(ctx, "alice")
	require.NoError(t, err)
	require.True(t, status.Verified)
	require.True(t, status.Enabled)
	require.Equal(t, "totp", status.Type)
}

func TestFailureCountTracksRejections(t *testing.T) {
	m := newTestManager(t)
	e := enroll(t, m, "alice")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := m.Verify(ctx, "alice", "000000")
		require.NoError(t, err)
		require.False(t, res.Valid)
	}
	status, err := m.GetStatus(ctx, "alice")
	require.NoError(t, err)
	require.Equal(t, 3, status.FailureCount)

	// A success resets the streak
	res, err := m.Verify(ctx, "alice", codeFor(t, e.Secret, time.Now()))
	require.NoError(t, err)
	require.True(t, res.Valid)

	status, err = m.GetStatus(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, status.FailureCount)
}

func TestGenerateSecretRejectsEnabledEnrollment(t *testing.T) {
	m := newTestManager(t)
	enroll(t, m, "alice")

	_, err := m.GenerateSecret(context.Background(), "alice", "alice@example.com")
	require.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestGenerateSecretReplacesPendingEnrollment(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	first, err := m.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	second, err := m.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	// Only the latest secret enables
	require.Error(t, m.Enable(ctx, "alice", codeFor(t, first.Secret, time.Now())))
	require.NoError(t, m.Enable(ctx, "alice", codeFor(t, second.Secret, time.Now())))
}

func TestDisable(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	enroll(t, m, "alice")

	require.NoError(t, m.Disable(ctx, "alice"))

	status, err := m.GetStatus(ctx, "alice")
	require.NoError(t, err)
	require.False(t, status.Enrolled)

	require.ErrorIs(t, m.Disable(ctx, "alice"), ErrNotEnrolled)
}

// =============================================================================
// VERIFICATION TESTS
// =============================================================================

func TestVerifyAcceptsCurrentCode(t *testing.T) {
	m := newTestManager(t)
	e := enroll(t, m, "alice")

	res, err := m.Verify(context.Background(), "alice", codeFor(t, e.Secret, time.Now()))
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.False(t, res.UsedBackupCode)
	require.Equal(t, 10, res.RemainingBackupCodes)
}

func TestVerifyAcceptsAdjacentWindows(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 12, 0, 15, 0, time.UTC)
	m := newTestManager(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()

	e, err := m.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, m.Enable(ctx, "alice", codeFor(t, e.Secret, fixed)))

	// One step behind and one ahead are accepted
	for _, offset := range []time.Duration{-30 * time.Second, 30 * time.Second} {
		res, err := m.Verify(ctx, "alice", codeFor(t, e.Secret, fixed.Add(offset)))
		require.NoError(t, err)
		require.True(t, res.Valid, "offset %v should verify", offset)
	}

	// Two steps away is rejected
	res, err := m.Verify(ctx, "alice", codeFor(t, e.Secret, fixed.Add(90*time.Second)))
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	m := newTestManager(t)
	enroll(t, m, "alice")
	ctx := context.Background()

	for _, code := range []string{"", "abc", "000000", "12345678901234"} {
		res, err := m.Verify(ctx, "alice", code)
		require.NoError(t, err)
		require.False(t, res.Valid, "code %q must not verify", code)
	}
}

func TestVerifyNotEnrolled(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Verify(context.Background(), "nobody", "123456")
	require.ErrorIs(t, err, ErrNotEnrolled)
}

func TestVerifyPendingEnrollment(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	_, err := m.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)

	_, err = m.Verify(ctx, "alice", "123456")
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestDecryptionFailureIsHardError(t *testing.T) {
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "mfa.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cipherA, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)
	mA, err := NewManager(st, cipherA, config.Default().MFA)
	require.NoError(t, err)

	ctx := context.Background()
	e, err := mA.GenerateSecret(ctx, "alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, mA.Enable(ctx, "alice", codeFor(t, e.Secret, time.Now())))

	// A manager with a different key cannot read the stored secret and
	// must surface the failure, never silently reject the code.
	cipherB, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)
	mB, err := NewManager(st, cipherB, config.Default().MFA)
	require.NoError(t, err)

	_, err = mB.Verify(ctx, "alice", codeFor(t, e.Secret, time.Now()))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

// =============================================================================
// BACKUP CODE TESTS
// =============================================================================

func TestBackupCodeSingleUse(t *testing.T) {
	m := newTestManager(t)
	e := enroll(t, m, "alice")
	ctx := context.Background()

	code := e.BackupCodes[0]
	res, err := m.Verify(ctx, "alice", code)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.True(t, res.UsedBackupCode)
	require.Equal(t, 9, res.RemainingBackupCodes)

	// The same code must never work twice
	res, err = m.Verify(ctx, "alice", code)
	require.NoError(t, err)
	require.False(t, res.Valid)
}

func TestBackupCodeAcceptsDashlessInput(t *testing.T) {
	m := newTestManager(t)
	e := enroll(t, m, "alice")

	dashless := e.BackupCodes[1][:4] + e.BackupCodes[1][5:]
	res, err := m.Verify(context.Background(), "alice", dashless)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.True(t, res.UsedBackupCode)
}

func TestRegenerateBackupCodesInvalidatesOld(t *testing.T) {
	m := newTestManager(t)
	e := enroll(t, m, "alice")
	ctx := context.Background()

	fresh, err := m.RegenerateBackupCodes(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, fresh, 10)

	// Old codes are dead
	res, err := m.Verify(ctx, "alice", e.BackupCodes[0])
	require.NoError(t, err)
	require.False(t, res.Valid)

	// New codes work
	res, err = m.Verify(ctx, "alice", fresh[0])
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, 9, res.RemainingBackupCodes)
}

func TestRegenerateNotEnrolled(t *testing.T) {
	m := newTestManager(t)
	_, err := m.RegenerateBackupCodes(context.Background(), "nobody")
	require.ErrorIs(t, err, ErrNotEnrolled)
}

// =============================================================================
// POLICY TESTS
// =============================================================================

func TestValidateRequirements(t *testing.T) {
	admin := ValidateRequirements("admin")
	require.True(t, admin.Required)
	require.Contains(t, admin.Methods, "totp")
	require.Contains(t, admin.Methods, "backup_code")

	user := ValidateRequirements("user")
	require.False(t, user.Required)
	require.Contains(t, user.Methods, "totp")

	free := ValidateRequirements("free")
	require.False(t, free.Required)
	require.Empty(t, free.Methods)

	// Unknown roles require nothing
	unknown := ValidateRequirements("made-up-role")
	require.False(t, unknown.Required)
	require.Empty(t, unknown.Methods)
}

// =============================================================================
// CIPHER TESTS
// =============================================================================

func TestCipherRoundTrip(t *testing.T) {
	c, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)

	plain := "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	enc, err := c.Encrypt(plain)
	require.NoError(t, err)
	require.True(t, IsEncrypted(enc))
	require.NotContains(t, enc, plain)

	dec, err := c.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, plain, dec)
}

func TestCipherNonDeterministic(t *testing.T) {
	c, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)

	a, err := c.Encrypt("same-secret")
	require.NoError(t, err)
	b, err := c.Encrypt("same-secret")
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestCipherRejectsTampering(t *testing.T) {
	c, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)

	enc, err := c.Encrypt("secret")
	require.NoError(t, err)

	// Flip a character in the payload
	tampered := []byte(enc)
	tampered[len(tampered)-2] ^= 0x01
	if string(tampered) == enc {
		tampered[len(tampered)-3] ^= 0x01
	}

	_, err = c.Decrypt(string(tampered))
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestCipherRejectsMalformedInput(t *testing.T) {
	c, err := NewSecretCipher(testKey(t))
	require.NoError(t, err)

	for _, in := range []string{"ENC:", "ENC:!!!", "ENC:aGVsbG8="} {
		_, err := c.Decrypt(in)
		require.ErrorIs(t, err, ErrDecryptionFailed, "input %q", in)
	}
	_, err = c.Decrypt("plaintext-without-prefix")
	require.ErrorIs(t, err, ErrNotEncrypted)
}

func TestCipherKeySize(t *testing.T) {
	_, err := NewSecretCipher(make([]byte, 16))
	require.ErrorIs(t, err, ErrInvalidKeySize)
}

func TestPassphraseCipherRoundTrip(t *testing.T) {
	salt, err := GenerateSalt()
	require.NoError(t, err)

	c1, err := NewSecretCipherFromPassphrase("correct horse battery staple", salt)
	require.NoError(t, err)
	c2, err := NewSecretCipherFromPassphrase("correct horse battery staple", salt)
	require.NoError(t, err)

	enc, err := c1.Encrypt("secret")
	require.NoError(t, err)
	dec, err := c2.Decrypt(enc)
	require.NoError(t, err)
	require.Equal(t, "secret", dec)
}

func TestNormalizeBackupCode(t *testing.T) {
	tests := []struct {
		in    string
		want  string
		valid bool
	}{
		{"1A2B-3C4D", "1A2B-3C4D", true},
		{"1a2b-3c4d", "1A2B-3C4D", true},
		{"1A2B3C4D", "1A2B-3C4D", true},
		{" 1A2B-3C4D ", "1A2B-3C4D", true},
		{"123456", "", false},
		{"ZZZZ-ZZZZ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := normalizeBackupCode(tt.in)
		if ok != tt.valid || got != tt.want {
			t.Errorf("normalizeBackupCode(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.valid)
		}
	}
}
