// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package permission manages API key permissions as "family:verb" grants.
//
// Permissions are grouped into families (chat, artifacts, files, models,
// system) with read and write verbs, plus an admin verb on the system
// family. Within a family a broader verb implies the narrower ones; nothing
// is ever implied across families. A grant may carry an optional resource
// scope narrowing it to one resource. Grants persist in the store and
// checks are rate limited to blunt enumeration probing.
package permission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/security/audit"
	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

// =============================================================================
// PERMISSION CATALOG
// =============================================================================

// Permission is a "family:verb" permission string.
type Permission string

// Known permissions.
const (
	ChatRead       Permission = "chat:read"
	ChatWrite      Permission = "chat:write"
	ArtifactsRead  Permission = "artifacts:read"
	ArtifactsWrite Permission = "artifacts:write"
	FilesRead      Permission = "files:read"
	FilesWrite     Permission = "files:write"
	ModelsRead     Permission = "models:read"
	ModelsWrite    Permission = "models:write"
	SystemRead     Permission = "system:read"
	SystemWrite    Permission = "system:write"
	SystemAdmin    Permission = "system:admin"
)

// Verbs, in ascending order of breadth.
const (
	VerbRead  = "read"
	VerbWrite = "write"
	VerbAdmin = "admin"
)

// Verb levels for UI ordering. A higher level implies every lower level in
// the same family.
const (
	LevelRead  = 1
	LevelWrite = 2
	LevelAdmin = 3
)

// Descriptor describes one catalog entry.
type Descriptor struct {
	// Permission is the catalog value.
	Permission Permission

	// Description is the human-readable summary.
	Description string

	// Level orders verbs within a family, for display only.
	Level int
}

// families is the fixed family catalog.
var families = []string{"artifacts", "chat", "files", "models", "system"}

var familyDescriptions = map[string]string{
	"artifacts": "generated artifacts",
	"chat":      "chat conversations",
	"files":     "uploaded files",
	"models":    "model management",
	"system":    "system settings",
}

// catalog maps each valid permission to its descriptor.
var catalog = func() map[Permission]Descriptor {
	m := make(map[Permission]Descriptor, len(families)*2+1)
	for _, f := range families {
		r := Permission(f + ":" + VerbRead)
		w := Permission(f + ":" + VerbWrite)
		m[r] = Descriptor{Permission: r, Description: "Read access to " + familyDescriptions[f], Level: LevelRead}
		m[w] = Descriptor{Permission: w, Description: "Write access to " + familyDescriptions[f], Level: LevelWrite}
	}
	m[SystemAdmin] = Descriptor{Permission: SystemAdmin, Description: "Administrative access to " + familyDescriptions["system"], Level: LevelAdmin}
	return m
}()

// All returns every valid permission, sorted.
func All() []Permission {
	out := make([]Permission, 0, len(catalog))
	for p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Available returns the full catalog with descriptions and levels, sorted
// by permission.
func Available() []Descriptor {
	out := make([]Descriptor, 0, len(catalog))
	for _, d := range catalog {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })
	return out
}

// Families returns the family catalog.
func Families() []string {
	return append([]string(nil), families...)
}

// IsValid reports whether p is in the catalog.
func IsValid(p Permission) bool {
	_, ok := catalog[p]
	return ok
}

// Family returns the family component of a permission.
func (p Permission) Family() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p)[:i]
	}
	return string(p)
}

// Verb returns the verb component of a permission.
func (p Permission) Verb() string {
	if i := strings.IndexByte(string(p), ':'); i >= 0 {
		return string(p)[i+1:]
	}
	return ""
}

// Level returns the verb level, 0 for permissions outside the catalog.
func (p Permission) Level() int {
	return catalog[p].Level
}

// Implies reports whether holding p satisfies a check for q. A permission
// satisfies itself, and a higher verb level satisfies every lower one in
// the same family. Nothing crosses family lines.
func (p Permission) Implies(q Permission) bool {
	if p == q {
		return true
	}
	if p.Family() != q.Family() {
		return false
	}
	pl, ql := p.Level(), q.Level()
	return pl > 0 && ql > 0 && pl > ql
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrUnknownPermission indicates a permission outside the catalog.
	ErrUnknownPermission = errors.New("permission: unknown permission")

	// ErrRateLimited indicates the check was throttled.
	ErrRateLimited = errors.New("permission: rate limit exceeded")
)

// =============================================================================
// MANAGER
// =============================================================================

const (
	// Global ceiling across all keys, then a per-key budget.
	globalRatePerSec  = 1000
	globalBurst       = 2000
	perKeyRatePerSec  = 50
	perKeyBurst       = 100
	limiterIdleExpiry = 10 * time.Minute
)

type keyLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Grant is one held permission with its optional resource scope.
type Grant struct {
	// Permission is the granted catalog value.
	Permission Permission

	// ResourceScope narrows the grant to one resource; empty means the
	// whole family.
	ResourceScope string
}

// Manager stores and checks API key permissions.
type Manager struct {
	store   store.PermissionStore
	auditor *audit.Logger
	now     func() time.Time

	global *rate.Limiter

	mu       sync.Mutex
	limiters map[string]*keyLimiter
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

// NewManager creates a permission manager.
func NewManager(st store.PermissionStore, opts ...Option) *Manager {
	m := &Manager{
		store:    st,
		now:      time.Now,
		global:   rate.NewLimiter(rate.Limit(globalRatePerSec), globalBurst),
		limiters: make(map[string]*keyLimiter),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// =============================================================================
// GRANT MANAGEMENT
// =============================================================================

// Add grants a permission to a key, optionally scoped to one resource.
// Granting an already held (permission, scope) pair is a no-op.
func (m *Manager) Add(ctx context.Context, keyID string, p Permission, resourceScope string) error {
	if keyID == "" {
		return fmt.Errorf("permission: key ID is required")
	}
	if !IsValid(p) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, p)
	}

	g := &store.PermissionGrant{
		KeyID:         keyID,
		Permission:    string(p),
		ResourceScope: resourceScope,
		GrantedAt:     m.now().UTC(),
	}
	if err := m.store.AddGrant(ctx, g); err != nil {
		return err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventPermissionGranted, keyID, true, grantDescription("granted", p, resourceScope))
	}
	return nil
}

// Remove revokes a (permission, scope) grant from a key. Revoking an unheld
// grant is a no-op. Removing a write grant does not leave an implied read
// behind; implication exists only at check time.
func (m *Manager) Remove(ctx context.Context, keyID string, p Permission, resourceScope string) error {
	if !IsValid(p) {
		return fmt.Errorf("%w: %s", ErrUnknownPermission, p)
	}

	if err := m.store.RemoveGrant(ctx, keyID, string(p), resourceScope); err != nil {
		return err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventPermissionRevoked, keyID, true, grantDescription("revoked", p, resourceScope))
	}
	return nil
}

// SetAll atomically replaces a key's entire permission set and returns how
// many grants were written after dedup. A reader observes either the old
// set or the new set, never a partial mix.
func (m *Manager) SetAll(ctx context.Context, keyID string, grants []Grant) (int, error) {
	if keyID == "" {
		return 0, fmt.Errorf("permission: key ID is required")
	}

	now := m.now().UTC()
	seen := make(map[Grant]bool, len(grants))
	recs := make([]*store.PermissionGrant, 0, len(grants))
	for _, g := range grants {
		if !IsValid(g.Permission) {
			return 0, fmt.Errorf("%w: %s", ErrUnknownPermission, g.Permission)
		}
		if seen[g] {
			continue
		}
		seen[g] = true
		recs = append(recs, &store.PermissionGrant{
			KeyID:         keyID,
			Permission:    string(g.Permission),
			ResourceScope: g.ResourceScope,
			GrantedAt:     now,
		})
	}

	if err := m.store.ReplaceGrants(ctx, keyID, recs); err != nil {
		return 0, err
	}
	if m.auditor != nil {
		m.logEvent(ctx, audit.EventPermissionGranted, keyID, true,
			fmt.Sprintf("permission set replaced, %d grants", len(recs)))
	}
	return len(recs), nil
}

// List returns a key's direct grants, sorted by permission then scope.
// Implied permissions are not materialized here.
func (m *Manager) List(ctx context.Context, keyID string) ([]Grant, error) {
	recs, err := m.store.ListGrants(ctx, keyID)
	if err != nil {
		return nil, err
	}
	out := make([]Grant, len(recs))
	for i, r := range recs {
		out[i] = Grant{Permission: Permission(r.Permission), ResourceScope: r.ResourceScope}
	}
	return out, nil
}

// =============================================================================
// CHECKS
// =============================================================================

// Has reports whether a key holds a permission, directly or by family
// implication. Scoped grants count the same as global ones here; scope
// filtering is the caller's concern once a resource is known. A missing
// grant yields false, not an error; only unknown permissions, rate
// limiting, and store failures are errors.
func (m *Manager) Has(ctx context.Context, keyID string, p Permission) (bool, error) {
	if !IsValid(p) {
		return false, fmt.Errorf("%w: %s", ErrUnknownPermission, p)
	}
	if err := m.allowCheck(keyID); err != nil {
		return false, err
	}

	held, err := m.store.ListGrants(ctx, keyID)
	if err != nil {
		return false, err
	}
	for _, h := range held {
		if Permission(h.Permission).Implies(p) {
			return true, nil
		}
	}

	if m.auditor != nil {
		m.logEvent(ctx, audit.EventPermissionDenied, keyID, false, fmt.Sprintf("denied %s", p))
	}
	return false, nil
}

// allowCheck applies the global then per-key rate limits.
func (m *Manager) allowCheck(keyID string) error {
	if !m.global.Allow() {
		return ErrRateLimited
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	kl, ok := m.limiters[keyID]
	if !ok {
		kl = &keyLimiter{limiter: rate.NewLimiter(rate.Limit(perKeyRatePerSec), perKeyBurst)}
		m.limiters[keyID] = kl
	}
	kl.lastAccess = now

	// Opportunistic pruning keeps the limiter map bounded.
	if len(m.limiters) > 1000 {
		for id, other := range m.limiters {
			if now.Sub(other.lastAccess) > limiterIdleExpiry {
				delete(m.limiters, id)
			}
		}
	}

	if !kl.limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

func grantDescription(action string, p Permission, resourceScope string) string {
	if resourceScope == "" {
		return fmt.Sprintf("%s %s", action, p)
	}
	return fmt.Sprintf("%s %s on %s", action, p, resourceScope)
}

func (m *Manager) logEvent(ctx context.Context, t audit.EventType, keyID string, success bool, description string) {
	_ = m.auditor.Log(ctx, audit.Event{
		Type:        t,
		Severity:    audit.SeverityInfo,
		UserID:      keyID,
		Success:     success,
		Description: description,
	})
}
