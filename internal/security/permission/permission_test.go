// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package permission

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Dinopit/DinoAirPublic-sub006/internal/store"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	st, err := store.OpenSQLite(filepath.Join(t.TempDir(), "perms.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return NewManager(st, opts...)
}

// =============================================================================
// CATALOG TESTS
// =============================================================================

func TestCatalog(t *testing.T) {
	all := All()
	require.Len(t, all, 11, "five families with read and write, plus system:admin")

	for _, p := range all {
		require.True(t, IsValid(p))
		require.Contains(t, []string{VerbRead, VerbWrite, VerbAdmin}, p.Verb())
	}

	require.False(t, IsValid("chat:delete"))
	require.False(t, IsValid("chat:admin"))
	require.False(t, IsValid("unknown:read"))
	require.False(t, IsValid("chat"))
}

func TestAvailableCatalog(t *testing.T) {
	descs := Available()
	require.Len(t, descs, 11)

	byPerm := make(map[Permission]Descriptor, len(descs))
	for _, d := range descs {
		require.NotEmpty(t, d.Description)
		require.Positive(t, d.Level)
		byPerm[d.Permission] = d
	}
	require.Equal(t, LevelRead, byPerm[ChatRead].Level)
	require.Equal(t, LevelWrite, byPerm[ChatWrite].Level)
	require.Equal(t, LevelAdmin, byPerm[SystemAdmin].Level)
}

func TestImplies(t *testing.T) {
	tests := []struct {
		holder Permission
		check  Permission
		want   bool
	}{
		// Identity
		{ChatRead, ChatRead, true},
		{ChatWrite, ChatWrite, true},
		// Write implies read within the family
		{ChatWrite, ChatRead, true},
		{FilesWrite, FilesRead, true},
		{SystemWrite, SystemRead, true},
		// Admin implies write and read within the family
		{SystemAdmin, SystemWrite, true},
		{SystemAdmin, SystemRead, true},
		// Read never implies write, write never implies admin
		{ChatRead, ChatWrite, false},
		{SystemWrite, SystemAdmin, false},
		// Nothing crosses families
		{ChatWrite, FilesRead, false},
		{SystemAdmin, ChatRead, false},
		{ArtifactsWrite, ModelsRead, false},
	}

	for _, tt := range tests {
		if got := tt.holder.Implies(tt.check); got != tt.want {
			t.Errorf("%s.Implies(%s) = %v, want %v", tt.holder, tt.check, got, tt.want)
		}
	}
}

// =============================================================================
// GRANT TESTS
// =============================================================================

func TestAddAndHas(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatWrite, ""))

	ok, err := m.Has(ctx, "key1", ChatWrite)
	require.NoError(t, err)
	require.True(t, ok)

	// Write satisfies read in the same family
	ok, err = m.Has(ctx, "key1", ChatRead)
	require.NoError(t, err)
	require.True(t, ok)

	// But not in another family
	ok, err = m.Has(ctx, "key1", FilesRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReadDoesNotImplyWrite(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", FilesRead, ""))

	ok, err := m.Has(ctx, "key1", FilesWrite)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAddUnknownPermission(t *testing.T) {
	m := newTestManager(t)
	err := m.Add(context.Background(), "key1", "chat:admin", "")
	require.ErrorIs(t, err, ErrUnknownPermission)
}

func TestAddIdempotent(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))
	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))

	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []Grant{{Permission: ChatRead}}, grants)
}

func TestScopedGrantsAreDistinct(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", FilesRead, "project-a"))
	require.NoError(t, m.Add(ctx, "key1", FilesRead, "project-b"))
	require.NoError(t, m.Add(ctx, "key1", FilesRead, ""))

	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []Grant{
		{Permission: FilesRead, ResourceScope: ""},
		{Permission: FilesRead, ResourceScope: "project-a"},
		{Permission: FilesRead, ResourceScope: "project-b"},
	}, grants)

	// Removing one scope leaves the others
	require.NoError(t, m.Remove(ctx, "key1", FilesRead, "project-a"))
	grants, err = m.List(ctx, "key1")
	require.NoError(t, err)
	require.Len(t, grants, 2)
}

func TestScopedGrantSatisfiesCheck(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", FilesWrite, "project-a"))

	ok, err := m.Has(ctx, "key1", FilesRead)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRemove(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatWrite, ""))
	require.NoError(t, m.Remove(ctx, "key1", ChatWrite, ""))

	// Removing write leaves nothing; there is no residual implied read
	ok, err := m.Has(ctx, "key1", ChatRead)
	require.NoError(t, err)
	require.False(t, ok)

	// Removing an unheld permission is a no-op
	require.NoError(t, m.Remove(ctx, "key1", SystemRead, ""))
}

func TestSetAllReplacesAtomically(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))
	require.NoError(t, m.Add(ctx, "key1", FilesWrite, ""))

	n, err := m.SetAll(ctx, "key1", []Grant{{Permission: SystemRead}, {Permission: ModelsWrite}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []Grant{{Permission: ModelsWrite}, {Permission: SystemRead}}, grants)

	ok, err := m.Has(ctx, "key1", ChatRead)
	require.NoError(t, err)
	require.False(t, ok, "old grants must be gone")
}

func TestSetAllRejectsUnknown(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))

	_, err := m.SetAll(ctx, "key1", []Grant{{Permission: SystemRead}, {Permission: "bogus:verb"}})
	require.ErrorIs(t, err, ErrUnknownPermission)

	// A rejected replace leaves the old set intact
	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []Grant{{Permission: ChatRead}}, grants)
}

func TestSetAllDeduplicates(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	n, err := m.SetAll(ctx, "key1", []Grant{{Permission: ChatRead}, {Permission: ChatRead}, {Permission: ChatWrite}})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Equal(t, []Grant{{Permission: ChatRead}, {Permission: ChatWrite}}, grants)
}

func TestSetAllEmptyClearsKey(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))
	n, err := m.SetAll(ctx, "key1", nil)
	require.NoError(t, err)
	require.Zero(t, n)

	grants, err := m.List(ctx, "key1")
	require.NoError(t, err)
	require.Empty(t, grants)
}

func TestHasUnknownKey(t *testing.T) {
	m := newTestManager(t)

	ok, err := m.Has(context.Background(), "never-seen", ChatRead)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestHasUnknownPermission(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Has(context.Background(), "key1", "nope:read")
	require.ErrorIs(t, err, ErrUnknownPermission)
}

func TestKeysIsolated(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", SystemWrite, ""))

	ok, err := m.Has(ctx, "key2", SystemRead)
	require.NoError(t, err)
	require.False(t, ok, "grants must not leak across keys")
}

// =============================================================================
// RATE LIMIT TESTS
// =============================================================================

func TestPerKeyRateLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Add(ctx, "key1", ChatRead, ""))

	// Exhaust the per-key burst; the global budget is larger so the
	// first throttle seen is the per-key one.
	limited := false
	for i := 0; i < 200; i++ {
		_, err := m.Has(ctx, "key1", ChatRead)
		if err != nil {
			require.ErrorIs(t, err, ErrRateLimited)
			limited = true
			break
		}
	}
	require.True(t, limited, "expected per-key limit to trip")

	// Another key still has budget
	_, err := m.Has(ctx, "key2", ChatRead)
	require.NoError(t, err)
}
