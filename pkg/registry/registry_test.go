// Copyright (c) 2025 Barqly
//
// This file is part of barqly-vault.
//
// barqly-vault is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@barqly.com for commercial licensing options.

package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

func TestPIVSlot(t *testing.T) {
	tests := []struct {
		slot    uint8
		want    uint8
		wantErr bool
	}{
		{1, 83, false},
		{10, 92, false},
		{20, 102, false},
		{0, 0, true},
		{21, 0, true},
	}
	for _, tt := range tests {
		got, err := PIVSlot(tt.slot)
		if tt.wantErr {
			assert.ErrorIs(t, err, types.ErrSlotOutOfRange, "slot %d", tt.slot)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "slot %d", tt.slot)
	}
}

func testStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "registry.json"), nil)
}

func testIdentity(t *testing.T, serial string, slot uint8) *types.YubiKeyIdentity {
	t.Helper()
	s, err := types.NewSerial(serial)
	require.NoError(t, err)
	id, err := types.NewIdentity(
		"AGE-PLUGIN-YUBIKEY-1ABCDEF2GHIJKL"+serial,
		s,
		"age1yubikey1qrecipient"+serial,
		slot,
	)
	require.NoError(t, err)
	return id
}

func TestLoadMissingFileIsEmptyRegistry(t *testing.T) {
	store := testStore(t)
	doc, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, doc.Keys)
	assert.Equal(t, SchemaVersion, doc.Schema)
}

func TestRegisterAndReload(t *testing.T) {
	store := testStore(t)
	id := testIdentity(t, "12345678", 1)

	entry, err := store.Register(id, "my key", "abc123hash", []byte("sealed"))
	require.NoError(t, err)
	assert.NotEmpty(t, entry.KeyID)
	assert.Equal(t, uint8(1), entry.Slot)
	assert.Equal(t, uint8(83), entry.PIVSlot)
	assert.Equal(t, id.Recipient(), entry.Recipient)
	assert.Equal(t, id.IdentityTag(), entry.IdentityTag)

	doc, err := store.Load()
	require.NoError(t, err)
	require.Len(t, doc.Keys, 1)

	loaded, ok := doc.FindBySerial(id.Serial())
	require.True(t, ok)
	assert.Equal(t, entry.KeyID, loaded.KeyID)
	assert.Equal(t, "my key", loaded.Label)
	assert.Equal(t, "abc123hash", loaded.RecoveryCodeHash)
	assert.Equal(t, []byte("sealed"), loaded.SealedPUK)
}

func TestRegisterRejectsClaimedBinding(t *testing.T) {
	store := testStore(t)
	_, err := store.Register(testIdentity(t, "12345678", 1), "first", "", nil)
	require.NoError(t, err)

	_, err = store.Register(testIdentity(t, "12345678", 1), "second", "", nil)
	assert.ErrorIs(t, err, types.ErrSlotOccupied)

	// Same serial on a different slot is a consistency conflict, not a
	// registration error.
	_, err = store.Register(testIdentity(t, "12345678", 2), "second", "", nil)
	require.NoError(t, err)

	conflicts, err := store.CheckConsistency()
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictDuplicateSerial, conflicts[0].Kind)
}

func TestRegisterRejectsSlotClaimedByOtherSerial(t *testing.T) {
	store := testStore(t)
	_, err := store.Register(testIdentity(t, "11111111", 1), "first", "", nil)
	require.NoError(t, err)

	// A different device cannot take an already-claimed slot.
	_, err = store.Register(testIdentity(t, "22222222", 1), "second", "", nil)
	assert.ErrorIs(t, err, types.ErrSlotOccupied)

	_, err = store.Register(testIdentity(t, "22222222", 2), "second", "", nil)
	require.NoError(t, err)

	conflicts, err := store.CheckConsistency()
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestConflictsReportsSlotContention(t *testing.T) {
	// A document written by older builds can already carry the contention;
	// the scan must report it.
	doc := NewDocument()
	serialA, err := types.NewSerial("11111111")
	require.NoError(t, err)
	serialB, err := types.NewSerial("22222222")
	require.NoError(t, err)

	doc.Keys["a"] = Entry{KeyID: "a", Serial: serialA, Slot: 1}
	doc.Keys["b"] = Entry{KeyID: "b", Serial: serialB, Slot: 1}

	conflicts := doc.Conflicts()
	require.Len(t, conflicts, 1)
	assert.Equal(t, ConflictSlotContention, conflicts[0].Kind)
	assert.ElementsMatch(t, []string{"a", "b"}, conflicts[0].KeyIDs)
	assert.Equal(t, uint8(1), conflicts[0].Slot)
	assert.NotContains(t, conflicts[0].Serial, "11111111")
	assert.NotContains(t, conflicts[0].Serial, "22222222")
}

func TestSaveIsAtomic(t *testing.T) {
	store := testStore(t)
	_, err := store.Register(testIdentity(t, "12345678", 1), "key", "", nil)
	require.NoError(t, err)

	dir := filepath.Dir(store.path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "temp file left behind")
	}

	// Registry file must not be world readable.
	info, err := os.Stat(store.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestConflictsReportsEveryViolation(t *testing.T) {
	doc := NewDocument()
	serialA, err := types.NewSerial("11111111")
	require.NoError(t, err)
	serialB, err := types.NewSerial("22222222")
	require.NoError(t, err)

	doc.Keys["a"] = Entry{KeyID: "a", Serial: serialA, Slot: 1}
	doc.Keys["b"] = Entry{KeyID: "b", Serial: serialA, Slot: 1}
	doc.Keys["c"] = Entry{KeyID: "c", Serial: serialB, Slot: 2}

	conflicts := doc.Conflicts()
	kinds := map[ConflictKind]int{}
	for _, c := range conflicts {
		kinds[c.Kind]++
		assert.NotContains(t, c.Serial, "11111111", "conflict serials must be redacted")
	}
	assert.Equal(t, 1, kinds[ConflictDuplicateBinding])
	assert.Equal(t, 1, kinds[ConflictDuplicateSerial])
}

func TestRemove(t *testing.T) {
	store := testStore(t)
	entry, err := store.Register(testIdentity(t, "12345678", 1), "key", "", nil)
	require.NoError(t, err)

	require.NoError(t, store.Remove(entry.KeyID))
	_, err = store.FindBySerial(entry.Serial)
	assert.ErrorIs(t, err, types.ErrIdentityNotFound)

	err = store.Remove("no-such-key")
	assert.ErrorIs(t, err, types.ErrRegistry)
}

func TestTouchLastUsed(t *testing.T) {
	store := testStore(t)
	entry, err := store.Register(testIdentity(t, "12345678", 1), "key", "", nil)
	require.NoError(t, err)
	require.Nil(t, entry.LastUsed)

	before := time.Now().UTC()
	require.NoError(t, store.TouchLastUsed(entry.KeyID))

	reloaded, err := store.FindBySerial(entry.Serial)
	require.NoError(t, err)
	require.NotNil(t, reloaded.LastUsed)
	assert.False(t, reloaded.LastUsed.Before(before.Add(-time.Second)))

	// Everything else stays immutable.
	assert.Equal(t, entry.IdentityTag, reloaded.IdentityTag)
	assert.Equal(t, entry.Recipient, reloaded.Recipient)
}
