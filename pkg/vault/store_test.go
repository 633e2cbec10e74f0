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

package vault

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

func TestStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "vault.json"))

	serial := mustSerial(t, "12345678")
	meta := NewMetadata([]RecipientInfo{
		{
			KeyID:     "key-1",
			Type:      RecipientTypeYubiKey,
			PublicKey: "age1yubikey1qrecipient",
			Label:     "hardware",
			CreatedAt: time.Now().UTC(),
			YubiKey: &YubiKeyRecipientInfo{
				Serial:      serial,
				Slot:        1,
				PIVSlot:     83,
				IdentityTag: "AGE-PLUGIN-YUBIKEY-1TAG0000000000",
			},
		},
	})

	require.NoError(t, store.Save(meta))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, ProtectionYubiKeyOnly, loaded.ProtectionMode.Kind)
	assert.True(t, loaded.ProtectionMode.Serial.Equal(serial))
	require.Len(t, loaded.Recipients, 1)
	require.NotNil(t, loaded.Recipients[0].YubiKey)
	assert.Equal(t, "AGE-PLUGIN-YUBIKEY-1TAG0000000000", loaded.Recipients[0].YubiKey.IdentityTag)
	assert.Equal(t, "age1yubikey1qrecipient", loaded.Recipients[0].PublicKey)

	// No temp files left behind.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "vault.json"))
	_, err := store.Load()
	assert.ErrorIs(t, err, types.ErrRecipientNotFound)
}
