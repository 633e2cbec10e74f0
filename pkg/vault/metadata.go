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

// Package vault composes heterogeneous recipients into one encrypted
// container and picks an unlock strategy when opening it.
package vault

import (
	"time"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// RecipientType discriminates RecipientInfo entries.
type RecipientType string

const (
	RecipientTypePassphrase RecipientType = "passphrase"
	RecipientTypeYubiKey    RecipientType = "yubikey"
)

// YubiKeyRecipientInfo carries the hardware-specific half of a recipient.
// IdentityTag lives here (not in PublicKey) so the unlock handle and the
// encryption target can never be swapped in persisted metadata.
type YubiKeyRecipientInfo struct {
	Serial      types.Serial `json:"serial"`
	Slot        uint8        `json:"slot"`
	PIVSlot     uint8        `json:"piv_slot"`
	Model       string       `json:"model,omitempty"`
	IdentityTag string       `json:"identity_tag"`
	Firmware    string       `json:"firmware,omitempty"`
}

// RecipientInfo is one key a vault is encrypted to.
type RecipientInfo struct {
	KeyID     string                `json:"key_id"`
	Type      RecipientType         `json:"recipient_type"`
	PublicKey string                `json:"public_key"`
	Label     string                `json:"label"`
	CreatedAt time.Time             `json:"created_at"`
	YubiKey   *YubiKeyRecipientInfo `json:"yubikey,omitempty"`
}

// ProtectionModeKind names the derived protection class of a vault.
type ProtectionModeKind string

const (
	ProtectionPassphraseOnly ProtectionModeKind = "passphrase-only"
	ProtectionYubiKeyOnly    ProtectionModeKind = "yubikey-only"
	ProtectionHybrid         ProtectionModeKind = "hybrid"
)

// ProtectionMode is derived from a vault's recipient set, never set
// directly. Serial is the hardware serial for the yubikey-only and hybrid
// kinds.
type ProtectionMode struct {
	Kind   ProtectionModeKind `json:"kind"`
	Serial types.Serial       `json:"serial,omitzero"`
}

// DeriveProtectionMode classifies a recipient set.
func DeriveProtectionMode(recipients []RecipientInfo) ProtectionMode {
	var hasPassphrase bool
	var hardware *YubiKeyRecipientInfo
	for i := range recipients {
		switch recipients[i].Type {
		case RecipientTypePassphrase:
			hasPassphrase = true
		case RecipientTypeYubiKey:
			if hardware == nil {
				hardware = recipients[i].YubiKey
			}
		}
	}

	switch {
	case hasPassphrase && hardware != nil:
		return ProtectionMode{Kind: ProtectionHybrid, Serial: hardware.Serial}
	case hardware != nil:
		return ProtectionMode{Kind: ProtectionYubiKeyOnly, Serial: hardware.Serial}
	default:
		return ProtectionMode{Kind: ProtectionPassphraseOnly}
	}
}

// Metadata is the persisted description of a vault's protection.
type Metadata struct {
	Schema         int             `json:"schema"`
	ProtectionMode ProtectionMode  `json:"protection_mode"`
	Recipients     []RecipientInfo `json:"recipients"`
	CreatedAt      time.Time       `json:"created_at"`
}

// MetadataSchemaVersion of the on-disk metadata document.
const MetadataSchemaVersion = 1

// NewMetadata builds vault metadata with its derived protection mode.
func NewMetadata(recipients []RecipientInfo) *Metadata {
	return &Metadata{
		Schema:         MetadataSchemaVersion,
		ProtectionMode: DeriveProtectionMode(recipients),
		Recipients:     recipients,
		CreatedAt:      time.Now().UTC(),
	}
}

// PassphraseRecipients returns the software recipients of the vault.
func (m *Metadata) PassphraseRecipients() []RecipientInfo {
	return m.recipientsOfType(RecipientTypePassphrase)
}

// YubiKeyRecipients returns the hardware recipients of the vault.
func (m *Metadata) YubiKeyRecipients() []RecipientInfo {
	return m.recipientsOfType(RecipientTypeYubiKey)
}

func (m *Metadata) recipientsOfType(t RecipientType) []RecipientInfo {
	var out []RecipientInfo
	for _, r := range m.Recipients {
		if r.Type == t {
			out = append(out, r)
		}
	}
	return out
}
