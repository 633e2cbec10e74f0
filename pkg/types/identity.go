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

package types

import (
	"strings"
	"time"
)

// Identity string formats produced by the key-generation tool. The identity
// tag is the opaque unlock handle; the recipient is the public encryption
// target. They are derived together but are never interchangeable.
const (
	IdentityTagPrefix  = "AGE-PLUGIN-YUBIKEY-"
	RecipientPrefix    = "age1yubikey1"
	minIdentityTagLen  = 20
	minRecipientStrLen = len(RecipientPrefix) + 1
)

// YubiKeyIdentity binds a device serial to the identity tag and recipient
// generated on one of its retired slots. Immutable after construction.
type YubiKeyIdentity struct {
	identityTag string
	serial      Serial
	recipient   string
	slot        uint8
	algorithm   string
	createdAt   time.Time
}

// NewIdentity validates and constructs a YubiKeyIdentity.
//
// The separation between identityTag and recipient fixed a real defect where
// one was persisted in place of the other, so both formats are checked here
// and nowhere else accepts either string unvalidated.
func NewIdentity(identityTag string, serial Serial, recipient string, slot uint8) (*YubiKeyIdentity, error) {
	if identityTag == "" {
		return nil, NewValidationError("identity_tag", "cannot be empty")
	}
	if !strings.HasPrefix(identityTag, IdentityTagPrefix) {
		return nil, NewValidationError("identity_tag",
			"must start with "+IdentityTagPrefix)
	}
	if len(identityTag) < minIdentityTagLen {
		return nil, NewValidationError("identity_tag", "too short")
	}
	if serial.IsZero() {
		return nil, NewValidationError("serial", "cannot be zero")
	}
	if !strings.HasPrefix(recipient, RecipientPrefix) || len(recipient) < minRecipientStrLen {
		return nil, NewValidationError("recipient",
			"must start with "+RecipientPrefix)
	}
	return &YubiKeyIdentity{
		identityTag: identityTag,
		serial:      serial,
		recipient:   recipient,
		slot:        slot,
		algorithm:   "X25519",
		createdAt:   time.Now().UTC(),
	}, nil
}

// IdentityTag returns the opaque unlock handle. Only decryption plumbing
// should ever need this.
func (id *YubiKeyIdentity) IdentityTag() string {
	return id.identityTag
}

// Recipient returns the public encryption target. This is the only field
// encryption callers are given.
func (id *YubiKeyIdentity) Recipient() string {
	return id.recipient
}

// Serial returns the owning device serial.
func (id *YubiKeyIdentity) Serial() Serial {
	return id.serial
}

// Slot returns the logical retired slot holding the key.
func (id *YubiKeyIdentity) Slot() uint8 {
	return id.slot
}

// Algorithm returns the key algorithm.
func (id *YubiKeyIdentity) Algorithm() string {
	return id.algorithm
}

// CreatedAt returns when the identity was generated or first observed.
func (id *YubiKeyIdentity) CreatedAt() time.Time {
	return id.createdAt
}

// Equal keys identity equality on (serial, identity_tag).
func (id *YubiKeyIdentity) Equal(other *YubiKeyIdentity) bool {
	if other == nil {
		return false
	}
	return id.serial.Equal(other.serial) && id.identityTag == other.identityTag
}

// Redacted returns a loggable summary of the identity.
func (id *YubiKeyIdentity) Redacted() string {
	tag := id.identityTag
	if len(tag) > 15 {
		tag = tag[:15]
	}
	return tag + "... (serial " + id.serial.Redacted() + ")"
}
