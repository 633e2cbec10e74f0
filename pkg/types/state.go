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

// YubiKeyState is the derived lifecycle state of a device. It is computed
// from observable facts on every query and is never persisted or cached;
// both the device and the registry can change between calls.
type YubiKeyState string

const (
	// StateNew is a factory-fresh device: default PIN, no identity,
	// no registry entry.
	StateNew YubiKeyState = "new"

	// StateReused has a custom PIN but no identity yet.
	StateReused YubiKeyState = "reused"

	// StateRegistered has an identity and a matching registry entry and is
	// ready for encryption operations.
	StateRegistered YubiKeyState = "registered"

	// StateOrphaned has an identity but no (or a stale) registry entry and
	// needs recovery before use.
	StateOrphaned YubiKeyState = "orphaned"
)

// Operation is a request the facade can make against a device.
type Operation string

const (
	OpSetupPin         Operation = "setup-pin"
	OpGenerateIdentity Operation = "generate-identity"
	OpRecoverRegistry  Operation = "recover-registry"
	OpEncrypt          Operation = "encrypt"
	OpDecrypt          Operation = "decrypt"
	OpCheckStatus      Operation = "check-status"
	OpGetIdentity      Operation = "get-identity"
)

// DeriveState computes the lifecycle state from the three observable facts.
// It is a pure function: identical inputs always produce identical states.
//
// A registry entry without an on-device identity is stale; the device is
// treated as Orphaned and the caller is expected to log the inconsistency.
func DeriveState(hasRegistryEntry, hasIdentity, hasDefaultPIN bool) YubiKeyState {
	switch {
	case !hasRegistryEntry && !hasIdentity:
		if hasDefaultPIN {
			return StateNew
		}
		return StateReused
	case !hasRegistryEntry && hasIdentity:
		return StateOrphaned
	case hasRegistryEntry && hasIdentity:
		return StateRegistered
	default: // registry entry but no identity: stale registry
		return StateOrphaned
	}
}

// AllowedOperations returns the legal operation set for the state.
func (s YubiKeyState) AllowedOperations() []Operation {
	switch s {
	case StateNew:
		return []Operation{OpSetupPin, OpCheckStatus}
	case StateReused:
		return []Operation{OpGenerateIdentity, OpCheckStatus}
	case StateRegistered:
		return []Operation{OpEncrypt, OpDecrypt, OpCheckStatus, OpGetIdentity}
	case StateOrphaned:
		return []Operation{OpRecoverRegistry, OpGenerateIdentity, OpCheckStatus, OpGetIdentity}
	default:
		return nil
	}
}

// Allows reports whether op is legal in this state.
func (s YubiKeyState) Allows(op Operation) bool {
	for _, allowed := range s.AllowedOperations() {
		if allowed == op {
			return true
		}
	}
	return false
}

// Check returns an OperationNotAllowedError if op is outside the legal set.
func (s YubiKeyState) Check(op Operation) error {
	if !s.Allows(op) {
		return &OperationNotAllowedError{State: s, Operation: op}
	}
	return nil
}

// ReadyForCrypto reports whether encryption operations are legal.
func (s YubiKeyState) ReadyForCrypto() bool {
	return s == StateRegistered
}

// HasIdentity reports whether the state implies an on-device identity.
func (s YubiKeyState) HasIdentity() bool {
	return s == StateRegistered || s == StateOrphaned
}

// StateInfo pairs a probed device with its derived state for list queries.
type StateInfo struct {
	Device   YubiKeyDevice
	State    YubiKeyState
	KeyID    string // registry key ID when Registered, empty otherwise
	Label    string
	Slot     uint8
	PinIsSet bool
}
