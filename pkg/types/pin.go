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

import "fmt"

// Factory default credentials for PIV applets.
const (
	DefaultPIN = "123456"
	DefaultPUK = "12345678"
)

// Pin is a validated PIV PIN. The raw value is only reachable through
// Expose(), which keeps accidental formatting and serialization from
// leaking it.
type Pin struct {
	value string
}

// NewPin validates and returns a PIN. PIV PINs are 6-8 ASCII digits.
func NewPin(value string) (Pin, error) {
	if value == "" {
		return Pin{}, NewValidationError("pin", "cannot be empty")
	}
	if len(value) < 6 || len(value) > 8 {
		return Pin{}, NewValidationError("pin", "must be 6-8 digits")
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return Pin{}, NewValidationError("pin", "must contain only digits")
		}
	}
	return Pin{value: value}, nil
}

// Expose returns the raw PIN for injection into a hardware session.
func (p Pin) Expose() string {
	return p.value
}

// IsDefault reports whether this is the factory default PIN.
func (p Pin) IsDefault() bool {
	return p.value == DefaultPIN
}

// IsZero reports whether the Pin is the unvalidated zero value.
func (p Pin) IsZero() bool {
	return p.value == ""
}

// String implements fmt.Stringer; the value is always masked.
func (p Pin) String() string {
	return "[redacted]"
}

// Format implements fmt.Formatter so %v, %s, %q and %#v all mask the value.
func (p Pin) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, "[redacted]")
}

// MarshalText refuses serialization; PINs are never persisted.
func (p Pin) MarshalText() ([]byte, error) {
	return nil, NewValidationError("pin", "must not be serialized")
}
