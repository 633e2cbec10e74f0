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

// Serial is a validated YubiKey serial number. The zero value is invalid;
// construct through NewSerial. Logs and errors must use Redacted(), never
// the raw value.
type Serial struct {
	value string
}

// NewSerial validates and returns a device serial. Serials are 8-12 ASCII
// digits as reported by the device tooling.
func NewSerial(value string) (Serial, error) {
	if value == "" {
		return Serial{}, NewValidationError("serial", "cannot be empty")
	}
	if len(value) < 8 || len(value) > 12 {
		return Serial{}, NewValidationError("serial",
			fmt.Sprintf("length %d, expected 8-12 digits", len(value)))
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return Serial{}, NewValidationError("serial", "must contain only digits")
		}
	}
	return Serial{value: value}, nil
}

// Value returns the raw serial. Callers passing it to external tools own the
// responsibility of keeping it out of logs.
func (s Serial) Value() string {
	return s.value
}

// Redacted returns the loggable form, keeping only the last four digits.
func (s Serial) Redacted() string {
	if len(s.value) <= 4 {
		return "****"
	}
	return "***" + s.value[len(s.value)-4:]
}

// IsZero reports whether the serial is the unvalidated zero value.
func (s Serial) IsZero() bool {
	return s.value == ""
}

// Equal reports whether two serials refer to the same device.
func (s Serial) Equal(other Serial) bool {
	return s.value == other.value
}

// String implements fmt.Stringer with the redacted form so accidental
// formatting never leaks the full serial.
func (s Serial) String() string {
	return s.Redacted()
}

// MarshalText persists the full serial; registry entries need it to match
// devices across sessions.
func (s Serial) MarshalText() ([]byte, error) {
	return []byte(s.value), nil
}

// UnmarshalText validates serials loaded from persisted documents.
func (s *Serial) UnmarshalText(text []byte) error {
	parsed, err := NewSerial(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
