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
	"errors"
	"fmt"
	"time"
)

// Core vault errors
var (
	// ErrDeviceNotFound indicates no connected device matched the requested serial.
	ErrDeviceNotFound = errors.New("vault: device not found")

	// ErrPinInvalid indicates the PIN was rejected by validation or by the device.
	ErrPinInvalid = errors.New("vault: invalid PIN")

	// ErrPinBlocked indicates the device PIN is blocked after too many attempts.
	ErrPinBlocked = errors.New("vault: PIN blocked")

	// ErrSlotOccupied indicates the requested retired slot is already claimed.
	ErrSlotOccupied = errors.New("vault: slot occupied")

	// ErrSlotOutOfRange indicates a logical slot outside [1,20].
	ErrSlotOutOfRange = errors.New("vault: slot out of range")

	// ErrRegistry indicates a registry load, save or lookup failure.
	ErrRegistry = errors.New("vault: registry error")

	// ErrIdentityNotFound indicates the device holds no identity for the serial.
	ErrIdentityNotFound = errors.New("vault: identity not found")

	// ErrRecipientNotFound indicates no matching recipient in the vault metadata.
	ErrRecipientNotFound = errors.New("vault: recipient not found")

	// ErrNoUnlockMethod indicates no unlock method is currently available.
	ErrNoUnlockMethod = errors.New("vault: no unlock method available")

	// ErrUnlockMethodUnavailable indicates the requested unlock method cannot be used now.
	ErrUnlockMethodUnavailable = errors.New("vault: unlock method not available")
)

// ValidationError reports malformed input rejected at construction time.
// The offending value is never echoed back for secret-bearing fields.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("vault: invalid %s: %s", e.Field, e.Reason)
}

// NewValidationError creates a ValidationError for the named field.
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidationError reports whether err is (or wraps) a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TimeoutError reports an operation that exceeded its deadline. The child
// process has been killed by the time this error is returned.
type TimeoutError struct {
	Op       string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("vault: %s timed out after %s", e.Op, e.Duration)
}

// SubprocessError reports an external tool failure. Transcript carries the
// full captured output for diagnosis; PIN input is never echoed by the tools
// so the transcript is safe to surface.
type SubprocessError struct {
	Op         string
	ExitCode   int
	Transcript string
	Err        error
}

func (e *SubprocessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: %s failed: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("vault: %s failed with exit code %d", e.Op, e.ExitCode)
}

func (e *SubprocessError) Unwrap() error { return e.Err }

// OperationNotAllowedError reports a request for an operation outside the
// legal set for the device's current lifecycle state.
type OperationNotAllowedError struct {
	State     YubiKeyState
	Operation Operation
}

func (e *OperationNotAllowedError) Error() string {
	return fmt.Sprintf("vault: operation %s not allowed in state %s", e.Operation, e.State)
}

// PinError reports a PIN rejected by the hardware. TriesRemaining is
// best-effort, parsed from tool output when present; callers must not make
// control-flow decisions on it.
type PinError struct {
	TriesRemaining *int
}

func (e *PinError) Error() string {
	if e.TriesRemaining != nil {
		return fmt.Sprintf("vault: wrong PIN (%d tries remaining)", *e.TriesRemaining)
	}
	return "vault: wrong PIN"
}

func (e *PinError) Unwrap() error { return ErrPinInvalid }
