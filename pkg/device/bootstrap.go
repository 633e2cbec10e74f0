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

package device

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// recoveryAlphabet excludes lookalike characters (0/O, 1/I/L) so a code read
// off a printout survives retyping.
const recoveryAlphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"

const (
	recoveryGroups    = 3
	recoveryGroupSize = 5
)

// BootstrapResult reports the outcome of factory provisioning. RecoveryCode
// is shown to the user exactly once; only its hash is ever persisted.
type BootstrapResult struct {
	RecoveryCode     string
	RecoveryCodeHash string
	// PUK was randomized during bootstrap and sealed to the recovery code.
	SealedPUK []byte
}

// Bootstrap provisions a factory-fresh device:
//
//  1. change the PIN from the factory default to newPIN;
//  2. randomize the PUK away from its well-known default;
//  3. move the management key off its default, PIN-protected, preferring
//     the modern algorithm and falling back to the legacy one for older
//     firmware;
//  4. generate a one-time recovery code and seal the new PUK to it.
//
// There is no rollback: a partially provisioned device is strictly safer
// than a factory-default one, so failures surface the failing step and leave
// completed steps in place.
func (s *Service) Bootstrap(ctx context.Context, serial types.Serial, newPIN types.Pin) (*BootstrapResult, error) {
	if newPIN.IsZero() {
		return nil, types.NewValidationError("pin", "cannot be empty")
	}
	if newPIN.IsDefault() {
		return nil, types.NewValidationError("pin", "must differ from the factory default")
	}

	s.log.Info("provisioning device", "serial", serial.Redacted())

	if _, err := s.run(ctx, "change-pin",
		"--device", serial.Value(), "piv", "access", "change-pin",
		"--pin", types.DefaultPIN, "--new-pin", newPIN.Expose(),
	); err != nil {
		return nil, fmt.Errorf("bootstrap: change-pin: %w", err)
	}

	newPUK, err := randomPUK()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	if _, err := s.run(ctx, "change-puk",
		"--device", serial.Value(), "piv", "access", "change-puk",
		"--puk", types.DefaultPUK, "--new-puk", newPUK,
	); err != nil {
		return nil, fmt.Errorf("bootstrap: change-puk: %w", err)
	}

	if err := s.protectManagementKey(ctx, serial, newPIN); err != nil {
		return nil, fmt.Errorf("bootstrap: management-key: %w", err)
	}

	code, err := GenerateRecoveryCode()
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	sealed, err := Seal(code, []byte(newPUK))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: seal puk: %w", err)
	}

	return &BootstrapResult{
		RecoveryCode:     code,
		RecoveryCodeHash: HashRecoveryCode(code),
		SealedPUK:        sealed,
	}, nil
}

// protectManagementKey moves the management key off the factory default and
// stores it PIN-protected on the device. Newer firmware takes the modern
// algorithm; older firmware only understands the legacy one, so a failed
// first attempt is retried rather than surfaced.
func (s *Service) protectManagementKey(ctx context.Context, serial types.Serial, pin types.Pin) error {
	modernErr := s.changeManagementKey(ctx, serial, pin, "aes192")
	if modernErr == nil {
		return nil
	}
	s.log.Warn("modern management key algorithm rejected, retrying with legacy",
		"serial", serial.Redacted())
	if legacyErr := s.changeManagementKey(ctx, serial, pin, "tdes"); legacyErr != nil {
		return legacyErr
	}
	return nil
}

// UnblockPIN resets a blocked PIN using the PUK. The caller obtains the PUK
// by opening the sealed blob from bootstrap with the recovery code.
func (s *Service) UnblockPIN(ctx context.Context, serial types.Serial, puk string, newPIN types.Pin) error {
	if newPIN.IsZero() {
		return types.NewValidationError("pin", "cannot be empty")
	}
	if newPIN.IsDefault() {
		return types.NewValidationError("pin", "must differ from the factory default")
	}
	if _, err := s.run(ctx, "unblock-pin",
		"--device", serial.Value(), "piv", "access", "unblock-pin",
		"--puk", puk, "--new-pin", newPIN.Expose(),
	); err != nil {
		return fmt.Errorf("unblock-pin: %w", err)
	}
	s.log.Info("pin unblocked", "serial", serial.Redacted())
	return nil
}

func (s *Service) changeManagementKey(ctx context.Context, serial types.Serial, pin types.Pin, algorithm string) error {
	_, err := s.run(ctx, "change-management-key",
		"--device", serial.Value(), "piv", "access", "change-management-key",
		"--generate", "--protect", "--algorithm", algorithm,
		"--pin", pin.Expose(),
	)
	return err
}

// GenerateRecoveryCode produces a one-time code like "A7KQM-29XWR-PFH4T".
func GenerateRecoveryCode() (string, error) {
	groups := make([]string, 0, recoveryGroups)
	var b strings.Builder
	for g := 0; g < recoveryGroups; g++ {
		b.Reset()
		for i := 0; i < recoveryGroupSize; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(recoveryAlphabet))))
			if err != nil {
				return "", err
			}
			b.WriteByte(recoveryAlphabet[n.Int64()])
		}
		groups = append(groups, b.String())
	}
	return strings.Join(groups, "-"), nil
}

// HashRecoveryCode returns the hex SHA-256 of a recovery code. The hash is
// what the registry stores; the code itself is never persisted.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

// VerifyRecoveryCode checks a user-supplied code against a stored hash.
func VerifyRecoveryCode(code, storedHash string) bool {
	return HashRecoveryCode(code) == strings.ToLower(strings.TrimSpace(storedHash))
}

// normalizeRecoveryCode uppercases and strips separators so hyphenation and
// case do not affect verification.
func normalizeRecoveryCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	return strings.ReplaceAll(code, "-", "")
}

func randomPUK() (string, error) {
	var b strings.Builder
	for i := 0; i < 8; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", err
		}
		b.WriteByte(byte('0' + n.Int64()))
	}
	return b.String(), nil
}
