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
	"bytes"
	"context"
	"fmt"
	"io"

	"filippo.io/age"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/metrics"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// UnlockMethod names a way to open a vault.
type UnlockMethod string

const (
	MethodPassphrase UnlockMethod = "passphrase"
	MethodYubiKey    UnlockMethod = "yubikey"
)

// DeviceLister reports the serials of currently connected devices.
type DeviceLister interface {
	List(ctx context.Context) ([]types.Serial, error)
}

// HardwareCryptor runs encryption operations through the external tool.
type HardwareCryptor interface {
	Encrypt(ctx context.Context, recipients []string, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, identityTag string, pin types.Pin, data []byte) ([]byte, error)
}

// KeyUnlocker opens passphrase-protected software keys.
type KeyUnlocker interface {
	DecryptPrivateKey(label, passphrase string) (*age.X25519Identity, error)
}

// Composer encrypts once to the union of a vault's recipients and picks an
// unlock path when opening.
type Composer struct {
	devices DeviceLister
	hw      HardwareCryptor
	keys    KeyUnlocker
	log     *logging.Logger
}

// NewComposer wires a Composer.
func NewComposer(devices DeviceLister, hw HardwareCryptor, keys KeyUnlocker, log *logging.Logger) *Composer {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Composer{devices: devices, hw: hw, keys: keys, log: log}
}

// Encrypt produces one ciphertext openable by any recipient of the vault.
// When every public key parses as a native X25519 recipient the container is
// composed in-process; a single hardware recipient forces the external tool,
// which understands the plugin recipient format.
func (c *Composer) Encrypt(ctx context.Context, data []byte, meta *Metadata) (out []byte, err error) {
	defer func() { metrics.ObserveOperation("encrypt", err) }()

	if len(meta.Recipients) == 0 {
		return nil, types.NewValidationError("recipients", "cannot be empty")
	}

	publicKeys := make([]string, 0, len(meta.Recipients))
	native := make([]age.Recipient, 0, len(meta.Recipients))
	allNative := true
	for _, r := range meta.Recipients {
		if r.PublicKey == "" {
			return nil, types.NewValidationError("public_key", "cannot be empty")
		}
		publicKeys = append(publicKeys, r.PublicKey)
		parsed, perr := age.ParseX25519Recipient(r.PublicKey)
		if perr != nil {
			allNative = false
			continue
		}
		native = append(native, parsed)
	}

	if allNative {
		var buf bytes.Buffer
		w, werr := age.Encrypt(&buf, native...)
		if werr != nil {
			return nil, fmt.Errorf("vault: encrypt: %w", werr)
		}
		if _, werr := w.Write(data); werr != nil {
			return nil, fmt.Errorf("vault: encrypt: %w", werr)
		}
		if werr := w.Close(); werr != nil {
			return nil, fmt.Errorf("vault: encrypt: %w", werr)
		}
		return buf.Bytes(), nil
	}

	c.log.Debug("hardware recipient present, composing via external tool",
		"recipients", len(publicKeys))
	return c.hw.Encrypt(ctx, publicKeys, data)
}

// DecryptRequest describes one open attempt.
type DecryptRequest struct {
	Data     []byte
	Metadata *Metadata

	// Preference forces a method when set; empty selects the protection
	// mode's default.
	Preference UnlockMethod

	// Passphrase path.
	Passphrase      string
	PassphraseLabel string

	// Hardware path.
	Pin types.Pin
}

// DecryptResult reports the plaintext and which recipient actually opened
// the container.
type DecryptResult struct {
	Plaintext      []byte
	Method         UnlockMethod
	RecipientLabel string
	KeyID          string
}

// AvailableMethods computes which unlock methods can work right now. A
// passphrase recipient is always usable; a hardware recipient only while its
// device is connected and carries a usable identity tag.
func (c *Composer) AvailableMethods(ctx context.Context, meta *Metadata) ([]UnlockMethod, error) {
	var methods []UnlockMethod
	if len(meta.PassphraseRecipients()) > 0 {
		methods = append(methods, MethodPassphrase)
	}
	if r, ok, err := c.connectedHardwareRecipient(ctx, meta); err != nil {
		return nil, err
	} else if ok && r.YubiKey.IdentityTag != "" {
		methods = append(methods, MethodYubiKey)
	}
	return methods, nil
}

// Decrypt opens a container: compute available methods, select one, and
// dispatch to the matching unwrap path.
func (c *Composer) Decrypt(ctx context.Context, req DecryptRequest) (res *DecryptResult, err error) {
	defer func() { metrics.ObserveOperation("decrypt", err) }()

	available, err := c.AvailableMethods(ctx, req.Metadata)
	if err != nil {
		return nil, err
	}
	method, err := selectMethod(available, req.Preference, req.Metadata.ProtectionMode)
	if err != nil {
		return nil, err
	}

	switch method {
	case MethodPassphrase:
		return c.decryptWithPassphrase(req)
	case MethodYubiKey:
		return c.decryptWithHardware(ctx, req)
	default:
		return nil, types.ErrNoUnlockMethod
	}
}

// selectMethod applies the explicit preference when usable, else the
// protection mode's default. Hybrid prefers hardware and falls back to
// passphrase.
func selectMethod(available []UnlockMethod, preference UnlockMethod, mode ProtectionMode) (UnlockMethod, error) {
	if len(available) == 0 {
		return "", types.ErrNoUnlockMethod
	}
	if preference != "" {
		if contains(available, preference) {
			return preference, nil
		}
		return "", fmt.Errorf("%w: %s", types.ErrUnlockMethodUnavailable, preference)
	}

	switch mode.Kind {
	case ProtectionPassphraseOnly:
		if contains(available, MethodPassphrase) {
			return MethodPassphrase, nil
		}
	case ProtectionYubiKeyOnly:
		if contains(available, MethodYubiKey) {
			return MethodYubiKey, nil
		}
	case ProtectionHybrid:
		if contains(available, MethodYubiKey) {
			return MethodYubiKey, nil
		}
		if contains(available, MethodPassphrase) {
			return MethodPassphrase, nil
		}
	}
	return "", types.ErrNoUnlockMethod
}

func (c *Composer) decryptWithPassphrase(req DecryptRequest) (*DecryptResult, error) {
	recipients := req.Metadata.PassphraseRecipients()
	if len(recipients) == 0 {
		return nil, types.ErrRecipientNotFound
	}
	target := recipients[0]
	label := req.PassphraseLabel
	if label == "" {
		label = target.Label
	} else {
		found := false
		for _, r := range recipients {
			if r.Label == label {
				target = r
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: no passphrase recipient labeled %q",
				types.ErrRecipientNotFound, label)
		}
	}

	identity, err := c.keys.DecryptPrivateKey(label, req.Passphrase)
	if err != nil {
		return nil, err
	}
	r, err := age.Decrypt(bytes.NewReader(req.Data), identity)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("vault: decrypt: %w", err)
	}

	c.log.Info("vault opened", "method", string(MethodPassphrase), "key_id", target.KeyID)
	return &DecryptResult{
		Plaintext:      plain,
		Method:         MethodPassphrase,
		RecipientLabel: target.Label,
		KeyID:          target.KeyID,
	}, nil
}

func (c *Composer) decryptWithHardware(ctx context.Context, req DecryptRequest) (*DecryptResult, error) {
	target, ok, err := c.connectedHardwareRecipient(ctx, req.Metadata)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnlockMethodUnavailable, MethodYubiKey)
	}

	plain, err := c.hw.Decrypt(ctx, target.YubiKey.IdentityTag, req.Pin, req.Data)
	if err != nil {
		return nil, err
	}

	c.log.Info("vault opened", "method", string(MethodYubiKey),
		"key_id", target.KeyID, "serial", target.YubiKey.Serial.Redacted())
	return &DecryptResult{
		Plaintext:      plain,
		Method:         MethodYubiKey,
		RecipientLabel: target.Label,
		KeyID:          target.KeyID,
	}, nil
}

// connectedHardwareRecipient returns the first hardware recipient whose
// device is currently plugged in.
func (c *Composer) connectedHardwareRecipient(ctx context.Context, meta *Metadata) (RecipientInfo, bool, error) {
	hardware := meta.YubiKeyRecipients()
	if len(hardware) == 0 {
		return RecipientInfo{}, false, nil
	}
	connected, err := c.devices.List(ctx)
	if err != nil {
		return RecipientInfo{}, false, err
	}
	for _, r := range hardware {
		if r.YubiKey == nil {
			continue
		}
		for _, serial := range connected {
			if serial.Equal(r.YubiKey.Serial) {
				return r, true, nil
			}
		}
	}
	return RecipientInfo{}, false, nil
}

func contains(methods []UnlockMethod, m UnlockMethod) bool {
	for _, have := range methods {
		if have == m {
			return true
		}
	}
	return false
}
