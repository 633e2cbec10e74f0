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

// Package agetool wraps the external key-generation/encryption command.
// Every subprocess the module spawns against a hardware token goes through
// pkg/session; this package only knows the flag surface and how to read the
// line-oriented output.
package agetool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/session"
	"github.com/Barqly/barqly-vault-sub000/pkg/transcript"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// DefaultBinary is the key tool looked up on PATH when no explicit path is
// configured.
const DefaultBinary = "age-plugin-yubikey"

// PinPolicy controls how often the token demands the PIN.
type PinPolicy string

const (
	PinPolicyOnce   PinPolicy = "once"
	PinPolicyAlways PinPolicy = "always"
	PinPolicyNever  PinPolicy = "never"
)

// TouchPolicy controls how often the token demands a physical touch.
type TouchPolicy string

const (
	TouchPolicyAlways TouchPolicy = "always"
	TouchPolicyCached TouchPolicy = "cached"
	TouchPolicyNever  TouchPolicy = "never"
)

// Tool invokes the external key tool.
type Tool struct {
	binary string
	log    *logging.Logger
}

// New returns a Tool using the given binary path, or DefaultBinary when
// empty.
func New(binary string, log *logging.Logger) *Tool {
	if binary == "" {
		binary = DefaultBinary
	}
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Tool{binary: binary, log: log}
}

// GenerateParams configures one key generation.
type GenerateParams struct {
	Serial      types.Serial
	Pin         types.Pin
	Slot        uint8 // logical retired slot, 1-20
	Name        string
	PinPolicy   PinPolicy
	TouchPolicy TouchPolicy
}

// Generate creates a new identity on the device. The session is interactive:
// the tool prompts for the PIN and then waits for a touch. Both the identity
// tag and the recipient are parsed from the transcript; generation fails if
// either is missing, because an identity without its recipient is unusable.
func (t *Tool) Generate(ctx context.Context, p GenerateParams) (*types.YubiKeyIdentity, error) {
	if p.Slot < 1 || p.Slot > 20 {
		return nil, types.ErrSlotOutOfRange
	}
	if p.PinPolicy == "" {
		p.PinPolicy = PinPolicyOnce
	}
	if p.TouchPolicy == "" {
		p.TouchPolicy = TouchPolicyCached
	}

	args := []string{
		"--generate",
		"--serial", p.Serial.Value(),
		"--slot", strconv.Itoa(int(p.Slot)),
		"--pin-policy", string(p.PinPolicy),
		"--touch-policy", string(p.TouchPolicy),
	}
	if p.Name != "" {
		args = append(args, "--name", p.Name)
	}

	t.log.Info("generating identity",
		"serial", p.Serial.Redacted(), "slot", p.Slot)

	res, err := session.Run(ctx, session.Config{
		Op:          "generate-identity",
		Command:     t.binary,
		Args:        args,
		Pin:         p.Pin,
		ExpectTouch: true,
		Logger:      t.log,
	})
	if err != nil {
		return nil, err
	}
	return identityFromTranscript(res.Transcript, p.Serial, p.Slot)
}

// IdentityForSerial queries the device's existing identity without touching
// any key material. Returns ErrIdentityNotFound when the device holds none.
func (t *Tool) IdentityForSerial(ctx context.Context, serial types.Serial) (*types.YubiKeyIdentity, error) {
	res, err := session.Run(ctx, session.Config{
		Op:      "get-identity",
		Command: t.binary,
		Args:    []string{"--identity", "--serial", serial.Value()},
		Logger:  t.log,
	})
	if err != nil {
		return nil, err
	}

	tr := res.Transcript
	if _, ok := tr.First(transcript.EventIdentity); !ok {
		return nil, types.ErrIdentityNotFound
	}
	return identityFromTranscript(tr, serial, slotFromTranscript(tr))
}

// ListRecipients returns the recipients of every connected device.
func (t *Tool) ListRecipients(ctx context.Context) ([]string, error) {
	res, err := session.Run(ctx, session.Config{
		Op:      "list-recipients",
		Command: t.binary,
		Args:    []string{"--list"},
		Logger:  t.log,
	})
	if err != nil {
		return nil, err
	}

	var recipients []string
	for _, ev := range res.Transcript.Events() {
		if ev.Kind == transcript.EventRecipient {
			recipients = append(recipients, ev.Value)
		}
	}
	return recipients, nil
}

// Encrypt encrypts data to the given recipients via the external tool. Used
// when at least one recipient is hardware-backed and cannot be composed
// in-process. Encryption is public-key only: no PIN, no touch.
func (t *Tool) Encrypt(ctx context.Context, recipients []string, data []byte) ([]byte, error) {
	if len(recipients) == 0 {
		return nil, types.NewValidationError("recipients", "cannot be empty")
	}

	dir, err := os.MkdirTemp("", "bv-encrypt-")
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "plain")
	out := filepath.Join(dir, "cipher")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}

	args := []string{"--encrypt"}
	for _, r := range recipients {
		args = append(args, "-r", r)
	}
	args = append(args, "-o", out, in)

	if _, err := session.Run(ctx, session.Config{
		Op:      "encrypt",
		Command: t.binary,
		Args:    args,
		Logger:  t.log,
	}); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// Decrypt decrypts data with a hardware identity. The identity tag is written
// to a private temp file and passed by path; it never appears on the command
// line. The session is interactive: PIN prompt, then touch.
func (t *Tool) Decrypt(ctx context.Context, identityTag string, pin types.Pin, data []byte) ([]byte, error) {
	if !strings.HasPrefix(identityTag, types.IdentityTagPrefix) {
		return nil, types.NewValidationError("identity_tag",
			"must start with "+types.IdentityTagPrefix)
	}

	dir, err := os.MkdirTemp("", "bv-decrypt-")
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	defer os.RemoveAll(dir)

	identityFile := filepath.Join(dir, "identity")
	in := filepath.Join(dir, "cipher")
	out := filepath.Join(dir, "plain")
	if err := os.WriteFile(identityFile, []byte(identityTag+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}

	if _, err := session.Run(ctx, session.Config{
		Op:          "decrypt",
		Command:     t.binary,
		Args:        []string{"--decrypt", "-i", identityFile, "-o", out, in},
		Pin:         pin,
		ExpectTouch: true,
		Logger:      t.log,
	}); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}

// identityFromTranscript builds a YubiKeyIdentity from a session transcript.
func identityFromTranscript(tr *transcript.Transcript, serial types.Serial, slot uint8) (*types.YubiKeyIdentity, error) {
	tagEv, ok := tr.First(transcript.EventIdentity)
	if !ok {
		return nil, &types.SubprocessError{
			Op:         "parse-identity",
			Transcript: tr.String(),
			Err:        fmt.Errorf("no identity tag in tool output"),
		}
	}
	recEv, ok := tr.First(transcript.EventRecipient)
	if !ok {
		return nil, &types.SubprocessError{
			Op:         "parse-identity",
			Transcript: tr.String(),
			Err:        fmt.Errorf("no recipient in tool output"),
		}
	}
	return types.NewIdentity(tagEv.Value, serial, recEv.Value, slot)
}

// slotFromTranscript parses the "#    Slot: N" comment emitted alongside an
// identity listing. Zero when absent.
func slotFromTranscript(tr *transcript.Transcript) uint8 {
	for _, ev := range tr.Events() {
		if ev.Kind != transcript.EventComment {
			continue
		}
		idx := strings.Index(ev.Line, "Slot:")
		if idx < 0 {
			continue
		}
		fields := strings.Fields(ev.Line[idx+len("Slot:"):])
		if len(fields) == 0 {
			continue
		}
		if n, err := strconv.Atoi(fields[0]); err == nil && n >= 1 && n <= 20 {
			return uint8(n)
		}
	}
	return 0
}
