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

// Package passphrase manages software keypairs: X25519 identities whose
// private halves live on disk encrypted under a passphrase. These are the
// always-available counterpart to hardware recipients in a vault.
package passphrase

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"filippo.io/age"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// KeyFileSuffix is appended to the key label to form the on-disk filename.
const KeyFileSuffix = ".agekey.enc"

// MinPassphraseLength is the minimum accepted passphrase length.
const MinPassphraseLength = 12

// ErrWrongPassphrase indicates the passphrase failed to unlock a key file.
var ErrWrongPassphrase = errors.New("passphrase: incorrect passphrase")

// KeyPair describes a generated software key. The private half never leaves
// its encrypted file.
type KeyPair struct {
	Label     string
	PublicKey string
	Path      string
}

// Store keeps encrypted key files under one directory.
type Store struct {
	dir string
	log *logging.Logger
}

// NewStore returns a Store rooted at dir.
func NewStore(dir string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Store{dir: dir, log: log}
}

// GenerateKeyPair creates a fresh X25519 identity and writes the private key
// encrypted under the passphrase to <label>.agekey.enc.
func (s *Store) GenerateKeyPair(label, passphrase string) (*KeyPair, error) {
	if err := validateLabel(label); err != nil {
		return nil, err
	}
	if err := ValidatePassphrase(passphrase); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, label+KeyFileSuffix)
	if _, err := os.Stat(path); err == nil {
		return nil, types.NewValidationError("label", "key file already exists")
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("passphrase: generate: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("passphrase: encrypt key: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return nil, fmt.Errorf("passphrase: encrypt key: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("passphrase: encrypt key: %w", err)
	}

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		return nil, fmt.Errorf("passphrase: write key file: %w", err)
	}

	s.log.Info("generated software key", "label", label,
		"public_key", logging.RedactRecipient(identity.Recipient().String()))

	return &KeyPair{
		Label:     label,
		PublicKey: identity.Recipient().String(),
		Path:      path,
	}, nil
}

// DecryptPrivateKey unlocks the key file for label with the passphrase and
// returns the identity. A wrong passphrase returns ErrWrongPassphrase.
func (s *Store) DecryptPrivateKey(label, passphrase string) (*age.X25519Identity, error) {
	path := filepath.Join(s.dir, label+KeyFileSuffix)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("passphrase: key %q: %w", label, types.ErrIdentityNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("passphrase: read key file: %w", err)
	}

	scryptID, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("passphrase: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), scryptID)
	if err != nil {
		var incorrect *age.NoIdentityMatchError
		if errors.As(err, &incorrect) {
			return nil, ErrWrongPassphrase
		}
		return nil, fmt.Errorf("passphrase: unlock key file: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, ErrWrongPassphrase
	}

	identity, err := age.ParseX25519Identity(strings.TrimSpace(string(plain)))
	if err != nil {
		return nil, fmt.Errorf("passphrase: parse key file: %w", err)
	}
	return identity, nil
}

// ValidatePassphrase enforces minimum strength: length and at least three
// character classes among lower, upper, digit and symbol.
func ValidatePassphrase(passphrase string) error {
	if len(passphrase) < MinPassphraseLength {
		return types.NewValidationError("passphrase",
			fmt.Sprintf("must be at least %d characters", MinPassphraseLength))
	}

	var lower, upper, digit, symbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, symbol} {
		if ok {
			classes++
		}
	}
	if classes < 3 {
		return types.NewValidationError("passphrase",
			"must mix at least three of: lowercase, uppercase, digits, symbols")
	}
	return nil
}

func validateLabel(label string) error {
	if label == "" {
		return types.NewValidationError("label", "cannot be empty")
	}
	if strings.ContainsAny(label, `/\`) || strings.Contains(label, "..") {
		return types.NewValidationError("label", "must not contain path separators")
	}
	return nil
}
