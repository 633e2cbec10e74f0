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
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

// Sealed-blob layout: salt (16) || nonce (24) || ciphertext. The key is
// derived from the recovery code with scrypt and the payload sealed with
// XChaCha20-Poly1305.
const sealSaltSize = 16

// scrypt parameters; interactive-grade, same cost class the age tooling uses
// for passphrase recipients.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var errSealedBlob = errors.New("device: malformed sealed blob")

// Seal encrypts payload under a key derived from the recovery code.
func Seal(recoveryCode string, payload []byte) ([]byte, error) {
	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	key, err := deriveSealKey(recoveryCode, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(salt)+len(nonce)+len(payload)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, payload, nil), nil
}

// Open decrypts a blob produced by Seal. A wrong recovery code fails
// authentication and returns an error without revealing anything.
func Open(recoveryCode string, blob []byte) ([]byte, error) {
	if len(blob) < sealSaltSize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errSealedBlob
	}
	salt := blob[:sealSaltSize]
	nonce := blob[sealSaltSize : sealSaltSize+chacha20poly1305.NonceSizeX]
	ciphertext := blob[sealSaltSize+chacha20poly1305.NonceSizeX:]

	key, err := deriveSealKey(recoveryCode, salt)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("device: open sealed blob: %w", err)
	}
	return payload, nil
}

func deriveSealKey(recoveryCode string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(normalizeRecoveryCode(recoveryCode)), salt,
		scryptN, scryptR, scryptP, chacha20poly1305.KeySize)
}
