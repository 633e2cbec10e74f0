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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// Store persists vault metadata documents. Same atomic-replace discipline as
// the registry: temp file, fsync, rename.
type Store struct {
	path string
}

// NewStore returns a Store backed by the given metadata file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Load reads the metadata document. Returns ErrRecipientNotFound when no
// vault metadata exists yet.
func (s *Store) Load() (*Metadata, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, types.ErrRecipientNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: load metadata: %w", err)
	}

	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("vault: parse metadata: %w", err)
	}
	return &meta, nil
}

// Save writes the metadata document atomically.
func (s *Store) Save(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("vault: encode metadata: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".vault-*.tmp")
	if err != nil {
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("vault: save metadata: %w", err)
	}
	return nil
}
