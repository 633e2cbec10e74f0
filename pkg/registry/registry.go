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

// Package registry persists device-to-identity bindings as a single JSON
// document. The document is always loaded and saved wholesale; callers own
// load-modify-save sequencing. Single-user desktop assumption: concurrent
// external writers race with last-write-wins.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// SchemaVersion of the on-disk document.
const SchemaVersion = 1

// PIVSlot maps a logical retired slot (1-20) to its PIV slot number.
func PIVSlot(slot uint8) (uint8, error) {
	if slot < 1 || slot > 20 {
		return 0, types.ErrSlotOutOfRange
	}
	return 82 + slot, nil
}

// Entry is one registered device binding. Immutable after registration
// except for LastUsed bookkeeping.
type Entry struct {
	KeyID       string       `json:"key_id"`
	Label       string       `json:"label"`
	Serial      types.Serial `json:"serial"`
	Slot        uint8        `json:"slot"`
	PIVSlot     uint8        `json:"piv_slot"`
	Recipient   string       `json:"recipient"`
	IdentityTag string       `json:"identity_tag"`

	// RecoveryCodeHash verifies a user-supplied recovery code; SealedPUK is
	// the device PUK encrypted under that code. Neither reveals the code.
	RecoveryCodeHash string `json:"recovery_code_hash,omitempty"`
	SealedPUK        []byte `json:"sealed_puk,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

// Document is the whole registry file.
type Document struct {
	Schema int              `json:"schema"`
	Keys   map[string]Entry `json:"keys"`
}

// NewDocument returns an empty registry document.
func NewDocument() *Document {
	return &Document{Schema: SchemaVersion, Keys: map[string]Entry{}}
}

// FindBySerial returns the entry bound to the serial, if any.
func (d *Document) FindBySerial(serial types.Serial) (Entry, bool) {
	for _, id := range d.sortedKeyIDs() {
		e := d.Keys[id]
		if e.Serial.Equal(serial) {
			return e, true
		}
	}
	return Entry{}, false
}

// sortedKeyIDs gives deterministic iteration order for lookups and scans.
func (d *Document) sortedKeyIDs() []string {
	ids := make([]string, 0, len(d.Keys))
	for id := range d.Keys {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConflictKind classifies a consistency violation.
type ConflictKind string

const (
	// ConflictDuplicateBinding is two entries claiming the same
	// (serial, slot) pair.
	ConflictDuplicateBinding ConflictKind = "duplicate-binding"

	// ConflictDuplicateSerial is one physical device registered under more
	// than one key ID.
	ConflictDuplicateSerial ConflictKind = "duplicate-serial"

	// ConflictSlotContention is one logical slot claimed by entries for two
	// different serials. Slots are allocated registry-wide: one slot, one
	// device.
	ConflictSlotContention ConflictKind = "slot-contention"
)

// Conflict reports one consistency violation. Serials are pre-redacted.
type Conflict struct {
	Kind   ConflictKind
	KeyIDs []string
	Serial string
	Slot   uint8
}

func (c Conflict) String() string {
	return fmt.Sprintf("%s: serial %s slot %d keys %v", c.Kind, c.Serial, c.Slot, c.KeyIDs)
}

// Conflicts scans the document and reports every violation found. It never
// repairs anything: which entry is authoritative is the user's call.
func (d *Document) Conflicts() []Conflict {
	type claim struct {
		ids  []string
		slot uint8
	}
	bySerial := map[string]*claim{}
	byBinding := map[string][]string{}
	bySlot := map[uint8][]string{}

	for _, id := range d.sortedKeyIDs() {
		e := d.Keys[id]
		sk := e.Serial.Value()
		if c, ok := bySerial[sk]; ok {
			c.ids = append(c.ids, id)
		} else {
			bySerial[sk] = &claim{ids: []string{id}, slot: e.Slot}
		}
		bk := fmt.Sprintf("%s/%d", sk, e.Slot)
		byBinding[bk] = append(byBinding[bk], id)
		bySlot[e.Slot] = append(bySlot[e.Slot], id)
	}

	var conflicts []Conflict
	for _, id := range d.sortedKeyIDs() {
		e := d.Keys[id]
		bk := fmt.Sprintf("%s/%d", e.Serial.Value(), e.Slot)
		if ids := byBinding[bk]; len(ids) > 1 && ids[0] == id {
			conflicts = append(conflicts, Conflict{
				Kind:   ConflictDuplicateBinding,
				KeyIDs: ids,
				Serial: e.Serial.Redacted(),
				Slot:   e.Slot,
			})
		}
		if c := bySerial[e.Serial.Value()]; len(c.ids) > 1 && c.ids[0] == id {
			conflicts = append(conflicts, Conflict{
				Kind:   ConflictDuplicateSerial,
				KeyIDs: c.ids,
				Serial: e.Serial.Redacted(),
				Slot:   e.Slot,
			})
		}
		if ids := bySlot[e.Slot]; len(ids) > 1 && ids[0] == id && d.distinctSerials(ids) > 1 {
			conflicts = append(conflicts, Conflict{
				Kind:   ConflictSlotContention,
				KeyIDs: ids,
				Serial: strings.Join(d.redactedSerials(ids), ","),
				Slot:   e.Slot,
			})
		}
	}
	return conflicts
}

func (d *Document) distinctSerials(ids []string) int {
	seen := map[string]struct{}{}
	for _, id := range ids {
		seen[d.Keys[id].Serial.Value()] = struct{}{}
	}
	return len(seen)
}

func (d *Document) redactedSerials(ids []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range ids {
		r := d.Keys[id].Serial.Redacted()
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// Store loads and saves the registry document.
type Store struct {
	path string
	log  *logging.Logger
}

// NewStore returns a Store backed by the given file path.
func NewStore(path string, log *logging.Logger) *Store {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Store{path: path, log: log}
}

// Load reads the whole document. A missing file is an empty registry, not an
// error; any other failure wraps ErrRegistry.
func (s *Store) Load() (*Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewDocument(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: load: %v", types.ErrRegistry, err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", types.ErrRegistry, filepath.Base(s.path), err)
	}
	if doc.Keys == nil {
		doc.Keys = map[string]Entry{}
	}
	return &doc, nil
}

// Save writes the whole document atomically: temp file in the same
// directory, fsync, rename over the target. A crash mid-save leaves either
// the old document or the new one, never a torn file.
func (s *Store) Save(doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode: %v", types.ErrRegistry, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	tmp, err := os.CreateTemp(dir, ".registry-*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: %v", types.ErrRegistry, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: write: %v", types.ErrRegistry, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: sync: %v", types.ErrRegistry, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: close: %v", types.ErrRegistry, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("%w: replace: %v", types.ErrRegistry, err)
	}
	return nil
}

// Register binds an identity to the registry under a fresh key ID. The
// logical slot must be unclaimed across all devices: slots are allocated
// registry-wide, regardless of serial.
func (s *Store) Register(identity *types.YubiKeyIdentity, label, recoveryCodeHash string, sealedPUK []byte) (Entry, error) {
	pivSlot, err := PIVSlot(identity.Slot())
	if err != nil {
		return Entry{}, err
	}

	doc, err := s.Load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range doc.Keys {
		if e.Slot == identity.Slot() {
			return Entry{}, fmt.Errorf("%w: slot %d already claimed by serial %s",
				types.ErrSlotOccupied, identity.Slot(), e.Serial.Redacted())
		}
	}

	entry := Entry{
		KeyID:            uuid.NewString(),
		Label:            label,
		Serial:           identity.Serial(),
		Slot:             identity.Slot(),
		PIVSlot:          pivSlot,
		Recipient:        identity.Recipient(),
		IdentityTag:      identity.IdentityTag(),
		RecoveryCodeHash: recoveryCodeHash,
		SealedPUK:        sealedPUK,
		CreatedAt:        time.Now().UTC(),
	}
	doc.Keys[entry.KeyID] = entry
	if err := s.Save(doc); err != nil {
		return Entry{}, err
	}

	s.log.Info("registered device",
		"key_id", entry.KeyID,
		"serial", entry.Serial.Redacted(),
		"slot", entry.Slot)
	return entry, nil
}

// Remove deletes an entry by key ID.
func (s *Store) Remove(keyID string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := doc.Keys[keyID]; !ok {
		return fmt.Errorf("%w: key %s not found", types.ErrRegistry, keyID)
	}
	delete(doc.Keys, keyID)
	return s.Save(doc)
}

// FindBySerial loads the document and returns the entry for the serial.
func (s *Store) FindBySerial(serial types.Serial) (Entry, error) {
	doc, err := s.Load()
	if err != nil {
		return Entry{}, err
	}
	entry, ok := doc.FindBySerial(serial)
	if !ok {
		return Entry{}, types.ErrIdentityNotFound
	}
	return entry, nil
}

// TouchLastUsed stamps an entry's last_used. The entry is otherwise
// immutable after registration.
func (s *Store) TouchLastUsed(keyID string) error {
	doc, err := s.Load()
	if err != nil {
		return err
	}
	entry, ok := doc.Keys[keyID]
	if !ok {
		return fmt.Errorf("%w: key %s not found", types.ErrRegistry, keyID)
	}
	now := time.Now().UTC()
	entry.LastUsed = &now
	doc.Keys[keyID] = entry
	return s.Save(doc)
}

// CheckConsistency loads the document and reports every conflict found,
// never repairing.
func (s *Store) CheckConsistency() ([]Conflict, error) {
	doc, err := s.Load()
	if err != nil {
		return nil, err
	}
	conflicts := doc.Conflicts()
	for _, c := range conflicts {
		s.log.Warn("registry conflict", "kind", string(c.Kind),
			"serial", c.Serial, "slot", c.Slot)
	}
	return conflicts, nil
}
