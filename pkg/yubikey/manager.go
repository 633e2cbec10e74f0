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

// Package yubikey is the facade over device probing, identity generation,
// the registry and hardware encryption. All workflow sequencing and the
// per-serial serialization of hardware sessions live here.
package yubikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/Barqly/barqly-vault-sub000/pkg/agetool"
	"github.com/Barqly/barqly-vault-sub000/pkg/device"
	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/metrics"
	"github.com/Barqly/barqly-vault-sub000/pkg/registry"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// DeviceService probes and provisions hardware.
type DeviceService interface {
	List(ctx context.Context) ([]types.Serial, error)
	Info(ctx context.Context, serial types.Serial) (*types.YubiKeyDevice, error)
	HasDefaultPIN(ctx context.Context, serial types.Serial) (bool, error)
	VerifyPIN(serial types.Serial, pin types.Pin) error
	Bootstrap(ctx context.Context, serial types.Serial, newPIN types.Pin) (*device.BootstrapResult, error)
	UnblockPIN(ctx context.Context, serial types.Serial, puk string, newPIN types.Pin) error
}

// KeyTool drives the external key tool.
type KeyTool interface {
	Generate(ctx context.Context, p agetool.GenerateParams) (*types.YubiKeyIdentity, error)
	IdentityForSerial(ctx context.Context, serial types.Serial) (*types.YubiKeyIdentity, error)
	Encrypt(ctx context.Context, recipients []string, data []byte) ([]byte, error)
	Decrypt(ctx context.Context, identityTag string, pin types.Pin, data []byte) ([]byte, error)
}

// Registry persists device bindings.
type Registry interface {
	FindBySerial(serial types.Serial) (registry.Entry, error)
	Register(identity *types.YubiKeyIdentity, label, recoveryCodeHash string, sealedPUK []byte) (registry.Entry, error)
	Remove(keyID string) error
	TouchLastUsed(keyID string) error
	CheckConsistency() ([]registry.Conflict, error)
}

// Manager orchestrates workflows over the services above. Hardware sessions
// against one physical device are serialized; different serials proceed
// independently.
type Manager struct {
	devices DeviceService
	tool    KeyTool
	reg     Registry
	log     *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager wires a Manager.
func NewManager(devices DeviceService, tool KeyTool, reg Registry, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Manager{
		devices: devices,
		tool:    tool,
		reg:     reg,
		log:     log,
		locks:   map[string]*sync.Mutex{},
	}
}

// serialLock returns the mutex guarding hardware access to one serial.
func (m *Manager) serialLock(serial types.Serial) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[serial.Value()]
	if !ok {
		l = &sync.Mutex{}
		m.locks[serial.Value()] = l
	}
	return l
}

// ListConnectedDevices probes every connected device.
func (m *Manager) ListConnectedDevices(ctx context.Context) ([]*types.YubiKeyDevice, error) {
	serials, err := m.devices.List(ctx)
	if err != nil {
		return nil, err
	}
	devs := make([]*types.YubiKeyDevice, 0, len(serials))
	for _, serial := range serials {
		dev, derr := m.devices.Info(ctx, serial)
		if errors.Is(derr, types.ErrDeviceNotFound) {
			// Unplugged between list and probe.
			continue
		}
		if derr != nil {
			return nil, derr
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

// ListWithState enumerates connected devices with their derived lifecycle
// state. State is recomputed on every call; the device and the registry can
// both change between queries.
func (m *Manager) ListWithState(ctx context.Context) ([]types.StateInfo, error) {
	devs, err := m.ListConnectedDevices(ctx)
	if err != nil {
		return nil, err
	}

	infos := make([]types.StateInfo, 0, len(devs))
	for _, dev := range devs {
		info, serr := m.stateFor(ctx, dev)
		if serr != nil {
			return nil, serr
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// DetectDevice probes one device by serial.
func (m *Manager) DetectDevice(ctx context.Context, serial types.Serial) (*types.YubiKeyDevice, error) {
	return m.devices.Info(ctx, serial)
}

// ValidatePIN checks PIN format. Hardware verification happens on the first
// real unlock; a blocked device is too expensive a price for an early check.
func (m *Manager) ValidatePIN(serial types.Serial, pin types.Pin) error {
	return m.devices.VerifyPIN(serial, pin)
}

// HasDefaultPIN probes the factory-PIN status of a device.
func (m *Manager) HasDefaultPIN(ctx context.Context, serial types.Serial) (bool, error) {
	return m.devices.HasDefaultPIN(ctx, serial)
}

// GenerateIdentity creates a new identity on a device. The lifecycle state
// is checked before any subprocess is spawned: a factory-fresh device must
// have its PIN set first, and a registered device must never have its
// identity silently replaced.
func (m *Manager) GenerateIdentity(ctx context.Context, serial types.Serial, pin types.Pin, slot uint8) (id *types.YubiKeyIdentity, err error) {
	defer func() { metrics.ObserveOperation("generate-identity", err) }()

	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	state, _, err := m.deriveState(ctx, serial)
	if err != nil {
		return nil, err
	}
	if cerr := state.Check(types.OpGenerateIdentity); cerr != nil {
		return nil, cerr
	}

	return m.tool.Generate(ctx, agetool.GenerateParams{
		Serial: serial,
		Pin:    pin,
		Slot:   slot,
	})
}

// GetExistingIdentity returns the device's identity without generating
// anything.
func (m *Manager) GetExistingIdentity(ctx context.Context, serial types.Serial) (*types.YubiKeyIdentity, error) {
	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()
	return m.tool.IdentityForSerial(ctx, serial)
}

// FindBySerial returns the registry entry for a serial.
func (m *Manager) FindBySerial(serial types.Serial) (registry.Entry, error) {
	return m.reg.FindBySerial(serial)
}

// RegisterDevice binds a device's existing identity into the registry. This
// is also the Orphaned-state recovery path: the on-device identity is reused
// as-is, never regenerated, so previously encrypted vaults stay openable.
func (m *Manager) RegisterDevice(ctx context.Context, serial types.Serial, label, recoveryCodeHash string) (registry.Entry, error) {
	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	identity, err := m.tool.IdentityForSerial(ctx, serial)
	if err != nil {
		return registry.Entry{}, err
	}
	return m.reg.Register(identity, label, recoveryCodeHash, nil)
}

// RecoverPIN resets a blocked device PIN with the one-time recovery code.
// The code is verified against the registered hash, the PUK sealed during
// bootstrap is opened with it, and the device PIN is unblocked to newPIN.
// The PUK never appears in logs or errors.
func (m *Manager) RecoverPIN(ctx context.Context, serial types.Serial, recoveryCode string, newPIN types.Pin) (err error) {
	defer func() { metrics.ObserveOperation("recover-pin", err) }()

	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	entry, err := m.reg.FindBySerial(serial)
	if err != nil {
		return err
	}
	if entry.RecoveryCodeHash == "" || len(entry.SealedPUK) == 0 {
		return fmt.Errorf("yubikey: no recovery material registered for %s", serial.Redacted())
	}
	if !device.VerifyRecoveryCode(recoveryCode, entry.RecoveryCodeHash) {
		return types.NewValidationError("recovery_code", "does not match the registered code")
	}

	puk, err := device.Open(recoveryCode, entry.SealedPUK)
	if err != nil {
		return err
	}
	if err := m.devices.UnblockPIN(ctx, serial, string(puk), newPIN); err != nil {
		return err
	}

	m.log.Info("pin recovered", "serial", serial.Redacted(), "key_id", entry.KeyID)
	return nil
}

// EncryptWithRecipient encrypts data to one hardware recipient. Encryption
// is public-key only and needs neither the device nor its PIN.
func (m *Manager) EncryptWithRecipient(ctx context.Context, recipient string, data []byte) (out []byte, err error) {
	defer func() { metrics.ObserveOperation("encrypt", err) }()

	if !strings.HasPrefix(recipient, types.RecipientPrefix) {
		return nil, types.NewValidationError("recipient",
			"must start with "+types.RecipientPrefix)
	}
	return m.tool.Encrypt(ctx, []string{recipient}, data)
}

// DecryptWithIdentity decrypts data with the device's identity. The device
// must be Registered; the session prompts for PIN and touch.
func (m *Manager) DecryptWithIdentity(ctx context.Context, serial types.Serial, identityTag string, pin types.Pin, data []byte) (out []byte, err error) {
	defer func() { metrics.ObserveOperation("decrypt", err) }()

	if !strings.HasPrefix(identityTag, types.IdentityTagPrefix) {
		return nil, types.NewValidationError("identity_tag",
			"must start with "+types.IdentityTagPrefix)
	}

	lock := m.serialLock(serial)
	lock.Lock()
	defer lock.Unlock()

	state, entry, err := m.deriveState(ctx, serial)
	if err != nil {
		return nil, err
	}
	if cerr := state.Check(types.OpDecrypt); cerr != nil {
		return nil, cerr
	}

	out, err = m.tool.Decrypt(ctx, identityTag, pin, data)
	if err != nil {
		return nil, err
	}
	if entry.KeyID != "" {
		if terr := m.reg.TouchLastUsed(entry.KeyID); terr != nil {
			m.log.Warn("failed to stamp last_used", "key_id", entry.KeyID)
		}
	}
	return out, nil
}

// CheckRegistry runs the consistency scan and returns every conflict found.
func (m *Manager) CheckRegistry() ([]registry.Conflict, error) {
	return m.reg.CheckConsistency()
}

// deriveState combines registry lookup, identity probe and PIN probe into
// the lifecycle state. Pure derivation, never cached.
func (m *Manager) deriveState(ctx context.Context, serial types.Serial) (types.YubiKeyState, registry.Entry, error) {
	entry, err := m.reg.FindBySerial(serial)
	hasRegistryEntry := err == nil
	if err != nil && !errors.Is(err, types.ErrIdentityNotFound) {
		return "", registry.Entry{}, err
	}

	hasIdentity := true
	if _, err := m.tool.IdentityForSerial(ctx, serial); err != nil {
		if !errors.Is(err, types.ErrIdentityNotFound) {
			return "", registry.Entry{}, err
		}
		hasIdentity = false
	}

	hasDefaultPIN, err := m.devices.HasDefaultPIN(ctx, serial)
	if err != nil {
		return "", registry.Entry{}, err
	}

	state := types.DeriveState(hasRegistryEntry, hasIdentity, hasDefaultPIN)
	if hasRegistryEntry && !hasIdentity {
		m.log.Warn("registry entry without on-device identity",
			"serial", serial.Redacted(), "key_id", entry.KeyID)
	}
	return state, entry, nil
}

func (m *Manager) stateFor(ctx context.Context, dev *types.YubiKeyDevice) (types.StateInfo, error) {
	state, entry, err := m.deriveState(ctx, dev.Serial)
	if err != nil {
		return types.StateInfo{}, err
	}

	hasDefaultPIN, err := m.devices.HasDefaultPIN(ctx, dev.Serial)
	if err != nil {
		return types.StateInfo{}, err
	}

	info := types.StateInfo{
		Device:   *dev,
		State:    state,
		PinIsSet: !hasDefaultPIN,
	}
	if entry.KeyID != "" {
		info.KeyID = entry.KeyID
		info.Label = entry.Label
		info.Slot = entry.Slot
	}
	return info, nil
}

// wrapStep tags an error with the workflow step that produced it.
func wrapStep(step string, err error) error {
	return &StepError{Step: step, Err: err}
}

// StepError names the initialization step that failed. There is no rollback:
// a device can legitimately end up PIN-set but unregistered, and the
// Orphaned recovery path picks it up later.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("yubikey: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
