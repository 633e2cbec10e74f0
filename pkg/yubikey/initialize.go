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

package yubikey

import (
	"context"
	"errors"

	"github.com/Barqly/barqly-vault-sub000/pkg/agetool"
	"github.com/Barqly/barqly-vault-sub000/pkg/metrics"
	"github.com/Barqly/barqly-vault-sub000/pkg/registry"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// Initialization step names carried by StepError.
const (
	StepDetect           = "detect"
	StepBootstrap        = "bootstrap"
	StepValidatePIN      = "validate_pin"
	StepGenerateIdentity = "generate_identity"
	StepRegister         = "register"
)

// InitializeParams configures end-to-end device initialization.
type InitializeParams struct {
	Serial types.Serial
	Pin    types.Pin
	Slot   uint8
	Label  string

	// RecoveryCodeHash is stored on the registry entry when provisioning
	// happened out-of-band. When the bootstrap step runs here, its own
	// hash takes precedence.
	RecoveryCodeHash string
}

// InitializeResult reports a completed initialization. RecoveryCode is set
// only when the bootstrap step ran; it is shown once and never persisted.
type InitializeResult struct {
	Entry        registry.Entry
	Identity     *types.YubiKeyIdentity
	RecoveryCode string
	BootstrapRan bool
}

// InitializeDevice takes a device from any pre-crypto state to Registered:
//
//	detect -> bootstrap (factory PIN) | validate PIN -> generate-or-reuse
//	identity -> register
//
// Every failure aborts with a step-tagged error and no rollback. A device
// left PIN-set but unregistered is recoverable through the Orphaned path.
func (m *Manager) InitializeDevice(ctx context.Context, p InitializeParams) (res *InitializeResult, err error) {
	defer func() { metrics.ObserveOperation("initialize-device", err) }()

	lock := m.serialLock(p.Serial)
	lock.Lock()
	defer lock.Unlock()

	if _, err := m.devices.Info(ctx, p.Serial); err != nil {
		return nil, wrapStep(StepDetect, err)
	}

	hasDefault, err := m.devices.HasDefaultPIN(ctx, p.Serial)
	if err != nil {
		return nil, wrapStep(StepDetect, err)
	}

	result := &InitializeResult{}
	recoveryHash := p.RecoveryCodeHash
	var sealedPUK []byte
	if hasDefault {
		boot, berr := m.devices.Bootstrap(ctx, p.Serial, p.Pin)
		if berr != nil {
			return nil, wrapStep(StepBootstrap, berr)
		}
		result.BootstrapRan = true
		result.RecoveryCode = boot.RecoveryCode
		recoveryHash = boot.RecoveryCodeHash
		sealedPUK = boot.SealedPUK
		m.log.Info("device provisioned", "serial", p.Serial.Redacted())
	} else {
		if verr := m.devices.VerifyPIN(p.Serial, p.Pin); verr != nil {
			return nil, wrapStep(StepValidatePIN, verr)
		}
	}

	// Reuse an existing identity when the device has one; generating over
	// it would orphan every vault encrypted to the old recipient.
	identity, err := m.tool.IdentityForSerial(ctx, p.Serial)
	if errors.Is(err, types.ErrIdentityNotFound) {
		identity, err = m.tool.Generate(ctx, agetool.GenerateParams{
			Serial: p.Serial,
			Pin:    p.Pin,
			Slot:   p.Slot,
			Name:   p.Label,
		})
	}
	if err != nil {
		return nil, wrapStep(StepGenerateIdentity, err)
	}
	result.Identity = identity

	entry, err := m.reg.Register(identity, p.Label, recoveryHash, sealedPUK)
	if err != nil {
		return nil, wrapStep(StepRegister, err)
	}
	result.Entry = entry

	m.log.Info("device initialized",
		"serial", p.Serial.Redacted(),
		"key_id", entry.KeyID,
		"slot", entry.Slot)
	return result, nil
}
