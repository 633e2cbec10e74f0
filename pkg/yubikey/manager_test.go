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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Barqly/barqly-vault-sub000/pkg/agetool"
	"github.com/Barqly/barqly-vault-sub000/pkg/device"
	"github.com/Barqly/barqly-vault-sub000/pkg/registry"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

type fakeDeviceService struct {
	serials     []types.Serial
	defaultPIN  map[string]bool
	bootstraps  int
	pinVerifies int
	unblocks    int
	lastPUK     string
}

func (f *fakeDeviceService) List(ctx context.Context) ([]types.Serial, error) {
	return f.serials, nil
}

func (f *fakeDeviceService) Info(ctx context.Context, serial types.Serial) (*types.YubiKeyDevice, error) {
	for _, s := range f.serials {
		if s.Equal(serial) {
			return &types.YubiKeyDevice{Serial: serial, Name: "YubiKey 5", Connected: true}, nil
		}
	}
	return nil, types.ErrDeviceNotFound
}

func (f *fakeDeviceService) HasDefaultPIN(ctx context.Context, serial types.Serial) (bool, error) {
	return f.defaultPIN[serial.Value()], nil
}

func (f *fakeDeviceService) VerifyPIN(serial types.Serial, pin types.Pin) error {
	f.pinVerifies++
	if pin.IsZero() {
		return types.NewValidationError("pin", "cannot be empty")
	}
	return nil
}

func (f *fakeDeviceService) Bootstrap(ctx context.Context, serial types.Serial, newPIN types.Pin) (*device.BootstrapResult, error) {
	f.bootstraps++
	f.defaultPIN[serial.Value()] = false
	code := "A7KQM-29XWR-PFH4T"
	sealed, err := device.Seal(code, []byte("87654321"))
	if err != nil {
		return nil, err
	}
	return &device.BootstrapResult{
		RecoveryCode:     code,
		RecoveryCodeHash: device.HashRecoveryCode(code),
		SealedPUK:        sealed,
	}, nil
}

func (f *fakeDeviceService) UnblockPIN(ctx context.Context, serial types.Serial, puk string, newPIN types.Pin) error {
	f.unblocks++
	f.lastPUK = puk
	return nil
}

type fakeKeyTool struct {
	identities map[string]*types.YubiKeyIdentity
	generates  int
}

func (f *fakeKeyTool) Generate(ctx context.Context, p agetool.GenerateParams) (*types.YubiKeyIdentity, error) {
	f.generates++
	id, err := types.NewIdentity(
		"AGE-PLUGIN-YUBIKEY-1GENERATED"+p.Serial.Value(),
		p.Serial,
		"age1yubikey1qgenerated"+p.Serial.Value(),
		p.Slot,
	)
	if err != nil {
		return nil, err
	}
	f.identities[p.Serial.Value()] = id
	return id, nil
}

func (f *fakeKeyTool) IdentityForSerial(ctx context.Context, serial types.Serial) (*types.YubiKeyIdentity, error) {
	id, ok := f.identities[serial.Value()]
	if !ok {
		return nil, types.ErrIdentityNotFound
	}
	return id, nil
}

func (f *fakeKeyTool) Encrypt(ctx context.Context, recipients []string, data []byte) ([]byte, error) {
	return append([]byte("enc:"), data...), nil
}

func (f *fakeKeyTool) Decrypt(ctx context.Context, identityTag string, pin types.Pin, data []byte) ([]byte, error) {
	return []byte("plain"), nil
}

func mustSerial(t *testing.T, v string) types.Serial {
	t.Helper()
	s, err := types.NewSerial(v)
	require.NoError(t, err)
	return s
}

func mustPin(t *testing.T, v string) types.Pin {
	t.Helper()
	p, err := types.NewPin(v)
	require.NoError(t, err)
	return p
}

type fixture struct {
	devices *fakeDeviceService
	tool    *fakeKeyTool
	reg     *registry.Store
	manager *Manager
	serial  types.Serial
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	serial := mustSerial(t, "12345678")
	devices := &fakeDeviceService{
		serials:    []types.Serial{serial},
		defaultPIN: map[string]bool{serial.Value(): true},
	}
	tool := &fakeKeyTool{identities: map[string]*types.YubiKeyIdentity{}}
	reg := registry.NewStore(t.TempDir()+"/registry.json", nil)
	return &fixture{
		devices: devices,
		tool:    tool,
		reg:     reg,
		manager: NewManager(devices, tool, reg, nil),
		serial:  serial,
	}
}

func TestGenerateIdentityRejectedOnFactoryFreshDevice(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.GenerateIdentity(context.Background(), f.serial, mustPin(t, "654321"), 1)
	require.Error(t, err)

	var opErr *types.OperationNotAllowedError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, types.StateNew, opErr.State)
	assert.Equal(t, 0, f.tool.generates, "no subprocess may be spawned for an illegal operation")
}

func TestGenerateIdentityAllowedAfterPinSetup(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	id, err := f.manager.GenerateIdentity(context.Background(), f.serial, mustPin(t, "654321"), 1)
	require.NoError(t, err)
	assert.Equal(t, 1, f.tool.generates)
	assert.True(t, id.Serial().Equal(f.serial))
}

func TestInitializeDeviceFactoryFresh(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "backup key",
	})
	require.NoError(t, err)

	assert.True(t, res.BootstrapRan)
	assert.Equal(t, "A7KQM-29XWR-PFH4T", res.RecoveryCode)
	assert.Equal(t, 1, f.devices.bootstraps)
	assert.Equal(t, 1, f.tool.generates)
	assert.Equal(t, device.HashRecoveryCode(res.RecoveryCode), res.Entry.RecoveryCodeHash)
	assert.NotEmpty(t, res.Entry.SealedPUK, "sealed PUK must survive registration")
	assert.Equal(t, "backup key", res.Entry.Label)

	// Device is now Registered.
	infos, err := f.manager.ListWithState(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, types.StateRegistered, infos[0].State)
	assert.Equal(t, res.Entry.KeyID, infos[0].KeyID)
}

func TestInitializeDeviceCustomPinSkipsBootstrap(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "key",
	})
	require.NoError(t, err)

	assert.False(t, res.BootstrapRan)
	assert.Empty(t, res.RecoveryCode)
	assert.Equal(t, 0, f.devices.bootstraps)
	assert.Equal(t, 1, f.devices.pinVerifies)
}

func TestInitializeDeviceStepTagsFailures(t *testing.T) {
	f := newFixture(t)
	missing := mustSerial(t, "99999999")

	_, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: missing,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
	})
	require.Error(t, err)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, StepDetect, stepErr.Step)
	assert.ErrorIs(t, err, types.ErrDeviceNotFound)
}

func TestOrphanedRecoveryReusesIdentity(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	// Device has an identity but no registry entry: Orphaned.
	existing, err := types.NewIdentity(
		"AGE-PLUGIN-YUBIKEY-1EXISTING00000",
		f.serial,
		"age1yubikey1qexisting",
		3,
	)
	require.NoError(t, err)
	f.tool.identities[f.serial.Value()] = existing

	infos, err := f.manager.ListWithState(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	require.Equal(t, types.StateOrphaned, infos[0].State)

	entry, err := f.manager.RegisterDevice(context.Background(), f.serial, "recovered", "")
	require.NoError(t, err)

	assert.Equal(t, 0, f.tool.generates, "recovery must never regenerate the identity")
	assert.Equal(t, existing.IdentityTag(), entry.IdentityTag)
	assert.Equal(t, existing.Recipient(), entry.Recipient)
	assert.Equal(t, uint8(3), entry.Slot)

	infos, err = f.manager.ListWithState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateRegistered, infos[0].State)
}

func TestInitializeReusesExistingIdentity(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	existing, err := types.NewIdentity(
		"AGE-PLUGIN-YUBIKEY-1EXISTING00000",
		f.serial,
		"age1yubikey1qexisting",
		2,
	)
	require.NoError(t, err)
	f.tool.identities[f.serial.Value()] = existing

	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "key",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.tool.generates)
	assert.Equal(t, existing.IdentityTag(), res.Entry.IdentityTag)
}

func TestRecoverPINUnsealsRegisteredPUK(t *testing.T) {
	f := newFixture(t)

	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "key",
	})
	require.NoError(t, err)
	require.True(t, res.BootstrapRan)

	err = f.manager.RecoverPIN(context.Background(), f.serial, res.RecoveryCode, mustPin(t, "765432"))
	require.NoError(t, err)
	assert.Equal(t, 1, f.devices.unblocks)
	assert.Equal(t, "87654321", f.devices.lastPUK,
		"unblock must use the PUK sealed at bootstrap")

	// A wrong code never reaches the device.
	err = f.manager.RecoverPIN(context.Background(), f.serial, "BBBBB-BBBBB-BBBBB", mustPin(t, "765432"))
	require.Error(t, err)
	assert.True(t, types.IsValidationError(err))
	assert.Equal(t, 1, f.devices.unblocks)
}

func TestRecoverPINWithoutRecoveryMaterial(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	// Custom-PIN initialization never runs bootstrap, so there is nothing
	// sealed to recover from.
	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "key",
	})
	require.NoError(t, err)
	require.False(t, res.BootstrapRan)

	err = f.manager.RecoverPIN(context.Background(), f.serial, "A7KQM-29XWR-PFH4T", mustPin(t, "765432"))
	require.Error(t, err)
	assert.Equal(t, 0, f.devices.unblocks)
}

func TestDecryptWithIdentityRequiresRegisteredState(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	_, err := f.manager.DecryptWithIdentity(context.Background(),
		f.serial, "AGE-PLUGIN-YUBIKEY-1TAG0000000000", mustPin(t, "654321"), []byte("data"))
	require.Error(t, err)

	var opErr *types.OperationNotAllowedError
	assert.ErrorAs(t, err, &opErr)
}

func TestDecryptWithIdentityStampsLastUsed(t *testing.T) {
	f := newFixture(t)
	f.devices.defaultPIN[f.serial.Value()] = false

	res, err := f.manager.InitializeDevice(context.Background(), InitializeParams{
		Serial: f.serial,
		Pin:    mustPin(t, "654321"),
		Slot:   1,
		Label:  "key",
	})
	require.NoError(t, err)

	plain, err := f.manager.DecryptWithIdentity(context.Background(),
		f.serial, res.Entry.IdentityTag, mustPin(t, "654321"), []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("plain"), plain)

	entry, err := f.reg.FindBySerial(f.serial)
	require.NoError(t, err)
	assert.NotNil(t, entry.LastUsed)
}

func TestEncryptWithRecipientValidatesPrefix(t *testing.T) {
	f := newFixture(t)

	_, err := f.manager.EncryptWithRecipient(context.Background(),
		"AGE-PLUGIN-YUBIKEY-1TAG0000000000", []byte("data"))
	require.Error(t, err, "identity tag must never be accepted as a recipient")

	out, err := f.manager.EncryptWithRecipient(context.Background(),
		"age1yubikey1qrecipient", []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, []byte("enc:data"), out)
}
