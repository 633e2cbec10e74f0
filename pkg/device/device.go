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

// Package device probes connected YubiKeys and provisions factory-fresh
// ones through the management tool. Raw smartcard traffic is out of scope;
// everything here shells out to the ykman-style binary.
package device

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/Barqly/barqly-vault-sub000/pkg/logging"
	"github.com/Barqly/barqly-vault-sub000/pkg/session"
	"github.com/Barqly/barqly-vault-sub000/pkg/types"
)

// DefaultBinary is the management tool looked up on PATH when no explicit
// path is configured.
const DefaultBinary = "ykman"

// Service probes and provisions devices.
type Service struct {
	binary string
	log    *logging.Logger
}

// NewService returns a Service using the given binary path, or DefaultBinary
// when empty.
func NewService(binary string, log *logging.Logger) *Service {
	if binary == "" {
		binary = DefaultBinary
	}
	if log == nil {
		log = logging.DefaultLogger()
	}
	return &Service{binary: binary, log: log}
}

// List returns the serials of every connected device. An empty list is not
// an error.
func (s *Service) List(ctx context.Context) ([]types.Serial, error) {
	res, err := s.run(ctx, "list-devices", "list", "--serials")
	if err != nil {
		return nil, err
	}

	var serials []types.Serial
	for _, line := range res.Transcript.Lines() {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		serial, serr := types.NewSerial(line)
		if serr != nil {
			s.log.Debug("skipping unparseable serial line")
			continue
		}
		serials = append(serials, serial)
	}
	return serials, nil
}

// Info probes one device. Returns ErrDeviceNotFound when the serial is not
// connected. The snapshot is ephemeral; callers must re-probe rather than
// cache it.
func (s *Service) Info(ctx context.Context, serial types.Serial) (*types.YubiKeyDevice, error) {
	res, err := s.run(ctx, "device-info", "--device", serial.Value(), "info")
	if err != nil {
		if isNotFound(err) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, err
	}

	dev := parseDeviceInfo(res.Transcript.Lines())
	dev.Serial = serial
	dev.Connected = true

	piv, err := s.run(ctx, "piv-info", "--device", serial.Value(), "piv", "info")
	if err == nil {
		_, dev.OccupiedSlots = parsePIVInfo(piv.Transcript.Lines())
		dev.Capabilities.PIV = true
	}
	return &dev, nil
}

// HasDefaultPIN reports whether the device still carries the factory PIN.
// The management tool warns "Using default PIN!" in its PIV summary; absence
// of the warning means a custom PIN is set.
func (s *Service) HasDefaultPIN(ctx context.Context, serial types.Serial) (bool, error) {
	res, err := s.run(ctx, "pin-probe", "--device", serial.Value(), "piv", "info")
	if err != nil {
		if isNotFound(err) {
			return false, types.ErrDeviceNotFound
		}
		return false, err
	}
	hasDefault, _ := parsePIVInfo(res.Transcript.Lines())
	return hasDefault, nil
}

// VerifyPIN validates PIN format only. Hardware verification is deliberately
// deferred to the first decrypt: tokens block after three failed attempts,
// so speculative hardware checks are never worth the retry they burn.
func (s *Service) VerifyPIN(serial types.Serial, pin types.Pin) error {
	if serial.IsZero() {
		return types.NewValidationError("serial", "cannot be zero")
	}
	if pin.IsZero() {
		return types.NewValidationError("pin", "cannot be empty")
	}
	return nil
}

func (s *Service) run(ctx context.Context, op string, args ...string) (*session.Result, error) {
	return session.Run(ctx, session.Config{
		Op:      op,
		Command: s.binary,
		Args:    args,
		Logger:  s.log,
	})
}

func isNotFound(err error) bool {
	var se *types.SubprocessError
	if !errors.As(err, &se) {
		return false
	}
	out := strings.ToLower(se.Transcript)
	return strings.Contains(out, "failed connecting") ||
		strings.Contains(out, "no yubikey detected") ||
		strings.Contains(out, "not found")
}

func parseDeviceInfo(lines []string) types.YubiKeyDevice {
	dev := types.YubiKeyDevice{FormFactor: types.FormFactorUnknown}
	for _, line := range lines {
		key, value, found := strings.Cut(line, ":")
		if !found {
			if strings.Contains(line, "NFC transport is enabled") {
				dev.Capabilities.NFC = true
			}
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Device type":
			dev.Name = value
			dev.Capabilities.USB = true
		case "Firmware version":
			dev.FirmwareVersion = value
		case "Form factor":
			dev.FormFactor = parseFormFactor(value)
		}
	}
	return dev
}

func parseFormFactor(value string) types.FormFactor {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "usb-c") && strings.Contains(v, "nano"):
		return types.FormFactorUSBCNano
	case strings.Contains(v, "usb-c"):
		return types.FormFactorUSBC
	case strings.Contains(v, "nano"):
		return types.FormFactorUSBANano
	case strings.Contains(v, "usb-a") || strings.Contains(v, "keychain"):
		return types.FormFactorUSBA
	default:
		return types.FormFactorUnknown
	}
}

// parsePIVInfo extracts the default-PIN warning and the occupied retired
// slots from a PIV summary. Certificate lines look like
// "Slot 85 (RETIRED3):"; only retired slots (83-102) map back to logical
// slots 1-20.
func parsePIVInfo(lines []string) (hasDefaultPIN bool, occupied []uint8) {
	for _, line := range lines {
		if strings.Contains(line, "Using default PIN!") {
			hasDefaultPIN = true
		}
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "Slot ") {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSuffix(fields[1], ":"), 10, 8)
		if err != nil {
			continue
		}
		if logical, ok := logicalSlot(uint8(n)); ok {
			occupied = append(occupied, logical)
		}
	}
	return hasDefaultPIN, occupied
}

// logicalSlot maps a PIV retired-slot number (82+slot) back to the logical
// slot index.
func logicalSlot(pivSlot uint8) (uint8, bool) {
	if pivSlot < 83 || pivSlot > 102 {
		return 0, false
	}
	return pivSlot - 82, true
}
