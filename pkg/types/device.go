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

package types

// FormFactor describes the physical package of a YubiKey.
type FormFactor string

const (
	FormFactorUSBA     FormFactor = "usb-a"
	FormFactorUSBANano FormFactor = "usb-a-nano"
	FormFactorUSBC     FormFactor = "usb-c"
	FormFactorUSBCNano FormFactor = "usb-c-nano"
	FormFactorUnknown  FormFactor = "unknown"
)

// Capabilities holds the transport/applet capability flags reported by a
// device probe.
type Capabilities struct {
	USB bool
	NFC bool
	PIV bool
}

// YubiKeyDevice is a snapshot of a connected device. It is rebuilt from a
// live probe on every query and must not be cached across operations; the
// device can be unplugged or mutated between calls.
type YubiKeyDevice struct {
	Serial          Serial
	Name            string
	FormFactor      FormFactor
	FirmwareVersion string
	Connected       bool
	Capabilities    Capabilities
	// OccupiedSlots lists retired slots (1-20) holding a key.
	OccupiedSlots []uint8
}

// HasSlotInUse reports whether the given logical slot already holds a key.
func (d *YubiKeyDevice) HasSlotInUse(slot uint8) bool {
	for _, s := range d.OccupiedSlots {
		if s == slot {
			return true
		}
	}
	return false
}
