// Package hardware exposes the identity of the physical appliance: its model
// identifier, current boot mode, and the vendor of the firmware presently
// installed. Reads may be slow and may fail; callers treat the answers as
// opaque strings.
package hardware

import "context"

// BootMode is the firmware interface mode the host booted in. Flashing is
// only permitted while the host runs in legacy mode.
type BootMode int

const (
	BootModeUnknown BootMode = iota
	BootModeLegacy
	BootModeUEFI
)

func (m BootMode) String() string {
	switch m {
	case BootModeLegacy:
		return "Legacy"
	case BootModeUEFI:
		return "EFI"
	default:
		return "Unknown"
	}
}

// Known firmware vendor tags, matching the catalog's descriptor tags.
const (
	VendorAMI      = "ami"
	VendorCoreboot = "coreboot"

	// VendorUnknown means the installed firmware could not be attributed to a
	// known vendor. It never matches a descriptor tag.
	VendorUnknown = ""
)

// Provider answers the three identity queries the decision engine consumes.
type Provider interface {
	// ModelID reports the device's model identifier as a lowercase token.
	ModelID(ctx context.Context) (string, error)

	// BootMode reports the firmware interface mode of the running host.
	BootMode(ctx context.Context) (BootMode, error)

	// FirmwareVendor reports the vendor tag of the currently installed
	// firmware, or VendorUnknown when it cannot be attributed.
	FirmwareVendor(ctx context.Context) (string, error)
}
