package hardware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	dmiProductNamePath = "sys/class/dmi/id/product_name"
	dmiBiosVendorPath  = "sys/class/dmi/id/bios_vendor"
	efiFirmwarePath    = "sys/firmware/efi"
)

// DMIProvider reads device identity from the kernel's DMI table exposed
// under sysfs. The presence of the EFI firmware directory distinguishes a
// UEFI boot from a legacy one.
type DMIProvider struct {
	fsRoot string
}

var _ Provider = (*DMIProvider)(nil)

func NewDMIProvider() *DMIProvider {
	return &DMIProvider{fsRoot: "/"}
}

func (p *DMIProvider) ModelID(ctx context.Context) (string, error) {
	name, err := p.readString(dmiProductNamePath)
	if err != nil {
		return "", fmt.Errorf("read DMI product name: %w", err)
	}
	if name == "" {
		return "", fmt.Errorf("DMI table reports an empty product name")
	}
	return strings.ToLower(name), nil
}

func (p *DMIProvider) BootMode(ctx context.Context) (BootMode, error) {
	if _, err := os.Stat(filepath.Join(p.fsRoot, efiFirmwarePath)); err == nil {
		return BootModeUEFI, nil
	} else if !os.IsNotExist(err) {
		return BootModeUnknown, fmt.Errorf("probe EFI firmware directory: %w", err)
	}
	return BootModeLegacy, nil
}

func (p *DMIProvider) FirmwareVendor(ctx context.Context) (string, error) {
	raw, err := p.readString(dmiBiosVendorPath)
	if err != nil {
		return VendorUnknown, fmt.Errorf("read DMI BIOS vendor: %w", err)
	}
	return NormalizeVendor(raw), nil
}

func (p *DMIProvider) readString(rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(p.fsRoot, rel))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// NormalizeVendor maps a raw DMI BIOS vendor string onto one of the
// catalog's vendor tags. Unrecognized vendors collapse to VendorUnknown so
// they can never satisfy a descriptor match.
func NormalizeVendor(raw string) string {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "coreboot"):
		return VendorCoreboot
	case strings.Contains(s, "american megatrends"):
		return VendorAMI
	default:
		return VendorUnknown
	}
}
