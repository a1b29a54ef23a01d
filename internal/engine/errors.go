package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/protectli/flashli/internal/flasher"
	"github.com/protectli/flashli/internal/hardware"
)

// UnsupportedDeviceError is the terminal rejection for a model identifier
// that is not in the catalog, or for an identity read that failed outright.
type UnsupportedDeviceError struct {
	ModelID   string
	Supported []string
	Err       error
}

func (e *UnsupportedDeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("device identity could not be established: %v", e.Err)
	}
	return fmt.Sprintf("unsupported device %q", e.ModelID)
}

func (e *UnsupportedDeviceError) Unwrap() error { return e.Err }

// Remediation returns the operator-facing listing of supported models:
// every catalog key, uppercased, one per line, sorted lexicographically.
func (e *UnsupportedDeviceError) Remediation() string {
	ids := make([]string, len(e.Supported))
	for i, id := range e.Supported {
		ids[i] = strings.ToUpper(id)
	}
	sort.Strings(ids)
	return strings.Join(ids, "\n")
}

// WrongBootModeError is the terminal rejection for a host booted in UEFI
// mode. This is a safety gate, not a warning: flashing in this mode pairing
// has historically left target hardware unbootable.
type WrongBootModeError struct {
	Mode hardware.BootMode
	Err  error
}

func (e *WrongBootModeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("boot mode could not be established: %v", e.Err)
	}
	return fmt.Sprintf("flashing refused in %s boot mode, reboot into Legacy mode first", e.Mode)
}

func (e *WrongBootModeError) Unwrap() error { return e.Err }

// InvalidSelectionError rejects an operator input outside the offered vendor
// set. It is recoverable: the session stays suspended awaiting selection.
type InvalidSelectionError struct {
	Input   string
	Offered []string
}

func (e *InvalidSelectionError) Error() string {
	return fmt.Sprintf("selection %q is not one of %s", e.Input, strings.Join(e.Offered, ", "))
}

// UpgradeUnsupportedError rejects an in-place upgrade request for a model
// whose catalog entry declares no upgrade template.
type UpgradeUnsupportedError struct {
	ModelID string
}

func (e *UpgradeUnsupportedError) Error() string {
	return fmt.Sprintf("model %q does not support in-place section upgrades", e.ModelID)
}

// FlashError is the terminal rejection for a writer invocation that did not
// succeed. Code carries the writer's raw exit status; when the process could
// not be started at all, Code is -1 and Err holds the spawn failure.
type FlashError struct {
	Code int
	Err  error
}

func (e *FlashError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("external writer could not be run: %v", e.Err)
	}
	return fmt.Sprintf("external writer exited with status %d (%s)", e.Code, flasher.DescribeExit(e.Code))
}

func (e *FlashError) Unwrap() error { return e.Err }
