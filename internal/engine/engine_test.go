package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/protectli/flashli/internal/catalog"
	"github.com/protectli/flashli/internal/hardware"
)

type fakeProvider struct {
	model  string
	mode   hardware.BootMode
	vendor string

	modelErr  error
	modeErr   error
	vendorErr error
}

func (f *fakeProvider) ModelID(ctx context.Context) (string, error) {
	return f.model, f.modelErr
}

func (f *fakeProvider) BootMode(ctx context.Context) (hardware.BootMode, error) {
	return f.mode, f.modeErr
}

func (f *fakeProvider) FirmwareVendor(ctx context.Context) (string, error) {
	return f.vendor, f.vendorErr
}

type fakeExecutor struct {
	code     int
	err      error
	commands []string
}

func (f *fakeExecutor) Execute(ctx context.Context, command string) (int, error) {
	f.commands = append(f.commands, command)
	return f.code, f.err
}

func newTestEngine(t *testing.T, exec *fakeExecutor) *Engine {
	t.Helper()
	cat, err := catalog.Load()
	if err != nil {
		t.Fatalf("catalog.Load() failed: %v", err)
	}
	cfg := &Config{Catalog: cat, Executor: exec, ImagesDir: "images"}
	eng, err := cfg.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	return eng
}

func TestUEFIShortCircuits(t *testing.T) {
	// The mode gate fires before identification: even an unknown model is
	// refused as WrongBootMode when the host booted via UEFI.
	for _, model := range []string{"fw6d", "no-such-model"} {
		t.Run(model, func(t *testing.T) {
			eng := newTestEngine(t, &fakeExecutor{})
			_, err := eng.Begin(context.Background(), &fakeProvider{model: model, mode: hardware.BootModeUEFI}, Request{})

			var wrongMode *WrongBootModeError
			if !errors.As(err, &wrongMode) {
				t.Fatalf("Begin() = %v, want WrongBootModeError", err)
			}
		})
	}
}

func TestUnsupportedDeviceRemediation(t *testing.T) {
	eng := newTestEngine(t, &fakeExecutor{})
	_, err := eng.Begin(context.Background(), &fakeProvider{model: "fw9", mode: hardware.BootModeLegacy}, Request{})

	var unsupported *UnsupportedDeviceError
	if !errors.As(err, &unsupported) {
		t.Fatalf("Begin() = %v, want UnsupportedDeviceError", err)
	}

	want := strings.Join([]string{
		"FW1", "FW2", "FW2B", "FW4A", "FW4B", "FW4C",
		"FW6A", "FW6AR", "FW6B", "FW6BR", "FW6BR2", "FW6C", "FW6D", "FW6E", "FW6M",
		"VP2410", "VP2410R", "VP4630", "VP4650",
	}, "\n")
	if got := unsupported.Remediation(); got != want {
		t.Errorf("Remediation() = %q, want %q", got, want)
	}
}

func TestProviderFailuresSurfaceAsRejections(t *testing.T) {
	boom := errors.New("dmi read failed")

	t.Run("model read failure", func(t *testing.T) {
		eng := newTestEngine(t, &fakeExecutor{})
		_, err := eng.Begin(context.Background(), &fakeProvider{modelErr: boom}, Request{})

		var unsupported *UnsupportedDeviceError
		if !errors.As(err, &unsupported) {
			t.Fatalf("Begin() = %v, want UnsupportedDeviceError", err)
		}
		if !errors.Is(err, boom) {
			t.Error("provider failure not wrapped in the rejection")
		}
	})

	t.Run("mode read failure", func(t *testing.T) {
		eng := newTestEngine(t, &fakeExecutor{})
		_, err := eng.Begin(context.Background(), &fakeProvider{model: "fw6d", modeErr: boom}, Request{})

		var wrongMode *WrongBootModeError
		if !errors.As(err, &wrongMode) {
			t.Fatalf("Begin() = %v, want WrongBootModeError", err)
		}
	})

	t.Run("vendor read failure disables override only", func(t *testing.T) {
		eng := newTestEngine(t, &fakeExecutor{})
		session, err := eng.Begin(context.Background(),
			&fakeProvider{model: "fw6d", mode: hardware.BootModeLegacy, vendorErr: boom}, Request{})
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}

		if err := session.Select(context.Background(), "coreboot"); err != nil {
			t.Fatalf("Select() failed: %v", err)
		}
		decision, _ := session.Decision()
		if decision.Override {
			t.Error("override chosen although the installed vendor is unknown")
		}
	})
}

func TestResolveDefaultTemplate(t *testing.T) {
	eng := newTestEngine(t, &fakeExecutor{})
	session, err := eng.Begin(context.Background(),
		&fakeProvider{model: "vp4630", mode: hardware.BootModeLegacy, vendor: hardware.VendorAMI}, Request{})
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	if got := session.State(); got != StateAwaitingSelection {
		t.Fatalf("state after Begin = %q, want %q", got, StateAwaitingSelection)
	}

	if err := session.Select(context.Background(), "coreboot"); err != nil {
		t.Fatalf("Select() failed: %v", err)
	}

	decision, ok := session.Decision()
	if !ok {
		t.Fatal("no decision after selection")
	}
	if decision.ImagePath != "images/protectli_vp4630_v1.0.17.rom" {
		t.Errorf("ImagePath = %q", decision.ImagePath)
	}
	// vp4630 declares no override; the default template must be used even
	// though the installed vendor differs from the requested one.
	want := "vendor/flashrom -p internal -w images/protectli_vp4630_v1.0.17.rom"
	if decision.Command != want {
		t.Errorf("Command = %q, want %q", decision.Command, want)
	}
	if decision.Override {
		t.Error("Override set for a model without an override template")
	}
}

func TestOverrideOnVendorMismatch(t *testing.T) {
	tests := []struct {
		name         string
		current      string
		selection    string
		wantOverride bool
	}{
		{"mismatch uses override", hardware.VendorAMI, "coreboot", true},
		{"match uses default", hardware.VendorCoreboot, "coreboot", false},
		{"unknown current uses default", hardware.VendorUnknown, "coreboot", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, &fakeExecutor{})
			session, err := eng.Begin(context.Background(),
				&fakeProvider{model: "fw6d", mode: hardware.BootModeLegacy, vendor: tt.current}, Request{})
			if err != nil {
				t.Fatalf("Begin() failed: %v", err)
			}
			if err := session.Select(context.Background(), tt.selection); err != nil {
				t.Fatalf("Select() failed: %v", err)
			}

			decision, _ := session.Decision()
			if decision.Override != tt.wantOverride {
				t.Errorf("Override = %v, want %v (command %q)", decision.Override, tt.wantOverride, decision.Command)
			}
			if tt.wantOverride && !strings.Contains(decision.Command, "boardmismatch=force") {
				t.Errorf("override command %q lacks the force flag", decision.Command)
			}
			if !tt.wantOverride && strings.Contains(decision.Command, "boardmismatch") {
				t.Errorf("default command %q unexpectedly forces the board match", decision.Command)
			}
		})
	}
}

func TestInvalidSelectionsDoNotAdvance(t *testing.T) {
	eng := newTestEngine(t, &fakeExecutor{})
	session, err := eng.Begin(context.Background(),
		&fakeProvider{model: "fw2b", mode: hardware.BootModeLegacy}, Request{})
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	// Any number of invalid inputs followed by a valid one must yield the
	// same decision as an immediately valid input.
	for _, bad := range []string{"", "3", "AMI", "seabios"} {
		err := session.Select(context.Background(), bad)
		var invalid *InvalidSelectionError
		if !errors.As(err, &invalid) {
			t.Fatalf("Select(%q) = %v, want InvalidSelectionError", bad, err)
		}
		if got := session.State(); got != StateAwaitingSelection {
			t.Fatalf("state after invalid input = %q, want %q", got, StateAwaitingSelection)
		}
	}

	if err := session.Select(context.Background(), "ami"); err != nil {
		t.Fatalf("Select(ami) failed: %v", err)
	}
	decision, _ := session.Decision()
	if decision.ImagePath != "images/FW2B_BSW4L011.bin" {
		t.Errorf("ImagePath = %q", decision.ImagePath)
	}
}

func TestSingleDescriptorStillRequiresSelection(t *testing.T) {
	eng := newTestEngine(t, &fakeExecutor{})
	session, err := eng.Begin(context.Background(),
		&fakeProvider{model: "fw2", mode: hardware.BootModeLegacy}, Request{})
	if err != nil {
		t.Fatalf("Begin() failed: %v", err)
	}

	if got := session.State(); got != StateAwaitingSelection {
		t.Errorf("state = %q, want %q (no silent auto-select)", got, StateAwaitingSelection)
	}
	if opts := session.Options(); len(opts) != 1 || opts[0] != "ami" {
		t.Errorf("Options() = %v", opts)
	}

	// Dispatching before any selection is a usage error, not a flash.
	if err := session.Dispatch(context.Background()); err == nil {
		t.Error("Dispatch() before selection unexpectedly succeeded")
	}
}

func TestDispatchOutcomes(t *testing.T) {
	begin := func(t *testing.T, exec *fakeExecutor) *Session {
		t.Helper()
		eng := newTestEngine(t, exec)
		session, err := eng.Begin(context.Background(),
			&fakeProvider{model: "fw6a", mode: hardware.BootModeLegacy}, Request{})
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}
		if err := session.Select(context.Background(), "coreboot"); err != nil {
			t.Fatalf("Select() failed: %v", err)
		}
		return session
	}

	t.Run("exit zero succeeds", func(t *testing.T) {
		exec := &fakeExecutor{code: 0}
		session := begin(t, exec)

		if err := session.Dispatch(context.Background()); err != nil {
			t.Fatalf("Dispatch() failed: %v", err)
		}
		if got := session.State(); got != StateSucceeded {
			t.Errorf("state = %q, want %q", got, StateSucceeded)
		}
		if len(exec.commands) != 1 {
			t.Fatalf("executor ran %d times, want 1", len(exec.commands))
		}
	})

	t.Run("exit two fails with raw code", func(t *testing.T) {
		session := begin(t, &fakeExecutor{code: 2})

		err := session.Dispatch(context.Background())
		var flashErr *FlashError
		if !errors.As(err, &flashErr) {
			t.Fatalf("Dispatch() = %v, want FlashError", err)
		}
		if flashErr.Code != 2 {
			t.Errorf("Code = %d, want 2", flashErr.Code)
		}
		if got := session.State(); got != StateFailed {
			t.Errorf("state = %q, want %q", got, StateFailed)
		}
		if session.ExitStatus() != 2 {
			t.Errorf("ExitStatus() = %d, want 2", session.ExitStatus())
		}
	})

	t.Run("spawn failure fails", func(t *testing.T) {
		spawnErr := errors.New("no such file or directory")
		session := begin(t, &fakeExecutor{code: -1, err: spawnErr})

		err := session.Dispatch(context.Background())
		var flashErr *FlashError
		if !errors.As(err, &flashErr) {
			t.Fatalf("Dispatch() = %v, want FlashError", err)
		}
		if !errors.Is(err, spawnErr) {
			t.Error("spawn failure not wrapped in FlashError")
		}
	})
}

func TestUpgradeRequests(t *testing.T) {
	t.Run("vp4630 uses the upgrade template", func(t *testing.T) {
		eng := newTestEngine(t, &fakeExecutor{})
		session, err := eng.Begin(context.Background(),
			&fakeProvider{model: "vp4630", mode: hardware.BootModeLegacy}, Request{Upgrade: true})
		if err != nil {
			t.Fatalf("Begin() failed: %v", err)
		}
		if err := session.Select(context.Background(), "coreboot"); err != nil {
			t.Fatalf("Select() failed: %v", err)
		}

		decision, _ := session.Decision()
		want := "vendor/flashrom -p internal -w images/protectli_vp4630_v1.0.17.rom --fmap -i RW_SECTION_A"
		if decision.Command != want {
			t.Errorf("Command = %q, want %q", decision.Command, want)
		}
		if !decision.Upgrade {
			t.Error("Upgrade flag not carried into the decision")
		}
	})

	t.Run("fw6d rejects in-place upgrades", func(t *testing.T) {
		eng := newTestEngine(t, &fakeExecutor{})
		_, err := eng.Begin(context.Background(),
			&fakeProvider{model: "fw6d", mode: hardware.BootModeLegacy}, Request{Upgrade: true})

		var unsupported *UpgradeUnsupportedError
		if !errors.As(err, &unsupported) {
			t.Fatalf("Begin() = %v, want UpgradeUnsupportedError", err)
		}
	})
}
