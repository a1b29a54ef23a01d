// Package app wires the flashli command line: the interactive flash flow,
// the supported-device listing, and the image mirror.
package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"

	"github.com/protectli/flashli/cmd/flashli/app/options"
	"github.com/protectli/flashli/internal/catalog"
	"github.com/protectli/flashli/internal/engine"
	"github.com/protectli/flashli/internal/flasher"
	"github.com/protectli/flashli/internal/hardware"
	"github.com/protectli/flashli/internal/mirror"
	"github.com/protectli/flashli/pkg/log"
)

const (
	commandName = "flashli"
	commandDesc = `FlashLi identifies the Protectli appliance it runs on, checks that the
board is in a firmware-writable state, and drives flashrom to write the
BIOS image the operator selects.`

	version = "1.1.0"
)

func NewFlashliCommand() *cobra.Command {
	opts := options.NewOptions()
	upgrade := false

	cmd := &cobra.Command{
		Use:          commandName,
		Short:        "Flash BIOS images onto Protectli appliances",
		Long:         commandDesc,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.Complete(); err != nil {
				return err
			}
			log.Init(opts.Log)
			return opts.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlash(cmd, opts, upgrade)
		},
	}

	opts.AddFlags(cmd.PersistentFlags())
	cmd.Flags().BoolVar(&upgrade, "upgrade", upgrade,
		"Flash only the RW firmware-map section for an in-place update (coreboot models that declare an upgrade template only).")

	cmd.AddCommand(newListCommand(), newFetchCommand(opts), newVersionCommand())
	return cmd
}

func runFlash(cmd *cobra.Command, opts *options.Options, upgrade bool) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	// The external writer needs direct hardware access. Dry runs never spawn
	// it, so they may run unprivileged.
	if !opts.DryRun && os.Geteuid() != 0 {
		return errors.New("flashing requires root privileges, please run: sudo flashli")
	}

	cat, err := catalog.Load()
	if err != nil {
		return err
	}

	cfg := &engine.Config{
		Catalog:   cat,
		Executor:  flasher.New(opts.DryRun),
		ImagesDir: opts.ImagesDir,
	}
	eng, err := cfg.NewEngine()
	if err != nil {
		return err
	}

	printBanner(out)

	session, err := eng.Begin(ctx, hardware.NewDMIProvider(), engine.Request{Upgrade: upgrade})
	if err != nil {
		return reportRejection(out, err)
	}

	printDeviceReport(out, session)

	if err := promptSelection(ctx, cmd.InOrStdin(), out, session); err != nil {
		return err
	}

	if err := session.Dispatch(ctx); err != nil {
		var flashErr *engine.FlashError
		if errors.As(err, &flashErr) {
			fmt.Fprintf(out, "BIOS flash failed: %v\n", flashErr)
			fmt.Fprintln(out, "Is this tool running with root permissions?")
			fmt.Fprintln(out, "Please try again, but if problems persist, please let us know.")
		}
		return err
	}

	fmt.Fprintln(out, "Flash completed and successful.")
	fmt.Fprintln(out, "Please restart your device.")
	return nil
}

func printBanner(out io.Writer) {
	fmt.Fprintln(out, "================ FlashLi ================")
	fmt.Fprintf(out, "-------------- Version %s --------------\n", version)
}

func printDeviceReport(out io.Writer, session *engine.Session) {
	snap := session.Snapshot()
	model := session.Model()

	vendor := snap.Vendor
	if vendor == hardware.VendorUnknown {
		vendor = "unknown"
	}

	table := uitable.New()
	table.AddRow("Device:", strings.ToUpper(snap.ModelID))
	table.AddRow("CPU:", model.CPU)
	table.AddRow("BIOS Mode:", snap.BootMode.String())
	table.AddRow("Current firmware:", vendor)
	fmt.Fprintln(out, table)
}

// promptSelection runs the interactive selection loop. Inputs outside the
// offered set re-prompt indefinitely; either the option number or the vendor
// tag itself is accepted.
func promptSelection(ctx context.Context, in io.Reader, out io.Writer, session *engine.Session) error {
	scanner := bufio.NewScanner(in)

	for {
		fmt.Fprintln(out, "Available BIOS:")
		for i, vendor := range session.Options() {
			fmt.Fprintf(out, "%d: %s\n", i+1, vendor)
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("failed to read selection: %w", err)
			}
			return errors.New("selection aborted, input closed")
		}

		input := strings.TrimSpace(scanner.Text())
		vendor := input
		if n, err := strconv.Atoi(input); err == nil {
			if opts := session.Options(); n >= 1 && n <= len(opts) {
				vendor = opts[n-1]
			}
		}

		err := session.Select(ctx, vendor)
		if err == nil {
			return nil
		}

		var invalid *engine.InvalidSelectionError
		if errors.As(err, &invalid) {
			fmt.Fprintf(out, "Invalid selection %q, please choose again.\n", input)
			continue
		}
		return err
	}
}

func reportRejection(out io.Writer, err error) error {
	var unsupported *engine.UnsupportedDeviceError
	if errors.As(err, &unsupported) {
		fmt.Fprintln(out, "Sorry, this is an unsupported device.")
		fmt.Fprintln(out, "This tool is used to flash BIOS onto the following Protectli products:")
		fmt.Fprintln(out, unsupported.Remediation())
		return err
	}

	var wrongMode *engine.WrongBootModeError
	if errors.As(err, &wrongMode) {
		fmt.Fprintln(out, "This tool must be run in Legacy BIOS mode, not EFI.")
		fmt.Fprintln(out, "If you are using this tool to update an existing EFI system, you may experience")
		fmt.Fprintln(out, "issues booting into your operating system after flashing a new BIOS. If you are")
		fmt.Fprintln(out, "aware of the risks and wish to proceed, please reboot your device and configure")
		fmt.Fprintln(out, "your current BIOS to boot into Legacy Mode.")
		return err
	}

	return err
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the supported Protectli products and their BIOS options",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load()
			if err != nil {
				return err
			}

			table := uitable.New()
			table.AddRow("MODEL", "CPU", "AVAILABLE BIOS")
			for _, m := range cat.Models() {
				table.AddRow(strings.ToUpper(m.ID), m.CPU, strings.Join(m.Vendors(), ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), table)
			return nil
		},
	}
}

func newFetchCommand(opts *options.Options) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch",
		Short: "Download the catalog's BIOS images from the release bucket",
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := catalog.Load()
			if err != nil {
				return err
			}

			m, err := mirror.New(opts.S3, opts.ImagesDir)
			if err != nil {
				return err
			}

			if err := m.Sync(cmd.Context(), cat); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Images are up to date.")
			return nil
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flashli version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
