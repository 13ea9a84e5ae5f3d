// Command gopc works with machine snapshot files: inspect their contents,
// validate their structure, fingerprint them, and run an end-to-end
// save/restore selftest on an in-memory machine.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/google/uuid"
	"github.com/pkg/profile"
	"github.com/spf13/cobra"

	"github.com/gopc-dev/gopc/flag"
	"github.com/gopc-dev/gopc/machine"
	"github.com/gopc-dev/gopc/snapshot"
	"github.com/gopc-dev/gopc/vmm"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		verbose  bool
		profMode string
		prof     interface{ Stop() }
	)

	root := &cobra.Command{
		Use:           "gopc",
		Short:         "Inspect, validate, and exercise machine snapshot files",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch profMode {
			case "cpu":
				prof = profile.Start(profile.CPUProfile, profile.ProfilePath("."))
			case "mem":
				prof = profile.Start(profile.MemProfile, profile.ProfilePath("."))
			}
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if prof != nil {
				prof.Stop()
			}
		},
	}

	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log progress to stderr")
	root.PersistentFlags().StringVar(&profMode, "profile", "", "write a cpu or mem profile")

	logger := func() logr.Logger {
		if !verbose {
			return logr.Discard()
		}

		return funcr.New(func(prefix, args string) {
			fmt.Fprintln(os.Stderr, prefix, args)
		}, funcr.Options{})
	}

	root.AddCommand(
		newInspectCmd(),
		newValidateCmd(),
		newDigestCmd(),
		newSelftestCmd(logger),
	)

	return root
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a snapshot file's metadata, sections, and devices",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			idx, err := snapshot.ReadIndex(f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "snapshot id:   %d\n", idx.Meta.SnapshotID)
			if idx.Meta.ParentSnapshotID != nil {
				fmt.Fprintf(out, "parent id:     %d (incremental)\n", *idx.Meta.ParentSnapshotID)
			}

			fmt.Fprintf(out, "created (ms):  %d\n", idx.Meta.CreatedUnixMs)
			fmt.Fprintf(out, "label:         %s\n", idx.Meta.Label)
			fmt.Fprintf(out, "cpus:          %d\n", idx.CPUs)
			fmt.Fprintf(out, "ram bytes:     %d\n", idx.RAMBytes)

			fmt.Fprintln(out, "\nsections:")
			for _, sec := range idx.Sections {
				fmt.Fprintf(out, "  %s  v%-2d  %10d bytes  at %#x\n",
					sec.Header.ID, sec.Header.Version, sec.Header.Length, sec.Offset)
			}

			if len(idx.Devices) > 0 {
				fmt.Fprintln(out, "\ndevice envelopes:")
				for _, dev := range idx.Devices {
					fmt.Fprintf(out, "  %s  v%d.%d  %6d bytes\n",
						dev.ID, dev.Version.Major, dev.Version.Minor, len(dev.Data))
				}
			}

			for _, ref := range idx.Disks {
				fmt.Fprintf(out, "\ndisk %d: base=%s overlay=%s\n",
					ref.DiskID, ref.BaseImage, ref.OverlayImage)
			}

			return nil
		},
	}
}

func newValidateCmd() *cobra.Command {
	var deep bool

	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a snapshot file's structure",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := vmm.Validate(args[0], deep)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d sections, %d device envelopes)\n",
				args[0], len(idx.Sections), len(idx.Devices))

			return nil
		},
	}

	cmd.Flags().BoolVar(&deep, "deep", false, "also parse every device envelope")

	return cmd
}

func newDigestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "digest <file>",
		Short: "Print blake3 digests of the file and each section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := vmm.Digest(args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			fmt.Fprintf(out, "%x  %s\n", d.File, args[0])
			for _, sec := range d.Sections {
				fmt.Fprintf(out, "%x  %s (%d bytes)\n", sec.Sum, sec.ID, sec.Length)
			}

			return nil
		},
	}
}

func newSelftestCmd(logger func() logr.Logger) *cobra.Command {
	var (
		ramSize string
		ncpus   int
	)

	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Save and restore an in-memory machine and compare the result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ram, err := flag.ParseSize(ramSize, "m")
			if err != nil {
				return err
			}

			if err := runSelftest(logger(), ncpus, uint64(ram)); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "selftest: PASS")

			return nil
		},
	}

	cmd.Flags().StringVar(&ramSize, "ram", "64M", "guest RAM size: number[gGmMkK]")
	cmd.Flags().IntVar(&ncpus, "cpus", 2, "number of vCPUs")

	return cmd
}

var errSelftestMismatch = errors.New("selftest mismatch")

// runSelftest exercises the whole stack: build a machine, scribble
// recognizable state into it, snapshot to a file, restore into a second
// machine, dirty one page, and apply an incremental on top.
func runSelftest(log logr.Logger, ncpus int, ram uint64) error {
	cfg := machine.Config{
		NCPUs:             ncpus,
		RAMSize:           ram,
		MachineID:         uuid.New(),
		EnableVGA:         true,
		EnableNIC:         true,
		EnableIDE:         true,
		EnableAHCI:        true,
		EnableNVMe:        true,
		EnableVirtioBlk:   true,
		EnableVirtioInput: true,
		EnableUHCI:        true,
		EnableEHCI:        true,
		EnableXHCI:        true,
	}

	src, err := machine.New(cfg)
	if err != nil {
		return err
	}

	dst, err := machine.New(cfg)
	if err != nil {
		return err
	}

	src.CPU(0).GPR[0] = 0x1badb002
	src.MMU(0).TSC = 42
	src.NIC().IMS = 0x1
	src.NIC().RaiseInterrupt(0x1)
	src.VGA().WriteVRAM(0, []byte("gopc"))

	pattern := make([]byte, 64<<10)
	for i := range pattern {
		pattern[i] = byte(i * 7)
	}

	if err := src.RAM().WriteAt(0x10000, pattern); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "gopc-selftest-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	sv := vmm.New(src, vmm.Options{Logger: log})
	dv := vmm.New(dst, vmm.Options{Logger: log})

	base := filepath.Join(dir, "base.snap")

	baseID, err := sv.SaveSnapshot(base)
	if err != nil {
		return err
	}

	if _, err := vmm.Validate(base, true); err != nil {
		return err
	}

	if err := dv.Restore(base); err != nil {
		return err
	}

	if !reflect.DeepEqual(*dst.CPU(0), *src.CPU(0)) {
		return fmt.Errorf("%w: CPU state", errSelftestMismatch)
	}

	got := make([]byte, len(pattern))
	if err := dst.RAM().ReadAt(0x10000, got); err != nil {
		return err
	}

	if !reflect.DeepEqual(got, pattern) {
		return fmt.Errorf("%w: RAM pattern", errSelftestMismatch)
	}

	if !dst.NIC().IRQLevel() {
		return fmt.Errorf("%w: NIC interrupt line", errSelftestMismatch)
	}

	// Incremental pass: one dirtied page rides a diff snapshot.
	if err := src.RAM().WriteAt(0x30000, []byte{0xee}); err != nil {
		return err
	}

	diff := filepath.Join(dir, "diff.snap")
	if _, err := sv.SaveIncremental(diff); err != nil {
		return err
	}

	if err := dv.RestoreIncremental(diff, baseID); err != nil {
		return err
	}

	b := make([]byte, 1)
	if err := dst.RAM().ReadAt(0x30000, b); err != nil {
		return err
	}

	if b[0] != 0xee {
		return fmt.Errorf("%w: incremental page", errSelftestMismatch)
	}

	return nil
}
