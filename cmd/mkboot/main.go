// mkboot assembles a bootable image for a capability-based microkernel
// from a build manifest: a bootloader, one or more kernel replicas, their
// initial tasks and any extra system data, all packed behind the
// bootloader with its boot page tables patched in.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinykern/mkboot/internal/elfio"
	"github.com/tinykern/mkboot/internal/loader"
	"github.com/tinykern/mkboot/internal/memregion"
	"github.com/tinykern/mkboot/internal/sel4"
)

func main() {
	manifestPath := flag.String("manifest", "mkboot.yaml", "path to the build manifest")
	output := flag.String("o", "", "override the manifest's output path")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if err := run(*manifestPath, *output); err != nil {
		fmt.Fprintf(os.Stderr, "mkboot: %v\n", err)
		os.Exit(1)
	}
}

func run(manifestPath, outputOverride string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	if outputOverride != "" {
		m.Output = outputOverride
	}

	arch, err := sel4.ParseArch(m.Arch)
	if err != nil {
		return err
	}
	cfg := &sel4.Config{
		Arch:                arch,
		Hypervisor:          m.Hypervisor,
		KernelVirtualOffset: m.KernelVirtualOffset,
		RiscvPtLevels:       m.RiscvPtLevels,
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	kernel, err := elfio.Load(m.Kernel)
	if err != nil {
		return fmt.Errorf("load kernel: %w", err)
	}

	opts := loader.Options{
		Config:         cfg,
		BootloaderPath: m.Bootloader,
		Kernel:         kernel,
	}

	havePhysBases := false
	for _, k := range m.Kernels {
		if k.InitialTaskPhysBase != nil {
			havePhysBases = true
		}
	}

	for i, k := range m.Kernels {
		opts.KernelPVOffsets = append(opts.KernelPVOffsets, k.PVOffset)

		task, err := elfio.Load(k.InitialTask)
		if err != nil {
			return fmt.Errorf("load initial task %d: %w", i, err)
		}
		opts.InitialTasks = append(opts.InitialTasks, task)
		if havePhysBases {
			opts.InitialTaskPhysBases = append(opts.InitialTaskPhysBases, taskPhysBase(k, task))
		}

		// Fold the manifest's RAM entries through the region set so
		// adjacent or overlapping spans merge into single regions
		// before they reach the hand-off.
		var ram memregion.DisjointRegionSet
		for _, r := range k.RAM {
			ram.Insert(r.Base, r.End)
		}
		ramRegions := append([]memregion.Region(nil), ram.Regions()...)
		opts.PerCoreRAM = append(opts.PerCoreRAM, ramRegions)

		var reserved []memregion.Region
		for _, r := range k.Reserved {
			reserved = append(reserved, memregion.NewRegion(r.Base, r.End))
		}
		opts.ReservedRegions = append(opts.ReservedRegions, reserved)

		logUntypedPreview(cfg, i, ramRegions)
	}

	for i, sys := range m.SystemRegions {
		data, err := os.ReadFile(sys.File)
		if err != nil {
			return fmt.Errorf("read system region %d: %w", i, err)
		}
		opts.SystemRegions = append(opts.SystemRegions, loader.SystemRegion{Addr: sys.Addr, Data: data})
	}

	ldr, err := loader.New(opts)
	if err != nil {
		return err
	}

	if err := writeOutput(ldr, m.Output); err != nil {
		return err
	}
	slog.Info("boot image written",
		"path", m.Output,
		"kernels", ldr.NumKernels(),
		"size", humanize.IBytes(ldr.OutputSize()))
	return nil
}

func taskPhysBase(k manifestKernel, task *elfio.Binary) uint64 {
	if k.InitialTaskPhysBase != nil {
		return *k.InitialTaskPhysBase
	}
	if segs := task.LoadableSegments(); len(segs) == 1 {
		return segs[0].PhysAddr
	}
	return 0
}

// logUntypedPreview derives the power-of-two untypeds the kernel will
// carve out of a core's RAM at boot, the same way the kernel does it.
func logUntypedPreview(cfg *sel4.Config, core int, ram []memregion.Region) {
	const maxUntypedBits = 38
	var total int
	for _, r := range ram {
		total += len(r.AlignedPowerOfTwoRegions(cfg, maxUntypedBits))
	}
	slog.Debug("boot untyped derivation", "kernel", core, "ram_regions", len(ram), "untypeds", total)
}

func writeOutput(ldr *loader.Loader, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create '%s': %w", path, err)
	}

	var w io.Writer = f
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar := progressbar.DefaultBytes(int64(ldr.OutputSize()), "writing image")
		defer bar.Close()
		w = io.MultiWriter(f, bar)
	}

	buf := bufio.NewWriter(w)
	if err := ldr.WriteImageTo(buf); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := buf.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush '%s': %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close '%s': %w", path, err)
	}
	return nil
}
