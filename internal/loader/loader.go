// Package loader assembles the boot image: the bootloader with its boot
// page tables patched in, every kernel replica and initial task placed at
// its physical load address, and the metadata stream the bootloader parses
// to install it all.
package loader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tinykern/mkboot/internal/elfio"
	"github.com/tinykern/mkboot/internal/memregion"
	"github.com/tinykern/mkboot/internal/sel4"
)

const (
	pageTableSize    = 4096
	pageTableEntries = 512
	pageSize         = 4096

	// Image magic, by bootloader word size.
	magic64 = 0x5e14dead14de5ead
	magic32 = 0x5e14dead

	loaderHeaderSize = 48
	loaderRegionSize = 32

	// The only region type the bootloader knows.
	regionTypeData = 1
)

// tableVar is one boot page table destined for a bootloader symbol. size
// is the full symbol size; with N replicas each table owns a 4 KiB slice
// of it.
type tableVar struct {
	name string
	addr uint64
	size uint64
	data [pageTableSize]byte
}

// SystemRegion is caller-supplied data placed at a fixed physical address.
type SystemRegion struct {
	Addr uint64
	Data []byte
}

// region is a scheduled piece of the output image.
type region struct {
	name string
	addr uint64
	data []byte
}

func (r region) end() uint64 {
	return r.addr + uint64(len(r.data))
}

// Options carries every input of the image assembly.
type Options struct {
	Config         *sel4.Config
	BootloaderPath string

	Kernel *elfio.Binary
	// KernelPVOffsets holds one physical-to-virtual offset per kernel
	// replica; its length fixes the replica count and must match the
	// count baked into the bootloader.
	KernelPVOffsets []uint64

	// InitialTasks holds one single-segment binary per replica.
	InitialTasks []*elfio.Binary
	// InitialTaskPhysBases overrides each task's physical base. When nil
	// the segment's own physical address is used.
	InitialTaskPhysBases []uint64

	// ReservedRegions lists, per replica, spans the kernel must not touch.
	ReservedRegions [][]memregion.Region
	// SystemRegions is extra data placed at fixed physical addresses.
	SystemRegions []SystemRegion
	// PerCoreRAM lists, per replica, the RAM regions that replica owns.
	PerCoreRAM [][]memregion.Region
}

// initialTaskInfo records one root task's placement. pvOffset is the
// physical base minus the virtual base, the sense the hand-off uses.
type initialTaskInfo struct {
	pvOffset  uint64
	pRegStart uint64
	pRegEnd   uint64
	vEntry    uint64
}

// Loader is an assembled image ready to be written out.
type Loader struct {
	image   []byte
	header  []byte
	blocks  [][]byte
	regions []region
}

// New runs the image assembly over the supplied inputs.
func New(opts Options) (*Loader, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("no target configuration supplied")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	numKernels := len(opts.KernelPVOffsets)
	if numKernels == 0 {
		return nil, fmt.Errorf("no kernel replicas requested")
	}
	if len(opts.InitialTasks) != numKernels {
		return nil, fmt.Errorf("%d initial tasks for %d kernel replicas", len(opts.InitialTasks), numKernels)
	}
	if opts.InitialTaskPhysBases != nil && len(opts.InitialTaskPhysBases) != numKernels {
		return nil, fmt.Errorf("%d initial task bases for %d kernel replicas", len(opts.InitialTaskPhysBases), numKernels)
	}
	if len(opts.ReservedRegions) != numKernels {
		return nil, fmt.Errorf("%d reserved region lists for %d kernel replicas", len(opts.ReservedRegions), numKernels)
	}
	if len(opts.PerCoreRAM) != numKernels {
		return nil, fmt.Errorf("%d RAM region lists for %d kernel replicas", len(opts.PerCoreRAM), numKernels)
	}

	boot, err := elfio.Load(opts.BootloaderPath)
	if err != nil {
		return nil, fmt.Errorf("load bootloader: %w", err)
	}

	var magic uint64
	switch boot.WordSize {
	case 32:
		magic = magic32
	case 64:
		magic = magic64
	default:
		return nil, fmt.Errorf("unexpected bootloader word size %d", boot.WordSize)
	}

	// The replica count is baked into the bootloader; the build graph
	// must agree with it.
	nmkAddr, nmkSize, err := boot.FindSymbol("num_multikernels")
	if err != nil {
		return nil, fmt.Errorf("read bootloader replica count: %w", err)
	}
	nmkData, err := boot.GetData(nmkAddr, nmkSize)
	if err != nil {
		return nil, fmt.Errorf("read bootloader replica count: %w", err)
	}
	if len(nmkData) == 0 {
		return nil, fmt.Errorf("bootloader replica count symbol is empty")
	}
	if baked := int(nmkData[0]); baked != numKernels {
		return nil, fmt.Errorf("bootloader was built for %d kernels, system describes %d", baked, numKernels)
	}
	slog.Info("assembling boot image", "arch", cfg.Arch, "kernels", numKernels)

	kernelSegments := opts.Kernel.LoadableSegments()
	if len(kernelSegments) == 0 {
		return nil, fmt.Errorf("kernel has no loadable segments")
	}
	kernelFirstVaddr := kernelSegments[0].VirtAddr

	var regions []region
	kernelFirstPaddrs := make([]uint64, numKernels)
	for i, pvOffset := range opts.KernelPVOffsets {
		kernelFirstPaddrs[i] = kernelFirstVaddr - pvOffset
		for _, seg := range kernelSegments {
			regions = append(regions, region{
				name: fmt.Sprintf("kernel %d", i),
				addr: seg.VirtAddr - pvOffset,
				data: seg.Data,
			})
		}
	}

	tasks := make([]initialTaskInfo, numKernels)
	for i, task := range opts.InitialTasks {
		segs := task.LoadableSegments()
		if len(segs) != 1 {
			return nil, fmt.Errorf("initial task %d has %d loadable segments, want exactly 1", i, len(segs))
		}
		seg := segs[0]

		start := seg.PhysAddr
		if opts.InitialTaskPhysBases != nil {
			start = opts.InitialTaskPhysBases[i]
		}
		vpOffset := seg.VirtAddr - start
		lastVaddr := alignUp(seg.VirtAddr+seg.MemSize, pageSize)
		end := lastVaddr - vpOffset
		if end <= start {
			return nil, fmt.Errorf("initial task %d occupies empty range [%#x, %#x)", i, start, end)
		}
		tasks[i] = initialTaskInfo{
			pvOffset:  start - seg.VirtAddr,
			pRegStart: start,
			pRegEnd:   end,
			vEntry:    task.Entry,
		}
		regions = append(regions, region{
			name: "Initial task region",
			addr: start,
			data: seg.Data,
		})
	}

	// One page-table set per replica, each patched into its own 4 KiB
	// slot of the bootloader's table arrays.
	tables := make([][]tableVar, numKernels)
	for i := range tables {
		offset := uint64(i) * pageTableSize
		switch cfg.Arch {
		case sel4.ArchAarch64:
			tables[i], err = aarch64BootTables(boot, kernelFirstVaddr, kernelFirstPaddrs[i], offset)
		case sel4.ArchRiscv64:
			tables[i], err = riscv64BootTables(cfg.RiscvPtLevels, boot, kernelFirstVaddr, kernelFirstPaddrs[i], offset)
		}
		if err != nil {
			return nil, fmt.Errorf("synthesise boot page tables for kernel %d: %w", i, err)
		}
	}

	var imageSegment *elfio.Segment
	for _, seg := range boot.Segments {
		if seg.Loadable {
			imageSegment = seg
			break
		}
	}
	if imageSegment == nil {
		return nil, fmt.Errorf("bootloader has no loadable segment")
	}
	imageVaddr := imageSegment.VirtAddr
	if imageVaddr != boot.Entry {
		return nil, fmt.Errorf("bootloader entry %#x is not the first byte of its image at %#x", boot.Entry, imageVaddr)
	}
	image := make([]byte, len(imageSegment.Data))
	copy(image, imageSegment.Data)

	for i, set := range tables {
		for _, v := range set {
			offset := v.addr - imageVaddr
			perReplica := v.size / uint64(numKernels)
			if perReplica != pageTableSize {
				return nil, fmt.Errorf("bootloader symbol %s spans %d bytes per kernel, want %d", v.name, perReplica, pageTableSize)
			}
			if offset == 0 || offset+perReplica > uint64(len(image)) {
				return nil, fmt.Errorf("bootloader symbol %s for kernel %d falls outside the image (offset %#x)", v.name, i, offset)
			}
			copy(image[offset:offset+perReplica], v.data[:])
			slog.Debug("patched boot page table", "symbol", v.name, "kernel", i, "offset", offset)
		}
	}

	for i, sys := range opts.SystemRegions {
		regions = append(regions, region{
			name: fmt.Sprintf("System region %d", i),
			addr: sys.Addr,
			data: sys.Data,
		})
	}

	withLoader := append(append([]region(nil), regions...), region{
		name: "loader image",
		addr: imageVaddr,
		data: image,
	})
	if err := checkNonOverlapping(withLoader); err != nil {
		return nil, err
	}

	blocks := make([][]byte, numKernels)
	for i := 0; i < numKernels; i++ {
		blk := &sel4.BootInfoBlock{
			RootTaskEntry: tasks[i].vEntry,
			KernelRegions: []sel4.KernelRegion{{Base: kernelFirstPaddrs[i], End: 0}},
			RootTaskRegions: []sel4.RootTaskRegion{{
				PaddrBase: tasks[i].pRegStart,
				PaddrEnd:  tasks[i].pRegEnd,
				VaddrBase: tasks[i].pRegStart - tasks[i].pvOffset,
			}},
		}
		for _, r := range opts.PerCoreRAM[i] {
			blk.RamRegions = append(blk.RamRegions, sel4.RamRegion{Base: r.Base, End: r.End})
		}
		for _, r := range opts.ReservedRegions[i] {
			blk.ReservedRegions = append(blk.ReservedRegions, sel4.ReservedRegion{Base: r.Base, End: r.End})
		}
		// Every other core's RAM is off limits to this kernel.
		for j := 0; j < numKernels; j++ {
			if j == i {
				continue
			}
			for _, r := range opts.PerCoreRAM[j] {
				for _, own := range opts.PerCoreRAM[i] {
					if r == own {
						return nil, fmt.Errorf("kernels %d and %d share RAM region %s", i, j, r)
					}
				}
				blk.ReservedRegions = append(blk.ReservedRegions, sel4.ReservedRegion{Base: r.Base, End: r.End})
			}
		}
		raw, err := blk.Marshal()
		if err != nil {
			return nil, fmt.Errorf("hand-off block for kernel %d: %w", i, err)
		}
		blocks[i] = raw
		slog.Info("kernel hand-off",
			"kernel", i,
			"kernel_paddr", fmt.Sprintf("%#x", kernelFirstPaddrs[i]),
			"root_task", fmt.Sprintf("[%#x, %#x)", tasks[i].pRegStart, tasks[i].pRegEnd),
			"root_task_entry", fmt.Sprintf("%#x", tasks[i].vEntry),
			"reserved", len(blk.ReservedRegions))
	}

	var flags uint64
	if cfg.Hypervisor {
		flags = 1
	}

	size := uint64(loaderHeaderSize)
	for _, r := range regions {
		size += loaderRegionSize + uint64(len(r.data))
	}

	header := make([]byte, 0, loaderHeaderSize)
	header = binary.LittleEndian.AppendUint64(header, magic)
	header = binary.LittleEndian.AppendUint64(header, size)
	header = binary.LittleEndian.AppendUint64(header, flags)
	header = binary.LittleEndian.AppendUint64(header, uint64(numKernels))
	header = binary.LittleEndian.AppendUint64(header, uint64(len(regions)))
	header = binary.LittleEndian.AppendUint64(header, opts.Kernel.Entry)

	return &Loader{
		image:   image,
		header:  header,
		blocks:  blocks,
		regions: regions,
	}, nil
}

// checkNonOverlapping verifies that no two scheduled regions overlap in
// physical memory. On failure the diagnostic lists every region and flags
// the offending pairs.
func checkNonOverlapping(regions []region) error {
	overlapping := make([]bool, len(regions))
	found := false
	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			if a.end() <= b.addr || b.end() <= a.addr {
				continue
			}
			overlapping[i] = true
			overlapping[j] = true
			found = true
		}
	}
	if !found {
		return nil
	}

	var sb strings.Builder
	sb.WriteString("overlapping regions scheduled:\n")
	for i, r := range regions {
		marker := "   "
		if overlapping[i] {
			marker = "-> "
		}
		fmt.Fprintf(&sb, "%s%-22s [%#x, %#x) %s\n",
			marker, r.name, r.addr, r.end(), humanize.IBytes(uint64(len(r.data))))
	}
	return fmt.Errorf("%s", sb.String())
}

// OutputSize returns the number of bytes WriteImage will produce.
func (l *Loader) OutputSize() uint64 {
	size := uint64(len(l.image)) + loaderHeaderSize + uint64(len(l.blocks))*sel4.BootInfoBlockSize
	for _, r := range l.regions {
		size += loaderRegionSize + uint64(len(r.data))
	}
	return size
}

// NumKernels returns the replica count of the assembled image.
func (l *Loader) NumKernels() int {
	return len(l.blocks)
}

// WriteImageTo streams the assembled image: the bootloader, the loader
// header, one page-sized hand-off block per kernel, the region metadata
// and finally the region data in gathering order.
func (l *Loader) WriteImageTo(w io.Writer) error {
	if _, err := w.Write(l.image); err != nil {
		return fmt.Errorf("write bootloader image: %w", err)
	}
	if _, err := w.Write(l.header); err != nil {
		return fmt.Errorf("write loader header: %w", err)
	}
	for i, blk := range l.blocks {
		if _, err := w.Write(blk); err != nil {
			return fmt.Errorf("write hand-off block %d: %w", i, err)
		}
	}
	meta := make([]byte, 0, loaderRegionSize*len(l.regions))
	var offset uint64
	for _, r := range l.regions {
		meta = binary.LittleEndian.AppendUint64(meta, r.addr)
		meta = binary.LittleEndian.AppendUint64(meta, uint64(len(r.data)))
		meta = binary.LittleEndian.AppendUint64(meta, offset)
		meta = binary.LittleEndian.AppendUint64(meta, regionTypeData)
		offset += uint64(len(r.data))
	}
	if _, err := w.Write(meta); err != nil {
		return fmt.Errorf("write region metadata: %w", err)
	}
	for _, r := range l.regions {
		if _, err := w.Write(r.data); err != nil {
			return fmt.Errorf("write region data for %s: %w", r.name, err)
		}
	}
	return nil
}

// WriteImage writes the assembled image to path through a buffered writer.
func (l *Loader) WriteImage(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create '%s': %w", path, err)
	}
	buf := bufio.NewWriter(f)
	if err := l.WriteImageTo(buf); err != nil {
		f.Close()
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

func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
