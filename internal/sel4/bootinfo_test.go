package sel4

import (
	"encoding/binary"
	"testing"
)

func TestMarshalLayout(t *testing.T) {
	blk := &BootInfoBlock{
		RootTaskEntry: 0x400000,
		KernelRegions: []KernelRegion{{Base: 0x80000000, End: 0}},
		RamRegions:    []RamRegion{{Base: 0x80000000, End: 0x90000000}, {Base: 0xa0000000, End: 0xb0000000}},
		RootTaskRegions: []RootTaskRegion{
			{PaddrBase: 0x81000000, PaddrEnd: 0x81004000, VaddrBase: 0x400000},
		},
		ReservedRegions: []ReservedRegion{{Base: 0xf0000000, End: 0xf0010000}},
	}

	raw, err := blk.Marshal()
	if err != nil {
		t.Fatalf("Marshal returned error: %v", err)
	}
	if len(raw) != BootInfoBlockSize {
		t.Fatalf("block size = %d, want %d", len(raw), BootInfoBlockSize)
	}

	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != BootInfoMagic {
		t.Fatalf("magic = %#x, want %#x", magic, BootInfoMagic)
	}
	if raw[4] != BootInfoVersion {
		t.Fatalf("version = %d, want %d", raw[4], BootInfoVersion)
	}
	if entry := binary.LittleEndian.Uint64(raw[8:16]); entry != 0x400000 {
		t.Fatalf("root task entry = %#x, want %#x", entry, 0x400000)
	}
	if raw[16] != 1 || raw[17] != 2 || raw[18] != 1 || raw[19] != 1 {
		t.Fatalf("region counts = %v, want [1 2 1 1]", raw[16:20])
	}

	// Kernel region directly after the 24-byte header, end left zero.
	if base := binary.LittleEndian.Uint64(raw[24:32]); base != 0x80000000 {
		t.Fatalf("kernel region base = %#x, want %#x", base, 0x80000000)
	}
	if end := binary.LittleEndian.Uint64(raw[32:40]); end != 0 {
		t.Fatalf("kernel region end = %#x, want 0 (bootloader fills it in)", end)
	}

	// Second RAM region at header + 16 (kernel) + 16 (first RAM).
	if base := binary.LittleEndian.Uint64(raw[56:64]); base != 0xa0000000 {
		t.Fatalf("second ram region base = %#x, want %#x", base, 0xa0000000)
	}

	// Root task region at offset 72, with trailing padding zeroed.
	if vaddr := binary.LittleEndian.Uint64(raw[88:96]); vaddr != 0x400000 {
		t.Fatalf("root task vaddr base = %#x, want %#x", vaddr, 0x400000)
	}
	if pad := binary.LittleEndian.Uint64(raw[96:104]); pad != 0 {
		t.Fatalf("root task padding = %#x, want 0", pad)
	}

	// Reserved region at offset 104, then zero padding to the page end.
	if base := binary.LittleEndian.Uint64(raw[104:112]); base != 0xf0000000 {
		t.Fatalf("reserved region base = %#x, want %#x", base, 0xf0000000)
	}
	for i := 120; i < BootInfoBlockSize; i++ {
		if raw[i] != 0 {
			t.Fatalf("padding byte %d = %#x, want 0", i, raw[i])
		}
	}
}

func TestMarshalRejectsOversizedBlock(t *testing.T) {
	blk := &BootInfoBlock{}
	for i := 0; i < 300; i++ {
		blk.RamRegions = append(blk.RamRegions, RamRegion{Base: uint64(i) << 12, End: uint64(i+1) << 12})
	}
	if _, err := blk.Marshal(); err == nil {
		t.Fatalf("Marshal of oversized block expected error")
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{Arch: ArchRiscv64, RiscvPtLevels: 2}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("Validate accepted invalid riscv levels")
	}
	cfg.RiscvPtLevels = 3
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	a := &Config{Arch: ArchAarch64}
	if err := a.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestConfigAddressTranslationWraps(t *testing.T) {
	cfg := &Config{Arch: ArchAarch64, KernelVirtualOffset: 0xFFFFFF8000000000}
	v := cfg.PaddrToKernelVaddr(0x8000000000)
	if v != 0 {
		t.Fatalf("PaddrToKernelVaddr = %#x, want wrap to 0", v)
	}
	if p := cfg.KernelVaddrToPaddr(v); p != 0x8000000000 {
		t.Fatalf("KernelVaddrToPaddr = %#x, want %#x", p, 0x8000000000)
	}
}
