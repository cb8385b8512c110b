package loader

import (
	"encoding/binary"
	"fmt"

	"github.com/tinykern/mkboot/internal/elfio"
)

// AArch64 boot tables use a 4 KiB granule with 48-bit addressing: level 0
// indexes bits [47:39], level 1 [38:30] (1 GiB blocks), level 2 [29:21]
// (2 MiB blocks).
const (
	aarch64BlockBits1GB = 30
	aarch64BlockBits2MB = 21

	aarch64IndexBits = 9
	aarch64IndexMask = (1 << aarch64IndexBits) - 1
)

func aarch64Lvl0Index(addr uint64) int {
	return int((addr >> (aarch64BlockBits2MB + 2*aarch64IndexBits)) & aarch64IndexMask)
}

func aarch64Lvl1Index(addr uint64) int {
	return int((addr >> (aarch64BlockBits2MB + aarch64IndexBits)) & aarch64IndexMask)
}

func aarch64Lvl2Index(addr uint64) int {
	return int((addr >> aarch64BlockBits2MB) & aarch64IndexMask)
}

func putEntry(table *[pageTableSize]byte, idx int, entry uint64) {
	binary.LittleEndian.PutUint64(table[8*idx:], entry)
}

// aarch64BootTables fills in the bootloader's boot page tables for one
// kernel replica: an identity mapping of the low 512 GiB through 1 GiB
// blocks, and 2 MiB blocks covering the kernel window from firstVaddr onto
// firstPaddr. offset shifts every table symbol to the replica's slot in
// the bootloader's table arrays.
func aarch64BootTables(boot *elfio.Binary, firstVaddr, firstPaddr, offset uint64) ([]tableVar, error) {
	syms := make(map[string]elfio.Symbol, 5)
	for _, name := range []string{
		"boot_lvl0_lower",
		"boot_lvl1_lower",
		"boot_lvl0_upper",
		"boot_lvl1_upper",
		"boot_lvl2_upper",
	} {
		addr, size, err := boot.FindSymbol(name)
		if err != nil {
			return nil, fmt.Errorf("bootloader is missing boot page table symbol: %w", err)
		}
		syms[name] = elfio.Symbol{Addr: addr + offset, Size: size}
	}

	var lvl0Lower, lvl1Lower, lvl0Upper, lvl1Upper, lvl2Upper [pageTableSize]byte

	// Entry 0 points the identity root at the 1 GiB block table.
	putEntry(&lvl0Lower, 0, syms["boot_lvl1_lower"].Addr|0b11)

	for i := 0; i < pageTableEntries; i++ {
		// 1 GiB identity block: access flag set, strongly ordered.
		entry := uint64(i)<<aarch64BlockBits1GB | (1 << 10) | 1
		putEntry(&lvl1Lower, i, entry)
	}

	// The kernel window root lives in the same lvl0 table, at the upper
	// half index of the kernel's first virtual address.
	putEntry(&lvl0Lower, aarch64Lvl0Index(firstVaddr), syms["boot_lvl1_upper"].Addr|0b11)

	putEntry(&lvl1Upper, aarch64Lvl1Index(firstVaddr), syms["boot_lvl2_upper"].Addr|0b11)

	lvl2Base := aarch64Lvl2Index(firstVaddr)
	for i := lvl2Base; i < pageTableEntries; i++ {
		// 2 MiB block: access flag, inner shareable, MT_NORMAL.
		entry := (uint64(i-lvl2Base)<<aarch64BlockBits2MB + firstPaddr) |
			(1 << 10) | (3 << 8) | (4 << 2) | 1
		putEntry(&lvl2Upper, i, entry)
	}

	return []tableVar{
		{name: "boot_lvl0_lower", addr: syms["boot_lvl0_lower"].Addr, size: syms["boot_lvl0_lower"].Size, data: lvl0Lower},
		{name: "boot_lvl1_lower", addr: syms["boot_lvl1_lower"].Addr, size: syms["boot_lvl1_lower"].Size, data: lvl1Lower},
		{name: "boot_lvl0_upper", addr: syms["boot_lvl0_upper"].Addr, size: syms["boot_lvl0_upper"].Size, data: lvl0Upper},
		{name: "boot_lvl1_upper", addr: syms["boot_lvl1_upper"].Addr, size: syms["boot_lvl1_upper"].Size, data: lvl1Upper},
		{name: "boot_lvl2_upper", addr: syms["boot_lvl2_upper"].Addr, size: syms["boot_lvl2_upper"].Size, data: lvl2Upper},
	}, nil
}
