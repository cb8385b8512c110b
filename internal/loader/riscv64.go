package loader

import (
	"fmt"

	"github.com/tinykern/mkboot/internal/elfio"
)

// RISC-V boot tables are parameterised by the number of page-table levels
// (Sv39/Sv48/Sv57). PTEs pack the physical page number above a 10-bit
// flag field.
const (
	riscvBlockBits2MB = 21
	riscvIndexBits    = 9
	riscvPageShift    = 12
	riscvPTEPPNShift  = 10
	riscvPTETypeValid = 1
	riscvPTETypeTable = 0
	// Leaf flag bits: D, A, X, W, R.
	riscvPTETypeBits = 0b1100_1110
)

// riscvPTIndex returns the page-table index of addr at the given level,
// counting levels from the root as level 1.
func riscvPTIndex(ptLevels int, addr uint64, level int) int {
	indexBits := uint64(riscvIndexBits * (ptLevels - level))
	return int((addr >> (indexBits + riscvPageShift)) % 512)
}

func riscvPTEPPN(addr uint64) uint64 {
	return (addr >> riscvPageShift) << riscvPTEPPNShift
}

func riscvPTENext(addr uint64) uint64 {
	return riscvPTEPPN(addr) | riscvPTETypeTable | riscvPTETypeValid
}

func riscvPTELeaf(addr uint64) uint64 {
	return riscvPTEPPN(addr) | riscvPTETypeBits | riscvPTETypeValid
}

// riscv64BootTables fills in the bootloader's boot page tables for one
// kernel replica: 2 MiB identity leaves covering the bootloader's own text
// from the _text symbol upward, and 2 MiB leaves mapping the kernel window
// from firstVaddr onto firstPaddr. offset shifts every table symbol to the
// replica's slot in the bootloader's table arrays.
func riscv64BootTables(ptLevels int, boot *elfio.Binary, firstVaddr, firstPaddr, offset uint64) ([]tableVar, error) {
	textAddr, _, err := boot.FindSymbol("_text")
	if err != nil {
		return nil, fmt.Errorf("bootloader is missing its text marker: %w", err)
	}
	syms := make(map[string]elfio.Symbol, 3)
	for _, name := range []string{"boot_lvl1_pt", "boot_lvl2_pt", "boot_lvl2_pt_elf"} {
		addr, size, err := boot.FindSymbol(name)
		if err != nil {
			return nil, fmt.Errorf("bootloader is missing boot page table symbol: %w", err)
		}
		syms[name] = elfio.Symbol{Addr: addr + offset, Size: size}
	}

	var lvl1PT, lvl2PT, lvl2PTELF [pageTableSize]byte

	putEntry(&lvl1PT, riscvPTIndex(ptLevels, textAddr, 1), riscvPTENext(syms["boot_lvl2_pt_elf"].Addr))

	textIdx := riscvPTIndex(ptLevels, textAddr, 2)
	for page, i := 0, textIdx; i < pageTableEntries; page, i = page+1, i+1 {
		addr := textAddr + uint64(page)<<riscvBlockBits2MB
		putEntry(&lvl2PTELF, i, riscvPTELeaf(addr))
	}

	putEntry(&lvl1PT, riscvPTIndex(ptLevels, firstVaddr, 1), riscvPTENext(syms["boot_lvl2_pt"].Addr))

	kernelIdx := riscvPTIndex(ptLevels, firstVaddr, 2)
	for page, i := 0, kernelIdx; i < pageTableEntries; page, i = page+1, i+1 {
		addr := firstPaddr + uint64(page)<<riscvBlockBits2MB
		putEntry(&lvl2PT, i, riscvPTELeaf(addr))
	}

	return []tableVar{
		{name: "boot_lvl1_pt", addr: syms["boot_lvl1_pt"].Addr, size: syms["boot_lvl1_pt"].Size, data: lvl1PT},
		{name: "boot_lvl2_pt", addr: syms["boot_lvl2_pt"].Addr, size: syms["boot_lvl2_pt"].Size, data: lvl2PT},
		{name: "boot_lvl2_pt_elf", addr: syms["boot_lvl2_pt_elf"].Addr, size: syms["boot_lvl2_pt_elf"].Size, data: lvl2PTELF},
	}, nil
}
