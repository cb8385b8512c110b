// Package testelf builds minimal ELF64 executables in memory for tests.
package testelf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
)

const (
	ehdrSize = 64
	phdrSize = 56
	shdrSize = 64
	symSize  = 24
)

type segment struct {
	vaddr   uint64
	paddr   uint64
	data    []byte
	memSize uint64
	typ     elf.ProgType
}

type symbol struct {
	name string
	addr uint64
	size uint64
}

// Builder accumulates segments and symbols for a little-endian ELF64
// executable.
type Builder struct {
	Machine elf.Machine
	Entry   uint64

	segments []segment
	symbols  []symbol
}

// AddSegment appends a PT_LOAD segment. memSize of zero means len(data).
func (b *Builder) AddSegment(vaddr, paddr uint64, data []byte, memSize uint64) {
	if memSize == 0 {
		memSize = uint64(len(data))
	}
	b.segments = append(b.segments, segment{
		vaddr:   vaddr,
		paddr:   paddr,
		data:    data,
		memSize: memSize,
		typ:     elf.PT_LOAD,
	})
}

// AddNoteSegment appends a non-loadable PT_NOTE segment.
func (b *Builder) AddNoteSegment(data []byte) {
	b.segments = append(b.segments, segment{
		data:    data,
		memSize: uint64(len(data)),
		typ:     elf.PT_NOTE,
	})
}

// AddSymbol records a symbol with the given address and size.
func (b *Builder) AddSymbol(name string, addr, size uint64) {
	b.symbols = append(b.symbols, symbol{name: name, addr: addr, size: size})
}

// Bytes lays the file out and returns its contents.
func (b *Builder) Bytes() []byte {
	le := binary.LittleEndian

	// String tables.
	strtab := []byte{0}
	nameOff := make([]uint32, len(b.symbols))
	for i, sym := range b.symbols {
		nameOff[i] = uint32(len(strtab))
		strtab = append(strtab, sym.name...)
		strtab = append(strtab, 0)
	}
	shstrtab := []byte("\x00.symtab\x00.strtab\x00.shstrtab\x00")

	// Symbol table: null entry first.
	symtab := make([]byte, symSize*(len(b.symbols)+1))
	for i, sym := range b.symbols {
		ent := symtab[symSize*(i+1):]
		le.PutUint32(ent[0:4], nameOff[i])
		ent[4] = byte(elf.ST_INFO(elf.STB_GLOBAL, elf.STT_OBJECT))
		le.PutUint16(ent[6:8], uint16(elf.SHN_ABS))
		le.PutUint64(ent[8:16], sym.addr)
		le.PutUint64(ent[16:24], sym.size)
	}

	// Layout: ehdr, phdrs, segment data, symtab, strtab, shstrtab, shdrs.
	off := uint64(ehdrSize + phdrSize*len(b.segments))
	segOff := make([]uint64, len(b.segments))
	for i, seg := range b.segments {
		segOff[i] = off
		off += uint64(len(seg.data))
	}
	symtabOff := off
	strtabOff := symtabOff + uint64(len(symtab))
	shstrtabOff := strtabOff + uint64(len(strtab))
	shoff := shstrtabOff + uint64(len(shstrtab))

	var buf bytes.Buffer

	// ELF header.
	ehdr := make([]byte, ehdrSize)
	copy(ehdr, elf.ELFMAG)
	ehdr[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	ehdr[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	ehdr[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	le.PutUint16(ehdr[16:18], uint16(elf.ET_EXEC))
	le.PutUint16(ehdr[18:20], uint16(b.Machine))
	le.PutUint32(ehdr[20:24], uint32(elf.EV_CURRENT))
	le.PutUint64(ehdr[24:32], b.Entry)
	le.PutUint64(ehdr[32:40], ehdrSize) // phoff
	le.PutUint64(ehdr[40:48], shoff)
	le.PutUint16(ehdr[52:54], ehdrSize)
	le.PutUint16(ehdr[54:56], phdrSize)
	le.PutUint16(ehdr[56:58], uint16(len(b.segments)))
	le.PutUint16(ehdr[58:60], shdrSize)
	le.PutUint16(ehdr[60:62], 4) // null, symtab, strtab, shstrtab
	le.PutUint16(ehdr[62:64], 3) // shstrndx
	buf.Write(ehdr)

	// Program headers.
	for i, seg := range b.segments {
		phdr := make([]byte, phdrSize)
		le.PutUint32(phdr[0:4], uint32(seg.typ))
		le.PutUint32(phdr[4:8], uint32(elf.PF_R|elf.PF_W|elf.PF_X))
		le.PutUint64(phdr[8:16], segOff[i])
		le.PutUint64(phdr[16:24], seg.vaddr)
		le.PutUint64(phdr[24:32], seg.paddr)
		le.PutUint64(phdr[32:40], uint64(len(seg.data)))
		le.PutUint64(phdr[40:48], seg.memSize)
		le.PutUint64(phdr[48:56], 0x1000)
		buf.Write(phdr)
	}

	for _, seg := range b.segments {
		buf.Write(seg.data)
	}
	buf.Write(symtab)
	buf.Write(strtab)
	buf.Write(shstrtab)

	// Section headers.
	shdr := func(name uint32, typ elf.SectionType, off, size uint64, link uint32, entsize uint64) {
		sh := make([]byte, shdrSize)
		le.PutUint32(sh[0:4], name)
		le.PutUint32(sh[4:8], uint32(typ))
		le.PutUint64(sh[24:32], off)
		le.PutUint64(sh[32:40], size)
		le.PutUint32(sh[40:44], link)
		le.PutUint64(sh[48:56], 8)
		le.PutUint64(sh[56:64], entsize)
		buf.Write(sh)
	}
	shdr(0, elf.SHT_NULL, 0, 0, 0, 0)
	shdr(1, elf.SHT_SYMTAB, symtabOff, uint64(len(symtab)), 2, symSize) // ".symtab"
	shdr(9, elf.SHT_STRTAB, strtabOff, uint64(len(strtab)), 0, 0)      // ".strtab"
	shdr(17, elf.SHT_STRTAB, shstrtabOff, uint64(len(shstrtab)), 0, 0) // ".shstrtab"

	return buf.Bytes()
}
