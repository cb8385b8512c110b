// Package elfio reads statically linked ELF executables into memory,
// exposing their loadable segments and symbol addresses to the image
// assembler.
package elfio

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/edsrzf/mmap-go"
)

var (
	// ErrNotExecutable reports that the input is not an ELF executable.
	ErrNotExecutable = errors.New("not an ELF executable")
	// ErrUnsupportedWordSize reports an ELF class other than 32 or 64 bit.
	ErrUnsupportedWordSize = errors.New("unsupported ELF word size")
	// ErrMissingSymbol reports a symbol lookup miss.
	ErrMissingSymbol = errors.New("symbol not found")
	// ErrOutOfRange reports a data read outside any segment's file image.
	ErrOutOfRange = errors.New("address range not covered by any segment")
)

// Segment is one program header's view of the binary: where it loads, the
// bytes present in the file, and how much memory it occupies. MemSize may
// exceed len(Data); whoever loads the segment zeroes the tail.
type Segment struct {
	VirtAddr uint64
	PhysAddr uint64
	Data     []byte
	MemSize  uint64
	Loadable bool
}

// Symbol is a named address and size from the symbol table.
type Symbol struct {
	Addr uint64
	Size uint64
}

// Binary is a parsed executable. Segment data is copied out of the file
// during Load; the file itself is closed before Load returns.
type Binary struct {
	WordSize int
	Entry    uint64
	Segments []*Segment

	symbols map[string]Symbol
}

// Load parses the executable at path.
func Load(path string) (*Binary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open '%s': %w", path, err)
	}
	defer f.Close()

	mapped, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("map '%s': %w", path, err)
	}
	defer mapped.Unmap()

	b, err := parse(mapped)
	if err != nil {
		return nil, fmt.Errorf("parse '%s': %w", path, err)
	}
	return b, nil
}

func parse(raw []byte) (*Binary, error) {
	if len(raw) < len(elf.ELFMAG) || string(raw[:len(elf.ELFMAG)]) != elf.ELFMAG {
		return nil, ErrNotExecutable
	}

	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotExecutable, err)
	}
	defer f.Close()

	var wordSize int
	switch f.Class {
	case elf.ELFCLASS32:
		wordSize = 32
	case elf.ELFCLASS64:
		wordSize = 64
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedWordSize, f.Class)
	}

	var segments []*Segment
	for _, prog := range f.Progs {
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment file size %#x exceeds mem size %#x", prog.Filesz, prog.Memsz)
		}
		if prog.Filesz > uint64(math.MaxInt) {
			return nil, fmt.Errorf("segment file size %#x exceeds host limits", prog.Filesz)
		}
		data := make([]byte, int(prog.Filesz))
		if prog.Filesz > 0 {
			if _, err := prog.ReadAt(data, 0); err != nil {
				return nil, fmt.Errorf("read segment @%#x: %w", prog.Off, err)
			}
		}
		segments = append(segments, &Segment{
			VirtAddr: prog.Vaddr,
			PhysAddr: prog.Paddr,
			Data:     data,
			MemSize:  prog.Memsz,
			Loadable: prog.Type == elf.PT_LOAD,
		})
	}

	symbols := make(map[string]Symbol)
	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("read symbol table: %w", err)
	}
	for _, sym := range syms {
		if sym.Name == "" {
			continue
		}
		if _, ok := symbols[sym.Name]; ok {
			continue
		}
		symbols[sym.Name] = Symbol{Addr: sym.Value, Size: sym.Size}
	}

	return &Binary{
		WordSize: wordSize,
		Entry:    f.Entry,
		Segments: segments,
		symbols:  symbols,
	}, nil
}

// FindSymbol returns the address and size of the named symbol.
func (b *Binary) FindSymbol(name string) (addr, size uint64, err error) {
	sym, ok := b.symbols[name]
	if !ok {
		return 0, 0, fmt.Errorf("%w: '%s'", ErrMissingSymbol, name)
	}
	return sym.Addr, sym.Size, nil
}

// GetData returns the file-image bytes backing [addr, addr+size) in virtual
// addresses. Only bytes present in the file are addressable; the
// zero-initialised tail of a segment is not.
func (b *Binary) GetData(addr, size uint64) ([]byte, error) {
	for _, seg := range b.Segments {
		if addr >= seg.VirtAddr && addr+size <= seg.VirtAddr+uint64(len(seg.Data)) {
			off := addr - seg.VirtAddr
			return seg.Data[off : off+size], nil
		}
	}
	return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, addr, addr+size)
}

// LoadableSegments returns the PT_LOAD segments in declaration order.
func (b *Binary) LoadableSegments() []*Segment {
	var out []*Segment
	for _, seg := range b.Segments {
		if seg.Loadable {
			out = append(out, seg)
		}
	}
	return out
}
