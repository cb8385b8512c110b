package sel4

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Wire constants for the per-kernel hand-off block. All records are
// little-endian with 8-byte natural alignment and explicit padding.
const (
	BootInfoMagic   uint32 = 0x73654c34 // "seL4"
	BootInfoVersion uint8  = 0

	// BootInfoBlockSize is the space reserved for one kernel's hand-off:
	// the header plus all region records, zero-padded to a page.
	BootInfoBlockSize = 4096

	bootInfoHeaderSize = 24
)

// KernelRegion describes the physical span a kernel replica occupies.
// End is written as zero; the bootloader fills it in once it knows the
// kernel's in-memory extent.
type KernelRegion struct {
	Base uint64
	End  uint64
}

// RamRegion describes a span of RAM owned by one kernel replica.
type RamRegion struct {
	Base uint64
	End  uint64
}

// RootTaskRegion describes the physical placement and virtual base of a
// root task image.
type RootTaskRegion struct {
	PaddrBase uint64
	PaddrEnd  uint64
	VaddrBase uint64
	// 8 bytes of trailing padding on the wire.
}

// ReservedRegion describes a physical span the kernel must not touch.
type ReservedRegion struct {
	Base uint64
	End  uint64
}

func appendU64(buf []byte, vs ...uint64) []byte {
	for _, v := range vs {
		buf = binary.LittleEndian.AppendUint64(buf, v)
	}
	return buf
}

// BootInfoBlock is one kernel's complete hand-off record set.
type BootInfoBlock struct {
	RootTaskEntry   uint64
	KernelRegions   []KernelRegion
	RamRegions      []RamRegion
	RootTaskRegions []RootTaskRegion
	ReservedRegions []ReservedRegion
}

func (b *BootInfoBlock) wireSize() int {
	return bootInfoHeaderSize +
		16*len(b.KernelRegions) +
		16*len(b.RamRegions) +
		32*len(b.RootTaskRegions) +
		16*len(b.ReservedRegions)
}

// Marshal serialises the block into exactly BootInfoBlockSize bytes,
// zero-padded past the records. It fails if the records cannot fit the
// page or a region count overflows its 8-bit field.
func (b *BootInfoBlock) Marshal() ([]byte, error) {
	if size := b.wireSize(); size > BootInfoBlockSize {
		return nil, fmt.Errorf("kernel boot info of %d bytes exceeds its %d byte block", size, BootInfoBlockSize)
	}
	for _, count := range []struct {
		name string
		n    int
	}{
		{"kernel", len(b.KernelRegions)},
		{"ram", len(b.RamRegions)},
		{"root task", len(b.RootTaskRegions)},
		{"reserved", len(b.ReservedRegions)},
	} {
		if count.n > math.MaxUint8 {
			return nil, fmt.Errorf("%d %s regions overflow the 8-bit count field", count.n, count.name)
		}
	}

	buf := make([]byte, 0, BootInfoBlockSize)
	buf = binary.LittleEndian.AppendUint32(buf, BootInfoMagic)
	buf = append(buf, BootInfoVersion, 0, 0, 0)
	buf = binary.LittleEndian.AppendUint64(buf, b.RootTaskEntry)
	buf = append(buf,
		uint8(len(b.KernelRegions)),
		uint8(len(b.RamRegions)),
		uint8(len(b.RootTaskRegions)),
		uint8(len(b.ReservedRegions)),
		0, 0, 0, 0)

	for _, r := range b.KernelRegions {
		buf = appendU64(buf, r.Base, r.End)
	}
	for _, r := range b.RamRegions {
		buf = appendU64(buf, r.Base, r.End)
	}
	for _, r := range b.RootTaskRegions {
		buf = appendU64(buf, r.PaddrBase, r.PaddrEnd, r.VaddrBase, 0)
	}
	for _, r := range b.ReservedRegions {
		buf = appendU64(buf, r.Base, r.End)
	}

	block := make([]byte, BootInfoBlockSize)
	copy(block, buf)
	return block, nil
}
