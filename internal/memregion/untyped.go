package memregion

import "encoding/binary"

// UntypedObject describes a power-of-two physical memory region handed to
// the kernel as an untyped capability. The region must already have been
// decomposed to a power-of-two size; SizeBits reads the low set bit of the
// size directly.
type UntypedObject struct {
	Cap      uint64
	Region   Region
	IsDevice bool
}

// NewUntypedObject pairs a capability slot with its backing region.
func NewUntypedObject(capIndex uint64, region Region, isDevice bool) UntypedObject {
	return UntypedObject{Cap: capIndex, Region: region, IsDevice: isDevice}
}

// Base returns the physical base address of the untyped.
func (u UntypedObject) Base() uint64 {
	return u.Region.Base
}

// End returns the first physical address past the untyped.
func (u UntypedObject) End() uint64 {
	return u.Region.End
}

// SizeBits returns log2 of the region size.
func (u UntypedObject) SizeBits() uint64 {
	return lsb(u.Region.Size())
}

// untypedDescSize is the wire size of an untyped descriptor:
// paddr u64, size_bits u8, is_device u8, 6 bytes of padding.
const untypedDescSize = 16

// Bytes returns the untyped descriptor in its on-wire layout.
func (u UntypedObject) Bytes() []byte {
	buf := make([]byte, untypedDescSize)
	binary.LittleEndian.PutUint64(buf[0:8], u.Base())
	buf[8] = uint8(u.SizeBits())
	if u.IsDevice {
		buf[9] = 1
	}
	return buf
}
