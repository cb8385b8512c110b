// Package vspace pre-materialises four-level virtual address spaces for
// initial tasks. The tree is serialised into the packed format the runtime
// walks at startup: one 4 KiB node per table, children emitted before
// parents, interior slots holding buffer offsets.
package vspace

import (
	"encoding/binary"
	"fmt"
)

const (
	// Entries is the fan-out of every level.
	Entries = 512

	indexMask = 0x1ff

	shiftPGD = 39
	shiftPUD = 30
	shiftDir = 21
	shiftPT  = 12

	nodeSize = Entries * 8

	// EmptySlot marks an unoccupied entry in a serialised node.
	EmptySlot = ^uint64(0)
	// LargePageTag is OR'd into a directory slot holding a 2 MiB frame.
	LargePageTag = uint64(1) << 63

	// PageSizeSmall is a 4 KiB leaf frame.
	PageSizeSmall = 0x1000
	// PageSizeLarge is a 2 MiB directory-level frame.
	PageSizeLarge = 0x200000
)

func pgdIndex(vaddr uint64) int { return int((vaddr >> shiftPGD) & indexMask) }
func pudIndex(vaddr uint64) int { return int((vaddr >> shiftPUD) & indexMask) }
func dirIndex(vaddr uint64) int { return int((vaddr >> shiftDir) & indexMask) }
func ptIndex(vaddr uint64) int  { return int((vaddr >> shiftPT) & indexMask) }

// PGD is the root of an address-space tree.
type PGD struct {
	puds [Entries]*pud
}

type pud struct {
	dirs [Entries]*dir
}

// dirEntry is either a page table of small pages or a single large page.
type dirEntry struct {
	pt    *pt
	frame uint64
	large bool
}

type dir struct {
	entries [Entries]*dirEntry
}

type pt struct {
	pages [Entries]uint64
}

func newPT() *pt {
	t := &pt{}
	for i := range t.pages {
		t.pages[i] = EmptySlot
	}
	return t
}

// NewPGD returns an empty address-space tree.
func NewPGD() *PGD {
	return &PGD{}
}

// AddPageAtVaddr maps frame at vaddr. size selects between PageSizeSmall
// and PageSizeLarge. Mixing a small page into a slot already holding a
// large page, or a large page into a slot already holding a page table, is
// a programming error in the caller.
func (g *PGD) AddPageAtVaddr(vaddr, frame, size uint64) error {
	if size != PageSizeSmall && size != PageSizeLarge {
		return fmt.Errorf("unsupported page size %#x at vaddr %#x", size, vaddr)
	}

	pgdIdx := pgdIndex(vaddr)
	if g.puds[pgdIdx] == nil {
		g.puds[pgdIdx] = &pud{}
	}
	u := g.puds[pgdIdx]

	pudIdx := pudIndex(vaddr)
	if u.dirs[pudIdx] == nil {
		u.dirs[pudIdx] = &dir{}
	}
	d := u.dirs[pudIdx]

	dirIdx := dirIndex(vaddr)
	entry := d.entries[dirIdx]
	if size == PageSizeLarge {
		if entry != nil && !entry.large {
			return fmt.Errorf("attempting to insert a large page at vaddr %#x where a page table already exists", vaddr)
		}
		d.entries[dirIdx] = &dirEntry{frame: frame, large: true}
		return nil
	}

	if entry == nil {
		entry = &dirEntry{pt: newPT()}
		d.entries[dirIdx] = entry
	}
	if entry.large {
		return fmt.Errorf("attempting to insert a small page at vaddr %#x where a large page already exists", vaddr)
	}
	entry.pt.pages[ptIndex(vaddr)] = frame
	return nil
}

// AddPageRange maps the same frame at every page-sized step over
// [vaddr, vaddr+dataLen). Used to back a span with a shared frame.
func (g *PGD) AddPageRange(vaddr uint64, dataLen int64, frame, size uint64) error {
	for dataLen > 0 {
		if err := g.AddPageAtVaddr(vaddr, frame, size); err != nil {
			return err
		}
		dataLen -= int64(size)
		vaddr += size
	}
	return nil
}

// Size returns the serialised size of the tree in bytes.
func (g *PGD) Size() uint64 {
	size := uint64(nodeSize)
	for _, u := range g.puds {
		if u != nil {
			size += u.size()
		}
	}
	return size
}

func (u *pud) size() uint64 {
	size := uint64(nodeSize)
	for _, d := range u.dirs {
		if d != nil {
			size += d.size()
		}
	}
	return size
}

func (d *dir) size() uint64 {
	size := uint64(nodeSize)
	for _, e := range d.entries {
		if e != nil && !e.large {
			size += nodeSize
		}
	}
	return size
}

// Serialize emits the tree depth-first in post order. Every node is
// Entries*8 bytes of little-endian u64 slots. An interior slot holds the
// byte offset of the child node within the buffer (the position just past
// the child's node, less one node size); empty slots hold EmptySlot, large
// pages hold the frame tagged with LargePageTag, and page-table slots hold
// raw frames.
func (g *PGD) Serialize() []byte {
	buf := make([]byte, 0, g.Size())
	g.recurse(0, &buf)
	return buf
}

func appendNode(buf *[]byte, slots *[Entries]uint64) {
	var raw [nodeSize]byte
	for i, v := range slots {
		binary.LittleEndian.PutUint64(raw[i*8:], v)
	}
	*buf = append(*buf, raw[:]...)
}

func (g *PGD) recurse(offset uint64, buf *[]byte) uint64 {
	var slots [Entries]uint64
	for i := range slots {
		slots[i] = EmptySlot
		if u := g.puds[i]; u != nil {
			offset = u.recurse(offset, buf)
			slots[i] = offset - nodeSize
		}
	}
	appendNode(buf, &slots)
	return offset + nodeSize
}

func (u *pud) recurse(offset uint64, buf *[]byte) uint64 {
	var slots [Entries]uint64
	for i := range slots {
		slots[i] = EmptySlot
		if d := u.dirs[i]; d != nil {
			offset = d.recurse(offset, buf)
			slots[i] = offset - nodeSize
		}
	}
	appendNode(buf, &slots)
	return offset + nodeSize
}

func (d *dir) recurse(offset uint64, buf *[]byte) uint64 {
	var slots [Entries]uint64
	for i := range slots {
		slots[i] = EmptySlot
		e := d.entries[i]
		if e == nil {
			continue
		}
		if e.large {
			slots[i] = e.frame | LargePageTag
			continue
		}
		offset = e.pt.recurse(offset, buf)
		slots[i] = offset - nodeSize
	}
	appendNode(buf, &slots)
	return offset + nodeSize
}

func (t *pt) recurse(offset uint64, buf *[]byte) uint64 {
	appendNode(buf, &t.pages)
	return offset + nodeSize
}
