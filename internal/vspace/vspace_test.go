package vspace

import (
	"encoding/binary"
	"testing"
)

func slot(t *testing.T, buf []byte, nodeOff uint64, idx int) uint64 {
	t.Helper()
	off := nodeOff + uint64(idx)*8
	if off+8 > uint64(len(buf)) {
		t.Fatalf("slot read at %#x outside buffer of %#x bytes", off, len(buf))
	}
	return binary.LittleEndian.Uint64(buf[off : off+8])
}

// walk follows interior slots from the root to the node covering vaddr at
// the given depth (1 = PUD, 2 = DIR, 3 = PT).
func walk(t *testing.T, buf []byte, vaddr uint64, depth int) uint64 {
	t.Helper()
	rootOff := uint64(len(buf)) - nodeSize
	indexes := []int{pgdIndex(vaddr), pudIndex(vaddr), dirIndex(vaddr)}
	nodeOff := rootOff
	for level := 0; level < depth; level++ {
		next := slot(t, buf, nodeOff, indexes[level])
		if next == EmptySlot {
			t.Fatalf("level %d slot for vaddr %#x is empty", level, vaddr)
		}
		nodeOff = next
	}
	return nodeOff
}

func TestSmallPageRoundTrip(t *testing.T) {
	const (
		vaddr = uint64(0x0000_7f80_1234_5000)
		frame = uint64(0x8000_1000)
	)
	g := NewPGD()
	if err := g.AddPageAtVaddr(vaddr, frame, PageSizeSmall); err != nil {
		t.Fatalf("AddPageAtVaddr returned error: %v", err)
	}

	buf := g.Serialize()
	if uint64(len(buf)) != g.Size() {
		t.Fatalf("serialised %d bytes, Size() = %d", len(buf), g.Size())
	}
	if len(buf) != 4*nodeSize {
		t.Fatalf("serialised %d bytes, want %d (PT+DIR+PUD+PGD)", len(buf), 4*nodeSize)
	}

	ptOff := walk(t, buf, vaddr, 3)
	if got := slot(t, buf, ptOff, ptIndex(vaddr)); got != frame {
		t.Fatalf("PT slot = %#x, want %#x", got, frame)
	}
	// A neighbouring slot stays empty.
	if got := slot(t, buf, ptOff, ptIndex(vaddr)+1); got != EmptySlot {
		t.Fatalf("neighbour PT slot = %#x, want empty", got)
	}
}

func TestLargePageRoundTrip(t *testing.T) {
	const (
		vaddr = uint64(0x0000_0000_4060_0000)
		frame = uint64(0x8020_0000)
	)
	g := NewPGD()
	if err := g.AddPageAtVaddr(vaddr, frame, PageSizeLarge); err != nil {
		t.Fatalf("AddPageAtVaddr returned error: %v", err)
	}

	buf := g.Serialize()
	if len(buf) != 3*nodeSize {
		t.Fatalf("serialised %d bytes, want %d (DIR+PUD+PGD)", len(buf), 3*nodeSize)
	}
	dirOff := walk(t, buf, vaddr, 2)
	want := frame | LargePageTag
	if got := slot(t, buf, dirOff, dirIndex(vaddr)); got != want {
		t.Fatalf("DIR slot = %#x, want %#x", got, want)
	}
}

func TestMixedTreeSerialisesChildrenBeforeParents(t *testing.T) {
	g := NewPGD()
	if err := g.AddPageAtVaddr(0x0000_0000_0000_1000, 0x1000, PageSizeSmall); err != nil {
		t.Fatalf("add small page: %v", err)
	}
	if err := g.AddPageAtVaddr(0x0000_0080_0000_0000, 0x200000, PageSizeLarge); err != nil {
		t.Fatalf("add large page: %v", err)
	}

	buf := g.Serialize()
	// First subtree: PT+DIR+PUD; second: DIR+PUD; root last.
	if len(buf) != 6*nodeSize {
		t.Fatalf("serialised %d bytes, want %d", len(buf), 6*nodeSize)
	}

	ptOff := walk(t, buf, 0x1000, 3)
	if got := slot(t, buf, ptOff, ptIndex(0x1000)); got != 0x1000 {
		t.Fatalf("PT slot = %#x, want %#x", got, 0x1000)
	}
	dirOff := walk(t, buf, 0x0000_0080_0000_0000, 2)
	if got := slot(t, buf, dirOff, 0); got != 0x200000|LargePageTag {
		t.Fatalf("DIR slot = %#x, want tagged frame", got)
	}
}

func TestSmallOverLargeConflict(t *testing.T) {
	g := NewPGD()
	if err := g.AddPageAtVaddr(0x40000000, 0x80000000, PageSizeLarge); err != nil {
		t.Fatalf("add large page: %v", err)
	}
	if err := g.AddPageAtVaddr(0x40000000, 0x90000000, PageSizeSmall); err == nil {
		t.Fatalf("small page over large page expected error")
	}
}

func TestLargeOverTableConflict(t *testing.T) {
	g := NewPGD()
	if err := g.AddPageAtVaddr(0x40000000, 0x80000000, PageSizeSmall); err != nil {
		t.Fatalf("add small page: %v", err)
	}
	if err := g.AddPageAtVaddr(0x40000000, 0x90000000, PageSizeLarge); err == nil {
		t.Fatalf("large page over page table expected error")
	}
}

func TestRejectsUnsupportedPageSize(t *testing.T) {
	g := NewPGD()
	if err := g.AddPageAtVaddr(0x1000, 0x1000, 0x4000); err == nil {
		t.Fatalf("unsupported page size expected error")
	}
}

func TestAddPageRangeBacksSpanWithSharedFrame(t *testing.T) {
	g := NewPGD()
	if err := g.AddPageRange(0x10000, 3*PageSizeSmall, 0xf000, PageSizeSmall); err != nil {
		t.Fatalf("AddPageRange returned error: %v", err)
	}
	buf := g.Serialize()
	ptOff := walk(t, buf, 0x10000, 3)
	for i := 0; i < 3; i++ {
		if got := slot(t, buf, ptOff, ptIndex(0x10000)+i); got != 0xf000 {
			t.Fatalf("PT slot %d = %#x, want %#x", i, got, 0xf000)
		}
	}
	if got := slot(t, buf, ptOff, ptIndex(0x10000)+3); got != EmptySlot {
		t.Fatalf("slot past range = %#x, want empty", got)
	}
}
