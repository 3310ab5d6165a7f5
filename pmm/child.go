package pmm

import (
	"frametree/kernel"
	frame "frametree/kernel/mem/pmm"
	"frametree/pmm/bitfield"
	"sync/atomic"
)

// childEntry packs a child's free-frame counter and its huge flag into a
// single atomic.Uint32, per spec.md §3's requirement that the tag be
// updatable by a single CAS. Bit 31 is the huge flag; bits 0..30 hold the
// free-count (0..ChildSize, which never exceeds 2^30 for any sane config).
type childEntry uint32

const childHugeBit = uint32(1) << 31

func packChild(freeCount uint32, huge bool) childEntry {
	v := freeCount
	if huge {
		v |= childHugeBit
	}
	return childEntry(v)
}

func (c childEntry) freeCount() uint32 { return uint32(c) &^ childHugeBit }
func (c childEntry) huge() bool        { return uint32(c)&childHugeBit != 0 }

// childGroup is one child's metadata: the packed entry plus its base-frame
// bitmap. Bitmap contents are meaningless while huge()==true, per spec.md
// §7's invariant 4.
//
// Grounded on the teacher's bitmapAllocator (kernel/mem/pmm/allocator/
// bitmap/bitmap_allocator.go), which keeps one []uint64 bitmap and a
// separate free-count per NUMA block; generalized here to a two-level
// array (children, then trees) with the free-count and a huge tag packed
// into one machine word instead of a plain field, matching the source's
// single-CAS free/huge swap.
type childGroup struct {
	entry  atomic.Uint32
	bitmap []atomic.Uint64
}

// childLayer owns every child in the allocator and the frame<->child index
// arithmetic §4.2 describes.
type childLayer struct {
	cfg      Config
	children []childGroup
}

func newChildLayer(cfg Config, numChildren uint64) *childLayer {
	l := &childLayer{cfg: cfg, children: make([]childGroup, numChildren)}
	wordsPerChild := cfg.WordsPerChild()
	for i := range l.children {
		l.children[i].bitmap = make([]atomic.Uint64, wordsPerChild)
	}
	return l
}

func (l *childLayer) reset(mode InitMode) {
	full := uint32(l.cfg.ChildSize())
	for i := range l.children {
		switch mode {
		case Allocated:
			l.children[i].entry.Store(uint32(packChild(0, false)))
			bitfield.FillWords(l.children[i].bitmap, ^uint64(0))
		default: // Free
			l.children[i].entry.Store(uint32(packChild(full, false)))
			bitfield.FillWords(l.children[i].bitmap, 0)
		}
	}
}

func (l *childLayer) childIndex(frame frame.Frame) uint64 {
	return uint64(frame) / l.cfg.ChildSize()
}

func (l *childLayer) offsetInChild(frame frame.Frame) int {
	return int(uint64(frame) % l.cfg.ChildSize())
}

// get searches children [firstChild, firstChild+span) for a free run of
// 2^order base frames (order < HugeOrder), or a single fully-free,
// non-huge child to flip to huge (order == HugeOrder). hint selects the
// starting child within the window so repeated calls from the same
// reservation continue near their last allocation.
func (l *childLayer) get(firstChild, span uint64, hint uint64, order uint) (frame.Frame, *kernel.Error) {
	if order == l.cfg.HugeOrder {
		return l.getHuge(firstChild, span, hint)
	}
	return l.getSmall(firstChild, span, hint, order)
}

func (l *childLayer) getSmall(firstChild, span, hint uint64, order uint) (frame.Frame, *kernel.Error) {
	length := 1 << order
	start := hint
	if start < firstChild || start >= firstChild+span {
		start = firstChild
	}
	for i := uint64(0); i < span; i++ {
		ci := firstChild + (start-firstChild+i)%span
		child := &l.children[ci]

		entry := childEntry(child.entry.Load())
		if entry.huge() || entry.freeCount() < uint32(length) {
			continue
		}

		offset, ok := bitfield.AllocRun(child.bitmap, length)
		if !ok {
			continue
		}
		bitfield.Update(&child.entry, func(old uint32) (uint32, bool) {
			e := childEntry(old)
			if e.huge() {
				return 0, false
			}
			return uint32(packChild(e.freeCount()-uint32(length), false)), true
		})
		return frame.Frame(ci*l.cfg.ChildSize() + uint64(offset)), nil
	}
	return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "no child in range has a free run of the requested order")
}

func (l *childLayer) getHuge(firstChild, span, hint uint64) (frame.Frame, *kernel.Error) {
	full := uint32(l.cfg.ChildSize())
	start := hint
	if start < firstChild || start >= firstChild+span {
		start = firstChild
	}
	for i := uint64(0); i < span; i++ {
		ci := firstChild + (start-firstChild+i)%span
		child := &l.children[ci]

		_, applied := bitfield.Update(&child.entry, func(old uint32) (uint32, bool) {
			e := childEntry(old)
			if e.huge() || e.freeCount() != full {
				return 0, false
			}
			return uint32(packChild(0, true)), true
		})
		if applied {
			return frame.Frame(ci * l.cfg.ChildSize()), nil
		}
	}
	return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "no fully-free child in range to reserve as huge")
}

// put returns 2^order frames at frame to the child that owns them.
func (l *childLayer) put(frame frame.Frame, order uint) *kernel.Error {
	ci := l.childIndex(frame)
	if ci >= uint64(len(l.children)) {
		return kernel.New("pmm", kernel.KindAddress, "frame out of range")
	}
	child := &l.children[ci]

	if order == l.cfg.HugeOrder {
		full := uint32(l.cfg.ChildSize())
		_, applied := bitfield.Update(&child.entry, func(old uint32) (uint32, bool) {
			e := childEntry(old)
			if !e.huge() {
				return 0, false
			}
			return uint32(packChild(full, false)), true
		})
		if !applied {
			return kernel.New("pmm", kernel.KindAddress, "put(HUGE_ORDER) on a child that was not huge-allocated")
		}
		return nil
	}

	entry := childEntry(child.entry.Load())
	if entry.huge() {
		return kernel.New("pmm", kernel.KindAddress, "put on a bitmap order within a huge-allocated child")
	}

	length := 1 << order
	offset := l.offsetInChild(frame)
	if offset%length != 0 {
		return kernel.New("pmm", kernel.KindAddress, "frame is not aligned to its order")
	}
	if !bitfield.FreeRun(child.bitmap, offset, length) {
		return kernel.New("pmm", kernel.KindAddress, "put on a run that was not fully allocated (double free)")
	}
	bitfield.Update(&child.entry, func(old uint32) (uint32, bool) {
		e := childEntry(old)
		return uint32(packChild(e.freeCount()+uint32(length), e.huge())), true
	})
	return nil
}

// isFree reports whether the 2^order-frame run at frame is entirely free.
// Advisory under concurrency, per spec.md §5.
func (l *childLayer) isFree(frame frame.Frame, order uint) bool {
	ci := l.childIndex(frame)
	if ci >= uint64(len(l.children)) {
		return false
	}
	if order > l.cfg.HugeOrder {
		// A run above HugeOrder spans several adjacent huge-sized children.
		f := frame
		for i := 0; i < 1<<(order-l.cfg.HugeOrder); i++ {
			if !l.isFree(f, l.cfg.HugeOrder) {
				return false
			}
			f += 1 << l.cfg.HugeOrder
		}
		return true
	}
	child := &l.children[ci]
	entry := childEntry(child.entry.Load())

	if order == l.cfg.HugeOrder {
		return !entry.huge() && entry.freeCount() == uint32(l.cfg.ChildSize())
	}
	if entry.huge() {
		return false
	}
	length := 1 << order
	offset := l.offsetInChild(frame)
	return bitfield.IsRunFree(child.bitmap, offset, length)
}

// freeAt returns the free-frame count of the child owning frame.
func (l *childLayer) freeAt(frame frame.Frame) uint64 {
	ci := l.childIndex(frame)
	if ci >= uint64(len(l.children)) {
		return 0
	}
	entry := childEntry(l.children[ci].entry.Load())
	return uint64(entry.freeCount())
}

func (l *childLayer) childFreeCount(ci uint64) uint64 {
	return uint64(childEntry(l.children[ci].entry.Load()).freeCount())
}
