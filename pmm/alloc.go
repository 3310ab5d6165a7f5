// Package pmm implements the allocator core: a hierarchical bitmap
// (child/tree layers) fronted by a per-CPU reservation layer, so that most
// get/put traffic never touches a cache line shared with another CPU.
//
// Grounded on the teacher's kernel/mem/pmm/allocator/bitmap package
// (single-level bitmap + free-count), extended here to the three-level
// child/tree/local hierarchy and CAS-retry concurrency model; there is no
// teacher analogue for the upper and local layers, which instead follow
// original_source/llfree.h's core-indexed get/put/drain API.
package pmm

import (
	"frametree/kernel"
	"frametree/kernel/kfmt"
	mempkg "frametree/kernel/mem"
	frame "frametree/kernel/mem/pmm"
	"frametree/pmm/bitfield"
)

// Allocator is one initialized instance of the core, as returned by New.
type Allocator struct {
	cfg    Config
	cores  int
	frames uint64 // rounded up to a TreeSize multiple

	child *childLayer
	tree  *treeLayer
	local *localLayer

	provider MemoryProvider
	regions  [][]byte // metadata regions borrowed from provider, released at Uninit
}

// MetadataSize returns the byte sizes of the three metadata regions
// spec.md §4.5 enumerates: local array, tree array, lower (child+bitmap)
// region. Each is reported pre-cache-line-alignment padding; New performs
// the actual alignment when it asks the provider for space.
func MetadataSize(cfg Config, cores int, frames uint64) (local, tree, lower mempkg.Size) {
	numTrees := (frames + cfg.TreeSize() - 1) / cfg.TreeSize()
	numChildren := numTrees * cfg.ChildrenPerTree()

	local = mempkg.Size(cores * localStateSize)
	tree = mempkg.Size(numTrees * 8) // one atomic.Uint64 per tree
	lower = mempkg.Size(numChildren*childEntrySize + numChildren*cfg.WordsPerChild()*8)
	return local, tree, lower
}

const (
	localStateSize = 32 // treeIdx(8) + localFree(8) + lastFrame(8) + held/padding(8), cache-line sub-multiple
	childEntrySize = 4
)

// New initializes an allocator instance over frames base frames spread
// across cores logical CPUs, per spec.md §4.5's init(cores, frames,
// init_mode, metadata). The metadata argument of the source is replaced by
// a MemoryProvider the core pulls its own regions from.
func New(cfg Config, cores int, frames uint64, mode InitMode, provider MemoryProvider) (*Allocator, *kernel.Error) {
	if kerr := cfg.validate(); kerr != nil {
		return nil, kerr
	}
	if cores <= 0 {
		return nil, kernel.New("pmm", kernel.KindInit, "cores must be > 0")
	}
	if mode == Recover {
		return nil, kernel.New("pmm", kernel.KindInit, "Recover init mode is not implemented by this core")
	}
	if provider == nil {
		provider = HeapProvider{}
	}

	treeSize := cfg.TreeSize()
	roundedFrames := ((frames + treeSize - 1) / treeSize) * treeSize
	numTrees := roundedFrames / treeSize
	numChildren := numTrees * cfg.ChildrenPerTree()

	localSz, treeSz, lowerSz := MetadataSize(cfg, cores, roundedFrames)
	regions := make([][]byte, 0, 3)
	for _, sz := range []mempkg.Size{localSz, treeSz, lowerSz} {
		region, err := provider.Alloc(0, uintptr(sz), 64)
		if err != nil {
			for _, r := range regions {
				provider.Free(r, 64)
			}
			return nil, kernel.New("pmm", kernel.KindInit, "memory provider could not supply a metadata region")
		}
		if uintptr(len(region)) < uintptr(sz) {
			provider.Free(region, 64)
			for _, r := range regions {
				provider.Free(r, 64)
			}
			return nil, errProviderShort
		}
		regions = append(regions, region)
	}

	a := &Allocator{
		cfg:      cfg,
		cores:    cores,
		frames:   roundedFrames,
		child:    newChildLayer(cfg, numChildren),
		tree:     newTreeLayer(cfg, numTrees),
		provider: provider,
		regions:  regions,
	}
	a.local = newLocalLayer(cfg, cores, a.tree, a.child)

	a.tree.reset(mode)
	a.child.reset(mode)
	a.local.reset()

	if roundedFrames != frames {
		a.markTrailingPaddingAllocated(frames, roundedFrames)
	}
	return a, nil
}

// markTrailingPaddingAllocated marks the [frames, roundedFrames) slack
// introduced by TreeSize rounding as permanently allocated, per spec.md
// §4.5 step 1, so it is never handed out by get.
func (a *Allocator) markTrailingPaddingAllocated(frames, roundedFrames uint64) {
	for f := frames; f < roundedFrames; f++ {
		ci := a.child.childIndex(frame.Frame(f))
		off := a.child.offsetInChild(frame.Frame(f))
		bitfield.SetBit(a.child.children[ci].bitmap, off)
	}
	// Padding bits were flipped directly above without going through
	// alloc_run's counter bookkeeping, so each affected child's free-count
	// must be recomputed once, at init, before any concurrent caller runs.
	touchedFirst := a.child.childIndex(frame.Frame(frames))
	touchedLast := a.child.childIndex(frame.Frame(roundedFrames - 1))
	for ci := touchedFirst; ci <= touchedLast; ci++ {
		free := uint32(bitfield.CountZeroBits(a.child.children[ci].bitmap))
		a.child.children[ci].entry.Store(uint32(packChild(free, false)))
	}
	treeIdx := a.child.childIndex(frame.Frame(frames)) / a.cfg.ChildrenPerTree()
	lostFrames := roundedFrames - frames
	a.tree.dec(int(treeIdx), lostFrames)
}

// Uninit releases every metadata region back to the provider. The
// Allocator must not be used afterward.
func (a *Allocator) Uninit() {
	for _, r := range a.regions {
		a.provider.Free(r, 64)
	}
	a.regions = nil
}

// Get allocates 2^order frames for cpu, per spec.md's get(instance, cpu,
// order).
func (a *Allocator) Get(cpu int, order uint) (frame.Frame, *kernel.Error) {
	if cpu < 0 || cpu >= a.cores {
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindAddress, "cpu out of range")
	}
	if order > a.cfg.MaxOrder() {
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindAddress, "order exceeds MAX_ORDER")
	}
	return a.local.get(cpu, order)
}

// Put returns 2^order frames previously returned by Get.
func (a *Allocator) Put(cpu int, f frame.Frame, order uint) *kernel.Error {
	if cpu < 0 || cpu >= a.cores {
		return kernel.New("pmm", kernel.KindAddress, "cpu out of range")
	}
	return a.local.put(cpu, f, order)
}

// IsFree reports whether the 2^order-frame run at f is entirely free.
func (a *Allocator) IsFree(f frame.Frame, order uint) bool {
	return a.child.isFree(f, order)
}

// Drain releases cpu's reservation, if any.
func (a *Allocator) Drain(cpu int) *kernel.Error {
	if cpu < 0 || cpu >= a.cores {
		return kernel.New("pmm", kernel.KindAddress, "cpu out of range")
	}
	a.local.drain(cpu)
	return nil
}

// Frames returns the total (rounded-up) frame count managed.
func (a *Allocator) Frames() uint64 { return a.frames }

// Cores returns the number of CPUs the instance was initialized for.
func (a *Allocator) Cores() int { return a.cores }

// LocalFree returns cpu's current local reservation free-frame count (0 if
// its state is Empty).
func (a *Allocator) LocalFree(cpu int) uint64 {
	if cpu < 0 || cpu >= a.cores {
		return 0
	}
	return a.local.localFreeOf(cpu)
}

// FreeFrames returns a best-effort sum of every tree's free-count plus
// every CPU's local-free count, per spec.md's "counts are best-effort
// sums" note.
func (a *Allocator) FreeFrames() uint64 {
	var total uint64
	for i := range a.tree.trees {
		total += a.tree.freeCount(i)
	}
	for cpu := 0; cpu < a.cores; cpu++ {
		total += a.local.localFreeOf(cpu)
	}
	return total
}

// FreeHuge returns a best-effort count of fully-free (non-huge-allocated)
// children.
func (a *Allocator) FreeHuge() uint64 {
	var n uint64
	for ci := range a.child.children {
		if a.child.childFreeCount(uint64(ci)) == a.cfg.ChildSize() {
			n++
		}
	}
	return n
}

// FreeAt returns the free-frame count of the child (order==HugeOrder) or
// tree (order==TreeOrder) owning f.
func (a *Allocator) FreeAt(f frame.Frame, order uint) uint64 {
	if order >= a.cfg.TreeOrder() {
		treeIdx := int(uint64(f) / a.cfg.TreeSize())
		return a.tree.freeCount(treeIdx)
	}
	return a.child.freeAt(f)
}

// Dump renders a human-readable summary into buf and returns the number of
// bytes written, per spec.md's dump(buffer, len) operation.
func (a *Allocator) Dump(buf []byte) int {
	return kfmt.Sprintf(buf, "frames=%d cores=%d free=%d free_huge=%d trees=%d\n",
		a.frames, a.cores, a.FreeFrames(), a.FreeHuge(), len(a.tree.trees))
}
