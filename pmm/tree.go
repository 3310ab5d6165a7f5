package pmm

import (
	"frametree/kernel"
	"frametree/pmm/bitfield"
	"sync/atomic"
)

// treeEntry packs a tree's free-frame counter and reserved flag into one
// atomic.Uint64, per spec.md §3/§4.3's requirement that reservation be a
// single CAS swap of (free-count, reserved) as a pair. Bit 63 is reserved;
// bits 0..62 hold the free-count. spec.md §3 also allows an optional "kind"
// tag for future search biasing; this core reserves no bits for it (see
// DESIGN.md's Open Question decision) since nothing here yet distinguishes
// kinds.
type treeEntry uint64

const treeReservedBit = uint64(1) << 63

func packTree(freeCount uint64, reserved bool) treeEntry {
	v := freeCount
	if reserved {
		v |= treeReservedBit
	}
	return treeEntry(v)
}

func (t treeEntry) freeCount() uint64 { return uint64(t) &^ treeReservedBit }
func (t treeEntry) reserved() bool    { return uint64(t)&treeReservedBit != 0 }

// treeLayer owns the tree array spec.md §1 calls the "upper level", and
// implements reserve_tree/unreserve_tree/dec/inc exactly as enumerated in
// §4.3.
//
// Grounded on llfree.h's tree-indexed reservation API (llfree_get/
// llfree_drain operate per-core against a tree array) in original_source/,
// since the teacher repo (gopher-os) has no equivalent upper arbitration
// layer; expressed here in the teacher's packed-atomic-word idiom (as used
// for child entries) rather than translated from the C layout.
type treeLayer struct {
	cfg   Config
	trees []atomic.Uint64
}

func newTreeLayer(cfg Config, numTrees uint64) *treeLayer {
	return &treeLayer{cfg: cfg, trees: make([]atomic.Uint64, numTrees)}
}

func (l *treeLayer) reset(mode InitMode) {
	full := l.cfg.TreeSize()
	for i := range l.trees {
		switch mode {
		case Allocated:
			l.trees[i].Store(uint64(packTree(0, false)))
		default:
			l.trees[i].Store(uint64(packTree(full, false)))
		}
	}
}

// requiredFree translates an order_class (spec.md §4.3) into the minimum
// free-count a tree must report to satisfy it.
func (l *treeLayer) requiredFree(order uint) uint64 {
	switch {
	case order == l.cfg.TreeOrder():
		return l.cfg.TreeSize()
	case order >= l.cfg.HugeOrder:
		return l.cfg.ChildSize()
	default:
		return 1 << order
	}
}

// reserveTree scans outward from an anchor derived from cpuHint in
// geometrically growing windows (near-first, far-fallback) and atomically
// claims the first unreserved tree with enough free frames.
func (l *treeLayer) reserveTree(cpuHint int, order uint) (treeIdx int, freeCount uint64, kerr *kernel.Error) {
	n := len(l.trees)
	if n == 0 {
		return -1, 0, kernel.New("pmm", kernel.KindMemory, "no trees configured")
	}
	anchor := cpuHint % n
	if anchor < 0 {
		anchor += n
	}
	required := l.requiredFree(order)

	visited := make([]bool, n)
	radius := 1
	visitedCount := 0
	for visitedCount < n {
		lo, hi := anchor-radius, anchor+radius
		if lo < 0 {
			lo = 0
		}
		if hi >= n {
			hi = n - 1
		}
		for i := lo; i <= hi; i++ {
			if visited[i] {
				continue
			}
			visited[i] = true
			visitedCount++

			var captured uint64
			result, applied := bitfield.Update(&l.trees[i], func(old uint64) (uint64, bool) {
				e := treeEntry(old)
				if e.reserved() || e.freeCount() < required {
					return 0, false
				}
				captured = e.freeCount()
				return uint64(packTree(0, true)), true
			})
			if applied {
				return i, captured, nil
			}
			// result here is the observed old value on a failed CAS retry
			// loop exit; Update already retried internally on lost races,
			// so a non-applied result means the predicate genuinely failed.
			_ = result
		}
		if lo == 0 && hi == n-1 {
			break
		}
		radius *= 2
	}
	return -1, 0, kernel.New("pmm", kernel.KindMemory, "no tree in range has enough free frames to reserve")
}

// unreserveTree returns a reservation, adding returnedFree to the tree's
// counter and clearing the reserved flag. While the tree was held, other
// CPUs' puts into its children may already have raised the counter through
// inc; adding (rather than overwriting) keeps those frees counted.
func (l *treeLayer) unreserveTree(treeIdx int, returnedFree uint64) *kernel.Error {
	_, applied := bitfield.Update(&l.trees[treeIdx], func(old uint64) (uint64, bool) {
		e := treeEntry(old)
		if !e.reserved() {
			return 0, false
		}
		return uint64(packTree(e.freeCount()+returnedFree, false)), true
	})
	if !applied {
		return kernel.New("pmm", kernel.KindAddress, "unreserve on a tree that was not reserved")
	}
	return nil
}

// dec decrements a tree's free-count by n, failing with Memory if the tree
// is reserved (exclusively owned by some CPU's local state) or has fewer
// than n free frames.
func (l *treeLayer) dec(treeIdx int, n uint64) *kernel.Error {
	_, applied := bitfield.Update(&l.trees[treeIdx], func(old uint64) (uint64, bool) {
		e := treeEntry(old)
		if e.reserved() || e.freeCount() < n {
			return 0, false
		}
		return uint64(packTree(e.freeCount()-n, false)), true
	})
	if !applied {
		return kernel.New("pmm", kernel.KindMemory, "tree has insufficient free frames or is reserved")
	}
	return nil
}

// inc unconditionally adds n to a tree's free-count. Used by put when the
// freed frame belongs to a tree the freeing CPU does not currently reserve.
func (l *treeLayer) inc(treeIdx int, n uint64) {
	bitfield.Update(&l.trees[treeIdx], func(old uint64) (uint64, bool) {
		e := treeEntry(old)
		return uint64(packTree(e.freeCount()+n, e.reserved())), true
	})
}

// tryStealAsReservation attempts to reserve an unreserved, currently-idle
// tree directly (the opportunistic path spec.md §4.4's put step 4 allows),
// returning the captured free-count on success.
func (l *treeLayer) tryStealAsReservation(treeIdx int) (freeCount uint64, ok bool) {
	var captured uint64
	_, applied := bitfield.Update(&l.trees[treeIdx], func(old uint64) (uint64, bool) {
		e := treeEntry(old)
		if e.reserved() {
			return 0, false
		}
		captured = e.freeCount()
		return uint64(packTree(0, true)), true
	})
	if !applied {
		return 0, false
	}
	return captured, true
}

func (l *treeLayer) freeCount(treeIdx int) uint64 {
	return treeEntry(l.trees[treeIdx].Load()).freeCount()
}

func (l *treeLayer) isReserved(treeIdx int) bool {
	return treeEntry(l.trees[treeIdx].Load()).reserved()
}
