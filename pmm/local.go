package pmm

import (
	"frametree/kernel"
	frame "frametree/kernel/mem/pmm"
)

// localState is one CPU's reservation, the state machine spec.md §3/§4.4
// describes as Empty / Held(tree_idx, local_free, last_frame). The zero
// value is Empty.
//
// Grounded on llfree.h's per-core Local struct in original_source/ (no
// teacher equivalent exists). Per spec.md §5, "the reserved flag is the
// sole mutual-exclusion primitive in the system" and every layer is
// wait-free-per-attempt; there is deliberately no lock here. spec.md §9
// assigns the caller responsibility for ensuring only the owning CPU (a
// pinned goroutine, in a hosted Go process) ever calls get/put/drain with
// a given cpu index at a time. Two callers racing on the same cpu index
// is a caller-side contract violation this layer does not guard against,
// exactly as the source's per-core struct assumes "this CPU, and only
// this CPU, is here right now" without any lock of its own.
type localState struct {
	held      bool
	treeIdx   int
	localFree uint64
	lastFrame frame.Frame
}

// localLayer is the per-CPU array spec.md §4.5's metadata_size calls the
// "local array".
type localLayer struct {
	cfg    Config
	tree   *treeLayer
	child  *childLayer
	states []localState
}

func newLocalLayer(cfg Config, cores int, tree *treeLayer, child *childLayer) *localLayer {
	return &localLayer{cfg: cfg, tree: tree, child: child, states: make([]localState, cores)}
}

func (l *localLayer) reset() {
	for i := range l.states {
		l.states[i] = localState{}
	}
}

func (l *localLayer) childRange(treeIdx int) (first, span uint64) {
	span = l.cfg.ChildrenPerTree()
	return uint64(treeIdx) * span, span
}

// get implements spec.md §4.4's get(cpu, order). Orders at or above
// HugeOrder bypass local state entirely, per step 1.
func (l *localLayer) get(cpu int, order uint) (frame.Frame, *kernel.Error) {
	if order >= l.cfg.HugeOrder {
		return l.getHugeOrAbove(order)
	}

	s := &l.states[cpu]

	length := uint64(1) << order

	if !s.held {
		if kerr := l.reserveFor(s, cpu, order); kerr != nil {
			return frame.InvalidFrame, kerr
		}
	} else if s.localFree < length {
		if kerr := l.swapReservation(s, cpu, order); kerr != nil {
			return frame.InvalidFrame, kerr
		}
	}

	first, span := l.childRange(s.treeIdx)
	hint := l.child.childIndex(s.lastFrame)
	f, kerr := l.child.get(first, span, hint, order)
	if kerr == nil {
		s.localFree -= length
		s.lastFrame = f
		return f, nil
	}

	// Fragmentation within the reserved tree despite a nonzero counter:
	// force one swap and retry once, per spec.md §4.4 step 3.
	if kerr2 := l.swapReservation(s, cpu, order); kerr2 != nil {
		return frame.InvalidFrame, kerr2
	}
	first, span = l.childRange(s.treeIdx)
	f, kerr = l.child.get(first, span, l.child.childIndex(s.lastFrame), order)
	if kerr != nil {
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "reserved tree has no usable run after a reservation swap")
	}
	s.localFree -= length
	s.lastFrame = f
	return f, nil
}

// getHugeOrAbove serves HugeOrder directly from the child/tree layers,
// decrementing the owning tree's counter through dec rather than through
// any CPU's local reservation.
func (l *localLayer) getHugeOrAbove(order uint) (frame.Frame, *kernel.Error) {
	if order == l.cfg.HugeOrder {
		return l.getOneHuge()
	}
	// order == MAX_ORDER: split into two adjacent huge allocations that
	// must both succeed or neither does, per spec.md §4.2's edge note and
	// §8's MAX_ORDER atomicity requirement.
	first, kerr := l.getOneHuge()
	if kerr != nil {
		return frame.InvalidFrame, kerr
	}
	second, kerr := l.getOneHugeAdjacent(first)
	if kerr != nil {
		l.putOneHuge(first)
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "could not reserve the adjacent huge child to satisfy MAX_ORDER")
	}
	if second != first+frame.Frame(l.cfg.ChildSize()) {
		l.putOneHuge(first)
		l.putOneHuge(second)
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "no adjacent pair of free huge children available")
	}
	return first, nil
}

func (l *localLayer) getOneHuge() (frame.Frame, *kernel.Error) {
	numTrees := len(l.tree.trees)
	for t := 0; t < numTrees; t++ {
		first, span := l.childRange(t)
		frame, kerr := l.child.get(first, span, first, l.cfg.HugeOrder)
		if kerr != nil {
			continue
		}
		if err := l.tree.dec(t, l.cfg.ChildSize()); err != nil {
			l.child.put(frame, l.cfg.HugeOrder)
			continue
		}
		return frame, nil
	}
	return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "no tree has a free huge child")
}

// getOneHugeAdjacent tries to reserve the huge child immediately following
// first. When first is the last child of its tree, that child belongs to the
// next tree, whose counter is the one decremented.
func (l *localLayer) getOneHugeAdjacent(first frame.Frame) (frame.Frame, *kernel.Error) {
	wantChild := l.child.childIndex(first) + 1
	if wantChild >= uint64(len(l.child.children)) {
		return frame.InvalidFrame, kernel.New("pmm", kernel.KindMemory, "no adjacent huge child exists past the end of the child array")
	}
	t := int(wantChild / l.cfg.ChildrenPerTree())
	f, kerr := l.child.get(wantChild, 1, wantChild, l.cfg.HugeOrder)
	if kerr != nil {
		return frame.InvalidFrame, kerr
	}
	if err := l.tree.dec(t, l.cfg.ChildSize()); err != nil {
		l.child.put(f, l.cfg.HugeOrder)
		return frame.InvalidFrame, err
	}
	return f, nil
}

func (l *localLayer) putOneHuge(frame frame.Frame) {
	t := int(l.child.childIndex(frame) / l.cfg.ChildrenPerTree())
	if err := l.child.put(frame, l.cfg.HugeOrder); err == nil {
		l.tree.inc(t, l.cfg.ChildSize())
	}
}

// reserveFor moves s from Empty to Held by reserving a tree anchored near
// cpu's preferred region.
func (l *localLayer) reserveFor(s *localState, cpu int, order uint) *kernel.Error {
	treesPerCPU := len(l.tree.trees)
	anchor := cpu
	if len(l.states) > 0 {
		anchor = cpu * treesPerCPU / len(l.states)
	}
	idx, free, kerr := l.tree.reserveTree(anchor, order)
	if kerr != nil {
		return kerr
	}
	s.held = true
	s.treeIdx = idx
	s.localFree = free
	first, _ := l.childRange(idx)
	s.lastFrame = frame.Frame(first * l.cfg.ChildSize())
	return nil
}

// swapReservation implements the "acquire-before-release" ordering spec.md
// §4.4 requires: a fresh tree is reserved before the old one is released,
// so there is never a window where this CPU holds no reservation while
// other CPUs could contend for the trees in between.
func (l *localLayer) swapReservation(s *localState, cpu int, order uint) *kernel.Error {
	treesPerCPU := len(l.tree.trees)
	anchor := cpu
	if len(l.states) > 0 {
		anchor = cpu * treesPerCPU / len(l.states)
	}
	newIdx, newFree, kerr := l.tree.reserveTree(anchor, order)
	if kerr != nil {
		return kerr
	}

	if s.held {
		_ = l.tree.unreserveTree(s.treeIdx, s.localFree)
	}
	s.held = true
	s.treeIdx = newIdx
	s.localFree = newFree
	first, _ := l.childRange(newIdx)
	s.lastFrame = frame.Frame(first * l.cfg.ChildSize())
	return nil
}

// put implements spec.md §4.4's put(cpu, frame, order).
func (l *localLayer) put(cpu int, frame frame.Frame, order uint) *kernel.Error {
	if order >= l.cfg.HugeOrder {
		t := int(l.child.childIndex(frame) / l.cfg.ChildrenPerTree())
		if err := l.child.put(frame, l.cfg.HugeOrder); err != nil {
			return err
		}
		l.tree.inc(t, l.cfg.ChildSize())
		if order > l.cfg.HugeOrder {
			// MAX_ORDER: release the second of the two adjacent huge children.
			second := frame + (1 << l.cfg.HugeOrder)
			t2 := int(l.child.childIndex(second) / l.cfg.ChildrenPerTree())
			if err := l.child.put(second, l.cfg.HugeOrder); err != nil {
				return err
			}
			l.tree.inc(t2, l.cfg.ChildSize())
		}
		return nil
	}

	treeIdx := int(uint64(frame) / l.cfg.TreeSize())
	if err := l.child.put(frame, order); err != nil {
		return err
	}

	length := uint64(1) << order
	s := &l.states[cpu]

	if s.held && s.treeIdx == treeIdx {
		s.localFree += length
		return nil
	}

	l.tree.inc(treeIdx, length)
	if !l.tree.isReserved(treeIdx) && !s.held {
		if free, ok := l.tree.tryStealAsReservation(treeIdx); ok {
			s.held = true
			s.treeIdx = treeIdx
			s.localFree = free
			s.lastFrame = frame
		}
	}
	return nil
}

// drain releases cpu's reservation, if any, returning its residual
// local-free count to the tree layer. Idempotent when Empty.
func (l *localLayer) drain(cpu int) {
	s := &l.states[cpu]

	if !s.held {
		return
	}
	_ = l.tree.unreserveTree(s.treeIdx, s.localFree)
	*s = localState{}
}

func (l *localLayer) localFreeOf(cpu int) uint64 {
	s := &l.states[cpu]
	if !s.held {
		return 0
	}
	return s.localFree
}
