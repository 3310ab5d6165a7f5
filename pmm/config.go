package pmm

import "frametree/kernel"

// Config carries the compile-time constants spec.md §3 fixes in the
// kernel-module source as a runtime value instead, so tests can build a
// small allocator (spec.md §8's end-to-end scenarios use TreeSize=512,
// Huge=64) without changing any build tag.
//
// WordOrder is not configurable: bitfield words are always 64 bits.
type Config struct {
	// FrameOrder is log2(base frame size in bytes). Only used by
	// Frame.Address/FrameFromAddress; the allocator itself never touches
	// byte addresses.
	FrameOrder uint
	// HugeOrder is log2(frames per child).
	HugeOrder uint
	// ChildrenPerTreeOrder is log2(children per tree).
	ChildrenPerTreeOrder uint
}

// DefaultConfig matches the "typical value" column of spec.md §3.
func DefaultConfig() Config {
	return Config{FrameOrder: 12, HugeOrder: 9, ChildrenPerTreeOrder: 4}
}

// ChildSize returns 2^HugeOrder, the number of base frames per child.
func (c Config) ChildSize() uint64 { return 1 << c.HugeOrder }

// TreeOrder returns HugeOrder + ChildrenPerTreeOrder.
func (c Config) TreeOrder() uint { return c.HugeOrder + c.ChildrenPerTreeOrder }

// TreeSize returns 2^TreeOrder, the number of base frames per tree.
func (c Config) TreeSize() uint64 { return 1 << c.TreeOrder() }

// ChildrenPerTree returns 2^ChildrenPerTreeOrder.
func (c Config) ChildrenPerTree() uint64 { return 1 << c.ChildrenPerTreeOrder }

// MaxOrder returns HugeOrder + 1, the largest order get/put accepts.
func (c Config) MaxOrder() uint { return c.HugeOrder + 1 }

// WordsPerChild returns ChildSize/64, the bitmap words needed per child.
func (c Config) WordsPerChild() uint64 { return c.ChildSize() / 64 }

// validate checks the invariants the rest of the package relies on.
func (c Config) validate() *kernel.Error {
	switch {
	case c.HugeOrder < 6:
		return kernel.New("pmm", kernel.KindInit, "HugeOrder must be >= 6 (a child must span at least one bitmap word)")
	case c.ChildrenPerTreeOrder < 1:
		return kernel.New("pmm", kernel.KindInit, "ChildrenPerTreeOrder must be >= 1")
	case c.FrameOrder == 0:
		return kernel.New("pmm", kernel.KindInit, "FrameOrder must be > 0")
	}
	return nil
}

// InitMode selects how an Allocator's metadata is populated at New, per
// spec.md §4.5.
type InitMode uint8

const (
	// Free marks every frame free: child bitmaps zero, counters full,
	// local state Empty.
	Free InitMode = iota
	// Allocated marks every frame allocated: counters zero, bitmaps full.
	// Intended for memory handed in piecewise via later Put calls.
	Allocated
	// Recover is accepted but not implemented by this core; spec.md §6
	// documents the on-disk/persisted layout as out of scope. New
	// rejects it with Kind=Init.
	Recover
)

func (m InitMode) String() string {
	switch m {
	case Free:
		return "free"
	case Allocated:
		return "allocated"
	case Recover:
		return "recover"
	default:
		return "unknown"
	}
}
