package pmm

import "frametree/kernel"

// MemoryProvider is the external collaborator spec.md §6 calls "Memory
// provider": the allocator borrows metadata regions from it at New and
// returns them at Uninit, but never owns or re-allocates them itself.
//
// Grounded on the teacher's bootmem allocator, which is likewise handed a
// region source (multiboot.VisitMemRegions) it never owns, generalized from
// a hardware memory map to the spec's abstract alloc(node, size, align).
type MemoryProvider interface {
	// Alloc returns a zeroed region of at least size bytes, aligned to
	// align (a power of two), for NUMA node node. node is advisory; a
	// single-node provider may ignore it.
	Alloc(node int, size, align uintptr) ([]byte, error)
	// Free releases a region previously returned by Alloc. align must match
	// the original Alloc call.
	Free(region []byte, align uintptr)
}

// Logger is the external collaborator spec.md §6 calls "Logger": a
// printk-style sink used only for debug dumps, never on the hot
// allocation/free path.
type Logger interface {
	Printf(format string, args ...interface{})
}

// HeapProvider is a MemoryProvider backed by ordinary Go heap allocations.
// It stands in for the kernel's memblock/device-DAX discovery, which
// spec.md §1 places outside the core's scope; it exists so the core, its
// tests, and the demonstration command have something to allocate metadata
// from without a real NUMA-aware allocator.
type HeapProvider struct{}

// Alloc implements MemoryProvider over make([]byte, size). It calls
// kernel.ZeroRegion explicitly rather than relying on Go's implicit
// zeroing of new slices, since a real device-memory-backed provider offers
// no such guarantee. align is not independently enforced: the metadata regions this
// core requests are always sized in whole 64-bit words, and the runtime's
// size-class allocator already places them on a boundary at least that
// wide.
func (HeapProvider) Alloc(_ int, size, _ uintptr) ([]byte, error) {
	buf := make([]byte, size)
	kernel.ZeroRegion(buf)
	return buf, nil
}

// Free is a no-op: the Go garbage collector reclaims HeapProvider regions
// once the Allocator drops its last reference.
func (HeapProvider) Free([]byte, uintptr) {}

// errProviderShort is returned by New, as is, when a MemoryProvider hands
// back a region smaller than requested.
var errProviderShort = kernel.New("pmm", kernel.KindInit, "memory provider returned a short region")
