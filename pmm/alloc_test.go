package pmm

import (
	"testing"

	frame "frametree/kernel/mem/pmm"
)

func frameAt(n uint64) frame.Frame { return frame.Frame(n) }

// scenarioConfig matches spec.md §8's end-to-end scenario dimensions:
// cores=4, TREE_SIZE=512, HUGE=64, frames=2048.
func scenarioConfig() Config {
	return Config{FrameOrder: 12, HugeOrder: 6, ChildrenPerTreeOrder: 3}
}

func newScenarioAllocator(t *testing.T, mode InitMode) *Allocator {
	t.Helper()
	cfg := scenarioConfig()
	if cfg.TreeSize() != 512 {
		t.Fatalf("scenario config TreeSize=%d, want 512", cfg.TreeSize())
	}
	a, kerr := New(cfg, 4, 2048, mode, HeapProvider{})
	if kerr != nil {
		t.Fatalf("New failed: %v", kerr)
	}
	return a
}

func TestScenario1SmallOrderGetPut(t *testing.T) {
	a := newScenarioAllocator(t, Free)

	f0, kerr := a.Get(0, 0)
	if kerr != nil || f0 != 0 {
		t.Fatalf("first get: frame=%v err=%v, want 0", f0, kerr)
	}
	f1, kerr := a.Get(0, 0)
	if kerr != nil || f1 != 1 {
		t.Fatalf("second get: frame=%v err=%v, want 1", f1, kerr)
	}
	if kerr := a.Put(0, f0, 0); kerr != nil {
		t.Fatalf("put(f0) failed: %v", kerr)
	}
	if _, kerr := a.Get(0, 0); kerr != nil {
		t.Fatalf("third get failed: %v", kerr)
	}
	if got, want := a.FreeFrames(), uint64(2046); got != want {
		t.Fatalf("free_frames=%d, want %d", got, want)
	}
}

func TestScenario2HugeOrderGetPut(t *testing.T) {
	a := newScenarioAllocator(t, Free)
	cfg := scenarioConfig()

	f0, kerr := a.Get(0, cfg.HugeOrder)
	if kerr != nil || uint64(f0) != 0 {
		t.Fatalf("first huge get: frame=%v err=%v, want 0", f0, kerr)
	}
	f1, kerr := a.Get(0, cfg.HugeOrder)
	if kerr != nil || uint64(f1) != 64 {
		t.Fatalf("second huge get: frame=%v err=%v, want 64", f1, kerr)
	}
	if kerr := a.Put(0, f0, cfg.HugeOrder); kerr != nil {
		t.Fatalf("put failed: %v", kerr)
	}
	if !a.IsFree(f0, cfg.HugeOrder) {
		t.Fatal("expected frame 0 to be free at HugeOrder")
	}
	if !a.IsFree(f0, 0) {
		t.Fatal("expected frame 0 to be free at order 0")
	}
}

func TestScenario3DistinctCPUsGetDistinctTrees(t *testing.T) {
	a := newScenarioAllocator(t, Free)

	seen := make(map[int]int)     // frame -> cpu
	seenTree := make(map[int]int) // tree -> cpu
	for cpu := 0; cpu < 4; cpu++ {
		f, kerr := a.Get(cpu, 0)
		if kerr != nil {
			t.Fatalf("cpu %d get failed: %v", cpu, kerr)
		}
		if other, ok := seen[int(f)]; ok {
			t.Fatalf("cpu %d and cpu %d both got frame %v", cpu, other, f)
		}
		seen[int(f)] = cpu
		tree := int(uint64(f) / a.cfg.TreeSize())
		if other, ok := seenTree[tree]; ok {
			t.Fatalf("cpu %d and cpu %d both got a frame in tree %d", cpu, other, tree)
		}
		seenTree[tree] = cpu
	}
}

func TestScenario4AllocatedModeThenPutThenGet(t *testing.T) {
	a := newScenarioAllocator(t, Allocated)

	if _, kerr := a.Get(0, 0); kerr == nil {
		t.Fatal("expected Memory error from a fully-allocated instance")
	}
	if kerr := a.Put(0, 0, 0); kerr != nil {
		t.Fatalf("put failed: %v", kerr)
	}
	f, kerr := a.Get(0, 0)
	if kerr != nil || f != 0 {
		t.Fatalf("get after put: frame=%v err=%v, want 0", f, kerr)
	}
}

func TestScenario5ExhaustionReturnsMemory(t *testing.T) {
	a := newScenarioAllocator(t, Free)

	for i := 0; i < 2048; i++ {
		if _, kerr := a.Get(0, 0); kerr != nil {
			t.Fatalf("get %d unexpectedly failed: %v", i, kerr)
		}
	}
	if _, kerr := a.Get(0, 0); kerr == nil {
		t.Fatal("expected the 2049th get to fail with Memory")
	}
	if got := a.FreeFrames(); got != 0 {
		t.Fatalf("free_frames=%d, want 0", got)
	}
}

func TestScenario6MaxOrderSpansTwoHugeChildren(t *testing.T) {
	a := newScenarioAllocator(t, Free)
	cfg := scenarioConfig()

	f, kerr := a.Get(0, cfg.MaxOrder())
	if kerr != nil || uint64(f) != 0 {
		t.Fatalf("MAX_ORDER get: frame=%v err=%v, want 0", f, kerr)
	}
	if a.IsFree(f, cfg.HugeOrder) {
		t.Fatal("expected frame 0's huge child to no longer be free")
	}
	if a.IsFree(frameAt(64), cfg.HugeOrder) {
		t.Fatal("expected frame 64's huge child to no longer be free")
	}
	if kerr := a.Put(0, f, cfg.MaxOrder()); kerr != nil {
		t.Fatalf("put(MAX_ORDER) failed: %v", kerr)
	}
}

func TestPutUnalignedFrameIsAddressError(t *testing.T) {
	a := newScenarioAllocator(t, Free)
	if _, kerr := a.Get(0, 1); kerr != nil {
		t.Fatalf("get failed: %v", kerr)
	}
	if kerr := a.Put(0, frameAt(1), 1); kerr == nil {
		t.Fatal("expected Address error putting an unaligned frame")
	}
}

func TestConcurrentGetsAcrossCPUsNeverCollide(t *testing.T) {
	a := newScenarioAllocator(t, Free)
	const n = 4

	type result struct {
		f    uint64
		kerr bool
	}
	results := make(chan result, 2*n)
	for cpu := 0; cpu < n; cpu++ {
		cpu := cpu
		go func() {
			for i := 0; i < 2; i++ {
				f, kerr := a.Get(cpu, 0)
				results <- result{uint64(f), kerr != nil}
			}
		}()
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 2*n; i++ {
		r := <-results
		if r.kerr {
			t.Fatal("unexpected get failure while free_frames == 2N")
		}
		if seen[r.f] {
			t.Fatalf("frame %d returned to two concurrent callers", r.f)
		}
		seen[r.f] = true
	}
}

// shortProvider always returns a region half the requested size, simulating
// a misbehaving MemoryProvider.
type shortProvider struct {
	freed int
}

func (p *shortProvider) Alloc(_ int, size, _ uintptr) ([]byte, error) {
	return make([]byte, size/2), nil
}

func (p *shortProvider) Free([]byte, uintptr) {
	p.freed++
}

func TestNewRejectsShortProviderRegion(t *testing.T) {
	p := &shortProvider{}
	_, kerr := New(scenarioConfig(), 4, 2048, Free, p)
	if kerr == nil {
		t.Fatal("New with a short-region provider should fail")
	}
	if p.freed == 0 {
		t.Fatal("New should free any regions already borrowed before failing")
	}
}
