package pmm

import (
	"frametree/kernel"
	"testing"
)

func testConfig() Config {
	return Config{FrameOrder: 12, HugeOrder: 6, ChildrenPerTreeOrder: 2} // ChildSize=64, TreeSize=256
}

func TestChildLayerGetPutSmallOrder(t *testing.T) {
	cfg := testConfig()
	cl := newChildLayer(cfg, 4)
	cl.reset(Free)

	f, kerr := cl.get(0, 4, 0, 0)
	if kerr != nil {
		t.Fatalf("get failed: %v", kerr)
	}
	if f != 0 {
		t.Fatalf("expected frame 0; got %v", f)
	}
	if cl.freeAt(f) != cfg.ChildSize()-1 {
		t.Fatalf("expected child free count to drop by 1; got %d", cl.freeAt(f))
	}

	if err := cl.put(f, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if cl.freeAt(f) != cfg.ChildSize() {
		t.Fatalf("expected child free count restored; got %d", cl.freeAt(f))
	}
}

func TestChildLayerGetHuge(t *testing.T) {
	cfg := testConfig()
	cl := newChildLayer(cfg, 4)
	cl.reset(Free)

	f, kerr := cl.get(0, 4, 0, cfg.HugeOrder)
	if kerr != nil {
		t.Fatalf("get failed: %v", kerr)
	}
	if cl.isFree(f, cfg.HugeOrder) {
		t.Fatal("expected child to no longer report free after huge reservation")
	}

	if err := cl.put(f, cfg.HugeOrder); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if !cl.isFree(f, cfg.HugeOrder) {
		t.Fatal("expected child to be free again after put")
	}
}

func TestChildLayerDoubleFreeReturnsAddressError(t *testing.T) {
	cfg := testConfig()
	cl := newChildLayer(cfg, 1)
	cl.reset(Free)

	f, _ := cl.get(0, 1, 0, 1)
	if err := cl.put(f, 1); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	err := cl.put(f, 1)
	if err == nil || err.Kind != kernel.KindAddress {
		t.Fatalf("expected Address error on double free; got %v", err)
	}
}

func TestChildLayerPutHugeOnNonHugeChildIsAddressError(t *testing.T) {
	cfg := testConfig()
	cl := newChildLayer(cfg, 1)
	cl.reset(Free)

	err := cl.put(0, cfg.HugeOrder)
	if err == nil || err.Kind != kernel.KindAddress {
		t.Fatalf("expected Address error; got %v", err)
	}
}

func TestChildLayerGetExhaustion(t *testing.T) {
	cfg := testConfig()
	cl := newChildLayer(cfg, 1)
	cl.reset(Allocated)

	_, err := cl.get(0, 1, 0, 0)
	if err == nil || err.Kind != kernel.KindMemory {
		t.Fatalf("expected Memory error on an all-allocated child; got %v", err)
	}
}
