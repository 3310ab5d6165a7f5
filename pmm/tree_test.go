package pmm

import "testing"

func TestTreeLayerReserveAndUnreserve(t *testing.T) {
	cfg := testConfig()
	tl := newTreeLayer(cfg, 8)
	tl.reset(Free)

	idx, free, kerr := tl.reserveTree(0, 0)
	if kerr != nil {
		t.Fatalf("reserve failed: %v", kerr)
	}
	if free != cfg.TreeSize() {
		t.Fatalf("expected full tree size captured; got %d", free)
	}
	if !tl.isReserved(idx) {
		t.Fatal("expected tree to be marked reserved")
	}

	if err := tl.unreserveTree(idx, free-4); err != nil {
		t.Fatalf("unreserve failed: %v", err)
	}
	if tl.isReserved(idx) {
		t.Fatal("expected tree to no longer be reserved")
	}
	if got := tl.freeCount(idx); got != free-4 {
		t.Fatalf("expected returned free count %d; got %d", free-4, got)
	}
}

func TestTreeLayerReserveSkipsAlreadyReserved(t *testing.T) {
	cfg := testConfig()
	tl := newTreeLayer(cfg, 2)
	tl.reset(Free)

	first, _, _ := tl.reserveTree(0, 0)
	second, _, kerr := tl.reserveTree(0, 0)
	if kerr != nil {
		t.Fatalf("expected a second distinct tree to be reservable; got %v", kerr)
	}
	if second == first {
		t.Fatal("expected reserveTree to skip the already-reserved tree")
	}

	if _, _, kerr := tl.reserveTree(0, 0); kerr == nil {
		t.Fatal("expected Memory error once all trees are reserved")
	}
}

func TestTreeLayerDecRejectsReservedOrInsufficient(t *testing.T) {
	cfg := testConfig()
	tl := newTreeLayer(cfg, 1)
	tl.reset(Free)

	if err := tl.dec(0, cfg.TreeSize()+1); err == nil {
		t.Fatal("expected Memory error decrementing past zero")
	}

	idx, _, _ := tl.reserveTree(0, 0)
	if err := tl.dec(idx, 1); err == nil {
		t.Fatal("expected Memory error decrementing a reserved tree")
	}
}

func TestTreeLayerIncAndSteal(t *testing.T) {
	cfg := testConfig()
	tl := newTreeLayer(cfg, 1)
	tl.reset(Allocated)

	tl.inc(0, 8)
	if got := tl.freeCount(0); got != 8 {
		t.Fatalf("expected free count 8; got %d", got)
	}

	free, ok := tl.tryStealAsReservation(0)
	if !ok || free != 8 {
		t.Fatalf("expected steal to succeed capturing 8; got free=%d ok=%v", free, ok)
	}
	if _, ok := tl.tryStealAsReservation(0); ok {
		t.Fatal("expected a second steal of an already-reserved tree to fail")
	}
}
