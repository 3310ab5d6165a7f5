// Command frametreectl is a small demonstration harness for the allocator
// core: it inits an instance over heap-backed memory, runs a scripted
// allocate/free/drain sequence across a handful of simulated CPUs, and
// prints the final dump.
//
// Grounded on stub.go/kmain.go's role as the minimal entrypoint that wires
// the kernel subsystem and calls into it (github.com/achilleasa/gopher-os's
// Kmain chains allocator.Init/vmm.Init/goruntime.Init with panic-on-error);
// restructured here as an ordinary func main since there is no rt0 to
// trampoline through.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"frametree/metrics"
	"frametree/pmm"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	cores := flag.Int("cores", 4, "number of simulated CPUs")
	frames := flag.Uint64("frames", 2048, "total base frames to manage")
	hugeOrder := flag.Uint("huge-order", 9, "log2 of frames per child")
	childrenPerTreeOrder := flag.Uint("children-per-tree-order", 4, "log2 of children per tree")
	flag.Parse()

	cfg := pmm.Config{FrameOrder: 12, HugeOrder: *hugeOrder, ChildrenPerTreeOrder: *childrenPerTreeOrder}

	a, kerr := pmm.New(cfg, *cores, *frames, pmm.Free, pmm.HeapProvider{})
	if kerr != nil {
		log.Fatalf("init: %s", kerr)
	}
	defer a.Uninit()

	coll := metrics.NewCollector(a)
	reg := prometheus.NewRegistry()
	if err := coll.Register(reg); err != nil {
		log.Fatalf("metrics: %s", err)
	}

	runDemo(a)

	coll.Refresh()
	dumpState(a)
}

// runDemo exercises each simulated CPU with a small allocate/free/drain
// cycle, the way a kernel subsystem would on startup to sanity-check the
// allocator it was just handed.
func runDemo(a *pmm.Allocator) {
	for cpu := 0; cpu < a.Cores(); cpu++ {
		f, kerr := a.Get(cpu, 0)
		if kerr != nil {
			log.Printf("cpu %d: get(order=0) failed: %s", cpu, kerr)
			continue
		}
		if kerr := a.Put(cpu, f, 0); kerr != nil {
			log.Printf("cpu %d: put(%v) failed: %s", cpu, f, kerr)
		}
		if kerr := a.Drain(cpu); kerr != nil {
			log.Printf("cpu %d: drain failed: %s", cpu, kerr)
		}
	}
}

func dumpState(a *pmm.Allocator) {
	buf := make([]byte, 256)
	n := a.Dump(buf)
	fmt.Fprintf(os.Stdout, "%s", buf[:n])
}
