// Command kernel is the boot entry point: it builds the simulated
// physical arena, binds the IRQ/timer backends, loads a root task out
// of an initrd payload, and drives the scheduler. Grounded on
// original_source/kernel/src/main.rs's boot ordering (sbi/timer init,
// then trap wiring, then roottask::init, then "enter the scheduler")
// and on biscuit's habit of keeping main a thin wiring layer over many
// small packages.
//
// This simulated core has no real hart to hand control to at the end
// of boot, so step 5 of spec.md §4.M ("enter the scheduler") is
// realized as a bounded tick loop instead of an unbounded wfi idle
// loop — see -ticks.
package main

import (
	"flag"
	"os"

	"addr"
	"boot"
	"captype"
	"defs"
	"initrd"
	"ipc"
	"irq"
	"klog"
	"roottask"
	"sched"
	"timer"
	"trap"
)

func main() {
	var (
		payloadPath  = flag.String("payload", "", "path to the initrd payload image")
		arenaBase    = flag.Uint64("arena-base", 0x8000_0000, "base physical address of the simulated arena")
		arenaPages   = flag.Uint64("arena-pages", 4096, "simulated physical arena size, in pages")
		cnodeBits    = flag.Uint("cnode-bits", 8, "size (in bits) of the root task's CNode")
		harts        = flag.Int("harts", 1, "number of simulated harts")
		platformIRQs = flag.Int("irqs", 4, "number of platform IRQ lines the root task is granted")
		ticks        = flag.Int("ticks", 16, "number of simulated timer ticks to drive before exiting")
	)
	flag.Parse()

	if *payloadPath == "" {
		klog.Panicf("kernel: -payload is required")
	}
	raw, rerr := os.ReadFile(*payloadPath)
	if rerr != nil {
		klog.Panicf("kernel: reading payload: %v", rerr)
	}
	img, perr := initrd.Parse(raw)
	if perr != nil {
		klog.Panicf("kernel: parsing payload: %v", perr)
	}
	rootEntry, ok := img.RootTask()
	if !ok {
		klog.Panicf("kernel: payload has no root task entry")
	}
	elfImage, derr := img.Data(rootEntry)
	if derr != nil {
		klog.Panicf("kernel: %v", derr)
	}

	arena := boot.NewArena(addr.PhysAddr(*arenaBase), *arenaPages)
	trap.SetArena(arena)

	plic := irq.NewSimPLIC()
	trap.SetPLIC(plic)
	irq.SetNotifyFunc(func(ep captype.Handle, badge uint64) {
		ipc.Notify(ep, badge)
	})

	sbi := &timer.SimSBI{}
	timer.Init(sbi, 0)

	th, lerr := roottask.Launch(arena, roottask.Config{
		CNodeBits:    uint8(*cnodeBits),
		PlatformIRQs: *platformIRQs,
	}, elfImage)
	if lerr != defs.SUCCESS {
		klog.Panicf("kernel: launching root task: %v", lerr)
	}
	klog.Infof("kernel: root task thread %v launched, entering scheduler", th)

	for tick := 0; tick < *ticks; tick++ {
		for hart := 0; hart < *harts; hart++ {
			if sched.Current(hart) == captype.NoHandle {
				sched.PickNext(hart)
			}
			timer.Tick(hart, sbi, uint64(tick)*timer.Interval)
		}
	}
	klog.Infof("kernel: ran %d simulated tick(s) across %d hart(s)", *ticks, *harts)
}
