package kmain

import (
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/hal/multiboot"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/klog"
)

const (
	// DemoSwitches is the number of context switches performed by Run.
	DemoSwitches = 5

	// DemoDelayTicks is the pause between two switches.
	DemoDelayTicks = 100
)

var (
	// The following functions are mocked by tests.
	panicFn = kfmt.Panic
	haltFn  = cpu.Halt

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned", Kind: kernel.KindInvariant}

	// theKernel is the kernel instance started by Kmain.
	theKernel Kernel
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// run on the stack allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by
// the bootloader as well as the physical addresses for the kernel start/end.
// Physical memory is identity-mapped so the physical window starts at 0.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	mbInfo := multiboot.NewInfo(multibootInfoPtr)
	Start(&theKernel, &BootInfo{
		MemoryMap:   mbInfo,
		CmdLine:     mbInfo.BootCmdLine(),
		LoaderName:  mbInfo.BootLoaderName(),
		KernelStart: kernelStart,
		KernelEnd:   kernelEnd,
	})

	// Use panicFn instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// Start boots k, runs the process switching demo and then idles. A boot
// failure is fatal.
func Start(k *Kernel, info *BootInfo) {
	if err := k.Boot(info); err != nil {
		panicFn(err)
		return
	}

	k.Run()
	k.Idle()
}

// Run creates two demo processes and rotates the ready queue a few times,
// pausing between switches.
func (k *Kernel) Run() {
	p1, err := k.Sched.CreateProcess("test_process_1", 1)
	if err != nil {
		klog.Error(err)
		return
	}
	p2, err := k.Sched.CreateProcess("test_process_2", 1)
	if err != nil {
		klog.Error(err)
		return
	}
	kfmt.Printf("created processes with PIDs: %d, %d\n", p1.ID, p2.ID)
	kfmt.Printf("kewveOs initialization complete!\n")

	for i := 0; i < DemoSwitches; i++ {
		if next, ok := k.Sched.Yield(); ok {
			kfmt.Printf("switched to process %d (%s)\n", next.ID, next.Name())
		}
		k.Sched.Delay(DemoDelayTicks)
	}

	k.Sched.PrintProcessTable()
}

// Idle halts the CPU until the next interrupt, forever.
func (k *Kernel) Idle() {
	for {
		haltFn()
	}
}
