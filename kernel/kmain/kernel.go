// Package kmain contains the kernel entrypoint and the boot sequence that
// brings every subsystem online.
package kmain

import (
	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/device/keyboard"
	"github.com/southwarridev/kewveOs/device/timer"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/gate"
	"github.com/southwarridev/kewveOs/kernel/hal"
	"github.com/southwarridev/kewveOs/kernel/hal/multiboot"
	"github.com/southwarridev/kewveOs/kernel/irq"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/klog"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/mm/heap"
	"github.com/southwarridev/kewveOs/kernel/mm/pmm"
	"github.com/southwarridev/kewveOs/kernel/mm/vmm"
	"github.com/southwarridev/kewveOs/kernel/pic"
	"github.com/southwarridev/kewveOs/kernel/sched"

	// Drivers register themselves with the device package.
	_ "github.com/southwarridev/kewveOs/device/serial"
	_ "github.com/southwarridev/kewveOs/device/vgatext"
)

const (
	// PrimaryPICOffset and SecondaryPICOffset place the 16 PIC lines right
	// after the CPU exceptions.
	PrimaryPICOffset   = 32
	SecondaryPICOffset = PrimaryPICOffset + pic.LinesPerChip
)

// Stage identifies a step of the boot sequence.
type Stage uint8

// The boot stages in execution order.
const (
	StageNone Stage = iota
	StageConfig
	StageMemory
	StageInterrupts
	StagePIC
	StageDrivers
	StageScheduler
	StageEnableInterrupts
	StageDone
)

var stageNames = [...]string{
	"none", "config", "memory", "interrupts", "pic", "drivers", "scheduler", "enable-interrupts", "done",
}

// String returns the stage name.
func (s Stage) String() string {
	if int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}

var (
	// The following functions are mocked by tests.
	activePDTFn         = cpu.ActivePDT
	switchPDTFn         = cpu.SwitchPDT
	enableInterruptsFn  = cpu.EnableInterrupts
	disableInterruptsFn = cpu.DisableInterrupts

	errNoTimer     = &kernel.Error{Module: "kmain", Message: "no timer device available", Kind: kernel.KindConfig}
	errNoMemoryMap = &kernel.Error{Module: "kmain", Message: "boot info carries no memory map", Kind: kernel.KindConfig}
)

// BootInfo is everything the loader hands over to the kernel.
type BootInfo struct {
	MemoryMap  multiboot.MemoryMap
	CmdLine    string
	LoaderName string

	// KernelStart and KernelEnd delimit the physical kernel image.
	KernelStart, KernelEnd uintptr

	// PhysOffset is the address where physical memory is visible.
	PhysOffset uintptr

	// Headless is set by platforms without a VGA text buffer.
	Headless bool
}

// Kernel owns the state of every subsystem.
type Kernel struct {
	Config   hal.Config
	Platform hal.Platform

	Frames pmm.BootMemAllocator
	Mapper vmm.Mapper
	Heap   heap.Heap

	IDT  gate.Table
	PICs *pic.ChainedPICs
	IRQ  *irq.Handlers

	Drivers  []device.Driver
	Timer    *timer.PIT
	Keyboard *keyboard.Keyboard

	Sched *sched.Scheduler

	stage Stage
}

// Stage returns the stage that is running or that failed; StageDone once
// the kernel is fully up.
func (k *Kernel) Stage() Stage {
	return k.stage
}

// Boot runs the boot stages in order and stops at the first failure. The
// returned error is the one reported by the failing component and the
// failing stage is available via Stage.
func (k *Kernel) Boot(info *BootInfo) *kernel.Error {
	steps := [...]struct {
		stage Stage
		fn    func(*BootInfo) *kernel.Error
	}{
		{StageConfig, k.setupConfig},
		{StageMemory, k.setupMemory},
		{StageInterrupts, k.setupInterrupts},
		{StagePIC, k.setupPIC},
		{StageDrivers, k.setupDrivers},
		{StageScheduler, k.setupScheduler},
		{StageEnableInterrupts, k.enableInterrupts},
	}

	for _, step := range steps {
		k.stage = step.stage
		if err := step.fn(info); err != nil {
			kfmt.Printf("[kmain] boot stage %s failed: [%s] %s\n", step.stage.String(), err.Module, err.Message)
			klog.Module("kmain").WithFields(logrus.Fields{
				"stage":        step.stage.String(),
				"error_module": err.Module,
				"kind":         err.Kind.String(),
			}).Error(err.Message)
			return err
		}
	}

	k.stage = StageDone
	kfmt.Printf("[kmain] kewveOs %s is up\n", kernel.Version.String())
	return nil
}

func (k *Kernel) setupConfig(info *BootInfo) *kernel.Error {
	if info.MemoryMap == nil {
		return errNoMemoryMap
	}

	cfg, err := hal.ParseConfig(multiboot.ParseCmdLine(info.CmdLine))
	if err != nil {
		return err
	}
	k.Config = cfg

	k.Platform = hal.DetectPlatform()
	k.Platform.Print(kfmt.GetOutputSink())
	if info.LoaderName != "" {
		kfmt.Printf("[kmain] loaded by %s\n", info.LoaderName)
	}
	return nil
}

func (k *Kernel) setupMemory(info *BootInfo) *kernel.Error {
	if err := k.Frames.Init(info.MemoryMap, info.KernelStart, info.KernelEnd); err != nil {
		return err
	}
	k.Frames.PrintMemoryMap()

	root := mm.FrameFromAddress(activePDTFn())
	if root == 0 {
		// Paging has not been set up by the loader; start from an
		// empty top-level table.
		frame, err := k.Frames.AllocFrame()
		if err != nil {
			return err
		}
		kernel.Memset(info.PhysOffset+frame.Address(), 0, mm.PageSize)
		switchPDTFn(frame.Address())
		root = frame
	}
	k.Mapper.Init(info.PhysOffset, root, k.Frames.AllocFrame)

	if err := heap.BringUp(k.Config.Heap, &k.Mapper, &k.Heap); err != nil {
		return err
	}

	kfmt.Printf("[kmain] heap: %d bytes at 0x%x, %d frames in use\n", k.Config.Heap.Size, k.Config.Heap.Start, k.Frames.AllocCount())
	return nil
}

func (k *Kernel) setupInterrupts(_ *BootInfo) *kernel.Error {
	disableInterruptsFn()

	pics, err := pic.NewChainedPICs(PrimaryPICOffset, SecondaryPICOffset)
	if err != nil {
		return err
	}
	k.PICs = pics

	k.IRQ, err = irq.Install(irq.Config{
		Table:       &k.IDT,
		Controller:  k.PICs,
		OnTimerTick: k.onTimerTick,
		OnKeyboard:  k.onKeyboard,
	})
	return err
}

func (k *Kernel) setupPIC(_ *BootInfo) *kernel.Error {
	k.PICs.Initialize()

	for _, line := range []uint8{irq.TimerLine, irq.KeyboardLine} {
		if err := k.PICs.UnmaskLine(line); err != nil {
			return err
		}
	}

	primary, secondary := k.PICs.Masks()
	kfmt.Printf("[kmain] pic: vectors %d-%d, masks 0x%2x/0x%2x\n", PrimaryPICOffset, SecondaryPICOffset+pic.LinesPerChip-1, primary, secondary)
	return nil
}

func (k *Kernel) setupDrivers(info *BootInfo) *kernel.Error {
	env := device.ProbeEnv{
		PhysOffset:    info.PhysOffset,
		TimerHz:       k.Config.TimerHz,
		SerialEnabled: k.Config.SerialEnabled,
		Headless:      info.Headless,
	}

	k.Drivers = hal.DetectHardware(&env, k.Config.LogLevel)
	for _, drv := range k.Drivers {
		switch d := drv.(type) {
		case *timer.PIT:
			k.Timer = d
		case *keyboard.Keyboard:
			k.Keyboard = d
			d.Echo = hal.ActiveConsole()
		}
	}

	if k.Timer == nil {
		return errNoTimer
	}
	return nil
}

func (k *Kernel) setupScheduler(_ *BootInfo) *kernel.Error {
	s, err := sched.New(&k.Heap, k.Timer.Frequency())
	if err != nil {
		return err
	}

	if _, err = s.CreateProcess("kernel", 0); err != nil {
		return err
	}
	s.Schedule()

	k.Sched = s
	k.Timer.OnTick = s.Tick
	klog.AddHook(klog.TickHook{Ticks: s.Ticks})
	return nil
}

func (k *Kernel) enableInterrupts(_ *BootInfo) *kernel.Error {
	enableInterruptsFn()
	return nil
}

func (k *Kernel) onTimerTick() {
	if k.Timer != nil {
		k.Timer.HandleInterrupt()
	}
}

func (k *Kernel) onKeyboard(raw uint8) {
	if k.Keyboard != nil {
		k.Keyboard.HandleScancode(raw)
	}
}
