// Package irq installs the kernel's interrupt and exception handlers.
//
// Breakpoints are logged and execution resumes. Every other CPU exception is
// fatal: the handler reports the processor state to the console and the
// diagnostic channel and halts the machine. Hardware interrupts delivered by
// the chained PICs are forwarded to the owning collaborator and then
// acknowledged exactly once.
package irq

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/gate"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/klog"
	"github.com/southwarridev/kewveOs/kernel/mm/vmm"
)

const (
	// TimerLine and KeyboardLine are the PIC lines of the PIT and the PS/2
	// keyboard controller.
	TimerLine    = 0
	KeyboardLine = 1

	picLines = 16

	// keyboardDataPort holds the scancode of a pending keyboard event.
	keyboardDataPort = 0x60
)

var (
	// The following functions are mocked by tests.
	readCR2Fn      = cpu.ReadCR2
	portReadByteFn = cpu.PortReadByte
	panicFn        = kfmt.Panic

	errNoTable      = &kernel.Error{Module: "irq", Message: "no interrupt table supplied", Kind: kernel.KindConfig}
	errNoController = &kernel.Error{Module: "irq", Message: "no interrupt controller supplied", Kind: kernel.KindConfig}

	errDivideError = &kernel.Error{Module: "irq", Message: "divide error", Kind: kernel.KindFault}
	errGPF         = &kernel.Error{Module: "irq", Message: "general protection fault", Kind: kernel.KindFault}
	errPageFault   = &kernel.Error{Module: "irq", Message: "page fault", Kind: kernel.KindFault}
	errCPUFault    = &kernel.Error{Module: "irq", Message: "unrecoverable CPU exception", Kind: kernel.KindFault}

	exceptionNames = [gate.ExceptionCount]string{
		"divide error", "debug", "NMI", "breakpoint", "overflow",
		"bound range exceeded", "invalid opcode", "device not available",
		"double fault", "coprocessor segment overrun", "invalid TSS",
		"segment not present", "stack segment fault", "general protection fault",
		"page fault", "reserved", "x87 floating point", "alignment check",
		"machine check", "SIMD floating point", "virtualization",
		"control protection", "reserved", "reserved", "reserved", "reserved",
		"reserved", "reserved", "hypervisor injection", "VMM communication",
		"security", "reserved",
	}
)

// Controller is the part of the interrupt controller bridge used by the IRQ
// handlers.
type Controller interface {
	// Vector returns the vector that IRQ line irq is delivered on.
	Vector(irq uint8) (uint8, *kernel.Error)

	// NotifyEndOfInterrupt acknowledges the interrupt delivered on the
	// supplied vector.
	NotifyEndOfInterrupt(intNumber uint8)

	// CheckSpurious reports whether the interrupt delivered on the
	// supplied vector was spurious and must not be acknowledged.
	CheckSpurious(intNumber uint8) bool
}

// Config lists the collaborators of the handler set.
type Config struct {
	Table      *gate.Table
	Controller Controller

	// OnTimerTick is invoked for every PIT interrupt.
	OnTimerTick func()

	// OnKeyboard is invoked with the raw scancode of every keyboard
	// controller interrupt.
	OnKeyboard func(raw uint8)
}

// Stats contains the interrupt delivery counters.
type Stats struct {
	// Delivered counts deliveries per vector.
	Delivered [gate.RoutableVectors]uint64

	// Spurious counts spurious IRQ7/IRQ15 deliveries.
	Spurious uint64

	// Unexpected counts interrupts on PIC lines without a collaborator.
	Unexpected uint64

	Breakpoints uint64
}

// Handlers is the installed handler set.
type Handlers struct {
	cfg   Config
	stats Stats
}

// Install binds handlers for every CPU exception and every PIC line to the
// interrupt table and then loads the table into the CPU. Install must be
// called with interrupts disabled.
func Install(cfg Config) (*Handlers, *kernel.Error) {
	if cfg.Table == nil {
		return nil, errNoTable
	}
	if cfg.Controller == nil {
		return nil, errNoController
	}

	h := &Handlers{cfg: cfg}

	for n := gate.InterruptNumber(0); n < gate.ExceptionCount; n++ {
		handler := h.fatalHandler(errCPUFault)
		switch n {
		case gate.DivideByZero:
			handler = h.fatalHandler(errDivideError)
		case gate.Breakpoint:
			handler = h.breakpointHandler
		case gate.GPFException:
			handler = h.fatalHandler(errGPF)
		case gate.PageFaultException:
			handler = h.pageFaultHandler
		}

		if err := cfg.Table.HandleInterrupt(n, 0, handler); err != nil {
			return nil, err
		}
	}

	for line := uint8(0); line < picLines; line++ {
		vec, err := cfg.Controller.Vector(line)
		if err != nil {
			return nil, err
		}

		if err = cfg.Table.HandleInterrupt(gate.InterruptNumber(vec), 0, h.irqHandler(line)); err != nil {
			return nil, err
		}
	}

	if err := cfg.Table.Install(); err != nil {
		return nil, err
	}

	return h, nil
}

// Stats returns a snapshot of the delivery counters.
func (h *Handlers) Stats() Stats {
	var s Stats
	for n := range s.Delivered {
		s.Delivered[n] = atomic.LoadUint64(&h.stats.Delivered[n])
	}
	s.Spurious = atomic.LoadUint64(&h.stats.Spurious)
	s.Unexpected = atomic.LoadUint64(&h.stats.Unexpected)
	s.Breakpoints = atomic.LoadUint64(&h.stats.Breakpoints)
	return s
}

func (h *Handlers) countDelivery(regs *gate.Registers) {
	if regs.Vector < gate.RoutableVectors {
		atomic.AddUint64(&h.stats.Delivered[regs.Vector], 1)
	}
}

func (h *Handlers) irqHandler(line uint8) gate.Handler {
	return func(regs *gate.Registers) {
		h.countDelivery(regs)
		vec := uint8(regs.Vector)

		if line%8 == 7 && h.cfg.Controller.CheckSpurious(vec) {
			atomic.AddUint64(&h.stats.Spurious, 1)
			return
		}

		switch {
		case line == TimerLine && h.cfg.OnTimerTick != nil:
			h.cfg.OnTimerTick()
		case line == KeyboardLine:
			// the controller raises no further IRQs until the byte is read
			raw := portReadByteFn(keyboardDataPort)
			if h.cfg.OnKeyboard != nil {
				h.cfg.OnKeyboard(raw)
			} else {
				atomic.AddUint64(&h.stats.Unexpected, 1)
			}
		default:
			atomic.AddUint64(&h.stats.Unexpected, 1)
		}

		h.cfg.Controller.NotifyEndOfInterrupt(vec)
	}
}

func (h *Handlers) breakpointHandler(regs *gate.Registers) {
	h.countDelivery(regs)
	atomic.AddUint64(&h.stats.Breakpoints, 1)

	kfmt.Printf("\nbreakpoint at RIP 0x%x\n", regs.RIP)
	klog.Module("irq").WithField("rip", regs.RIP).Warn("breakpoint")
}

func (h *Handlers) pageFaultHandler(regs *gate.Registers) {
	h.countDelivery(regs)

	faultAddr := readCR2Fn()
	reason := vmm.PageFaultReason(regs.Info)

	kfmt.Printf("\npage fault while accessing address: 0x%16x\nreason: %s\n", faultAddr, reason)
	reportFault(regs, errPageFault, logrus.Fields{
		"cr2":    faultAddr,
		"reason": reason,
	})
}

func (h *Handlers) fatalHandler(err *kernel.Error) gate.Handler {
	return func(regs *gate.Registers) {
		h.countDelivery(regs)
		reportFault(regs, err, nil)
	}
}

// reportFault writes the fault details and the register dump to the console
// and the diagnostic channel and halts.
func reportFault(regs *gate.Registers, err *kernel.Error, extra logrus.Fields) {
	name := "unknown"
	if regs.Vector < gate.ExceptionCount {
		name = exceptionNames[regs.Vector]
	}

	kfmt.Printf("\nunrecoverable %s exception (vector %d) at RIP 0x%x, error code 0x%x\n", name, regs.Vector, regs.RIP, regs.Info)
	kfmt.Printf("registers:\n")
	regs.DumpTo(kfmt.GetOutputSink())

	entry := klog.Module("irq").WithFields(registerFields(regs)).WithFields(logrus.Fields{
		"vector":     regs.Vector,
		"exception":  name,
		"error_code": regs.Info,
	})
	if extra != nil {
		entry = entry.WithFields(extra)
	}
	entry.Error(err.Message)

	panicFn(err)
}

func registerFields(regs *gate.Registers) logrus.Fields {
	return logrus.Fields{
		"rax": regs.RAX, "rbx": regs.RBX, "rcx": regs.RCX, "rdx": regs.RDX,
		"rsi": regs.RSI, "rdi": regs.RDI, "rbp": regs.RBP,
		"r8": regs.R8, "r9": regs.R9, "r10": regs.R10, "r11": regs.R11,
		"r12": regs.R12, "r13": regs.R13, "r14": regs.R14, "r15": regs.R15,
		"rip": regs.RIP, "cs": regs.CS, "rflags": regs.RFlags,
		"rsp": regs.RSP, "ss": regs.SS,
	}
}
