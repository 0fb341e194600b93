// Package gate owns the interrupt descriptor table (IDT) and routes the
// interrupts and exceptions raised by the CPU to Go handlers.
//
// An architecture-specific entry stub exists for every routable vector. The
// stub captures the register state into a Registers value and invokes the
// dispatcher of the installed Table, which in turn calls the handler that was
// registered for the vector.
package gate

import (
	"encoding/binary"
	"io"
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

// Registers contains a snapshot of all register values when an exception or
// interrupt occurs.
type Registers struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	RBP uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64

	// Vector is the number of the gate that was entered.
	Vector uint64

	// Info contains the error code for exceptions that push one and 0
	// for everything else.
	Info uint64

	// The return frame used by IRETQ
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// DumpTo outputs the register contents to w.
func (r *Registers) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "RAX = %16x RBX = %16x\n", r.RAX, r.RBX)
	kfmt.Fprintf(w, "RCX = %16x RDX = %16x\n", r.RCX, r.RDX)
	kfmt.Fprintf(w, "RSI = %16x RDI = %16x\n", r.RSI, r.RDI)
	kfmt.Fprintf(w, "RBP = %16x\n", r.RBP)
	kfmt.Fprintf(w, "R8  = %16x R9  = %16x\n", r.R8, r.R9)
	kfmt.Fprintf(w, "R10 = %16x R11 = %16x\n", r.R10, r.R11)
	kfmt.Fprintf(w, "R12 = %16x R13 = %16x\n", r.R12, r.R13)
	kfmt.Fprintf(w, "R14 = %16x R15 = %16x\n", r.R14, r.R15)
	kfmt.Fprintf(w, "\n")
	kfmt.Fprintf(w, "VEC = %16x ERR = %16x\n", r.Vector, r.Info)
	kfmt.Fprintf(w, "RIP = %16x CS  = %16x\n", r.RIP, r.CS)
	kfmt.Fprintf(w, "RSP = %16x SS  = %16x\n", r.RSP, r.SS)
	kfmt.Fprintf(w, "RFL = %16x\n", r.RFlags)
}

// InterruptNumber describes an x86 interrupt/exception/trap slot.
type InterruptNumber uint8

const (
	// DivideByZero occurs when dividing any number by 0 using the DIV or
	// IDIV instruction.
	DivideByZero = InterruptNumber(0)

	// Debug is raised by the debug registers and single-step mode.
	Debug = InterruptNumber(1)

	// NMI (non-maskable-interrupt) is a hardware interrupt that indicates
	// issues with RAM or unrecoverable hardware problems. It may also be
	// raised by the CPU when a watchdog timer is enabled.
	NMI = InterruptNumber(2)

	// Breakpoint is raised by the INT3 instruction.
	Breakpoint = InterruptNumber(3)

	// Overflow occurs when an overflow occurs (e.g result of division
	// cannot fit into the registers used).
	Overflow = InterruptNumber(4)

	// BoundRangeExceeded occurs when the BOUND instruction is invoked with
	// an index out of range.
	BoundRangeExceeded = InterruptNumber(5)

	// InvalidOpcode occurs when the CPU attempts to execute an invalid or
	// undefined instruction opcode.
	InvalidOpcode = InterruptNumber(6)

	// DeviceNotAvailable occurs when the CPU attempts to execute an
	// FPU/MMX/SSE instruction while no FPU is available or while
	// FPU/MMX/SSE support has been disabled by manipulating the CR0
	// register.
	DeviceNotAvailable = InterruptNumber(7)

	// DoubleFault occurs when an unhandled exception occurs or when an
	// exception occurs within a running exception handler.
	DoubleFault = InterruptNumber(8)

	// InvalidTSS occurs when the TSS points to an invalid task segment
	// selector.
	InvalidTSS = InterruptNumber(10)

	// SegmentNotPresent occurs when the CPU attempts to invoke a present
	// gate with an invalid stack segment selector.
	SegmentNotPresent = InterruptNumber(11)

	// StackSegmentFault occurs when attempting to push/pop from a
	// non-canonical stack address or when the stack base/limit (set in
	// GDT) checks fail.
	StackSegmentFault = InterruptNumber(12)

	// GPFException occurs when a general protection fault occurs.
	GPFException = InterruptNumber(13)

	// PageFaultException occurs when a page directory table (PDT) or one
	// of its entries is not present or when a privilege and/or RW
	// protection check fails.
	PageFaultException = InterruptNumber(14)

	// FloatingPointException occurs while invoking an FP instruction while:
	//  - CR0.NE = 1 OR
	//  - an unmasked FP exception is pending
	FloatingPointException = InterruptNumber(16)

	// AlignmentCheck occurs when alignment checks are enabled and an
	// unaligned memory access is performed.
	AlignmentCheck = InterruptNumber(17)

	// MachineCheck occurs when the CPU detects internal errors such as
	// memory-, bus- or cache-related errors.
	MachineCheck = InterruptNumber(18)

	// SIMDFloatingPointException occurs when an unmasked SSE exception
	// occurs while CR4.OSXMMEXCPT is set to 1. If the OSXMMEXCPT bit is
	// not set, SIMD FP exceptions cause InvalidOpcode exceptions instead.
	SIMDFloatingPointException = InterruptNumber(19)

	// ControlProtection is raised by CET shadow stack violations.
	ControlProtection = InterruptNumber(21)

	// SecurityException is raised by AMD SVM.
	SecurityException = InterruptNumber(30)

	// ExceptionCount is the number of vectors reserved for CPU exceptions.
	ExceptionCount = 32
)

// HasErrorCode returns true if the CPU pushes an error code when raising
// exception n.
func HasErrorCode(n InterruptNumber) bool {
	switch n {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GPFException, PageFaultException, AlignmentCheck, ControlProtection,
		InterruptNumber(29), SecurityException:
		return true
	}
	return false
}

// Handler is invoked with the register snapshot of an interrupted context.
// Any changes a handler makes to the registers are restored by the entry
// stub when the handler returns.
type Handler func(*Registers)

const (
	// EntryCount is the number of IDT slots.
	EntryCount = 256

	// RoutableVectors is the number of vectors that have an entry stub:
	// the CPU exceptions followed by the 16 lines of the chained PICs when
	// remapped right after them.
	RoutableVectors = ExceptionCount + 16

	// maxIST is the highest interrupt stack table index.
	maxIST = 7

	kernelCodeSelector = 0x08

	// gateTypeInterrupt marks a present, DPL0, 64-bit interrupt gate.
	gateTypeInterrupt = 0x8e
	gatePresent       = 0x80

	idtrSize = 10
)

// Descriptor is a 16-byte IDT gate descriptor.
type Descriptor struct {
	OffsetLow  uint16
	Selector   uint16
	IST        uint8
	TypeAttr   uint8
	OffsetMid  uint16
	OffsetHigh uint32
	reserved   uint32
}

// NewDescriptor returns a present interrupt gate descriptor that points to
// the entry stub at addr and switches to IST slot ist (0 = no stack switch).
func NewDescriptor(addr uintptr, ist uint8) Descriptor {
	return Descriptor{
		OffsetLow:  uint16(addr),
		Selector:   kernelCodeSelector,
		IST:        ist & maxIST,
		TypeAttr:   gateTypeInterrupt,
		OffsetMid:  uint16(addr >> 16),
		OffsetHigh: uint32(addr >> 32),
	}
}

// Offset returns the entry point address encoded in the descriptor.
func (d Descriptor) Offset() uintptr {
	return uintptr(d.OffsetHigh)<<32 | uintptr(d.OffsetMid)<<16 | uintptr(d.OffsetLow)
}

// Present returns true if the present bit of the descriptor is set.
func (d Descriptor) Present() bool {
	return d.TypeAttr&gatePresent != 0
}

var (
	// loadIDTFn is used by tests to override calls to cpu.LoadIDT which
	// will fault if called in user-mode.
	loadIDTFn = cpu.LoadIDT

	// entryAddrFn returns the address of the entry stub for a vector.
	entryAddrFn = gateEntryAddr

	panicFn = kfmt.Panic

	// active is the table whose dispatcher is called by the entry stubs.
	active *Table

	errAlreadyInstalled   = &kernel.Error{Module: "gate", Message: "interrupt table already installed", Kind: kernel.KindInvariant}
	errTableSealed        = &kernel.Error{Module: "gate", Message: "interrupt table cannot be modified after it is installed", Kind: kernel.KindInvariant}
	errNilHandler         = &kernel.Error{Module: "gate", Message: "nil interrupt handler", Kind: kernel.KindInvariant}
	errNoEntryStub        = &kernel.Error{Module: "gate", Message: "no entry stub for interrupt vector", Kind: kernel.KindConfig}
	errInvalidIST         = &kernel.Error{Module: "gate", Message: "interrupt stack table index out of range", Kind: kernel.KindConfig}
	errUnhandledInterrupt = &kernel.Error{Module: "gate", Message: "unhandled interrupt", Kind: kernel.KindFault}
	errNoActiveTable      = &kernel.Error{Module: "gate", Message: "interrupt raised before the interrupt table was installed", Kind: kernel.KindFault}
)

// Table is the interrupt descriptor table together with the Go handler of
// each entry. A table is populated via HandleInterrupt and becomes read-only
// once Install loads it into the CPU.
type Table struct {
	mutex sync.IRQSpinlock

	entries  [EntryCount]Descriptor
	handlers [EntryCount]Handler

	// idtr holds the 10-byte operand of the LIDT instruction.
	idtr [idtrSize]byte

	installed bool
}

// HandleInterrupt binds handler to interrupt n. The value of the ist
// argument specifies the offset in the interrupt stack table (if 0 then IST
// is not used).
func (t *Table) HandleInterrupt(n InterruptNumber, ist uint8, handler Handler) *kernel.Error {
	if handler == nil {
		return errNilHandler
	}
	if ist > maxIST {
		return errInvalidIST
	}
	if n >= RoutableVectors {
		return errNoEntryStub
	}

	t.mutex.Acquire()
	defer t.mutex.Release()

	if t.installed {
		return errTableSealed
	}

	t.entries[n] = NewDescriptor(entryAddrFn(n), ist)
	t.handlers[n] = handler
	return nil
}

// Install loads the table into the CPU and makes it the target of all entry
// stubs. Install may only be called once per table and must be called with
// interrupts disabled.
func (t *Table) Install() *kernel.Error {
	t.mutex.Acquire()
	defer t.mutex.Release()

	if t.installed {
		return errAlreadyInstalled
	}

	binary.LittleEndian.PutUint16(t.idtr[0:], uint16(unsafe.Sizeof(t.entries)-1))
	binary.LittleEndian.PutUint64(t.idtr[2:], uint64(uintptr(unsafe.Pointer(&t.entries[0]))))

	t.installed = true
	active = t
	loadIDTFn(uintptr(unsafe.Pointer(&t.idtr[0])))
	return nil
}

// Installed returns true if the table has been loaded into the CPU.
func (t *Table) Installed() bool {
	t.mutex.Acquire()
	defer t.mutex.Release()
	return t.installed
}

// Present returns true if a handler is bound to interrupt n.
func (t *Table) Present(n InterruptNumber) bool {
	return t.entries[n].Present()
}

// Entry returns a copy of the descriptor for interrupt n.
func (t *Table) Entry(n InterruptNumber) Descriptor {
	return t.entries[n]
}

// Dispatch invokes the handler bound to the vector recorded in regs. Entering
// a gate without a handler is fatal.
func (t *Table) Dispatch(regs *Registers) {
	n := uint8(regs.Vector)
	if handler := t.handlers[n]; handler != nil {
		handler(regs)
		return
	}

	w := kfmt.GetOutputSink()
	kfmt.Fprintf(w, "\nunhandled interrupt %d\n", n)
	regs.DumpTo(w)
	panicFn(errUnhandledInterrupt)
}

// dispatch is called by the entry stubs.
func dispatch(regs *Registers) {
	if active == nil {
		panicFn(errNoActiveTable)
		return
	}
	active.Dispatch(regs)
}
