//go:build !kernel

package cpu

// Machine is implemented by emulated platforms that back the privileged
// instructions of hosted builds. Machine methods are always invoked from the
// goroutine that runs the kernel.
type Machine interface {
	// InterruptFlagChanged is invoked whenever the IF flag is toggled. The
	// machine may deliver pending interrupts synchronously when the flag
	// becomes set.
	InterruptFlagChanged(enabled bool)

	// Halt blocks until an interrupt has been delivered. If interrupts are
	// disabled the machine is expected to stop and never return.
	Halt()

	FlushTLBEntry(virtAddr uintptr)
	SwitchPDT(pdtPhysAddr uintptr)
	ReadCR2() uint64
	LoadIDT(idtrAddr uintptr)
	PortWriteByte(port uint16, val uint8)
	PortReadByte(port uint16) uint8
}

// IdentifyingMachine is optionally implemented by machines that emulate the
// CPUID instruction.
type IdentifyingMachine interface {
	ID(leaf uint32) (uint32, uint32, uint32, uint32)
}

var (
	machine       Machine
	interruptFlag bool
	activePDT     uintptr
)

// AttachMachine routes all privileged operations to m. Passing nil detaches
// the current machine; without a machine every operation is a no-op and port
// reads return 0xff (floating bus).
func AttachMachine(m Machine) {
	machine = m
	interruptFlag = false
	activePDT = 0
}

// EnableInterrupts enables interrupt handling.
func EnableInterrupts() {
	interruptFlag = true
	if machine != nil {
		machine.InterruptFlagChanged(true)
	}
}

// DisableInterrupts disables interrupt handling.
func DisableInterrupts() {
	interruptFlag = false
	if machine != nil {
		machine.InterruptFlagChanged(false)
	}
}

// InterruptsEnabled returns true if interrupt handling is enabled.
func InterruptsEnabled() bool {
	return interruptFlag
}

// Halt stops instruction execution until the next interrupt arrives.
func Halt() {
	if machine != nil {
		machine.Halt()
	}
}

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr) {
	if machine != nil {
		machine.FlushTLBEntry(virtAddr)
	}
}

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr) {
	activePDT = pdtPhysAddr
	if machine != nil {
		machine.SwitchPDT(pdtPhysAddr)
	}
}

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr {
	return activePDT
}

// ReadCR2 returns the address that triggered the last page fault.
func ReadCR2() uint64 {
	if machine != nil {
		return machine.ReadCR2()
	}
	return 0
}

// LoadIDT loads the IDT register with the 10-byte descriptor (limit + base)
// stored at idtrAddr.
func LoadIDT(idtrAddr uintptr) {
	if machine != nil {
		machine.LoadIDT(idtrAddr)
	}
}

// ID returns information about the CPU and its features.
func ID(leaf uint32) (uint32, uint32, uint32, uint32) {
	if im, ok := machine.(IdentifyingMachine); ok {
		return im.ID(leaf)
	}
	return 0, 0, 0, 0
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8) {
	if machine != nil {
		machine.PortWriteByte(port, val)
	}
}

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8 {
	if machine != nil {
		return machine.PortReadByte(port)
	}
	return 0xff
}
