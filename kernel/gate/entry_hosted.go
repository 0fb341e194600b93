//go:build !kernel

package gate

// hostedEntryBase is where the entry stubs of hosted builds are pretended to
// live. The addresses are never executed; the emulated machine only compares
// them against the descriptors it reads from the loaded table.
const (
	hostedEntryBase = uintptr(0xffff_ffff_fff0_0000)
	hostedEntrySize = uintptr(16)
)

func gateEntryAddr(n InterruptNumber) uintptr {
	return hostedEntryBase + uintptr(n)*hostedEntrySize
}

// EntryVector returns the vector whose entry stub lives at addr. The second
// result is false if addr is not an entry stub address.
func EntryVector(addr uintptr) (InterruptNumber, bool) {
	if addr < hostedEntryBase || (addr-hostedEntryBase)%hostedEntrySize != 0 {
		return 0, false
	}

	n := (addr - hostedEntryBase) / hostedEntrySize
	if n >= RoutableVectors {
		return 0, false
	}
	return InterruptNumber(n), true
}

// Deliver emulates the CPU entering the gate recorded in regs.Vector: it
// runs the dispatcher of the installed table on the calling goroutine.
func Deliver(regs *Registers) {
	dispatch(regs)
}
