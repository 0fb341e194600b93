// Package cpu exposes the privileged x86-64 instructions used by the kernel.
//
// When built with the kernel tag the functions are implemented in assembly
// and execute the real instructions. Hosted builds forward them to an
// emulated Machine (see AttachMachine) so the rest of the kernel can run
// unmodified inside a regular process.
package cpu

var (
	cpuidFn = ID
)

const (
	// postPort is the POST diagnostics port. Writing to it takes roughly
	// 1us which is enough for slow devices like the 8259 to settle.
	postPort = 0x80
)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// IOWait performs a write to an unused port so that devices which cannot
// keep up with back-to-back port writes get a chance to process the last one.
func IOWait() {
	PortWriteByte(postPort, 0)
}
