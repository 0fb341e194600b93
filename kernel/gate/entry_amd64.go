//go:build kernel

package gate

// gateEntryAddr returns the address of the entry stub for vector n. It is
// implemented in assembly and only valid for n < RoutableVectors.
func gateEntryAddr(n InterruptNumber) uintptr
