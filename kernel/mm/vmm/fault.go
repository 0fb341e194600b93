package vmm

// PageFaultReason decodes the error code that the CPU pushes for a page
// fault.
func PageFaultReason(errorCode uint64) string {
	switch errorCode {
	case 0:
		return "read from non-present page"
	case 1:
		return "page protection violation (read)"
	case 2:
		return "write to non-present page"
	case 3:
		return "page protection violation (write)"
	case 4:
		return "page-fault in user-mode"
	case 8:
		return "page table has reserved bit set"
	case 16:
		return "instruction fetch"
	default:
		return "unknown"
	}
}
