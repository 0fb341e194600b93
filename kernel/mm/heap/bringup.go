package heap

import (
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/klog"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/mm/vmm"
)

const (
	// DefaultStart is the virtual address where the kernel heap begins.
	DefaultStart = uintptr(0x4444_4444_0000)

	// DefaultSize is the default kernel heap size.
	DefaultSize = uintptr(mm.Mb)

	// canonicalLimit is the first address outside the lower half of the
	// canonical 48-bit address space.
	canonicalLimit = uintptr(0x0000_8000_0000_0000)

	selfTestLen = 100
)

var (
	errHeapConfig         = &kernel.Error{Module: "heap", Message: "heap start and size must be non-zero, page aligned and within the lower canonical half", Kind: kernel.KindConfig}
	errHeapInitFailed     = &kernel.Error{Module: "heap", Message: "heap self-test failed", Kind: kernel.KindInvariant}
	errHeapAlreadyStarted = &kernel.Error{Module: "heap", Message: "heap already brought up", Kind: kernel.KindInvariant}
)

// Config describes the virtual region reserved for the kernel heap.
type Config struct {
	Start uintptr
	Size  uintptr
}

// DefaultConfig returns the default heap placement.
func DefaultConfig() Config {
	return Config{Start: DefaultStart, Size: DefaultSize}
}

// Validate checks that the region can be backed by whole pages.
func (c Config) Validate() *kernel.Error {
	switch {
	case c.Start == 0 || c.Size == 0:
		return errHeapConfig
	case !mm.IsPageAligned(c.Start) || !mm.IsPageAligned(c.Size):
		return errHeapConfig
	case c.Start+c.Size < c.Start || c.Start+c.Size > canonicalLimit:
		return errHeapConfig
	}
	return nil
}

// RegionMapper backs a virtual region with freshly allocated frames.
type RegionMapper interface {
	MapRegion(start, size uintptr, flags vmm.PageTableEntryFlag) (int, *kernel.Error)
}

// BringUp maps every page of the heap region, hands the region to h and runs
// the allocator self-test. If any page cannot be mapped the heap is left
// uninitialized and the mapping error is returned.
func BringUp(cfg Config, mapper RegionMapper, h *Heap) *kernel.Error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if h.head != 0 {
		return errHeapAlreadyStarted
	}

	logger := klog.Module("heap")

	mapped, err := mapper.MapRegion(cfg.Start, cfg.Size, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		logger.WithField("mapped_pages", mapped).Errorf("mapping heap region failed: %s", err.Message)
		return err
	}

	if err = h.Init(cfg.Start, cfg.Size); err != nil {
		return err
	}

	if err = SelfTest(h); err != nil {
		return err
	}

	logger.WithField("pages", mapped).Infof("heap online at 0x%x (%d bytes)", cfg.Start, cfg.Size)
	return nil
}

// SelfTest verifies the allocator by storing and reading back a scalar and a
// 100 element sequence. Both blocks are released before returning. Any
// failure, including a failed allocation, is reported as errHeapInitFailed;
// the allocator error is logged.
func SelfTest(h *Heap) *kernel.Error {
	scalarAddr, err := h.Alloc(unsafe.Sizeof(uint64(0)), unsafe.Alignof(uint64(0)))
	if err != nil {
		klog.Error(err)
		return errHeapInitFailed
	}

	scalar := (*uint64)(unsafe.Pointer(scalarAddr))
	*scalar = 42
	ok := *scalar == 42

	seqAddr, err := h.Alloc(selfTestLen*unsafe.Sizeof(uint64(0)), unsafe.Alignof(uint64(0)))
	if err != nil {
		klog.Error(err)
		_ = h.Free(scalarAddr)
		return errHeapInitFailed
	}

	seq := unsafe.Slice((*uint64)(unsafe.Pointer(seqAddr)), selfTestLen)
	for i := range seq {
		seq[i] = uint64(i)
	}
	ok = ok && len(seq) == selfTestLen && seq[selfTestLen-1] == selfTestLen-1

	_ = h.Free(seqAddr)
	_ = h.Free(scalarAddr)

	if !ok {
		return errHeapInitFailed
	}
	return nil
}
