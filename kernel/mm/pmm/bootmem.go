// Package pmm implements the physical frame allocator.
package pmm

import (
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/hal/multiboot"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

var (
	errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory", Kind: kernel.KindExhausted}
	errNoMemoryMap          = &kernel.Error{Module: "boot_mem_alloc", Message: "no memory map supplied", Kind: kernel.KindConfig}
	errNoUsableMemory       = &kernel.Error{Module: "boot_mem_alloc", Message: "memory map contains no usable frames", Kind: kernel.KindConfig}
	errRegionOverflow       = &kernel.Error{Module: "boot_mem_alloc", Message: "memory region wraps around the address space", Kind: kernel.KindConfig}
	errRegionOverlap        = &kernel.Error{Module: "boot_mem_alloc", Message: "usable memory region overlaps another region", Kind: kernel.KindConfig}
	errNotInitialized       = &kernel.Error{Module: "boot_mem_alloc", Message: "allocator not initialized", Kind: kernel.KindInvariant}
)

// BootMemAllocator implements a rudimentary physical memory allocator which
// hands out frames from the regions that the boot loader marked as available.
//
// Frames are returned in ascending address order and each frame is returned
// at most once: the allocator only keeps a cursor to the lowest frame that
// has not been considered yet. As a result, it is not possible to free
// allocated frames.
type BootMemAllocator struct {
	mutex sync.IRQSpinlock

	memMap multiboot.MemoryMap

	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// totalFrames is the number of frames that can be allocated.
	totalFrames uint64

	// next is the lowest frame that may be returned by AllocFrame.
	next mm.Frame

	// Keep track of kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr uintptr

	// kernel image frames in [kernelStartFrame, kernelEndFrame).
	kernelStartFrame, kernelEndFrame mm.Frame
}

// usableFrames returns the frames [start, end) that are fully contained in a
// region. Region edges that are not page-aligned are rounded inwards.
func usableFrames(region *multiboot.MemoryMapEntry) (start, end mm.Frame) {
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	start = mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
	end = mm.Frame(((region.PhysAddress + region.Length) & ^pageSizeMinus1) >> mm.PageShift)
	return start, end
}

// Init validates memMap and sets up the allocator state. The memory occupied
// by the kernel image [kernelStart, kernelEnd) is never handed out. Init
// leaves the allocator untouched if the memory map is rejected.
func (alloc *BootMemAllocator) Init(memMap multiboot.MemoryMap, kernelStart, kernelEnd uintptr) *kernel.Error {
	if memMap == nil {
		return errNoMemoryMap
	}

	if err := validateMemoryMap(memMap); err != nil {
		return err
	}

	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	alloc.memMap = memMap
	alloc.allocCount = 0
	alloc.next = 0
	alloc.kernelStartAddr, alloc.kernelEndAddr = kernelStart, kernelEnd
	alloc.kernelStartFrame, alloc.kernelEndFrame = 0, 0
	if kernelEnd > kernelStart {
		alloc.kernelStartFrame = mm.FrameFromAddress(kernelStart)
		alloc.kernelEndFrame = mm.FrameFromAddress(kernelEnd + mm.PageSize - 1)
	}

	alloc.totalFrames = 0
	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start, end := usableFrames(region)
		if start >= end {
			return true
		}

		count := uint64(end - start)
		// subtract any overlap with the kernel image
		lo, hi := max(start, alloc.kernelStartFrame), min(end, alloc.kernelEndFrame)
		if lo < hi {
			count -= uint64(hi - lo)
		}
		alloc.totalFrames += count
		return true
	})

	if alloc.totalFrames == 0 {
		alloc.memMap = nil
		return errNoUsableMemory
	}

	return nil
}

// validateMemoryMap rejects maps whose regions wrap around the address space
// or where a usable region overlaps any other region.
func validateMemoryMap(memMap multiboot.MemoryMap) *kernel.Error {
	var (
		err   *kernel.Error
		index int
	)

	memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.PhysAddress+region.Length < region.PhysAddress {
			err = errRegionOverflow
			return false
		}

		if region.Type != multiboot.MemAvailable || region.Length == 0 {
			index++
			return true
		}

		var (
			aStart, aEnd = region.PhysAddress, region.PhysAddress + region.Length
			otherIndex   int
		)
		memMap.VisitMemRegions(func(other *multiboot.MemoryMapEntry) bool {
			bStart, bEnd := other.PhysAddress, other.PhysAddress+other.Length
			if otherIndex != index && other.Length != 0 && aStart < bEnd && bStart < aEnd {
				err = errRegionOverlap
				return false
			}
			otherIndex++
			return true
		})

		index++
		return err == nil
	})

	return err
}

// AllocFrame reserves the lowest available frame that has not been handed
// out yet. It returns errBootAllocOutOfMemory once every usable frame has
// been allocated.
func (alloc *BootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()

	if alloc.memMap == nil {
		return mm.InvalidFrame, errNotInitialized
	}

	best := mm.InvalidFrame
	alloc.memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		start, end := usableFrames(region)
		candidate := max(alloc.next, start)
		if candidate >= alloc.kernelStartFrame && candidate < alloc.kernelEndFrame {
			candidate = alloc.kernelEndFrame
		}

		if candidate < end && candidate < best {
			best = candidate
		}
		return true
	})

	if !best.Valid() {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.next = best + 1
	alloc.allocCount++
	return best, nil
}

// AllocCount returns the number of frames handed out so far.
func (alloc *BootMemAllocator) AllocCount() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.allocCount
}

// TotalFrames returns the number of frames that the allocator can hand out
// over its lifetime.
func (alloc *BootMemAllocator) TotalFrames() uint64 {
	alloc.mutex.Acquire()
	defer alloc.mutex.Release()
	return alloc.totalFrames
}

// PrintMemoryMap prints out the system's memory map and the allocator
// reservation for the kernel image.
func (alloc *BootMemAllocator) PrintMemoryMap() {
	if alloc.memMap == nil {
		return
	}

	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	alloc.memMap.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d, allocatable frames: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame),
		alloc.totalFrames,
	)
}
