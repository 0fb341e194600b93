// Package heap implements the kernel heap: a best-fit allocator that manages
// a fixed, pre-mapped virtual address range.
package heap

import (
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

const (
	// minAlign is the alignment of every segment and of every block
	// returned by Alloc.
	minAlign = uintptr(16)

	segmentMagic = uint32(0x6b686561) // "khea"
)

// segment is the header that precedes each block of heap memory. Segments
// form a doubly-linked list ordered by address and always start at a
// minAlign boundary.
type segment struct {
	next, prev uintptr

	// size is the total segment size including the header.
	size uintptr

	magic     uint32
	allocated uint32

	// requested is the number of bytes requested by the caller.
	requested uintptr

	// back occupies the word right before the returned block when no
	// alignment padding is needed; otherwise the back pointer is stored
	// in the padding.
	back uintptr
}

const headerSize = unsafe.Sizeof(segment{})

var (
	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "heap not initialized", Kind: kernel.KindInvariant}
	errHeapTooSmall       = &kernel.Error{Module: "heap", Message: "heap region too small", Kind: kernel.KindConfig}
	errHeapMisaligned     = &kernel.Error{Module: "heap", Message: "heap region must be 16-byte aligned", Kind: kernel.KindConfig}
	errInvalidAlignment   = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2 not exceeding the page size", Kind: kernel.KindInvariant}
	errZeroSizedAlloc     = &kernel.Error{Module: "heap", Message: "zero-sized allocation", Kind: kernel.KindInvariant}
	errHeapExhausted      = &kernel.Error{Module: "heap", Message: "out of heap memory", Kind: kernel.KindExhausted}
	errInvalidFree        = &kernel.Error{Module: "heap", Message: "pointer was not returned by Alloc", Kind: kernel.KindInvariant}
	errDoubleFree         = &kernel.Error{Module: "heap", Message: "block already freed", Kind: kernel.KindInvariant}
)

// Stats summarizes the heap state.
type Stats struct {
	TotalBytes   uint64
	UsedBytes    uint64
	FreeBytes    uint64
	LargestFree  uint64
	Segments     uint64
	Allocations  uint64
	Frees        uint64
	FailedAllocs uint64
}

// Heap is a best-fit allocator with block splitting and coalescing on free.
type Heap struct {
	mutex sync.IRQSpinlock

	start, size uintptr
	head        uintptr

	allocCount, freeCount, failedCount uint64
}

func segAt(addr uintptr) *segment {
	return (*segment)(unsafe.Pointer(addr))
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

// Init hands the region [start, start+size) over to the allocator. The
// region must already be mapped and writable.
func (h *Heap) Init(start, size uintptr) *kernel.Error {
	if start&(minAlign-1) != 0 {
		return errHeapMisaligned
	}

	size &^= minAlign - 1
	if size < 2*headerSize {
		return errHeapTooSmall
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	h.start, h.size, h.head = start, size, start
	h.allocCount, h.freeCount, h.failedCount = 0, 0, 0

	kernel.Memset(start, 0, headerSize)
	seg := segAt(start)
	seg.size = size
	seg.magic = segmentMagic
	return nil
}

// Range returns the region managed by the heap.
func (h *Heap) Range() (start, size uintptr) {
	return h.start, h.size
}

// fit returns the address of the block that would be returned if the
// request was served from seg and the total segment size required.
func fit(segAddr, size, align uintptr) (dataAddr, total uintptr) {
	dataAddr = alignUp(segAddr+headerSize, align)
	total = alignUp(dataAddr-segAddr+size, minAlign)
	return dataAddr, total
}

// Alloc reserves size bytes aligned to align (or to 16 bytes if align is
// smaller) and returns the block address.
func (h *Heap) Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if size == 0 {
		return 0, errZeroSizedAlloc
	}
	if align < minAlign {
		align = minAlign
	}
	if align&(align-1) != 0 || align > mm.PageSize {
		return 0, errInvalidAlignment
	}

	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.head == 0 {
		return 0, errHeapNotInitialized
	}

	var (
		best              uintptr
		bestData, bestLen uintptr
		bestDiff          = ^uintptr(0)
	)

	for cur := h.head; cur != 0; cur = segAt(cur).next {
		seg := segAt(cur)
		if seg.allocated != 0 {
			continue
		}

		dataAddr, total := fit(cur, size, align)
		if total < size || total > seg.size {
			continue
		}

		if diff := seg.size - total; diff < bestDiff {
			best, bestData, bestLen, bestDiff = cur, dataAddr, total, diff
			if diff == 0 {
				break
			}
		}
	}

	if best == 0 {
		h.failedCount++
		return 0, errHeapExhausted
	}

	seg := segAt(best)

	// Split the remainder off if it can hold a header and a minimal block.
	if bestDiff >= headerSize+minAlign {
		rest := best + bestLen
		kernel.Memset(rest, 0, headerSize)
		restSeg := segAt(rest)
		restSeg.magic = segmentMagic
		restSeg.size = seg.size - bestLen
		restSeg.prev = best
		restSeg.next = seg.next
		if seg.next != 0 {
			segAt(seg.next).prev = rest
		}

		seg.next = rest
		seg.size = bestLen
	}

	seg.allocated = 1
	seg.requested = size
	*(*uintptr)(unsafe.Pointer(bestData - unsafe.Sizeof(uintptr(0)))) = best

	h.allocCount++
	return bestData, nil
}

// Free releases a block returned by Alloc and merges it with any adjacent
// free segments.
func (h *Heap) Free(ptr uintptr) *kernel.Error {
	h.mutex.Acquire()
	defer h.mutex.Release()

	if h.head == 0 {
		return errHeapNotInitialized
	}

	if ptr < h.start+headerSize || ptr >= h.start+h.size || ptr&(minAlign-1) != 0 {
		return errInvalidFree
	}

	segAddr := *(*uintptr)(unsafe.Pointer(ptr - unsafe.Sizeof(uintptr(0))))
	if segAddr < h.start || segAddr >= ptr || segAt(segAddr).magic != segmentMagic {
		return errInvalidFree
	}

	seg := segAt(segAddr)
	if seg.allocated == 0 {
		return errDoubleFree
	}

	seg.allocated = 0
	seg.requested = 0
	h.freeCount++

	// merge with the following segment
	if next := seg.next; next != 0 && segAt(next).allocated == 0 {
		h.absorbNext(segAddr)
	}

	// merge with the preceding segment
	if prev := seg.prev; prev != 0 && segAt(prev).allocated == 0 {
		h.absorbNext(prev)
	}

	return nil
}

// absorbNext merges the segment following segAddr into it.
func (h *Heap) absorbNext(segAddr uintptr) {
	seg := segAt(segAddr)
	next := segAt(seg.next)

	seg.size += next.size
	seg.next = next.next
	if next.next != 0 {
		segAt(next.next).prev = segAddr
	}

	next.magic = 0
}

// Stats returns a snapshot of the heap usage.
func (h *Heap) Stats() Stats {
	h.mutex.Acquire()
	defer h.mutex.Release()

	s := Stats{
		TotalBytes:   uint64(h.size),
		Allocations:  h.allocCount,
		Frees:        h.freeCount,
		FailedAllocs: h.failedCount,
	}

	for cur := h.head; cur != 0; cur = segAt(cur).next {
		seg := segAt(cur)
		s.Segments++
		if seg.allocated != 0 {
			s.UsedBytes += uint64(seg.size)
			continue
		}

		s.FreeBytes += uint64(seg.size)
		if uint64(seg.size) > s.LargestFree {
			s.LargestFree = uint64(seg.size)
		}
	}

	return s
}
