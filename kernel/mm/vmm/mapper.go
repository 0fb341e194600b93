// Package vmm manages the kernel's virtual address space.
package vmm

import (
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/mm"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ptePtrFn converts the address of a page table entry into a pointer.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported", Kind: kernel.KindInvariant}
	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped", Kind: kernel.KindInvariant}
	errNoFrameAllocator  = &kernel.Error{Module: "vmm", Message: "no frame allocator attached to mapper", Kind: kernel.KindConfig}
	errEmptyRegion       = &kernel.Error{Module: "vmm", Message: "cannot map an empty region", Kind: kernel.KindConfig}
)

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// Mapper edits a 4-level page table hierarchy. Page tables are accessed
// through a window where physical address p is visible at physOffset+p;
// on bare metal the loader identity-maps physical memory so physOffset is 0.
type Mapper struct {
	mutex sync.IRQSpinlock

	physOffset uintptr
	root       mm.Frame
	allocFrame mm.FrameAllocatorFn
}

// Init binds the mapper to the page table hierarchy rooted at root. Missing
// intermediate tables are allocated with allocFn.
func (m *Mapper) Init(physOffset uintptr, root mm.Frame, allocFn mm.FrameAllocatorFn) {
	m.physOffset = physOffset
	m.root = root
	m.allocFrame = allocFn
}

// Root returns the frame that holds the top-level page table.
func (m *Mapper) Root() mm.Frame {
	return m.root
}

// PhysToVirt returns the address where the supplied physical address is
// visible through the physical memory window.
func (m *Mapper) PhysToVirt(physAddr uintptr) uintptr {
	return m.physOffset + physAddr
}

// walk performs a page table walk for the given virtual address. It calls the
// supplied walkFn with the page table entry that corresponds to each page
// table level. If walkFn returns false then the walk is aborted.
func (m *Mapper) walk(virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := m.root
	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := m.physOffset + tableFrame.Address() + (entryIndex << mm.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// Map establishes a mapping between a virtual page and a physical memory
// frame and flushes the TLB entry for the page. Missing page tables are
// allocated and cleared on demand. Map refuses to replace an existing leaf
// mapping.
func (m *Mapper) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	m.mutex.Acquire()
	defer m.mutex.Release()

	if m.allocFrame == nil {
		return errNoFrameAllocator
	}

	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = errPageAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = m.allocFrame(); err != nil {
				return false
			}

			kernel.Memset(m.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)
		}

		return true
	})

	return err
}

// MapRegion backs every page in the inclusive page range that covers
// [start, start+size) with a freshly allocated frame. It stops at the first
// failure and returns the number of pages that were mapped before it.
func (m *Mapper) MapRegion(start, size uintptr, flags PageTableEntryFlag) (int, *kernel.Error) {
	if size == 0 {
		return 0, errEmptyRegion
	}
	if m.allocFrame == nil {
		return 0, errNoFrameAllocator
	}

	var mapped int
	first, last := mm.PageRange(start, size)
	for page := first; page <= last; page++ {
		frame, err := m.allocFrame()
		if err != nil {
			return mapped, err
		}

		if err = m.Map(page, frame, flags); err != nil {
			return mapped, err
		}
		mapped++
	}

	return mapped, nil
}

// Unmap removes a mapping previously installed via a call to Map.
func (m *Mapper) Unmap(page mm.Page) *kernel.Error {
	m.mutex.Acquire()
	defer m.mutex.Release()

	var err *kernel.Error

	m.walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to set the
		// page as non-present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	m.mutex.Acquire()
	defer m.mutex.Release()

	var (
		err   = ErrInvalidMapping
		entry pageTableEntry
	)

	m.walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) || pte.HasFlags(FlagHugePage) {
			return false
		}

		if pteLevel == pageLevels-1 {
			entry, err = *pte, nil
		}
		return true
	})

	if err != nil {
		return 0, err
	}

	return entry.Frame().Address() + PageOffset(virtAddr), nil
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return (virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1))
}
