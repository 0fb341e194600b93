// Package multiboot decodes the boot information structure that a
// multiboot2-compliant loader passes to the kernel.
package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the precedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. Each tag starts at a 8-byte aligned address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

// MemRegionVisitor defines a visitor function that gets invoked for each
// memory region. The visitor must return true to continue or false to abort
// the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// MemoryMap is implemented by anything that can enumerate the physical
// memory regions of the machine.
type MemoryMap interface {
	VisitMemRegions(visitor MemRegionVisitor)
}

// Info provides access to a multiboot2 information structure.
type Info struct {
	base uintptr
}

// NewInfo returns an Info for the structure located at ptr.
func NewInfo(ptr uintptr) Info {
	return Info{base: ptr}
}

// VisitMemRegions invokes the supplied visitor for each memory region defined
// by the memory map tag. Entries with an unknown type are reported as
// reserved.
func (i Info) VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := i.findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry MemoryMapEntry
	for ; curPtr < endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry = *(*MemoryMapEntry)(unsafe.Pointer(curPtr))
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = MemReserved
		}

		if !visitor(&entry) {
			return
		}
	}
}

// BootCmdLine returns the raw command line passed to the kernel or an empty
// string if the loader did not supply one.
func (i Info) BootCmdLine() string {
	return i.stringTag(tagBootCmdLine)
}

// BootLoaderName returns the name of the boot loader.
func (i Info) BootLoaderName() string {
	return i.stringTag(tagBootLoaderName)
}

// stringTag returns the NULL-terminated string payload of the specified tag.
// The returned string aliases the multiboot data.
func (i Info) stringTag(t tagType) string {
	curPtr, size := i.findTagByType(t)
	if size <= 1 {
		return ""
	}

	return unsafe.String((*byte)(unsafe.Pointer(curPtr)), size-1)
}

// findTagByType scans the multiboot info data looking for the start of the
// specified tag. It returns a pointer to the tag contents and the content
// length excluding the tag header, or (0, 0) if the tag is not present.
func (i Info) findTagByType(t tagType) (uintptr, uint32) {
	if i.base == 0 {
		return 0, 0
	}

	curPtr := i.base + 8
	for {
		hdr := (*tagHeader)(unsafe.Pointer(curPtr))
		switch {
		case hdr.tagType == tagMbSectionEnd || hdr.size < 8:
			return 0, 0
		case hdr.tagType == t:
			return curPtr + 8, hdr.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr((hdr.size + 7) & ^uint32(7))
	}
}

// RegionList is an in-memory MemoryMap.
type RegionList []MemoryMapEntry

// VisitMemRegions implements MemoryMap.
func (l RegionList) VisitMemRegions(visitor MemRegionVisitor) {
	for i := range l {
		entry := l[i]
		if !visitor(&entry) {
			return
		}
	}
}
