//go:build linux && !kernel

package hosted

import (
	"fmt"
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel/mm"
	"golang.org/x/sys/unix"
)

const (
	pteAddrMask = uintptr(0x000f_ffff_ffff_f000)
	ptePresent  = uint64(1 << 0)
	pteHuge     = uint64(1 << 7)
	levelBits   = 9
	levelMask   = uintptr(1<<levelBits - 1)
	pagingDepth = 4
	topShift    = 39
)

// MMU emulates address translation for the hosted machine. On every TLB
// flush it walks the 4-level page table hierarchy that lives in RAM and
// aliases the translated frame of the memfd at the flushed virtual address,
// so that kernel code can dereference virtual addresses directly.
type MMU struct {
	ram  *RAM
	root uintptr

	// aliases tracks the frame backing every virtual page the MMU placed.
	aliases map[uintptr]uintptr
}

// NewMMU returns an MMU that translates through page tables stored in ram.
func NewMMU(ram *RAM) *MMU {
	return &MMU{ram: ram, aliases: make(map[uintptr]uintptr)}
}

// Root returns the physical address of the active top-level page table.
func (m *MMU) Root() uintptr {
	return m.root
}

// SetRoot activates a new page table hierarchy and revalidates every alias
// against it.
func (m *MMU) SetRoot(root uintptr) error {
	m.root = root &^ (mm.PageSize - 1)

	var firstErr error
	for virt := range m.aliases {
		if err := m.Flush(virt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Translate walks the active hierarchy and returns the physical address that
// virt maps to.
func (m *MMU) Translate(virt uintptr) (uintptr, bool) {
	if m.root == 0 {
		return 0, false
	}

	table := m.root
	for level := 0; level < pagingDepth; level++ {
		shift := topShift - level*levelBits
		entryAddr := table + ((virt >> shift) & levelMask << 3)
		if !m.ram.Contains(entryAddr, 8) {
			return 0, false
		}

		entry := m.ram.Uint64(entryAddr)
		if entry&ptePresent == 0 || entry&pteHuge != 0 {
			return 0, false
		}
		table = uintptr(entry) & pteAddrMask
	}

	return table | (virt & (mm.PageSize - 1)), true
}

// Flush re-translates the page containing virt. A mapped page is aliased to
// its frame; a page that is no longer mapped loses its alias.
func (m *MMU) Flush(virt uintptr) error {
	page := virt &^ (mm.PageSize - 1)
	phys, ok := m.Translate(page)
	if ok && !m.ram.Contains(phys, mm.PageSize) {
		return fmt.Errorf("hosted: page 0x%x maps frame 0x%x outside of RAM", page, phys)
	}

	cur, aliased := m.aliases[page]
	switch {
	case !ok && aliased:
		delete(m.aliases, page)
		return unix.MunmapPtr(unsafe.Pointer(page), mm.PageSize)
	case !ok, aliased && cur == phys:
		return nil
	}

	flags := unix.MAP_SHARED | unix.MAP_FIXED
	if !aliased {
		// never clobber host mappings that the MMU did not create
		flags = unix.MAP_SHARED | unix.MAP_FIXED_NOREPLACE
	}

	addr, err := unix.MmapPtr(m.ram.fd, int64(phys), unsafe.Pointer(page), mm.PageSize, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return fmt.Errorf("hosted: aliasing page 0x%x: %w", page, err)
	}
	if uintptr(addr) != page {
		_ = unix.MunmapPtr(addr, mm.PageSize)
		return fmt.Errorf("hosted: host refused fixed mapping for page 0x%x", page)
	}

	m.aliases[page] = phys
	return nil
}

// Aliases returns the number of virtual pages currently aliased.
func (m *MMU) Aliases() int {
	return len(m.aliases)
}

// Reset removes every alias.
func (m *MMU) Reset() error {
	var firstErr error
	for page := range m.aliases {
		if err := unix.MunmapPtr(unsafe.Pointer(page), mm.PageSize); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.aliases, page)
	}
	m.root = 0
	return firstErr
}
