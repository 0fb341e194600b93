//go:build linux && !kernel

package hosted

import (
	"fmt"
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel/mm"
	"golang.org/x/sys/unix"
)

// RAM is the physical memory of the emulated machine. It is backed by an
// anonymous memfd so that the MMU can alias any frame at an arbitrary
// virtual address. The whole of RAM is also mapped once in a window that
// starts at Base; physical address p is therefore visible at Base()+p.
type RAM struct {
	fd  int
	mem []byte
}

// NewRAM allocates size bytes of emulated physical memory. The size is
// rounded up to a page multiple.
func NewRAM(size uintptr) (*RAM, error) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)
	if size == 0 {
		return nil, fmt.Errorf("hosted: RAM size must be positive")
	}

	fd, err := unix.MemfdCreate("kewveos-ram", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("hosted: memfd_create: %w", err)
	}

	if err = unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("hosted: sizing RAM: %w", err)
	}

	mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("hosted: mapping RAM window: %w", err)
	}

	return &RAM{fd: fd, mem: mem}, nil
}

// Base returns the host address where physical address 0 is visible.
func (r *RAM) Base() uintptr {
	return uintptr(unsafe.Pointer(&r.mem[0]))
}

// Size returns the amount of emulated physical memory in bytes.
func (r *RAM) Size() uintptr {
	return uintptr(len(r.mem))
}

// Bytes exposes the physical memory window.
func (r *RAM) Bytes() []byte {
	return r.mem
}

// Contains reports whether the n bytes starting at physical address phys
// are backed by RAM.
func (r *RAM) Contains(phys, n uintptr) bool {
	return phys < r.Size() && n <= r.Size()-phys
}

// Uint64 reads the little-endian quad word at physical address phys.
func (r *RAM) Uint64(phys uintptr) uint64 {
	return *(*uint64)(unsafe.Pointer(&r.mem[phys]))
}

// Close releases the memory window and the backing memfd. Aliases created
// by an MMU must be released first.
func (r *RAM) Close() error {
	if r.mem == nil {
		return nil
	}

	err := unix.Munmap(r.mem)
	r.mem = nil
	if cerr := unix.Close(r.fd); err == nil {
		err = cerr
	}
	return err
}
