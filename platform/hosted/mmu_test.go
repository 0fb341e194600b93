//go:build linux && !kernel

package hosted

import (
	"testing"
	"unsafe"

	"github.com/southwarridev/kewveOs/kernel/mm"
)

// testVirtBase is far away from the regions used by the Go runtime.
const testVirtBase = uintptr(0x3f00_0000_0000)

// mapPage installs a 4-level translation for virt in ram using the page
// frames that follow root.
func mapPage(t *testing.T, ram *RAM, root, virt, phys uintptr) {
	t.Helper()

	table := root
	for level := 0; level < pagingDepth; level++ {
		shift := topShift - level*levelBits
		entry := table + ((virt >> shift) & levelMask << 3)

		next := phys
		if level != pagingDepth-1 {
			next = root + uintptr(level+1)*mm.PageSize
		}
		*(*uint64)(unsafe.Pointer(&ram.Bytes()[entry])) = uint64(next) | ptePresent | 0x2
		table = next
	}
}

func TestMMUAliasesMappedPages(t *testing.T) {
	ram, err := NewRAM(64 * mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()

	mmu := NewMMU(ram)
	defer mmu.Reset()

	const root, frame = 4 * mm.PageSize, 32 * mm.PageSize
	mapPage(t, ram, root, testVirtBase, frame)

	if _, ok := mmu.Translate(testVirtBase); ok {
		t.Fatal("expected no translation before a root is active")
	}

	if err = mmu.SetRoot(root); err != nil {
		t.Fatal(err)
	}

	phys, ok := mmu.Translate(testVirtBase + 0x123)
	if !ok || phys != frame+0x123 {
		t.Fatalf("expected translation to 0x%x; got 0x%x (%t)", frame+0x123, phys, ok)
	}

	if err = mmu.Flush(testVirtBase); err != nil {
		t.Fatal(err)
	}
	if mmu.Aliases() != 1 {
		t.Fatalf("expected 1 alias; got %d", mmu.Aliases())
	}

	// writes through the alias land in the frame and vice versa
	*(*uint32)(unsafe.Pointer(testVirtBase + 8)) = 0xcafebabe
	if got := *(*uint32)(unsafe.Pointer(&ram.Bytes()[frame+8])); got != 0xcafebabe {
		t.Fatalf("expected the frame to observe the write; got 0x%x", got)
	}
	ram.Bytes()[frame+16] = 0x42
	if got := *(*uint8)(unsafe.Pointer(testVirtBase + 16)); got != 0x42 {
		t.Fatalf("expected the alias to observe the write; got 0x%x", got)
	}

	// flushing again is a no-op
	if err = mmu.Flush(testVirtBase); err != nil {
		t.Fatal(err)
	}

	// clear the leaf entry; the alias must go away
	leafTable := root + 3*mm.PageSize
	leaf := leafTable + ((testVirtBase >> 12) & levelMask << 3)
	*(*uint64)(unsafe.Pointer(&ram.Bytes()[leaf])) = 0
	if err = mmu.Flush(testVirtBase); err != nil {
		t.Fatal(err)
	}
	if mmu.Aliases() != 0 {
		t.Fatalf("expected the alias to be removed; got %d", mmu.Aliases())
	}
}

func TestMMURejectsFramesOutsideRAM(t *testing.T) {
	ram, err := NewRAM(16 * mm.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ram.Close()

	mmu := NewMMU(ram)
	defer mmu.Reset()

	const root = 4 * mm.PageSize
	mapPage(t, ram, root, testVirtBase, 1024*mm.PageSize)
	if err = mmu.SetRoot(root); err != nil {
		t.Fatal(err)
	}

	if err = mmu.Flush(testVirtBase); err == nil {
		t.Fatal("expected an error for a frame beyond the end of RAM")
	}
}

func TestNewRAM(t *testing.T) {
	if _, err := NewRAM(0); err == nil {
		t.Fatal("expected an error for an empty RAM")
	}

	ram, err := NewRAM(mm.PageSize + 1)
	if err != nil {
		t.Fatal(err)
	}

	if got := ram.Size(); got != 2*mm.PageSize {
		t.Fatalf("expected size to be rounded to 2 pages; got %d", got)
	}
	if !ram.Contains(mm.PageSize, mm.PageSize) || ram.Contains(mm.PageSize, mm.PageSize+1) {
		t.Fatal("unexpected Contains result")
	}

	if err = ram.Close(); err != nil {
		t.Fatal(err)
	}
	if err = ram.Close(); err != nil {
		t.Fatal("expected a second Close to be a no-op")
	}
}
