//go:build linux && !kernel

package hosted

import (
	"fmt"

	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/hal/multiboot"
	"github.com/southwarridev/kewveOs/kernel/kmain"
)

const (
	// LoaderName is reported to the kernel as the boot loader name.
	LoaderName = "kewveos-hosted"

	// MinRAMSize is the smallest amount of RAM the machine boots with.
	MinRAMSize = 2 * extMemStart

	bootInfoAddr = 0x8000
	lowMemEnd    = 0x9fc00
	extMemStart  = 0x100000
)

// MemoryMap returns the firmware memory map of the machine: conventional
// memory below the EBDA, the reserved legacy hole and extended memory from
// 1MiB up to the end of RAM.
func (m *Machine) MemoryMap() []multiboot.MemoryMapEntry {
	return []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: lowMemEnd, Type: multiboot.MemAvailable},
		{PhysAddress: lowMemEnd, Length: extMemStart - lowMemEnd, Type: multiboot.MemReserved},
		{PhysAddress: extMemStart, Length: uint64(m.ram.Size()) - extMemStart, Type: multiboot.MemAvailable},
	}
}

// Start attaches the machine to the cpu package and boots k on a new
// goroutine, the way a loader would: the multiboot information is placed in
// conventional memory and the first megabyte is reported as the kernel
// image. The returned channel is closed when the kernel goroutine exits.
func (m *Machine) Start(k *kmain.Kernel, cmdLine string) (<-chan struct{}, error) {
	if m.ram.Size() < MinRAMSize {
		return nil, fmt.Errorf("hosted: at least %d bytes of RAM are required; got %d", MinRAMSize, m.ram.Size())
	}

	payload := multiboot.Encode(m.MemoryMap(), cmdLine, LoaderName)
	if bootInfoAddr+len(payload) > lowMemEnd {
		return nil, fmt.Errorf("hosted: boot information does not fit in conventional memory (%d bytes)", len(payload))
	}
	copy(m.ram.Bytes()[bootInfoAddr:], payload)

	mbInfo := multiboot.NewInfo(m.ram.Base() + bootInfoAddr)
	info := &kmain.BootInfo{
		MemoryMap:   mbInfo,
		CmdLine:     mbInfo.BootCmdLine(),
		LoaderName:  mbInfo.BootLoaderName(),
		KernelStart: 0,
		KernelEnd:   extMemStart,
		PhysOffset:  m.ram.Base(),
		Headless:    true,
	}

	m.log.WithField("cmdline", cmdLine).Info("booting kernel")
	cpu.AttachMachine(m)

	done := make(chan struct{})
	go func() {
		defer close(done)
		kmain.Start(k, info)
	}()
	return done, nil
}
