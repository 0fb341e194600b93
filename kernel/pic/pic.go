// Package pic drives the two chained 8259 programmable interrupt controllers
// of PC compatible machines.
//
// The primary chip owns IRQ lines 0-7 and the secondary chip, which is wired
// to line 2 of the primary, owns lines 8-15. After Initialize the lines of
// each chip are delivered to the CPU as the 8 consecutive vectors that start
// at the chip offset.
package pic

import (
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

const (
	primaryCommandPort   = uint16(0x20)
	primaryDataPort      = uint16(0x21)
	secondaryCommandPort = uint16(0xa0)
	secondaryDataPort    = uint16(0xa1)

	// cmdInit (ICW1) starts the initialization sequence; the chip then
	// expects ICW2-ICW4 on its data port.
	cmdInit = uint8(0x11)

	// cmdEndOfInterrupt is the non-specific EOI command (OCW2).
	cmdEndOfInterrupt = uint8(0x20)

	// OCW3 commands that select the register returned by the next read
	// from the command port.
	cmdReadIRR = uint8(0x0a)
	cmdReadISR = uint8(0x0b)

	mode8086 = uint8(0x01)

	// cascadeLine is the primary chip line that the secondary chip is
	// connected to.
	cascadeLine = 2

	// LinesPerChip is the number of IRQ lines handled by each chip.
	LinesPerChip = 8

	// Lines is the total number of IRQ lines handled by the chip pair.
	Lines = 2 * LinesPerChip

	// reservedVectors is the number of vectors reserved for CPU exceptions.
	reservedVectors = 32

	// spuriousLine is the lowest priority line of each chip. A chip that
	// raises an interrupt which disappears before the CPU acknowledges it
	// reports it on this line.
	spuriousLine = 7
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte
	ioWaitFn        = cpu.IOWait

	errReservedOffset = &kernel.Error{Module: "pic", Message: "PIC offsets overlap the CPU exception vectors", Kind: kernel.KindConfig}
	errOffsetLayout   = &kernel.Error{Module: "pic", Message: "secondary PIC offset must equal the primary offset plus 8", Kind: kernel.KindConfig}
	errInvalidLine    = &kernel.Error{Module: "pic", Message: "IRQ line out of range", Kind: kernel.KindInvariant}
)

type chip struct {
	offset        uint8
	command, data uint16
}

func (c *chip) handlesInterrupt(intNumber uint8) bool {
	return uint16(c.offset) <= uint16(intNumber) && uint16(intNumber) < uint16(c.offset)+LinesPerChip
}

func (c *chip) endOfInterrupt() {
	portWriteByteFn(c.command, cmdEndOfInterrupt)
}

func (c *chip) readRegister(ocw3 uint8) uint8 {
	portWriteByteFn(c.command, ocw3)
	return portReadByteFn(c.command)
}

// ChainedPICs controls the primary/secondary 8259 chip pair.
type ChainedPICs struct {
	mutex sync.IRQSpinlock

	// chips[0] is the primary chip, chips[1] the secondary chip.
	chips [2]chip
}

// NewChainedPICs returns a controller for a chip pair whose lines will be
// remapped to the vectors starting at offset0 (primary) and offset1
// (secondary). Both offsets must lie outside the CPU exception range and the
// secondary range must immediately follow the primary range.
func NewChainedPICs(offset0, offset1 uint8) (*ChainedPICs, *kernel.Error) {
	if offset0 < reservedVectors || offset1 < reservedVectors {
		return nil, errReservedOffset
	}

	if uint16(offset1) != uint16(offset0)+LinesPerChip {
		return nil, errOffsetLayout
	}

	return &ChainedPICs{
		chips: [2]chip{
			{offset: offset0, command: primaryCommandPort, data: primaryDataPort},
			{offset: offset1, command: secondaryCommandPort, data: secondaryDataPort},
		},
	}, nil
}

// Offsets returns the first vector of the primary and secondary chips.
func (p *ChainedPICs) Offsets() (uint8, uint8) {
	return p.chips[0].offset, p.chips[1].offset
}

// Vector returns the interrupt vector that IRQ line irq is delivered on.
func (p *ChainedPICs) Vector(irq uint8) (uint8, *kernel.Error) {
	if irq >= Lines {
		return 0, errInvalidLine
	}
	return p.chips[0].offset + irq, nil
}

// Initialize runs the remap handshake on both chips. The interrupt masks
// that were active before the call are restored once the chips have been
// reprogrammed. Initialize must be called with interrupts disabled.
func (p *ChainedPICs) Initialize() {
	p.mutex.Acquire()
	defer p.mutex.Release()

	primary, secondary := &p.chips[0], &p.chips[1]

	savedPrimaryMask := portReadByteFn(primary.data)
	savedSecondaryMask := portReadByteFn(secondary.data)

	for _, w := range [...]struct {
		port uint16
		val  uint8
	}{
		// ICW1: start the initialization sequence
		{primary.command, cmdInit},
		{secondary.command, cmdInit},

		// ICW2: vector offsets
		{primary.data, primary.offset},
		{secondary.data, secondary.offset},

		// ICW3: the primary gets a bitmask of the line the secondary
		// chip is attached to; the secondary gets its cascade identity.
		{primary.data, 1 << cascadeLine},
		{secondary.data, cascadeLine},

		// ICW4
		{primary.data, mode8086},
		{secondary.data, mode8086},

		{primary.data, savedPrimaryMask},
		{secondary.data, savedSecondaryMask},
	} {
		portWriteByteFn(w.port, w.val)
		ioWaitFn()
	}
}

// HandlesInterrupt returns true if intNumber is one of the vectors that the
// chip pair delivers.
func (p *ChainedPICs) HandlesInterrupt(intNumber uint8) bool {
	return p.chips[0].handlesInterrupt(intNumber) || p.chips[1].handlesInterrupt(intNumber)
}

// NotifyEndOfInterrupt acknowledges interrupt intNumber. Interrupts raised by
// the secondary chip are acknowledged on the secondary chip first and then on
// the primary chip, which saw them on its cascade line. Vectors that are not
// owned by either chip are ignored.
func (p *ChainedPICs) NotifyEndOfInterrupt(intNumber uint8) {
	if !p.HandlesInterrupt(intNumber) {
		return
	}

	p.mutex.Acquire()
	if p.chips[1].handlesInterrupt(intNumber) {
		p.chips[1].endOfInterrupt()
	}
	p.chips[0].endOfInterrupt()
	p.mutex.Release()
}

// CheckSpurious reports whether intNumber is a spurious interrupt raised on
// the lowest priority line of either chip. A genuine interrupt has its bit set
// in the in-service register of the raising chip. A spurious interrupt
// must not be acknowledged on the raising chip; a spurious interrupt of the
// secondary chip is still acknowledged on the primary chip, which saw a
// genuine interrupt on its cascade line. CheckSpurious performs that
// acknowledgment.
func (p *ChainedPICs) CheckSpurious(intNumber uint8) bool {
	p.mutex.Acquire()
	defer p.mutex.Release()

	for index := range p.chips {
		c := &p.chips[index]
		if intNumber != c.offset+spuriousLine {
			continue
		}

		if c.readRegister(cmdReadISR)&(1<<spuriousLine) != 0 {
			return false
		}

		if index == 1 {
			p.chips[0].endOfInterrupt()
		}
		return true
	}

	return false
}

// ReadIRR returns the combined interrupt request registers of both chips.
// Bits 0-7 belong to the primary and bits 8-15 to the secondary chip.
func (p *ChainedPICs) ReadIRR() uint16 {
	return p.readRegisters(cmdReadIRR)
}

// ReadISR returns the combined in-service registers of both chips.
func (p *ChainedPICs) ReadISR() uint16 {
	return p.readRegisters(cmdReadISR)
}

func (p *ChainedPICs) readRegisters(ocw3 uint8) uint16 {
	p.mutex.Acquire()
	defer p.mutex.Release()

	return uint16(p.chips[1].readRegister(ocw3))<<8 | uint16(p.chips[0].readRegister(ocw3))
}

// Masks returns the interrupt masks of the primary and secondary chips. A set
// bit disables the corresponding line.
func (p *ChainedPICs) Masks() (uint8, uint8) {
	p.mutex.Acquire()
	defer p.mutex.Release()

	return portReadByteFn(p.chips[0].data), portReadByteFn(p.chips[1].data)
}

// SetMasks replaces the interrupt masks of both chips.
func (p *ChainedPICs) SetMasks(primaryMask, secondaryMask uint8) {
	p.mutex.Acquire()
	portWriteByteFn(p.chips[0].data, primaryMask)
	portWriteByteFn(p.chips[1].data, secondaryMask)
	p.mutex.Release()
}

// Disable masks every line of both chips.
func (p *ChainedPICs) Disable() {
	p.SetMasks(0xff, 0xff)
}

// MaskLine disables IRQ line irq (0-15).
func (p *ChainedPICs) MaskLine(irq uint8) *kernel.Error {
	return p.updateLine(irq, true)
}

// UnmaskLine enables IRQ line irq (0-15). Unmasking a secondary line also
// unmasks the cascade line of the primary chip.
func (p *ChainedPICs) UnmaskLine(irq uint8) *kernel.Error {
	return p.updateLine(irq, false)
}

func (p *ChainedPICs) updateLine(irq uint8, masked bool) *kernel.Error {
	if irq >= Lines {
		return errInvalidLine
	}

	p.mutex.Acquire()
	defer p.mutex.Release()

	c, bit := &p.chips[irq/LinesPerChip], uint8(1)<<(irq%LinesPerChip)
	mask := portReadByteFn(c.data)
	if masked {
		mask |= bit
	} else {
		mask &^= bit
	}
	portWriteByteFn(c.data, mask)

	if !masked && irq >= LinesPerChip {
		primary := &p.chips[0]
		if cascade := portReadByteFn(primary.data); cascade&(1<<cascadeLine) != 0 {
			portWriteByteFn(primary.data, cascade&^(1<<cascadeLine))
		}
	}

	return nil
}
