//go:build linux && !kernel

package hosted

const (
	picPrimaryCmd    = 0x20
	picPrimaryData   = 0x21
	picSecondaryCmd  = 0xa0
	picSecondaryData = 0xa1
	picCascadeLine   = 2
	icw1Init         = 0x10
	icw1NeedICW4     = 0x01
	icw1Single       = 0x02
	ocw2EOI          = 0x20
	ocw2Specific     = 0x40
	ocw3Select       = 0x08
	ocw3ReadRegister = 0x02
	ocw3ReadISR      = 0x01
	ocwKindMask      = 0x18
	picOffsetMask    = 0xf8
	picLinesPerChip  = 8
	icwStepNone      = 0
	icwStepOffset    = 1
	icwStepCascade   = 2
	icwStepMode      = 3
)

// i8259 emulates a single 8259A interrupt controller in edge-triggered,
// fully nested mode.
type i8259 struct {
	offset uint8
	imr    uint8
	irr    uint8
	isr    uint8

	icwStep  int
	needICW4 bool
	single   bool
	readISR  bool
	ready    bool
}

func (c *i8259) writeCommand(val uint8) {
	switch {
	case val&icw1Init != 0:
		c.icwStep = icwStepOffset
		c.needICW4 = val&icw1NeedICW4 != 0
		c.single = val&icw1Single != 0
		c.imr, c.irr, c.isr = 0, 0, 0
		c.readISR = false
		c.ready = false
	case val&ocwKindMask == ocw3Select:
		if val&ocw3ReadRegister != 0 {
			c.readISR = val&ocw3ReadISR != 0
		}
	case val&ocw2EOI != 0:
		if val&ocw2Specific != 0 {
			c.isr &^= 1 << (val & 7)
			return
		}
		// non-specific EOI clears the highest priority in-service line
		c.isr &= c.isr - 1
	}
}

func (c *i8259) writeData(val uint8) {
	switch c.icwStep {
	case icwStepOffset:
		c.offset = val & picOffsetMask
		c.icwStep = icwStepCascade
		if c.single {
			c.icwStep = icwStepMode
		}
	case icwStepCascade:
		c.icwStep = icwStepMode
	default:
		c.imr = val
		c.icwStep = icwStepNone
		c.ready = true
		return
	}

	if c.icwStep == icwStepMode && !c.needICW4 {
		c.icwStep = icwStepNone
		c.ready = true
	}
}

func (c *i8259) writeMode(val uint8) {
	c.icwStep = icwStepNone
	c.ready = true
}

func (c *i8259) readCommand() uint8 {
	if c.readISR {
		return c.isr
	}
	return c.irr
}

// pending returns the highest priority line that is requested, unmasked and
// not blocked by a line of equal or higher priority in service.
func (c *i8259) pending(extra uint8) (uint8, bool) {
	req := (c.irr | extra) &^ c.imr
	for line := uint8(0); line < picLinesPerChip; line++ {
		bit := uint8(1) << line
		if c.isr&bit != 0 {
			return 0, false
		}
		if req&bit != 0 {
			return line, true
		}
	}
	return 0, false
}

// picPair emulates the cascaded primary/secondary 8259A controllers.
type picPair struct {
	primary, secondary i8259
}

func newPICPair() *picPair {
	p := &picPair{}
	p.primary.imr, p.secondary.imr = 0xff, 0xff
	return p
}

func (p *picPair) chipFor(port uint16) *i8259 {
	if port == picPrimaryCmd || port == picPrimaryData {
		return &p.primary
	}
	return &p.secondary
}

func (p *picPair) write(port uint16, val uint8) {
	c := p.chipFor(port)
	if port == picPrimaryCmd || port == picSecondaryCmd {
		c.writeCommand(val)
		return
	}

	if c.icwStep == icwStepMode {
		c.writeMode(val)
		return
	}
	c.writeData(val)
}

func (p *picPair) read(port uint16) uint8 {
	c := p.chipFor(port)
	if port == picPrimaryCmd || port == picSecondaryCmd {
		return c.readCommand()
	}
	return c.imr
}

// raise latches a request on one of the 16 lines.
func (p *picPair) raise(line uint8) {
	if line < picLinesPerChip {
		p.primary.irr |= 1 << line
		return
	}
	p.secondary.irr |= 1 << (line - picLinesPerChip)
}

// acknowledge emulates the INTA cycle: the highest priority pending line
// moves from IRR to ISR and its vector is returned.
func (p *picPair) acknowledge() (uint8, bool) {
	if !p.primary.ready {
		return 0, false
	}

	var cascade uint8
	secLine, secPending := p.secondary.pending(0)
	if secPending && p.secondary.ready {
		cascade = 1 << picCascadeLine
	}

	line, ok := p.primary.pending(cascade)
	if !ok {
		return 0, false
	}

	p.primary.irr &^= 1 << line
	p.primary.isr |= 1 << line
	if line != picCascadeLine || cascade == 0 {
		return p.primary.offset + line, true
	}

	p.secondary.irr &^= 1 << secLine
	p.secondary.isr |= 1 << secLine
	return p.secondary.offset + secLine, true
}
