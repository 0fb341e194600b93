//go:build linux && !kernel

package hosted

import "github.com/southwarridev/kewveOs/device/keyboard"

const (
	ps2DataPort     = 0x60
	ps2StatusPort   = 0x64
	ps2OutputFull   = 0x01
	ps2Ack          = 0xfa
	ps2Resend       = 0xfe
	ps2CmdEnable    = 0xf4
	ps2CmdDisable   = 0xf5
	ps2ReleaseBit   = 0x80
	ps2QueueLimit   = 256
	keyboardIRQLine = 1
)

// ps2Controller emulates an 8042 controller with a scancode set 1 keyboard
// attached to its first port.
type ps2Controller struct {
	raise func(line uint8)

	scanning bool
	out      []uint8
}

func (c *ps2Controller) status() uint8 {
	if len(c.out) != 0 {
		return ps2OutputFull
	}
	return 0
}

func (c *ps2Controller) readData() uint8 {
	if len(c.out) == 0 {
		return 0
	}

	b := c.out[0]
	c.out = c.out[1:]
	if len(c.out) != 0 && c.scanning {
		c.raise(keyboardIRQLine)
	}
	return b
}

func (c *ps2Controller) writeData(cmd uint8) {
	switch cmd {
	case ps2CmdEnable:
		c.scanning = true
	case ps2CmdDisable:
		c.scanning = false
	default:
		c.push(ps2Resend)
		return
	}

	// command responses are polled by the driver and raise no interrupt
	c.push(ps2Ack)
}

func (c *ps2Controller) push(b ...uint8) {
	if len(c.out)+len(b) > ps2QueueLimit {
		return
	}
	c.out = append(c.out, b...)
}

// typeByte queues the make and break codes that produce ch on a US layout.
// Characters that cannot be typed are ignored.
func (c *ps2Controller) typeByte(ch byte) bool {
	if !c.scanning {
		return false
	}

	code, shifted, ok := scancodeFor(ch)
	if !ok {
		return false
	}

	wasEmpty := len(c.out) == 0
	if shifted {
		c.push(keyboard.ScancodeLeftShift)
	}
	c.push(code, code|ps2ReleaseBit)
	if shifted {
		c.push(keyboard.ScancodeLeftShift | ps2ReleaseBit)
	}

	if wasEmpty {
		c.raise(keyboardIRQLine)
	}
	return true
}

// scancodeFor maps ch back to the set 1 scancode that the keyboard driver
// translates into it.
func scancodeFor(ch byte) (code uint8, shifted, ok bool) {
	if ch == '\r' {
		ch = '\n'
	}

	for code = 1; code < ps2ReleaseBit; code++ {
		if keyboard.Translate(code, false) == ch {
			return code, false, true
		}
	}
	for code = 1; code < ps2ReleaseBit; code++ {
		if keyboard.Translate(code, true) == ch {
			return code, true, true
		}
	}
	return 0, false, false
}
