//go:build linux && !kernel

package hosted

import (
	"bytes"
	"io"
)

const (
	uartBase        = 0x3f8
	uartPorts       = 8
	uartRegData     = 0
	uartRegIER      = 1
	uartRegFCR      = 2
	uartRegLCR      = 3
	uartRegMCR      = 4
	uartRegLSR      = 5
	uartRegScratch  = 7
	uartLCRDLAB     = 0x80
	uartMCRLoopback = 0x10
	uartLSRReady    = 0x01
	uartLSRIdle     = 0x60
)

// uart16550 emulates the transmit side of COM1. Bytes written while the
// modem control register selects normal operation are forwarded line by line
// to out; in loopback mode they are latched into the receive register.
type uart16550 struct {
	out io.Writer

	regs    [uartPorts]uint8
	divisor uint16
	rx      uint8
	rxReady bool
	lineBuf bytes.Buffer
	sent    int
}

func (u *uart16550) write(port uint16, val uint8) {
	reg := port - uartBase
	dlab := u.regs[uartRegLCR]&uartLCRDLAB != 0

	switch {
	case reg == uartRegData && dlab:
		u.divisor = u.divisor&0xff00 | uint16(val)
	case reg == uartRegIER && dlab:
		u.divisor = u.divisor&0x00ff | uint16(val)<<8
	case reg == uartRegData:
		u.transmit(val)
	case reg == uartRegLSR:
		// read-only
	default:
		u.regs[reg] = val
	}
}

func (u *uart16550) read(port uint16) uint8 {
	switch reg := port - uartBase; reg {
	case uartRegData:
		if u.regs[uartRegLCR]&uartLCRDLAB != 0 {
			return uint8(u.divisor)
		}
		u.rxReady = false
		return u.rx
	case uartRegLSR:
		lsr := uint8(uartLSRIdle)
		if u.rxReady {
			lsr |= uartLSRReady
		}
		return lsr
	default:
		return u.regs[reg]
	}
}

func (u *uart16550) transmit(val uint8) {
	if u.regs[uartRegMCR]&uartMCRLoopback != 0 {
		u.rx, u.rxReady = val, true
		return
	}

	u.sent++
	if val == '\r' {
		return
	}

	u.lineBuf.WriteByte(val)
	if val == '\n' {
		u.flush()
	}
}

// flush forwards any partially transmitted line.
func (u *uart16550) flush() {
	if u.lineBuf.Len() == 0 {
		return
	}
	if u.out != nil {
		_, _ = u.out.Write(u.lineBuf.Bytes())
	}
	u.lineBuf.Reset()
}

// baud returns the line speed selected by the divisor latch.
func (u *uart16550) baud() uint32 {
	if u.divisor == 0 {
		return 0
	}
	return 115200 / uint32(u.divisor)
}
