// Package serial implements a polled driver for 16550-compatible UARTs.
package serial

import (
	"io"

	"github.com/Masterminds/semver/v3"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

// COM1 is the I/O base of the first serial port.
const COM1 = 0x3f8

// Register offsets relative to the port base.
const (
	regData        = 0 // DLAB=0
	regIntEnable   = 1 // DLAB=0
	regDivisorLow  = 0 // DLAB=1
	regDivisorHigh = 1 // DLAB=1
	regFIFOControl = 2
	regLineControl = 3
	regModemCtrl   = 4
	regLineStatus  = 5
)

const (
	lcrDLAB     = 0x80
	lcr8N1      = 0x03
	fcrEnable14 = 0xc7 // enable + clear both FIFOs, 14-byte threshold
	mcrNormal   = 0x0f // DTR, RTS, OUT1, OUT2
	mcrLoopback = 0x1e // RTS, OUT1, OUT2, LOOP
	lsrTHREmpty = 0x20

	// divisor38400 programs 38400 baud from the 115200 Hz base clock.
	divisor38400 = 3

	loopbackProbe = 0xae

	// maxTxSpin bounds the wait for the transmit holding register.
	maxTxSpin = 1 << 16
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	errLoopbackFailed = &kernel.Error{Module: "serial", Message: "loopback test failed", Kind: kernel.KindConfig}

	driverVersion = semver.MustParse("0.1.2")
)

// Port is a 16550 UART used as an output-only io.Writer.
type Port struct {
	mutex sync.IRQSpinlock
	base  uint16

	// timeouts counts bytes that were sent without the transmitter
	// reporting ready.
	timeouts uint64
}

// New returns a driver for the UART at the supplied I/O base.
func New(base uint16) *Port {
	return &Port{base: base}
}

// Base returns the I/O base of the port.
func (p *Port) Base() uint16 {
	return p.base
}

// Write implements io.Writer. Line feeds are expanded to CR LF.
func (p *Port) Write(data []byte) (int, error) {
	p.mutex.Acquire()
	for _, b := range data {
		if b == '\n' {
			p.sendByte('\r')
		}
		p.sendByte(b)
	}
	p.mutex.Release()

	return len(data), nil
}

func (p *Port) sendByte(b byte) {
	spins := 0
	for ; spins < maxTxSpin && portReadByteFn(p.base+regLineStatus)&lsrTHREmpty == 0; spins++ {
	}
	if spins == maxTxSpin {
		p.timeouts++
	}
	portWriteByteFn(p.base+regData, b)
}

// DriverName returns the name of this driver.
func (p *Port) DriverName() string {
	return "uart16550"
}

// DriverVersion returns the version of this driver.
func (p *Port) DriverVersion() *semver.Version {
	return driverVersion
}

// DriverInit programs the UART for 38400 8N1 with FIFOs enabled and
// verifies it with a loopback round-trip. The UART interrupt stays disabled.
func (p *Port) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(p.base+regIntEnable, 0)
	portWriteByteFn(p.base+regLineControl, lcrDLAB)
	portWriteByteFn(p.base+regDivisorLow, divisor38400)
	portWriteByteFn(p.base+regDivisorHigh, 0)
	portWriteByteFn(p.base+regLineControl, lcr8N1)
	portWriteByteFn(p.base+regFIFOControl, fcrEnable14)

	portWriteByteFn(p.base+regModemCtrl, mcrLoopback)
	portWriteByteFn(p.base+regData, loopbackProbe)
	if got := portReadByteFn(p.base + regData); got != loopbackProbe {
		return errLoopbackFailed
	}
	portWriteByteFn(p.base+regModemCtrl, mcrNormal)

	kfmt.Fprintf(w, "port 0x%x at 38400 baud\n", p.base)
	return nil
}

func probeForCOM1(env *device.ProbeEnv) device.Driver {
	if !env.SerialEnabled {
		return nil
	}
	return New(COM1)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderEarly,
		Probe: probeForCOM1,
	})
}
