// Package timer drives channel 0 of the 8253/8254 programmable interval
// timer which raises IRQ0 at a configurable rate.
package timer

import (
	"io"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
)

const (
	// BaseFrequency is the input clock of the PIT in Hz.
	BaseFrequency = 1193182

	// MinFrequency is the lowest rate that fits in the 16-bit divisor.
	MinFrequency = BaseFrequency/0x10000 + 1

	// DefaultFrequency yields one tick per millisecond.
	DefaultFrequency = 1000

	channel0Port = 0x40
	commandPort  = 0x43

	// channel 0, lobyte/hibyte access, mode 3 (square wave), binary.
	cmdSquareWave = 0x36

	// channel 0, lobyte/hibyte access, mode 0 (one-shot); used with a zero
	// divisor to park the counter.
	cmdOneShot = 0x30
)

var (
	portWriteByteFn = cpu.PortWriteByte

	errInvalidFrequency = &kernel.Error{Module: "pit", Message: "timer frequency out of range", Kind: kernel.KindConfig}

	driverVersion = semver.MustParse("0.2.0")
)

// PIT is the driver for the programmable interval timer.
type PIT struct {
	hz    uint32
	ticks uint64

	// OnTick is invoked from interrupt context for every timer tick.
	OnTick func()
}

// New returns a PIT driver that will program the timer for hz interrupts
// per second when initialized.
func New(hz uint32) *PIT {
	return &PIT{hz: hz}
}

// Divisor returns the reload value that yields the requested frequency.
func Divisor(hz uint32) (uint16, *kernel.Error) {
	if hz < MinFrequency || hz > BaseFrequency {
		return 0, errInvalidFrequency
	}

	return uint16(BaseFrequency / hz), nil
}

// Frequency returns the programmed tick rate in Hz.
func (p *PIT) Frequency() uint32 {
	return p.hz
}

// Ticks returns the number of interrupts serviced by HandleInterrupt.
func (p *PIT) Ticks() uint64 {
	return atomic.LoadUint64(&p.ticks)
}

// HandleInterrupt is the IRQ0 hook.
func (p *PIT) HandleInterrupt() {
	atomic.AddUint64(&p.ticks, 1)
	if p.OnTick != nil {
		p.OnTick()
	}
}

// Stop parks channel 0 so that no further interrupts are raised.
func (p *PIT) Stop() {
	portWriteByteFn(commandPort, cmdOneShot)
	portWriteByteFn(channel0Port, 0)
	portWriteByteFn(channel0Port, 0)
}

// DriverName returns the name of this driver.
func (p *PIT) DriverName() string {
	return "pit"
}

// DriverVersion returns the version of this driver.
func (p *PIT) DriverVersion() *semver.Version {
	return driverVersion
}

// DriverInit programs channel 0 with the configured rate.
func (p *PIT) DriverInit(w io.Writer) *kernel.Error {
	divisor, err := Divisor(p.hz)
	if err != nil {
		return err
	}

	portWriteByteFn(commandPort, cmdSquareWave)
	portWriteByteFn(channel0Port, uint8(divisor))
	portWriteByteFn(channel0Port, uint8(divisor>>8))

	kfmt.Fprintf(w, "channel 0 at %d Hz (divisor %d)\n", p.hz, divisor)
	return nil
}

func probeForPIT(env *device.ProbeEnv) device.Driver {
	hz := env.TimerHz
	if hz == 0 {
		hz = DefaultFrequency
	}
	return New(hz)
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order:    device.DetectOrderNormal,
		Requires: ">= 0.4.0",
		Probe:    probeForPIT,
	})
}
