// Package keyboard implements a driver for the PS/2 keyboard attached to the
// first port of the 8042 controller.
package keyboard

import (
	"io"

	"github.com/Masterminds/semver/v3"

	"github.com/southwarridev/kewveOs/device"
	"github.com/southwarridev/kewveOs/kernel"
	"github.com/southwarridev/kewveOs/kernel/cpu"
	"github.com/southwarridev/kewveOs/kernel/kfmt"
	"github.com/southwarridev/kewveOs/kernel/sync"
)

const (
	dataPort   = 0x60
	statusPort = 0x64

	// statusOutputFull is set while a byte is waiting in the data port.
	statusOutputFull = 1 << 0

	cmdEnableScanning  = 0xf4
	cmdDisableScanning = 0xf5

	// maxFlush bounds the number of stale bytes drained at init time.
	maxFlush = 16

	// EventBufferSize is the capacity of the event queue.
	EventBufferSize = 64
)

var (
	portWriteByteFn = cpu.PortWriteByte
	portReadByteFn  = cpu.PortReadByte

	driverVersion = semver.MustParse("0.3.1")
)

// Event describes a key press or release.
type Event struct {
	// Scancode is the set 1 make code of the key.
	Scancode uint8

	// Pressed is false for key releases.
	Pressed bool

	// Extended is set for keys reported with the 0xe0 prefix.
	Extended bool

	// ASCII is the translated character or 0.
	ASCII byte
}

// Keyboard is the PS/2 keyboard driver. HandleInterrupt runs in interrupt
// context and pushes decoded events to a fixed-size queue which is drained
// by ReadEvent.
type Keyboard struct {
	mutex sync.IRQSpinlock

	events     [EventBufferSize]Event
	head, size int
	dropped    uint64

	leftShift, rightShift bool
	capsLock              bool
	extended              bool

	// Echo receives a line for every key press that produces a
	// character. It may be nil.
	Echo io.Writer
}

// New returns a keyboard driver instance.
func New() *Keyboard {
	return &Keyboard{}
}

// HandleScancode decodes a raw scancode byte and queues the resulting event.
func (kb *Keyboard) HandleScancode(raw uint8) {
	if raw == extendedPrefix {
		kb.extended = true
		return
	}

	ev := Event{
		Scancode: raw &^ releaseBit,
		Pressed:  raw&releaseBit == 0,
		Extended: kb.extended,
	}
	kb.extended = false

	if !ev.Extended {
		switch ev.Scancode {
		case ScancodeLeftShift:
			kb.leftShift = ev.Pressed
		case ScancodeRightShift:
			kb.rightShift = ev.Pressed
		case ScancodeCapsLock:
			if ev.Pressed {
				kb.capsLock = !kb.capsLock
			}
		default:
			ev.ASCII = Translate(ev.Scancode, kb.shifted(ev.Scancode))
		}
	}

	kb.push(ev)

	if ev.Pressed && ev.ASCII >= ' ' && ev.ASCII < 0x7f && kb.Echo != nil {
		kfmt.Fprintf(kb.Echo, "key pressed: '%c'\n", ev.ASCII)
	}
}

// shifted reports whether the shifted layout applies to code. Caps lock only
// affects letters.
func (kb *Keyboard) shifted(code uint8) bool {
	shift := kb.leftShift || kb.rightShift
	if kb.capsLock {
		if ch := Translate(code, false); ch >= 'a' && ch <= 'z' {
			return !shift
		}
	}
	return shift
}

func (kb *Keyboard) push(ev Event) {
	kb.mutex.Acquire()
	if kb.size == EventBufferSize {
		// drop the oldest event
		kb.head = (kb.head + 1) % EventBufferSize
		kb.size--
		kb.dropped++
	}
	kb.events[(kb.head+kb.size)%EventBufferSize] = ev
	kb.size++
	kb.mutex.Release()
}

// ReadEvent dequeues the oldest pending event. The second return value is
// false if the queue is empty.
func (kb *Keyboard) ReadEvent() (Event, bool) {
	kb.mutex.Acquire()
	defer kb.mutex.Release()

	if kb.size == 0 {
		return Event{}, false
	}

	ev := kb.events[kb.head]
	kb.head = (kb.head + 1) % EventBufferSize
	kb.size--
	return ev, true
}

// Pending returns the number of queued events.
func (kb *Keyboard) Pending() int {
	kb.mutex.Acquire()
	defer kb.mutex.Release()
	return kb.size
}

// Dropped returns the number of events discarded because the queue was full.
func (kb *Keyboard) Dropped() uint64 {
	kb.mutex.Acquire()
	defer kb.mutex.Release()
	return kb.dropped
}

// Disable stops the keyboard from sending scancodes.
func (kb *Keyboard) Disable() {
	portWriteByteFn(dataPort, cmdDisableScanning)
}

// DriverName returns the name of this driver.
func (kb *Keyboard) DriverName() string {
	return "ps2_keyboard"
}

// DriverVersion returns the version of this driver.
func (kb *Keyboard) DriverVersion() *semver.Version {
	return driverVersion
}

// DriverInit enables scanning and discards any bytes left in the controller
// output buffer.
func (kb *Keyboard) DriverInit(w io.Writer) *kernel.Error {
	portWriteByteFn(dataPort, cmdEnableScanning)

	var flushed int
	for ; flushed < maxFlush && portReadByteFn(statusPort)&statusOutputFull != 0; flushed++ {
		portReadByteFn(dataPort)
	}

	kfmt.Fprintf(w, "scanning enabled (flushed %d bytes)\n", flushed)
	return nil
}

func probeForKeyboard(_ *device.ProbeEnv) device.Driver {
	return New()
}

func init() {
	device.RegisterDriver(&device.DriverInfo{
		Order: device.DetectOrderNormal,
		Probe: probeForKeyboard,
	})
}
